package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stillhour/backend/internal/session"
	"github.com/stillhour/backend/internal/store"
)

type beginRequest struct {
	MomentID string `json:"momentId"`
}

type beginResponse struct {
	Token     string `json:"token"`
	SessionID string `json:"sessionId"`
	MomentID  string `json:"momentId"`
	ExpiresAt string `json:"expiresAt"`
}

// handleSessionBegin mints an anonymous session for the requested moment,
// or for the currently live one when the body names none.
func (s *Server) handleSessionBegin(w http.ResponseWriter, r *http.Request) {
	var req beginRequest
	if r.Body != nil {
		// An empty or absent body simply targets the live moment.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			writeError(w, http.StatusBadRequest, "invalid_request", "malformed body")
			return
		}
	}

	momentID := req.MomentID
	if momentID == "" {
		live, err := s.store.FindFirstLiveMoment(r.Context())
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no_live_moment", "nothing is live right now")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error", "temporary failure")
			return
		}
		momentID = live.ID
	}

	ip := clientIP(r)
	result, err := s.sessions.CreateAnonymous(r.Context(), session.BeginInput{
		MomentID:  momentID,
		UserAgent: r.UserAgent(),
		IPAddress: ip,
	}, "begin:"+ip)

	var limited *session.RateLimitedError
	switch {
	case errors.As(err, &limited):
		if s.metrics != nil {
			s.metrics.RateLimitDenials.WithLabelValues("session_begin").Inc()
		}
		w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
		return
	case errors.Is(err, session.ErrMomentNotFound):
		writeError(w, http.StatusNotFound, "no_live_moment", "nothing is live right now")
		return
	case errors.Is(err, session.ErrMomentNotLive):
		writeError(w, http.StatusBadRequest, "not_live", "that moment is not live")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "server_error", "temporary failure")
		return
	}

	if s.metrics != nil {
		s.metrics.SessionsStarted.Inc()
	}
	writeJSON(w, http.StatusOK, beginResponse{
		Token:     result.Token,
		SessionID: result.SessionID,
		MomentID:  result.MomentID,
		ExpiresAt: result.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

type endResponse struct {
	SessionID       string `json:"sessionId"`
	MomentID        string `json:"momentId"`
	DurationSeconds int64  `json:"durationSeconds"`
	DurationMinutes int64  `json:"durationMinutes"`
}

// handleSessionEnd closes the bearer's session. Idempotency: a second call
// answers 400 already_ended.
func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	tokenStr, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_token", "authorization required")
		return
	}

	sessionID, momentID, err := s.sessions.Verify(r.Context(), tokenStr)
	switch {
	case errors.Is(err, session.ErrSessionEnded):
		writeError(w, http.StatusBadRequest, "already_ended", "session already ended")
		return
	case err != nil:
		writeError(w, http.StatusUnauthorized, "invalid_token", "authorization rejected")
		return
	}

	duration, err := s.sessions.End(r.Context(), sessionID)
	switch {
	case errors.Is(err, session.ErrAlreadyEnded):
		writeError(w, http.StatusBadRequest, "already_ended", "session already ended")
		return
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusUnauthorized, "invalid_token", "authorization rejected")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "server_error", "temporary failure")
		return
	}

	if s.metrics != nil {
		s.metrics.SessionsEnded.Inc()
		s.metrics.SessionDuration.Observe(float64(duration))
	}
	writeJSON(w, http.StatusOK, endResponse{
		SessionID:       sessionID,
		MomentID:        momentID,
		DurationSeconds: duration,
		DurationMinutes: duration / 60,
	})
}

type momentView struct {
	ID                  string `json:"id"`
	Slug                string `json:"slug"`
	Title               string `json:"title"`
	Status              string `json:"status"`
	MaxParticipants     int    `json:"maxParticipants"`
	DurationSeconds     int    `json:"duration"`
	PresenceCount       int    `json:"presenceCount"`
	PeakPresence        int    `json:"peakPresence"`
	TotalSessions       int64  `json:"totalSessions"`
	TotalMinutesPresent int64  `json:"totalMinutesPresent"`
	CreatedAt           string `json:"createdAt"`
}

// handleMomentCurrent returns the live moment's public profile with the
// live count read from the in-memory registry. No session-level fields
// ever appear here.
func (s *Server) handleMomentCurrent(w http.ResponseWriter, r *http.Request) {
	live, err := s.store.FindFirstLiveMoment(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no_live_moment", "nothing is live right now")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "temporary failure")
		return
	}

	count := s.registry.PresenceCount(live.ID)
	peak := live.PeakPresence
	if count > peak {
		peak = count
	}
	writeJSON(w, http.StatusOK, momentView{
		ID:                  live.ID,
		Slug:                live.Slug,
		Title:               live.Title,
		Status:              string(live.Status),
		MaxParticipants:     live.MaxParticipants,
		DurationSeconds:     live.DurationSeconds,
		PresenceCount:       count,
		PeakPresence:        peak,
		TotalSessions:       live.TotalSessions,
		TotalMinutesPresent: live.TotalMinutesPresent,
		CreatedAt:           live.CreatedAt.UTC().Format(time.RFC3339),
	})
}

type healthStats struct {
	TotalSessions  int64  `json:"totalSessions"`
	TotalPresences int    `json:"totalPresences"`
	LiveMomentID   string `json:"liveMomentId,omitempty"`
}

type healthResponse struct {
	Status   string       `json:"status"`
	Database string       `json:"database"`
	Stats    *healthStats `json:"stats,omitempty"`
}

// handleHealth probes the store and reports aggregate counts.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status:   "unhealthy",
			Database: "unreachable",
		})
		return
	}

	stats := &healthStats{}
	if n, err := s.store.CountPresences(ctx, ""); err == nil {
		stats.TotalPresences = n
	}
	if live, err := s.store.FindFirstLiveMoment(ctx); err == nil {
		stats.LiveMomentID = live.ID
		stats.TotalSessions = live.TotalSessions
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "healthy",
		Database: "connected",
		Stats:    stats,
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	tok := strings.TrimSpace(auth[len(prefix):])
	return tok, tok != ""
}
