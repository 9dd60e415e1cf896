// Package session implements durable session bookkeeping: anonymous session
// creation, token-backed verification, explicit end, and the stale-session
// sweeper. Sessions survive channel restarts; presences do not.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stillhour/backend/internal/ratelimit"
	"github.com/stillhour/backend/internal/store"
	"github.com/stillhour/backend/internal/token"
)

// Failure taxonomy for the operations below. Callers map these onto HTTP
// statuses or wire error codes; the text never reaches clients directly.
var (
	ErrMomentNotFound  = errors.New("moment not found")
	ErrMomentNotLive   = errors.New("moment not live")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session ended")
	ErrAlreadyEnded    = errors.New("session already ended")
	ErrInvalidToken    = errors.New("invalid token")
	ErrExpiredToken    = errors.New("token expired")
)

// RateLimitedError carries the backoff hint for a denied request.
type RateLimitedError struct {
	RetryAfter int // seconds
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %ds", e.RetryAfter)
}

// PresenceRemover lets the manager evict in-memory presences when a session
// ends outside the gateway path (HTTP end, stale sweep). Wired to the
// presence registry at process start.
type PresenceRemover interface {
	RemoveSessionPresences(sessionID string)
}

// DefaultStaleAfter is how long a session may go without any presence
// heartbeat before the sweeper ends it.
const DefaultStaleAfter = 24 * time.Hour

// Manager owns the session lifecycle.
type Manager struct {
	store      store.Store
	tokens     *token.Service
	beginLimit *ratelimit.Limiter
	hasher     *ratelimit.IPHasher
	presence   PresenceRemover
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewManager wires the session manager. beginLimit guards createAnonymous;
// hasher keys the stored IP digest.
func NewManager(st store.Store, tokens *token.Service, beginLimit *ratelimit.Limiter, hasher *ratelimit.IPHasher) *Manager {
	return &Manager{
		store:      st,
		tokens:     tokens,
		beginLimit: beginLimit,
		hasher:     hasher,
		staleAfter: DefaultStaleAfter,
		logger:     slog.Default().With("component", "session"),
		now:        time.Now,
	}
}

// SetPresenceRemover attaches the in-memory registry hook. Optional; set
// once during startup, before any traffic.
func (m *Manager) SetPresenceRemover(r PresenceRemover) { m.presence = r }

// SetStaleAfter overrides the stale-session cutoff. Used by config and tests.
func (m *Manager) SetStaleAfter(d time.Duration) {
	if d > 0 {
		m.staleAfter = d
	}
}

// BeginInput is the client-derived material for createAnonymous. UserAgent
// and IPAddress may be empty; the raw address is hashed, never stored.
type BeginInput struct {
	MomentID  string
	UserAgent string
	IPAddress string
}

// BeginResult is handed back to the client verbatim.
type BeginResult struct {
	Token     string
	SessionID string
	MomentID  string
	ExpiresAt time.Time
}

// CreateAnonymous mints a session and its credential for a live moment.
// On a failure after the session row is inserted, the partial row remains
// and the stale sweeper reaps it; callers observe the outer failure only.
func (m *Manager) CreateAnonymous(ctx context.Context, in BeginInput, rateKey string) (*BeginResult, error) {
	if res := m.beginLimit.Check(rateKey); !res.Allowed {
		return nil, &RateLimitedError{RetryAfter: res.RetryAfter}
	}

	moment, err := m.store.FindMomentByID(ctx, in.MomentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrMomentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load moment: %w", err)
	}
	if moment.Status != store.MomentLive {
		return nil, ErrMomentNotLive
	}

	sess := &store.Session{
		ID:        uuid.NewString(),
		MomentID:  moment.ID,
		StartedAt: m.now().UTC(),
	}
	if in.UserAgent != "" {
		ua := store.TruncateUserAgent(in.UserAgent)
		sess.UserAgent = &ua
	}
	if in.IPAddress != "" {
		h := m.hasher.Hash(in.IPAddress)
		sess.IPHash = &h
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	tok, expiresAt, err := m.tokens.Issue(sess.ID, moment.ID)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	// The stored string is bookkeeping only; the signature stays authoritative.
	if err := m.store.UpdateSession(ctx, sess.ID, store.SessionPatch{Token: &tok}); err != nil {
		return nil, fmt.Errorf("record token: %w", err)
	}

	if err := m.store.IncrementMomentCounters(ctx, moment.ID, 1, 0); err != nil {
		return nil, fmt.Errorf("count session: %w", err)
	}

	m.logger.Info("session started", "session_id", sess.ID, "moment_id", moment.ID)
	return &BeginResult{
		Token:     tok,
		SessionID: sess.ID,
		MomentID:  moment.ID,
		ExpiresAt: expiresAt,
	}, nil
}

// Verify decodes the credential and checks the underlying session is still
// open. Returns the bound session and moment identifiers.
func (m *Manager) Verify(ctx context.Context, tokenStr string) (sessionID, momentID string, err error) {
	claims, err := m.tokens.Verify(tokenStr)
	if errors.Is(err, token.ErrExpiredToken) {
		return "", "", ErrExpiredToken
	}
	if err != nil {
		return "", "", ErrInvalidToken
	}

	sess, err := m.store.FindSession(ctx, claims.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return "", "", ErrSessionNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("load session: %w", err)
	}
	if sess.EndedAt != nil {
		return "", "", ErrSessionEnded
	}
	if sess.MomentID != claims.MomentID {
		return "", "", ErrInvalidToken
	}
	return sess.ID, sess.MomentID, nil
}

// End closes a session: records endedAt and duration, deletes its presence
// rows, and folds whole minutes into the moment's cumulative counter. All
// durable writes commit as one transaction. Returns the duration in seconds.
func (m *Manager) End(ctx context.Context, sessionID string) (int64, error) {
	sess, err := m.store.FindSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrSessionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("load session: %w", err)
	}
	if sess.EndedAt != nil {
		return 0, ErrAlreadyEnded
	}

	endedAt := m.now().UTC()
	duration := int64(endedAt.Sub(sess.StartedAt) / time.Second)
	if duration < 1 {
		// An ended session always has a positive duration.
		duration = 1
	}
	minutes := duration / 60

	err = m.store.Transact(ctx, func(tx store.Store) error {
		if err := tx.UpdateSession(ctx, sessionID, store.SessionPatch{
			EndedAt:         &endedAt,
			DurationSeconds: &duration,
		}); err != nil {
			return err
		}
		if _, err := tx.DeletePresencesBySessionID(ctx, sessionID); err != nil {
			return err
		}
		if minutes > 0 {
			if err := tx.IncrementMomentCounters(ctx, sess.MomentID, 0, minutes); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("end session: %w", err)
	}

	if m.presence != nil {
		m.presence.RemoveSessionPresences(sessionID)
	}

	m.logger.Info("session ended",
		"session_id", sessionID, "moment_id", sess.MomentID, "duration_s", duration)
	return duration, nil
}

// SweepStale ends every open session without a presence heartbeat inside
// the stale window, through the same path as an explicit end. Returns how
// many sessions were ended.
func (m *Manager) SweepStale(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.staleAfter)
	stale, err := m.store.FindStaleSessions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stale sessions: %w", err)
	}

	ended := 0
	for _, s := range stale {
		if _, err := m.End(ctx, s.ID); err != nil {
			if errors.Is(err, ErrAlreadyEnded) || errors.Is(err, ErrSessionNotFound) {
				continue
			}
			m.logger.Warn("stale sweep failed for session", "session_id", s.ID, "error", err)
			continue
		}
		ended++
	}
	if ended > 0 {
		m.logger.Info("stale sessions reaped", "count", ended)
	}
	return ended, nil
}

// RunSweeper runs SweepStale on a timer until done closes.
func (m *Manager) RunSweeper(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := m.SweepStale(ctx); err != nil {
				m.logger.Warn("stale sweep error", "error", err)
			}
			cancel()
		case <-done:
			return
		}
	}
}
