// Package store is the narrow adapter over the durable store. The in-memory
// presence registry is authoritative at runtime; rows written here are a
// write-through mirror used for restart recovery and cross-process reads.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors. Anything else a backend returns is a generic
// store-unavailable condition wrapped with context.
var (
	ErrNotFound    = errors.New("store: not found")
	ErrUnavailable = errors.New("store: unavailable")
)

// MomentStatus is the lifecycle state of a moment.
type MomentStatus string

const (
	MomentScheduled MomentStatus = "scheduled"
	MomentLive      MomentStatus = "live"
	MomentEnded     MomentStatus = "ended"
)

// Moment is a time-boxed, named ambient experience.
type Moment struct {
	ID                  string
	Slug                string
	Title               string
	Status              MomentStatus
	MaxParticipants     int
	DurationSeconds     int
	TotalSessions       int64
	TotalMinutesPresent int64
	PeakPresence        int
	CreatedAt           time.Time
}

// Session is one visitor's durable record for one moment. Exactly one of
// (EndedAt==nil, DurationSeconds==0) or (EndedAt!=nil, DurationSeconds>0)
// holds at any time.
type Session struct {
	ID              string
	MomentID        string
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds int64
	UserAgent       *string // truncated to 500 code units
	IPHash          *string // keyed SHA-256, 64 hex chars
	Token           *string // bookkeeping only; the signature is authoritative
}

// Presence mirrors one live duplex channel attached to a session.
type Presence struct {
	ID              string
	SocketID        string
	SessionID       string
	MomentID        string
	ConnectedAt     time.Time
	LastHeartbeatAt time.Time
}

// SessionPatch carries the mutable session fields for UpdateSession. Nil
// fields are left untouched.
type SessionPatch struct {
	Token           *string
	EndedAt         *time.Time
	DurationSeconds *int64
}

// Store is the transactional CRUD surface for moments, sessions, presences,
// and aggregate metrics.
type Store interface {
	FindMomentByID(ctx context.Context, id string) (*Moment, error)
	FindFirstLiveMoment(ctx context.Context) (*Moment, error)
	// IncrementMomentCounters adds to the monotonic aggregate counters.
	IncrementMomentCounters(ctx context.Context, momentID string, sessions, minutes int64) error
	// UpdatePeakPresence raises peak_presence to count iff count exceeds the
	// stored value (compare-and-update; peak only grows).
	UpdatePeakPresence(ctx context.Context, momentID string, count int) error

	CreateSession(ctx context.Context, s *Session) error
	FindSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, id string, patch SessionPatch) error
	// FindStaleSessions returns unended sessions started before cutoff with
	// no presence heartbeat at or after cutoff.
	FindStaleSessions(ctx context.Context, cutoff time.Time) ([]*Session, error)

	CreatePresence(ctx context.Context, p *Presence) error
	DeletePresenceBySocketID(ctx context.Context, socketID string) error
	DeletePresencesBySessionID(ctx context.Context, sessionID string) (int, error)
	UpdatePresenceHeartbeat(ctx context.Context, socketID string, ts time.Time) error
	// CountPresences counts durable presence rows, for one moment or (with
	// an empty momentID) across all moments.
	CountPresences(ctx context.Context, momentID string) (int, error)

	// Transact runs fn against a store view whose writes commit or roll back
	// as a unit. Session-end bookkeeping always runs through this.
	Transact(ctx context.Context, fn func(Store) error) error

	Ping(ctx context.Context) error
	Close() error
}

// TruncateUserAgent bounds the only free-form client field stored durably.
func TruncateUserAgent(ua string) string {
	const maxLen = 500
	runes := []rune(ua)
	if len(runes) > maxLen {
		return string(runes[:maxLen])
	}
	return ua
}
