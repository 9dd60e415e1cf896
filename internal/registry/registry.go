// Package registry holds the authoritative in-memory presence state: which
// sockets are connected, which have joined which moment, and when each was
// last heard from. The durable store is a write-through mirror; every
// mutation flows through the operations here.
package registry

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stillhour/backend/internal/metrics"
	"github.com/stillhour/backend/internal/protocol"
	"github.com/stillhour/backend/internal/ratelimit"
	"github.com/stillhour/backend/internal/session"
	"github.com/stillhour/backend/internal/store"
)

// Channel is the registry's handle on one duplex connection. Enqueue must be
// non-blocking and must preserve the order of successful calls; the gateway
// satisfies this with a buffered send channel drained by a single writer.
type Channel interface {
	Enqueue(data []byte) bool
	CloseWithCode(code int, reason string)
	Writable() bool
}

// ConnState tracks one socket's lifecycle from register to unregister.
type ConnState struct {
	SocketID        string
	SessionID       string
	MomentID        string
	ConnectedAt     time.Time
	LastHeartbeatAt time.Time
	MessageCount    int64
	IsJoined        bool
}

type presenceEntry struct {
	sessionID       string
	momentID        string
	connectedAt     time.Time
	lastHeartbeatAt time.Time
	lastPersistedAt time.Time
}

const (
	// HeartbeatTimeout is three missed heartbeat intervals.
	HeartbeatTimeout = 90 * time.Second
	// SweepInterval is how often the heartbeat sweeper runs.
	SweepInterval = 30 * time.Second
	// PersistInterval throttles heartbeat write-through to the store.
	PersistInterval = 60 * time.Second

	// CloseGoingAway is sent when the sweeper reaps a silent connection.
	CloseGoingAway = 1001
	// CloseNormal is sent on orderly shutdown.
	CloseNormal = 1000
)

// Registry is the per-moment presence state machine. A single RWMutex guards
// the four maps; no store call ever happens while it is held.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]Channel
	states    map[string]*ConnState
	presences map[string]*presenceEntry
	byMoment  map[string]map[string]struct{}
	peaks     map[string]int // highest peak seen for a moment this process

	sessions  *session.Manager
	store     store.Store
	heartbeat *ratelimit.Limiter
	metrics   *metrics.Metrics
	logger    *log.Logger
	now       func() time.Time

	heartbeatTimeout time.Duration
	persistInterval  time.Duration
}

// New wires a registry. metrics may be nil in tests.
func New(st store.Store, sessions *session.Manager, heartbeatLimiter *ratelimit.Limiter, m *metrics.Metrics) *Registry {
	return &Registry{
		conns:            make(map[string]Channel),
		states:           make(map[string]*ConnState),
		presences:        make(map[string]*presenceEntry),
		byMoment:         make(map[string]map[string]struct{}),
		peaks:            make(map[string]int),
		sessions:         sessions,
		store:            st,
		heartbeat:        heartbeatLimiter,
		metrics:          m,
		logger:           log.New(log.Writer(), "[REGISTRY] ", log.LstdFlags),
		now:              time.Now,
		heartbeatTimeout: HeartbeatTimeout,
		persistInterval:  PersistInterval,
	}
}

// SetHeartbeatTimeout overrides the reap threshold. Used by config and tests.
func (r *Registry) SetHeartbeatTimeout(d time.Duration) {
	if d > 0 {
		r.heartbeatTimeout = d
	}
}

// ============================================================================
// CONNECTION LIFECYCLE
// ============================================================================

// Register records a freshly accepted channel. Socket ids are generated by
// the gateway and must be unique; a duplicate here is a bug upstream.
func (r *Registry) Register(socketID string, ch Channel) {
	now := r.now().UTC()

	r.mu.Lock()
	r.conns[socketID] = ch
	r.states[socketID] = &ConnState{
		SocketID:        socketID,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ConnectionsOpen.Inc()
	}
}

// Unregister tears a socket down. If it holds a presence, Leave runs first
// so peers observe the decrement.
func (r *Registry) Unregister(socketID string) {
	r.mu.RLock()
	_, hasPresence := r.presences[socketID]
	r.mu.RUnlock()

	if hasPresence {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		r.Leave(ctx, socketID)
		cancel()
	}

	r.mu.Lock()
	_, existed := r.states[socketID]
	delete(r.conns, socketID)
	delete(r.states, socketID)
	r.mu.Unlock()

	if existed && r.metrics != nil {
		r.metrics.ConnectionsOpen.Dec()
	}
}

// ============================================================================
// JOIN / LEAVE / HEARTBEAT
// ============================================================================

// Join validates the credential, mirrors the presence durably, adds the
// socket to its moment, and notifies everyone. All failures are reported to
// the socket as error frames; the registry never leaves dangling entries
// after a failed join.
func (r *Registry) Join(ctx context.Context, socketID, tokenStr, claimedMomentID string) {
	r.mu.RLock()
	st := r.states[socketID]
	alreadyJoined := st != nil && st.IsJoined
	r.mu.RUnlock()
	if st == nil {
		return // unregistered while the frame was in flight
	}
	if alreadyJoined {
		r.SendError(socketID, protocol.CodeAlreadyJoined, "already joined")
		return
	}

	sessionID, momentID, err := r.sessions.Verify(ctx, tokenStr)
	if err != nil {
		r.SendError(socketID, verifyErrorCode(err), "session token rejected")
		return
	}
	if momentID != claimedMomentID {
		// Deliberately the same code as a bad signature: no leakage of
		// which side of the mismatch was wrong.
		r.SendError(socketID, protocol.CodeInvalidToken, "session token rejected")
		return
	}

	moment, err := r.store.FindMomentByID(ctx, momentID)
	if errors.Is(err, store.ErrNotFound) {
		r.SendError(socketID, protocol.CodeMomentNotFound, "moment not found")
		return
	}
	if err != nil {
		r.storeError("join: load moment", err)
		r.SendError(socketID, protocol.CodeServerError, "temporary failure")
		return
	}
	if moment.Status != store.MomentLive {
		r.SendError(socketID, protocol.CodeMomentNotLive, "moment is not live")
		return
	}

	// A session holds at most one presence. A replayed credential evicts the
	// prior socket's presence rather than double-counting the participant;
	// the common case is a client rejoining before its dead connection is
	// swept.
	if prior := r.socketForSession(sessionID); prior != "" && prior != socketID {
		r.logger.Printf("evicting prior presence socket=%s session=%s", prior, sessionID)
		r.Leave(ctx, prior)
	}

	now := r.now().UTC()
	row := &store.Presence{
		ID:              uuid.NewString(),
		SocketID:        socketID,
		SessionID:       sessionID,
		MomentID:        momentID,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
	}
	if err := r.store.CreatePresence(ctx, row); err != nil {
		r.storeError("join: create presence", err)
		r.SendError(socketID, protocol.CodeServerError, "temporary failure")
		return
	}

	// Durable row exists; now flip the in-memory maps under the lock and
	// snapshot the fan-out recipients.
	r.mu.Lock()
	st = r.states[socketID]
	if st == nil || st.IsJoined || r.socketForSessionLocked(sessionID) != "" {
		// Unregistered mid-join, or a racing duplicate on the socket or the
		// session. Undo the row.
		r.mu.Unlock()
		if derr := r.store.DeletePresenceBySocketID(ctx, socketID); derr != nil {
			r.storeError("join: rollback presence", derr)
		}
		if st != nil {
			r.SendError(socketID, protocol.CodeAlreadyJoined, "already joined")
		}
		return
	}
	st.IsJoined = true
	st.SessionID = sessionID
	st.MomentID = momentID
	st.LastHeartbeatAt = now
	r.presences[socketID] = &presenceEntry{
		sessionID:       sessionID,
		momentID:        momentID,
		connectedAt:     now,
		lastHeartbeatAt: now,
		lastPersistedAt: now,
	}
	set := r.byMoment[momentID]
	if set == nil {
		set = make(map[string]struct{})
		r.byMoment[momentID] = set
	}
	set[socketID] = struct{}{}
	count := len(set)

	peak := r.peaks[momentID]
	if moment.PeakPresence > peak {
		peak = moment.PeakPresence
	}
	if count > peak {
		peak = count
	}
	r.peaks[momentID] = peak
	recipients := r.snapshotLocked(momentID)
	r.mu.Unlock()

	if count > moment.PeakPresence {
		// Compare-and-update; a lost race costs one missed write and the
		// monotone property still holds.
		if err := r.store.UpdatePeakPresence(ctx, momentID, count); err != nil {
			r.storeError("join: update peak", err)
		}
	}

	if r.metrics != nil {
		r.metrics.PresencesJoined.Inc()
	}
	r.logger.Printf("joined socket=%s moment=%s count=%d", socketID, momentID, count)

	// joined reaches the socket before its own presence_update.
	r.SendMessage(socketID, protocol.MustEncode(protocol.TypeJoined, protocol.JoinedPayload{
		SocketID:      socketID,
		MomentID:      momentID,
		PresenceCount: count,
		Timestamp:     now.UnixMilli(),
	}))
	r.broadcast(momentID, recipients, count, peak)
}

// Leave removes the socket's presence. A leave without a presence is a
// no-op; it never fails.
func (r *Registry) Leave(ctx context.Context, socketID string) {
	r.mu.Lock()
	pres := r.presences[socketID]
	if pres == nil {
		r.mu.Unlock()
		return
	}
	momentID := pres.momentID
	delete(r.presences, socketID)
	if st := r.states[socketID]; st != nil {
		st.IsJoined = false
		st.SessionID = ""
		st.MomentID = ""
	}
	if set := r.byMoment[momentID]; set != nil {
		delete(set, socketID)
		if len(set) == 0 {
			delete(r.byMoment, momentID)
		}
	}
	count := len(r.byMoment[momentID])
	peak := r.peaks[momentID]
	recipients := r.snapshotLocked(momentID)
	r.mu.Unlock()

	if err := r.store.DeletePresenceBySocketID(ctx, socketID); err != nil {
		r.storeError("leave: delete presence", err)
	}

	if r.metrics != nil {
		r.metrics.PresencesJoined.Dec()
	}
	r.logger.Printf("left socket=%s moment=%s count=%d", socketID, momentID, count)

	// Best-effort: the channel may already be closing under us.
	now := r.now().UTC()
	r.SendMessage(socketID, protocol.MustEncode(protocol.TypeLeft, protocol.LeftPayload{
		SocketID:      socketID,
		MomentID:      momentID,
		PresenceCount: count,
		Timestamp:     now.UnixMilli(),
	}))
	r.broadcast(momentID, recipients, count, peak)
}

// Heartbeat refreshes liveness for the socket. Rate-limit denials drop the
// frame silently; heartbeats are noisy and an error reply would only add
// traffic. The session token is not re-verified on this hot path — the
// credential was checked at join and the channel is trusted for its
// lifetime.
func (r *Registry) Heartbeat(ctx context.Context, socketID string, clientTS int64) {
	if res := r.heartbeat.Check(socketID); !res.Allowed {
		if r.metrics != nil {
			r.metrics.RateLimitDenials.WithLabelValues("heartbeat").Inc()
		}
		return
	}

	now := r.now().UTC()
	var persist bool

	r.mu.Lock()
	st := r.states[socketID]
	if st == nil {
		r.mu.Unlock()
		return
	}
	st.LastHeartbeatAt = now
	st.MessageCount++
	if pres := r.presences[socketID]; pres != nil {
		pres.lastHeartbeatAt = now
		if now.Sub(pres.lastPersistedAt) >= r.persistInterval {
			pres.lastPersistedAt = now
			persist = true
		}
	}
	r.mu.Unlock()

	if persist {
		if err := r.store.UpdatePresenceHeartbeat(ctx, socketID, now); err != nil {
			r.storeError("heartbeat: persist", err)
		}
	}
	r.SendMessage(socketID, protocol.NewPong(clientTS))
}

// RemoveSessionPresences drops every presence owned by a session, with the
// usual decrement broadcasts. Invoked by the session manager when a session
// ends outside the gateway (HTTP end, stale sweep). Channels stay open;
// later frames from them fail auth.
func (r *Registry) RemoveSessionPresences(sessionID string) {
	r.mu.RLock()
	var sockets []string
	for socketID, pres := range r.presences {
		if pres.sessionID == sessionID {
			sockets = append(sockets, socketID)
		}
	}
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, socketID := range sockets {
		r.Leave(ctx, socketID)
	}
}

// ============================================================================
// SENDING
// ============================================================================

// SendMessage enqueues a frame for one socket. Returns false when the
// channel is missing or unwritable; it never blocks and never panics.
func (r *Registry) SendMessage(socketID string, data []byte) bool {
	r.mu.RLock()
	ch := r.conns[socketID]
	r.mu.RUnlock()

	if ch == nil || !ch.Writable() {
		return false
	}
	return ch.Enqueue(data)
}

// SendError wraps SendMessage with an error frame.
func (r *Registry) SendError(socketID string, code protocol.ErrorCode, message string) {
	r.SendMessage(socketID, protocol.NewError(code, message))
}

// broadcast fans a presence_update out to the snapshot of recipients. The
// frame is composed once; a dead recipient is skipped, never waited on.
func (r *Registry) broadcast(momentID string, recipients []string, count, peak int) {
	frame := protocol.MustEncode(protocol.TypePresenceUpdate, protocol.PresenceUpdatePayload{
		MomentID:  momentID,
		Count:     count,
		PeakCount: peak,
		Timestamp: r.now().UnixMilli(),
	})
	dropped := 0
	for _, socketID := range recipients {
		if !r.SendMessage(socketID, frame) {
			dropped++
		}
	}
	if r.metrics != nil {
		r.metrics.BroadcastsTotal.Inc()
		if dropped > 0 {
			r.metrics.BroadcastDropped.Add(float64(dropped))
		}
	}
	if dropped > 0 {
		r.logger.Printf("broadcast moment=%s dropped=%d of %d", momentID, dropped, len(recipients))
	}
}

// socketForSession reports which socket, if any, holds a presence for the
// session.
func (r *Registry) socketForSession(sessionID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.socketForSessionLocked(sessionID)
}

// socketForSessionLocked is socketForSession with the lock already held.
func (r *Registry) socketForSessionLocked(sessionID string) string {
	for socketID, pres := range r.presences {
		if pres.sessionID == sessionID {
			return socketID
		}
	}
	return ""
}

// snapshotLocked copies a moment's socket set. Caller holds the lock.
func (r *Registry) snapshotLocked(momentID string) []string {
	set := r.byMoment[momentID]
	out := make([]string, 0, len(set))
	for socketID := range set {
		out = append(out, socketID)
	}
	return out
}

// ============================================================================
// QUERIES
// ============================================================================

// PresenceCount reports the live participant count for a moment.
func (r *Registry) PresenceCount(momentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byMoment[momentID])
}

// Counts reports open connections and joined presences for health stats.
func (r *Registry) Counts() (conns, joined int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states), len(r.presences)
}

// State returns a copy of a socket's connection state, if any. Test hook.
func (r *Registry) State(socketID string) (ConnState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[socketID]
	if !ok {
		return ConnState{}, false
	}
	return *st, true
}

func (r *Registry) storeError(op string, err error) {
	if r.metrics != nil {
		r.metrics.StoreErrors.Inc()
	}
	r.logger.Printf("store error during %s: %v", op, err)
}

func verifyErrorCode(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, session.ErrExpiredToken), errors.Is(err, session.ErrSessionEnded):
		return protocol.CodeSessionExpired
	default:
		return protocol.CodeInvalidToken
	}
}
