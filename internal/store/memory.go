package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and by development mode when
// no DATABASE_URL is configured. Writes inside Transact apply immediately;
// there is no rollback, which is adequate for its two callers.
type Memory struct {
	mu        sync.Mutex
	moments   map[string]*Moment
	sessions  map[string]*Session
	presences map[string]*Presence // keyed by presence ID
	bySocket  map[string]string    // socketID → presence ID
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		moments:   make(map[string]*Moment),
		sessions:  make(map[string]*Session),
		presences: make(map[string]*Presence),
		bySocket:  make(map[string]string),
	}
}

// PutMoment inserts or replaces a moment. Used for seeding.
func (m *Memory) PutMoment(mo *Moment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *mo
	m.moments[mo.ID] = &cp
}

func (m *Memory) FindMomentByID(_ context.Context, id string) (*Moment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mo, ok := m.moments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *mo
	return &cp, nil
}

func (m *Memory) FindFirstLiveMoment(_ context.Context) (*Moment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var live []*Moment
	for _, mo := range m.moments {
		if mo.Status == MomentLive {
			live = append(live, mo)
		}
	}
	if len(live) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(live, func(i, j int) bool { return live[i].CreatedAt.Before(live[j].CreatedAt) })
	cp := *live[0]
	return &cp, nil
}

func (m *Memory) IncrementMomentCounters(_ context.Context, momentID string, sessions, minutes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mo, ok := m.moments[momentID]
	if !ok {
		return ErrNotFound
	}
	mo.TotalSessions += sessions
	mo.TotalMinutesPresent += minutes
	return nil
}

func (m *Memory) UpdatePeakPresence(_ context.Context, momentID string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mo, ok := m.moments[momentID]
	if !ok {
		return ErrNotFound
	}
	if count > mo.PeakPresence {
		mo.PeakPresence = count
	}
	return nil
}

func (m *Memory) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *Memory) FindSession(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) UpdateSession(_ context.Context, id string, patch SessionPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if patch.Token != nil {
		s.Token = patch.Token
	}
	if patch.EndedAt != nil {
		s.EndedAt = patch.EndedAt
	}
	if patch.DurationSeconds != nil {
		s.DurationSeconds = *patch.DurationSeconds
	}
	return nil
}

func (m *Memory) FindStaleSessions(_ context.Context, cutoff time.Time) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fresh := make(map[string]bool)
	for _, p := range m.presences {
		if !p.LastHeartbeatAt.Before(cutoff) {
			fresh[p.SessionID] = true
		}
	}

	var stale []*Session
	for _, s := range m.sessions {
		if s.EndedAt == nil && s.StartedAt.Before(cutoff) && !fresh[s.ID] {
			cp := *s
			stale = append(stale, &cp)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].StartedAt.Before(stale[j].StartedAt) })
	return stale, nil
}

func (m *Memory) CreatePresence(_ context.Context, p *Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.presences[p.ID] = &cp
	m.bySocket[p.SocketID] = p.ID
	return nil
}

func (m *Memory) DeletePresenceBySocketID(_ context.Context, socketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.bySocket[socketID]; ok {
		delete(m.presences, id)
		delete(m.bySocket, socketID)
	}
	return nil
}

func (m *Memory) DeletePresencesBySessionID(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, p := range m.presences {
		if p.SessionID == sessionID {
			delete(m.presences, id)
			delete(m.bySocket, p.SocketID)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) UpdatePresenceHeartbeat(_ context.Context, socketID string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.bySocket[socketID]
	if !ok {
		return ErrNotFound
	}
	m.presences[id].LastHeartbeatAt = ts
	return nil
}

func (m *Memory) CountPresences(_ context.Context, momentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if momentID == "" {
		return len(m.presences), nil
	}
	n := 0
	for _, p := range m.presences {
		if p.MomentID == momentID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Transact(ctx context.Context, fn func(Store) error) error {
	return fn(m)
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
