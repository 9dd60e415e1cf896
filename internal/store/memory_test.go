package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMoment(m *Memory, id string, status MomentStatus, createdAt time.Time) {
	m.PutMoment(&Moment{ID: id, Slug: id, Title: id, Status: status, CreatedAt: createdAt})
}

func TestFindFirstLiveMomentPrefersOldest(t *testing.T) {
	m := NewMemory()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedMoment(m, "older", MomentLive, base)
	seedMoment(m, "newer", MomentLive, base.Add(time.Hour))
	seedMoment(m, "done", MomentEnded, base.Add(-time.Hour))

	live, err := m.FindFirstLiveMoment(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "older", live.ID)
}

func TestFindFirstLiveMomentNone(t *testing.T) {
	m := NewMemory()
	seedMoment(m, "done", MomentEnded, time.Now())

	_, err := m.FindFirstLiveMoment(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdatePeakPresenceOnlyGrows(t *testing.T) {
	m := NewMemory()
	seedMoment(m, "m1", MomentLive, time.Now())
	ctx := context.Background()

	require.NoError(t, m.UpdatePeakPresence(ctx, "m1", 5))
	require.NoError(t, m.UpdatePeakPresence(ctx, "m1", 3))

	mo, err := m.FindMomentByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 5, mo.PeakPresence)
}

func TestUpdateSessionPatchesOnlySetFields(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, m.CreateSession(ctx, &Session{ID: "s1", MomentID: "m1", StartedAt: started}))

	tok := "credential"
	require.NoError(t, m.UpdateSession(ctx, "s1", SessionPatch{Token: &tok}))

	ended := started.Add(time.Hour)
	dur := int64(3600)
	require.NoError(t, m.UpdateSession(ctx, "s1", SessionPatch{EndedAt: &ended, DurationSeconds: &dur}))

	s, err := m.FindSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, s.Token)
	assert.Equal(t, "credential", *s.Token, "earlier patch survives later partial patches")
	require.NotNil(t, s.EndedAt)
	assert.Equal(t, int64(3600), s.DurationSeconds)
}

func TestPresenceLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, m.CreatePresence(ctx, &Presence{
		ID: "p1", SocketID: "sock-1", SessionID: "s1", MomentID: "m1",
		ConnectedAt: now, LastHeartbeatAt: now,
	}))
	require.NoError(t, m.CreatePresence(ctx, &Presence{
		ID: "p2", SocketID: "sock-2", SessionID: "s1", MomentID: "m1",
		ConnectedAt: now, LastHeartbeatAt: now,
	}))

	n, err := m.CountPresences(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, m.DeletePresenceBySocketID(ctx, "sock-1"))
	n, _ = m.CountPresences(ctx, "")
	assert.Equal(t, 1, n)

	removed, err := m.DeletePresencesBySessionID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	n, _ = m.CountPresences(ctx, "")
	assert.Zero(t, n)
}

func TestFindStaleSessions(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cutoff := base.Add(24 * time.Hour)

	// Old and silent: stale.
	require.NoError(t, m.CreateSession(ctx, &Session{ID: "stale", MomentID: "m1", StartedAt: base}))
	// Old but with a fresh presence heartbeat: kept.
	require.NoError(t, m.CreateSession(ctx, &Session{ID: "active", MomentID: "m1", StartedAt: base}))
	require.NoError(t, m.CreatePresence(ctx, &Presence{
		ID: "p1", SocketID: "sock-1", SessionID: "active", MomentID: "m1",
		ConnectedAt: base, LastHeartbeatAt: cutoff.Add(time.Minute),
	}))
	// Recent: kept.
	require.NoError(t, m.CreateSession(ctx, &Session{ID: "young", MomentID: "m1", StartedAt: cutoff.Add(time.Hour)}))
	// Already ended: kept.
	ended := base.Add(time.Hour)
	require.NoError(t, m.CreateSession(ctx, &Session{ID: "closed", MomentID: "m1", StartedAt: base, EndedAt: &ended}))

	stale, err := m.FindStaleSessions(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "stale", stale[0].ID)
}

func TestTruncateUserAgent(t *testing.T) {
	assert.Equal(t, "short", TruncateUserAgent("short"))
	long := strings.Repeat("x", 600)
	assert.Len(t, TruncateUserAgent(long), 500)
}
