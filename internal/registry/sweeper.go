package registry

import (
	"time"
)

// SweepHeartbeats force-closes every connection that has been silent for
// longer than the heartbeat timeout, then unregisters it (which broadcasts
// the decrement for joined sockets). Returns how many were reaped. Work per
// tick is bounded by the number of connections.
func (r *Registry) SweepHeartbeats() int {
	deadline := r.now().UTC().Add(-r.heartbeatTimeout)

	r.mu.RLock()
	var stale []string
	for socketID, st := range r.states {
		if st.LastHeartbeatAt.Before(deadline) {
			stale = append(stale, socketID)
		}
	}
	r.mu.RUnlock()

	for _, socketID := range stale {
		r.mu.RLock()
		ch := r.conns[socketID]
		r.mu.RUnlock()
		if ch != nil {
			ch.CloseWithCode(CloseGoingAway, "heartbeat timeout")
		}
		// A handler racing on this socket observes the torn-down state and
		// aborts its writes; Unregister is safe either way.
		r.Unregister(socketID)
	}

	if len(stale) > 0 {
		r.logger.Printf("heartbeat sweep reaped %d connections", len(stale))
		if r.metrics != nil {
			r.metrics.SweeperReaped.Add(float64(len(stale)))
		}
	}
	return len(stale)
}

// RunSweeper runs SweepHeartbeats on a timer until done closes.
func (r *Registry) RunSweeper(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.SweepHeartbeats()
		case <-done:
			return
		}
	}
}

// CloseAll closes every channel with the given code and reason. Shutdown
// path: sessions are left open for the stale sweeper on the next start.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.RLock()
	channels := make([]Channel, 0, len(r.conns))
	for _, ch := range r.conns {
		channels = append(channels, ch)
	}
	r.mu.RUnlock()

	for _, ch := range channels {
		ch.CloseWithCode(code, reason)
	}
}
