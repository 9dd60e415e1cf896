// Package ratelimit implements the privacy-preserving sliding-window rate
// limiter with automatic blocking and decay, plus the keyed IP hashing
// utility used wherever a raw client address must not be retained.
package ratelimit

import (
	"log"
	"sync"
	"time"
)

// Config defines one limiter's thresholds. Several limiters with different
// configs coexist as independent instances.
type Config struct {
	MaxRequests   int           // Allowed requests per window
	Window        time.Duration // Sliding window length
	BlockDuration time.Duration // How long an offender stays blocked
}

// Preconfigured limiter profiles. The constants are part of the external
// contract and are not tunable per deployment.
func ControlConfig() Config {
	return Config{MaxRequests: 60, Window: time.Minute, BlockDuration: 5 * time.Minute}
}

func APIConfig() Config {
	return Config{MaxRequests: 30, Window: time.Minute, BlockDuration: 5 * time.Minute}
}

func HeartbeatConfig() Config {
	return Config{MaxRequests: 120, Window: time.Minute, BlockDuration: time.Minute}
}

func SessionBeginConfig() Config {
	return Config{MaxRequests: 5, Window: time.Minute, BlockDuration: 5 * time.Minute}
}

// Result is the outcome of a single Check call.
type Result struct {
	Allowed    bool
	RetryAfter int // Seconds until the caller may retry; 0 when allowed
}

type entry struct {
	count        int
	windowStart  time.Time
	blocked      bool
	blockedUntil time.Time
	violations   int
}

// Limiter tracks per-identifier sliding windows. Identifiers are opaque
// strings chosen by the caller; the limiter namespaces nothing.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	cfg     Config
	logger  *log.Logger
	now     func() time.Time
}

// NewLimiter creates a limiter for the given config.
func NewLimiter(name string, cfg Config) *Limiter {
	return &Limiter{
		entries: make(map[string]*entry),
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[RATE-LIMIT:"+name+"] ", log.LstdFlags),
		now:     time.Now,
	}
}

// Check records one request for the identifier and reports whether it is
// allowed. Atomic per identifier: the entry table is serialized under a
// single mutex.
func (l *Limiter) Check(identifier string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	e, ok := l.entries[identifier]
	if !ok {
		l.entries[identifier] = &entry{count: 1, windowStart: now}
		return Result{Allowed: true}
	}

	if e.blocked {
		if now.Before(e.blockedUntil) {
			return Result{Allowed: false, RetryAfter: ceilSeconds(e.blockedUntil.Sub(now))}
		}
		// Block elapsed: clear it and start a fresh window.
		e.blocked = false
		e.count = 1
		e.windowStart = now
		return Result{Allowed: true}
	}

	if now.Sub(e.windowStart) > l.cfg.Window {
		e.count = 1
		e.windowStart = now
		return Result{Allowed: true}
	}

	e.count++
	if e.count > l.cfg.MaxRequests {
		e.blocked = true
		e.blockedUntil = now.Add(l.cfg.BlockDuration)
		e.violations++
		l.logger.Printf("blocked %q for %s (count=%d limit=%d violations=%d)",
			identifier, l.cfg.BlockDuration, e.count, l.cfg.MaxRequests, e.violations)
		return Result{Allowed: false, RetryAfter: ceilSeconds(l.cfg.BlockDuration)}
	}
	return Result{Allowed: true}
}

// Remaining reports the budget left for an identifier in its current window.
// A missing or expired entry has the full budget.
func (l *Limiter) Remaining(identifier string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[identifier]
	if !ok || l.now().Sub(e.windowStart) > l.cfg.Window {
		return l.cfg.MaxRequests
	}
	if e.blocked {
		return 0
	}
	left := l.cfg.MaxRequests - e.count
	if left < 0 {
		return 0
	}
	return left
}

// Sweep removes entries whose window has expired and whose block (if any)
// has elapsed, bounding memory. Returns the number of entries removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for id, e := range l.entries {
		windowDone := now.Sub(e.windowStart) > l.cfg.Window
		blockDone := !e.blocked || now.After(e.blockedUntil)
		if windowDone && blockDone {
			delete(l.entries, id)
			removed++
		}
	}
	return removed
}

// Run sweeps periodically until ctx is done. Intended as a goroutine.
func (l *Limiter) Run(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Printf("swept %d expired entries", n)
			}
		case <-done:
			return
		}
	}
}

// Size reports the number of live entries. Used by tests and stats.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func ceilSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
