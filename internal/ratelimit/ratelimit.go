// Package ratelimit provides token-bucket admission control keyed by caller
// identity (IP address, wallet). State is process-local and best-effort.
package ratelimit

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"
)

// Config configures a Limiter.
type Config struct {
	Rate  rate.Limit // tokens per second
	Burst int
	// IdleTTL is how long an unused key is kept before Prune drops it.
	IdleTTL time.Duration
	// Scope labels rejections in metrics ("ip", "preview", "submit").
	Scope string
	Clock clockwork.Clock
}

// Limiter is a keyed token-bucket rate limiter.
type Limiter struct {
	cfg     Config
	entries *xsync.Map[string, *entry]
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen atomicTime
}

// New creates a limiter. A zero Rate disables limiting.
func New(cfg Config) *Limiter {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 5 * time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Limiter{
		cfg:     cfg,
		entries: xsync.NewMap[string, *entry](),
	}
}

// Scope returns the metrics label of the limiter.
func (l *Limiter) Scope() string { return l.cfg.Scope }

// PerMinute converts a requests-per-minute budget into a rate.Limit.
func PerMinute(n int) rate.Limit {
	if n <= 0 {
		return 0
	}
	return rate.Every(time.Minute / time.Duration(n))
}

// Allow reports whether a request for key is admitted.
func (l *Limiter) Allow(key string) bool {
	allowed, _ := l.AllowWithRetry(key)
	return allowed
}

// AllowWithRetry reports whether a request for key is admitted and, if not,
// how long until a token becomes available.
func (l *Limiter) AllowWithRetry(key string) (bool, time.Duration) {
	if l.cfg.Rate == 0 {
		return true, 0
	}

	now := l.cfg.Clock.Now()
	e, _ := l.entries.LoadOrCompute(key, func() (*entry, bool) {
		return &entry{limiter: rate.NewLimiter(l.cfg.Rate, l.cfg.Burst)}, false
	})
	e.lastSeen.Store(now)

	reservation := e.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Minute
	}

	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Prune drops keys idle for longer than IdleTTL and returns how many were removed.
func (l *Limiter) Prune() int {
	cutoff := l.cfg.Clock.Now().Add(-l.cfg.IdleTTL)
	removed := 0
	l.entries.Range(func(key string, e *entry) bool {
		if e.lastSeen.Load().Before(cutoff) {
			l.entries.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	return l.entries.Size()
}
