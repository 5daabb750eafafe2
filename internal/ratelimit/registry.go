package ratelimit

import (
	"sync"
	"time"
)

// Allow is the non-blocking counterpart to Wait, used by the HTTP
// transport which must respond with 429 rather than block a connection
// (spec §4.9: "Rate limiting: ... response headers RateLimit-Limit,
// RateLimit-Remaining, RateLimit-Reset. On exceed: 429"). It reports
// whether the request is allowed along with the values those headers need.
func (l *Limiter) Allow() (allowed bool, limit, remaining int, reset time.Time) {
	retryAfter, err := l.tryAcquire()
	now := time.Now()

	limit = l.effectiveLimit()
	if err != nil {
		if rl, ok := err.(*ErrRateLimited); ok {
			return false, rl.Limit, 0, now.Add(rl.RetryAfter)
		}
		return false, limit, 0, now
	}
	if retryAfter > 0 {
		return false, limit, 0, now.Add(retryAfter)
	}

	stats := l.Stats()
	remaining = remainingFromStats(stats)
	return true, limit, remaining, nextReset(stats, now)
}

func (l *Limiter) effectiveLimit() int {
	switch {
	case l.rpm > 0:
		return l.rpm
	case l.rph > 0:
		return l.rph
	case l.rpd > 0:
		return l.rpd
	default:
		return 0
	}
}

func remainingFromStats(s Stats) int {
	switch {
	case s.RPM > 0:
		return int(s.TokensLeft)
	case s.RPH > 0:
		return s.HourRemaining
	case s.RPD > 0:
		return s.DayRemaining
	default:
		return 0
	}
}

func nextReset(s Stats, now time.Time) time.Time {
	if s.RPM > 0 {
		return now.Add(time.Minute)
	}
	if s.RPH > 0 {
		return now.Truncate(time.Hour).Add(time.Hour)
	}
	if s.RPD > 0 {
		return truncateToDay(now).Add(24 * time.Hour)
	}
	return now
}

// Registry owns one Limiter per rate-limit key (an OAuth subject or a
// client IP, per spec §4.9), created lazily with shared defaults.
type Registry struct {
	mu  sync.Mutex
	rpm int
	rph int
	rpd int

	limiters map[string]*Limiter
}

// NewRegistry creates a Registry applying the same (rpm, rph, rpd) limits
// to every key.
func NewRegistry(rpm, rph, rpd int) *Registry {
	return &Registry{rpm: rpm, rph: rph, rpd: rpd, limiters: make(map[string]*Limiter)}
}

// Get returns the Limiter for key, creating it on first use.
func (r *Registry) Get(key string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		l = New(r.rpm, r.rph, r.rpd)
		r.limiters[key] = l
	}
	return l
}
