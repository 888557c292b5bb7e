package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle gates repeated log lines per key.
//
// Each key gets its own token bucket so a noisy key can't starve others.
// The zero value is not usable; use NewThrottle.
type Throttle struct {
	every time.Duration
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	dropped  map[string]uint64
}

// NewThrottle allows burst lines per key, refilled one per every.
func NewThrottle(every time.Duration, burst int) *Throttle {
	if every <= 0 {
		every = 5 * time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{
		every:    every,
		burst:    burst,
		limiters: map[string]*rate.Limiter{},
		dropped:  map[string]uint64{},
	}
}

// Allow reports whether a line for key may be written now. When it returns
// true, suppressed is the number of lines dropped for key since the last
// allowed one (so callers can log it).
func (t *Throttle) Allow(key string) (ok bool, suppressed uint64) {
	if t == nil {
		return true, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	lim := t.limiters[key]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(t.every), t.burst)
		t.limiters[key] = lim
	}
	if !lim.Allow() {
		t.dropped[key]++
		return false, 0
	}
	suppressed = t.dropped[key]
	delete(t.dropped, key)
	return true, suppressed
}

// Warn logs msg at WARN if the key is not throttled.
func (t *Throttle) Warn(log Logger, key, msg string, fields ...Field) {
	ok, suppressed := t.Allow(key)
	if !ok {
		return
	}
	if suppressed > 0 {
		fields = append(fields, Uint64("suppressed", suppressed))
	}
	log.Warn(msg, fields...)
}
