// Package ratelimit implements fixed-window request counters keyed by an
// arbitrary identifier.
//
// Check counts every attempt, including rejected ones, and leaves enforcement
// to the caller. The read-modify-write against the store is not atomic:
// concurrent checks for one identifier in the same instant can each observe
// the same count and all be allowed.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/store"
)

// ErrInvalidLimit is returned for non-positive limits or windows.
var ErrInvalidLimit = errors.New("ratelimit: limit and window must be positive")

// Result is the outcome of a rate-limit check.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// counter is the persisted window state.
type counter struct {
	Count     int   `json:"count"`
	CreatedAt int64 `json:"createdAt"` // Unix ms of window start
}

// Limiter is a tier-agnostic fixed-window limiter.
type Limiter struct {
	kv  store.KV
	now func() time.Time
}

// New creates a limiter backed by kv.
func New(kv store.KV) *Limiter {
	return &Limiter{kv: kv, now: time.Now}
}

// NewWithClock creates a limiter that reads time from now.
func NewWithClock(kv store.KV, now func() time.Time) *Limiter {
	return &Limiter{kv: kv, now: now}
}

func rateLimitKey(identifier string) string {
	return "ratelimit:" + identifier
}

// Check reports whether one more request from identifier fits in the
// current window and records the attempt regardless of the answer.
func (l *Limiter) Check(ctx context.Context, identifier string, limit int, window time.Duration) (Result, error) {
	if limit <= 0 || window <= 0 {
		return Result{}, ErrInvalidLimit
	}

	key := rateLimitKey(identifier)
	now := l.now()

	var c counter
	data, ok, err := l.kv.Get(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if ok {
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			c = counter{}
		}
	}

	windowStart := time.UnixMilli(c.CreatedAt)
	if !ok || c.CreatedAt == 0 || now.Sub(windowStart) >= window {
		c = counter{Count: 0, CreatedAt: now.UnixMilli()}
		windowStart = time.UnixMilli(c.CreatedAt)
	}

	allowed := c.Count < limit
	remaining := limit - c.Count - 1
	if remaining < 0 {
		remaining = 0
	}
	resetAt := windowStart.Add(window)

	c.Count++
	encoded, err := json.Marshal(c)
	if err != nil {
		return Result{}, err
	}
	ttl := resetAt.Sub(now)
	if ttl <= 0 {
		ttl = window
	}
	if err := l.kv.Set(ctx, key, string(encoded), ttl); err != nil {
		return Result{}, err
	}

	return Result{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// Reset clears the counter for identifier.
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	return l.kv.Del(ctx, rateLimitKey(identifier))
}
