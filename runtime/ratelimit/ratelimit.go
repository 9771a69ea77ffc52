// Package ratelimit implements the fleet rate limiter: fixed-window
// counters owned by single-writer shards, one shard per key, and a client
// that routes categorized keys (ip, function) to their shards and
// aggregates the decisions. The Store interface abstracts the shard pool so
// deployments can swap the in-process pool for the Redis-backed one in
// features/ratelimit/redis without touching callers.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type (
	// Config fixes the window geometry of one category.
	Config struct {
		// Window is the fixed window length.
		Window time.Duration
		// MaxRequests is the admission cap per window.
		MaxRequests int
	}

	// Result is one shard decision.
	Result struct {
		// Allowed reports whether the request was (or would be) admitted.
		Allowed bool `json:"allowed"`
		// Remaining is how many requests the current window still admits.
		Remaining int `json:"remaining"`
		// ResetAt is when the window expires, in Unix milliseconds.
		ResetAt int64 `json:"resetAt"`
	}

	// Store owns window state for one category's key space. Implementations
	// must serialize operations per key.
	Store interface {
		// Check reports the current window view without mutating it.
		Check(ctx context.Context, key string, cfg Config) (Result, error)
		// CheckAndIncrement admits and counts the request, or rejects
		// without counting when the window is full.
		CheckAndIncrement(ctx context.Context, key string, cfg Config) (Result, error)
		// Reset drops the window of key.
		Reset(ctx context.Context, key string) error
	}

	// Shard is the single serialized writer for one key's window. At most
	// one window exists per shard; expired windows are lazily rebuilt on
	// the next access.
	Shard struct {
		mu     sync.Mutex
		window *window
		now    func() time.Time
	}

	window struct {
		count   int
		resetAt time.Time
	}

	// Pool is the in-process Store: a map of lazily created shards keyed by
	// the rate-limit key. Keys map to shards deterministically (the key is
	// the shard name).
	Pool struct {
		mu     sync.Mutex
		shards map[string]*Shard
		now    func() time.Time
	}
)

// NewShard returns a shard with an empty window.
func NewShard() *Shard { return newShardAt(time.Now) }

func newShardAt(now func() time.Time) *Shard { return &Shard{now: now} }

// Check returns the current window view without mutating the count. An
// absent or expired window reports the view a fresh window would have.
func (s *Shard) Check(cfg Config) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.window == nil || !now.Before(s.window.resetAt) {
		return Result{
			Allowed:   true,
			Remaining: cfg.MaxRequests,
			ResetAt:   now.Add(cfg.Window).UnixMilli(),
		}
	}
	remaining := cfg.MaxRequests - s.window.count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   s.window.count < cfg.MaxRequests,
		Remaining: remaining,
		ResetAt:   s.window.resetAt.UnixMilli(),
	}
}

// CheckAndIncrement admits and counts one request. An absent or expired
// window is recreated fresh before counting, so the first admitted request
// of a window always observes count 1. A full window rejects without
// incrementing.
func (s *Shard) CheckAndIncrement(cfg Config) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.window == nil || !now.Before(s.window.resetAt) {
		s.window = &window{count: 0, resetAt: now.Add(cfg.Window)}
	}
	if s.window.count >= cfg.MaxRequests {
		return Result{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   s.window.resetAt.UnixMilli(),
		}
	}
	s.window.count++
	return Result{
		Allowed:   true,
		Remaining: cfg.MaxRequests - s.window.count,
		ResetAt:   s.window.resetAt.UnixMilli(),
	}
}

// Reset drops the window.
func (s *Shard) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window = nil
}

// NewPool returns an empty in-process shard pool.
func NewPool() *Pool {
	return &Pool{shards: make(map[string]*Shard), now: time.Now}
}

// Check implements Store.
func (p *Pool) Check(_ context.Context, key string, cfg Config) (Result, error) {
	return p.shard(key).Check(cfg), nil
}

// CheckAndIncrement implements Store.
func (p *Pool) CheckAndIncrement(_ context.Context, key string, cfg Config) (Result, error) {
	return p.shard(key).CheckAndIncrement(cfg), nil
}

// Reset implements Store.
func (p *Pool) Reset(_ context.Context, key string) error {
	p.shard(key).Reset()
	return nil
}

func (p *Pool) shard(key string) *Shard {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.shards[key]
	if !ok {
		s = newShardAt(p.now)
		p.shards[key] = s
	}
	return s
}
