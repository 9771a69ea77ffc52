// Package redis implements the ratelimit.Store contract on Redis so every
// daemon replica enforces one shared window per key. Both decision paths
// run as Lua scripts: the read-modify-write on the counter stays atomic
// without client-side locking, and window expiry rides on the key TTL.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/health"

	"github.com/invoqio/invoq/runtime/ratelimit"
)

const storeName = "ratelimit-redis"

// checkAndIncrementScript admits one request when the window has room.
// Replies {allowed, remaining, pttl} where a negative pttl means the key
// holds no window yet. The first admitted request of a window creates the
// key with the window TTL; a full window rejects without touching the
// counter. Counters that lost their expiry are re-armed so a stuck key
// cannot reject forever.
var checkAndIncrementScript = goredis.NewScript(`
local count = tonumber(redis.call("GET", KEYS[1]) or "0")
local max = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
if count >= max then
	local ttl = redis.call("PTTL", KEYS[1])
	if ttl < 0 then
		redis.call("PEXPIRE", KEYS[1], window)
		ttl = window
	end
	return {0, 0, ttl}
end
count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], window)
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], window)
	ttl = window
end
return {1, max - count, ttl}
`)

// checkScript reports the window view without mutating it. An absent or
// expired key replies the fresh-window view with a negative pttl.
var checkScript = goredis.NewScript(`
local count = tonumber(redis.call("GET", KEYS[1]) or "0")
local max = tonumber(ARGV[1])
if count == 0 then
	return {1, max, -1}
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	return {1, max, -1}
end
local remaining = max - count
if remaining < 0 then
	remaining = 0
end
local allowed = 0
if count < max then
	allowed = 1
end
return {allowed, remaining, ttl}
`)

type (
	// Commander is the subset of go-redis commands the store uses.
	// *goredis.Client and goredis.UniversalClient satisfy it.
	Commander interface {
		goredis.Scripter
		Del(ctx context.Context, keys ...string) *goredis.IntCmd
		Ping(ctx context.Context) *goredis.StatusCmd
	}

	// Options configures a Store.
	Options struct {
		// Client is the Redis connection. Required.
		Client Commander
		// KeyPrefix namespaces this store's keys. Each rate-limit
		// category gets its own store, so deployments sharing one Redis
		// give each category a distinct prefix.
		KeyPrefix string
	}

	// Store is the Redis-backed fixed-window store for one category.
	Store struct {
		client Commander
		prefix string
		now    func() time.Time
	}
)

var (
	_ ratelimit.Store = (*Store)(nil)
	_ health.Pinger   = (*Store)(nil)
)

// New validates opts and returns a ready Store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Store{
		client: opts.Client,
		prefix: opts.KeyPrefix,
		now:    time.Now,
	}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Check implements ratelimit.Store.
func (s *Store) Check(ctx context.Context, key string, cfg ratelimit.Config) (ratelimit.Result, error) {
	reply, err := checkScript.Run(ctx, s.client, []string{s.prefix + key}, cfg.MaxRequests).Result()
	if err != nil {
		return ratelimit.Result{}, fmt.Errorf("redis check %s: %w", key, err)
	}
	return s.toResult(reply, cfg.Window)
}

// CheckAndIncrement implements ratelimit.Store.
func (s *Store) CheckAndIncrement(ctx context.Context, key string, cfg ratelimit.Config) (ratelimit.Result, error) {
	reply, err := checkAndIncrementScript.Run(ctx, s.client,
		[]string{s.prefix + key}, cfg.MaxRequests, cfg.Window.Milliseconds()).Result()
	if err != nil {
		return ratelimit.Result{}, fmt.Errorf("redis increment %s: %w", key, err)
	}
	return s.toResult(reply, cfg.Window)
}

// Reset implements ratelimit.Store.
func (s *Store) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis reset %s: %w", key, err)
	}
	return nil
}

// toResult decodes the {allowed, remaining, pttl} script reply. A negative
// pttl stands for a window that does not exist yet, so ResetAt reports
// where a window started now would end.
func (s *Store) toResult(reply any, window time.Duration) (ratelimit.Result, error) {
	vals, ok := reply.([]any)
	if !ok || len(vals) != 3 {
		return ratelimit.Result{}, fmt.Errorf("redis ratelimit: unexpected reply %v", reply)
	}
	allowed, okA := vals[0].(int64)
	remaining, okR := vals[1].(int64)
	ttl, okT := vals[2].(int64)
	if !okA || !okR || !okT {
		return ratelimit.Result{}, fmt.Errorf("redis ratelimit: unexpected reply %v", reply)
	}
	now := s.now()
	resetAt := now.Add(window).UnixMilli()
	if ttl >= 0 {
		resetAt = now.UnixMilli() + ttl
	}
	return ratelimit.Result{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		ResetAt:   resetAt,
	}, nil
}
