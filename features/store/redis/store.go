// Package redis implements the codestore key-value surface on Redis.
// Callers build a go-redis client, pass it to New, and hand the store to
// runtime/codestore; the daemon registers it as a health check through
// the clue Pinger it implements.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/health"

	"github.com/invoqio/invoq/runtime/codestore"
)

const (
	defaultScanCount = 256
	clientName       = "codestore-redis"
)

type (
	// Commander is the subset of go-redis commands the store uses.
	// *goredis.Client and goredis.UniversalClient satisfy it.
	Commander interface {
		Get(ctx context.Context, key string) *goredis.StringCmd
		Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
		Del(ctx context.Context, keys ...string) *goredis.IntCmd
		Scan(ctx context.Context, cursor uint64, match string, count int64) *goredis.ScanCmd
		Ping(ctx context.Context) *goredis.StatusCmd
	}

	// Options configures a KV.
	Options struct {
		// Client is the Redis connection. Required.
		Client Commander
		// KeyPrefix namespaces every key the store writes, so one Redis
		// can host several planes. Optional.
		KeyPrefix string
		// TTL expires entries when positive. Zero keeps entries until
		// deleted, which is what code storage wants; a TTL only makes
		// sense when Redis fronts a durable store.
		TTL time.Duration
		// ScanCount sizes SCAN batches. Zero means 256.
		ScanCount int64
	}

	// KV implements codestore.KV on Redis.
	KV struct {
		client    Commander
		prefix    string
		ttl       time.Duration
		scanCount int64
	}
)

var (
	_ codestore.KV  = (*KV)(nil)
	_ health.Pinger = (*KV)(nil)
)

// New builds the store.
func New(opts Options) (*KV, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	scanCount := opts.ScanCount
	if scanCount <= 0 {
		scanCount = defaultScanCount
	}
	return &KV{
		client:    opts.Client,
		prefix:    opts.KeyPrefix,
		ttl:       opts.TTL,
		scanCount: scanCount,
	}, nil
}

// Get implements codestore.KV. A missing key returns (nil, nil).
func (s *KV) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

// Set implements codestore.KV.
func (s *KV) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.prefix+key, value, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete implements codestore.KV. Deleting an absent key is a no-op.
func (s *KV) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Keys implements codestore.KV. It walks SCAN to completion; SCAN may
// return a key more than once, so results are deduplicated before the
// sorted list is returned.
func (s *KV) Keys(ctx context.Context, prefix string) ([]string, error) {
	match := s.prefix + prefix + "*"
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, s.scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %s: %w", match, err)
		}
		for _, k := range keys {
			seen[strings.TrimPrefix(k, s.prefix)] = struct{}{}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Name implements health.Pinger.
func (s *KV) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *KV) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
