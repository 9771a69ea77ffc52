package redis_test

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	redisstore "github.com/invoqio/invoq/features/store/redis"
)

type fakeCommander struct {
	data    map[string]string
	ttls    map[string]time.Duration
	getErr  error
	setErr  error
	delErr  error
	scanErr error
	scans   int
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{
		data: make(map[string]string),
		ttls: make(map[string]time.Duration),
	}
}

func (f *fakeCommander) Get(_ context.Context, key string) *goredis.StringCmd {
	if f.getErr != nil {
		return goredis.NewStringResult("", f.getErr)
	}
	v, ok := f.data[key]
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(v, nil)
}

func (f *fakeCommander) Set(_ context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd {
	if f.setErr != nil {
		return goredis.NewStatusResult("", f.setErr)
	}
	f.data[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return goredis.NewStatusResult("OK", nil)
}

func (f *fakeCommander) Del(_ context.Context, keys ...string) *goredis.IntCmd {
	if f.delErr != nil {
		return goredis.NewIntResult(0, f.delErr)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return goredis.NewIntResult(n, nil)
}

// Scan pages matching keys two at a time and repeats the last key of
// the first page, exercising cursor iteration and deduplication.
func (f *fakeCommander) Scan(_ context.Context, cursor uint64, match string, _ int64) *goredis.ScanCmd {
	if f.scanErr != nil {
		return goredis.NewScanCmdResult(nil, 0, f.scanErr)
	}
	f.scans++
	prefix := strings.TrimSuffix(match, "*")
	var all []string
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			all = append(all, k)
		}
	}
	sort.Strings(all)
	const page = 2
	if len(all) <= page {
		return goredis.NewScanCmdResult(all, 0, nil)
	}
	if cursor == 0 {
		return goredis.NewScanCmdResult(all[:page], 1, nil)
	}
	return goredis.NewScanCmdResult(all[page-1:], 0, nil)
}

func (f *fakeCommander) Ping(_ context.Context) *goredis.StatusCmd {
	return goredis.NewStatusResult("PONG", nil)
}

func TestKVRoundTrip(t *testing.T) {
	fake := newFakeCommander()
	kv, err := redisstore.New(redisstore.Options{Client: fake, KeyPrefix: "invoq:"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, "code:math/adder", []byte("source")))
	require.Contains(t, fake.data, "invoq:code:math/adder")
	require.Equal(t, time.Duration(0), fake.ttls["invoq:code:math/adder"])

	got, err := kv.Get(ctx, "code:math/adder")
	require.NoError(t, err)
	require.Equal(t, []byte("source"), got)

	require.NoError(t, kv.Delete(ctx, "code:math/adder"))
	got, err = kv.Get(ctx, "code:math/adder")
	require.NoError(t, err)
	require.Nil(t, got)

	// Deleting again stays a no-op.
	require.NoError(t, kv.Delete(ctx, "code:math/adder"))
}

func TestKVKeysWalksAllPagesAndDeduplicates(t *testing.T) {
	fake := newFakeCommander()
	kv, err := redisstore.New(redisstore.Options{Client: fake, KeyPrefix: "invoq:"})
	require.NoError(t, err)

	ctx := context.Background()
	for _, k := range []string{"code:a", "code:a:v:1.0.0", "code:a:v:1.1.0", "code:b", "other:z"} {
		require.NoError(t, kv.Set(ctx, k, []byte("x")))
	}

	keys, err := kv.Keys(ctx, "code:a")
	require.NoError(t, err)
	require.Equal(t, []string{"code:a", "code:a:v:1.0.0", "code:a:v:1.1.0"}, keys)
	require.Greater(t, fake.scans, 1)
}

func TestKVAppliesTTL(t *testing.T) {
	fake := newFakeCommander()
	kv, err := redisstore.New(redisstore.Options{Client: fake, TTL: time.Hour})
	require.NoError(t, err)

	require.NoError(t, kv.Set(context.Background(), "code:x", []byte("y")))
	require.Equal(t, time.Hour, fake.ttls["code:x"])
}

func TestKVPropagatesBackendErrors(t *testing.T) {
	fake := newFakeCommander()
	fake.getErr = errors.New("connection refused")
	kv, err := redisstore.New(redisstore.Options{Client: fake})
	require.NoError(t, err)

	_, err = kv.Get(context.Background(), "code:x")
	require.ErrorContains(t, err, "redis get code:x")

	fake.scanErr = errors.New("connection refused")
	_, err = kv.Keys(context.Background(), "code:")
	require.ErrorContains(t, err, "redis scan")
}

func TestKVPing(t *testing.T) {
	kv, err := redisstore.New(redisstore.Options{Client: newFakeCommander()})
	require.NoError(t, err)
	require.Equal(t, "codestore-redis", kv.Name())
	require.NoError(t, kv.Ping(context.Background()))
}

func TestNewRequiresClient(t *testing.T) {
	_, err := redisstore.New(redisstore.Options{})
	require.ErrorContains(t, err, "redis client is required")
}
