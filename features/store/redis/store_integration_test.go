//go:build integration

package redis_test

import (
	"context"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	redisstore "github.com/invoqio/invoq/features/store/redis"
	"github.com/invoqio/invoq/runtime/codestore"
	"github.com/invoqio/invoq/runtime/fn"
)

func TestKVAgainstRedis(t *testing.T) {
	ctx := context.Background()

	ctr, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })

	uri, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)
	opt, err := goredis.ParseURL(uri)
	require.NoError(t, err)
	client := goredis.NewClient(opt)
	t.Cleanup(func() { _ = client.Close() })

	kv, err := redisstore.New(redisstore.Options{Client: client, KeyPrefix: "invoq:"})
	require.NoError(t, err)
	require.NoError(t, kv.Ping(ctx))

	// Exercise the store through the codestore core so the key schemes
	// and fallback path run against a real backend.
	store, err := codestore.New(codestore.Options{KV: kv, Objects: codestore.NewMemoryObjects()})
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "math/adder", []byte("export default 1"), "1.0.0"))
	require.NoError(t, store.Put(ctx, "math/adder", []byte("export default 2"), "1.1.0"))
	require.NoError(t, store.Put(ctx, "math/adder", []byte("export default 2"), ""))

	code, err := store.Get(ctx, "math/adder", fn.Latest)
	require.NoError(t, err)
	require.Equal(t, []byte("export default 2"), code)

	versions, err := store.ListVersionsSorted(ctx, "math/adder")
	require.NoError(t, err)
	require.Equal(t, []string{"1.0.0", "1.1.0"}, versions)

	require.NoError(t, store.DeleteAll(ctx, "math/adder"))
	code, err = store.Get(ctx, "math/adder", "1.0.0")
	require.NoError(t, err)
	require.Nil(t, code)
}
