package ratelimit_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/invoqio/invoq/runtime/ratelimit"
)

func TestShardExhaustion(t *testing.T) {
	cfg := ratelimit.Config{Window: time.Minute, MaxRequests: 3}
	shard := ratelimit.NewShard()

	wantAllowed := []bool{true, true, true, false}
	wantRemaining := []int{2, 1, 0, 0}
	for i := 0; i < 4; i++ {
		res := shard.CheckAndIncrement(cfg)
		require.Equal(t, wantAllowed[i], res.Allowed, "call %d", i+1)
		require.Equal(t, wantRemaining[i], res.Remaining, "call %d", i+1)
	}
}

func TestShardCheckDoesNotMutate(t *testing.T) {
	cfg := ratelimit.Config{Window: time.Minute, MaxRequests: 2}
	shard := ratelimit.NewShard()

	for i := 0; i < 5; i++ {
		res := shard.Check(cfg)
		require.True(t, res.Allowed)
		require.Equal(t, 2, res.Remaining)
	}
	require.True(t, shard.CheckAndIncrement(cfg).Allowed)
	require.True(t, shard.CheckAndIncrement(cfg).Allowed)
	require.False(t, shard.CheckAndIncrement(cfg).Allowed)

	res := shard.Check(cfg)
	require.False(t, res.Allowed)
	require.Equal(t, 0, res.Remaining)
}

func TestShardWindowExpiry(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := func() time.Time { return now }
	cfg := ratelimit.Config{Window: time.Minute, MaxRequests: 2}
	shard := ratelimit.NewShardAt(clock)

	first := shard.CheckAndIncrement(cfg)
	require.True(t, first.Allowed)
	require.Equal(t, now.Add(time.Minute).UnixMilli(), first.ResetAt)
	require.True(t, shard.CheckAndIncrement(cfg).Allowed)
	require.False(t, shard.CheckAndIncrement(cfg).Allowed)

	// Advancing exactly to resetAt rebuilds a fresh window with count 1.
	now = now.Add(time.Minute)
	res := shard.CheckAndIncrement(cfg)
	require.True(t, res.Allowed)
	require.Equal(t, 1, cfg.MaxRequests-res.Remaining)
	require.Equal(t, now.Add(time.Minute).UnixMilli(), res.ResetAt)
}

func TestShardReset(t *testing.T) {
	cfg := ratelimit.Config{Window: time.Minute, MaxRequests: 1}
	shard := ratelimit.NewShard()

	require.True(t, shard.CheckAndIncrement(cfg).Allowed)
	require.False(t, shard.CheckAndIncrement(cfg).Allowed)

	shard.Reset()
	require.True(t, shard.CheckAndIncrement(cfg).Allowed)
}

// Within one window, exactly MaxRequests checkAndIncrement calls succeed
// before the first rejection, and remaining never goes negative.
func TestShardAdmissionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("admits exactly MaxRequests", prop.ForAll(
		func(max int, extra int) bool {
			cfg := ratelimit.Config{Window: time.Hour, MaxRequests: max}
			shard := ratelimit.NewShard()
			successes := 0
			for i := 0; i < max+extra; i++ {
				res := shard.CheckAndIncrement(cfg)
				if res.Remaining < 0 {
					return false
				}
				if res.Allowed {
					successes++
				}
			}
			return successes == max
		},
		gen.IntRange(1, 50),
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}
