package codestore_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/invoqio/invoq/runtime/codestore"
)

// The fallback chain law: the resolved version is the first element of
// [requested, chain...] that exists, and Fallback is true exactly when that
// element is not the requested one.
func TestGetWithFallbackProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	universe := []string{"1.0.0", "2.0.0", "3.0.0", "4.0.0", "5.0.0"}

	properties.Property("first existing chain entry wins", prop.ForAll(
		func(present []bool, requestedIdx int, chainIdx []int) bool {
			ctx := context.Background()
			store, err := codestore.New(codestore.Options{
				KV:      codestore.NewMemoryKV(),
				Objects: codestore.NewMemoryObjects(),
			})
			if err != nil {
				return false
			}
			for i, ok := range present {
				if ok {
					if err := store.Put(ctx, "f", []byte(universe[i]), universe[i]); err != nil {
						return false
					}
				}
			}
			requested := universe[requestedIdx]
			chain := make([]string, len(chainIdx))
			for i, idx := range chainIdx {
				chain[i] = universe[idx]
			}

			var want string
			for _, v := range append([]string{requested}, chain...) {
				for i, u := range universe {
					if u == v && present[i] {
						want = v
						break
					}
				}
				if want != "" {
					break
				}
			}

			res, err := store.GetWithFallback(ctx, "f", requested, chain...)
			if err != nil {
				return false
			}
			if want == "" {
				return res == nil
			}
			return res != nil && res.Version == want && res.Fallback == (want != requested) &&
				string(res.Code) == want
		},
		gen.SliceOfN(5, gen.Bool()),
		gen.IntRange(0, 4),
		gen.SliceOfN(3, gen.IntRange(0, 4)),
	))

	properties.TestingRun(t)
}

// Sorted listings are ascending under semver comparison no matter the
// insertion order.
func TestListVersionsSortedProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("ascending semver order", prop.ForAll(
		func(triples [][]int) bool {
			ctx := context.Background()
			store, err := codestore.New(codestore.Options{
				KV:      codestore.NewMemoryKV(),
				Objects: codestore.NewMemoryObjects(),
			})
			if err != nil {
				return false
			}
			for _, tr := range triples {
				v := fmt.Sprintf("%d.%d.%d", tr[0], tr[1], tr[2])
				if err := store.Put(ctx, "f", []byte(v), v); err != nil {
					return false
				}
			}
			sorted, err := store.ListVersionsSorted(ctx, "f")
			if err != nil {
				return false
			}
			for i := 1; i < len(sorted); i++ {
				prev := semver.MustParse(sorted[i-1])
				cur := semver.MustParse(sorted[i])
				if prev.GreaterThan(cur) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.SliceOfN(3, gen.IntRange(0, 20))),
	))

	properties.TestingRun(t)
}
