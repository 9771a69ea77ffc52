package registry_test

import (
	"context"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/invoqio/invoq/runtime/fn"
	"github.com/invoqio/invoq/runtime/registry"
)

// Registration order drives the latest pointer; Versions always comes
// back ascending regardless of that order.
func TestRegistryOrderProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	universe := []string{"0.1.0", "1.0.0", "1.2.0", "2.0.0", "2.1.3", "10.0.0"}

	properties.Property("latest is the last registered version", prop.ForAll(
		func(order []int) bool {
			if len(order) == 0 {
				return true
			}
			ctx := context.Background()
			r := registry.New()
			var last string
			for _, idx := range order {
				v := universe[idx%len(universe)]
				if err := r.Register(codeDef("f", v)); err != nil {
					return false
				}
				last = v
			}
			def, err := r.Lookup(ctx, "f", fn.Latest)
			if err != nil {
				return false
			}
			return def.Version == last
		},
		gen.SliceOf(gen.IntRange(0, len(universe)-1)),
	))

	properties.Property("versions sort ascending", prop.ForAll(
		func(order []int) bool {
			ctx := context.Background()
			r := registry.New()
			seen := make(map[string]bool)
			for _, idx := range order {
				v := universe[idx%len(universe)]
				if err := r.Register(codeDef("f", v)); err != nil {
					return false
				}
				seen[v] = true
			}
			if len(seen) == 0 {
				return true
			}
			got, err := r.Versions(ctx, "f")
			if err != nil {
				return false
			}
			if len(got) != len(seen) {
				return false
			}
			for i := 1; i < len(got); i++ {
				prev := semver.MustParse(got[i-1])
				cur := semver.MustParse(got[i])
				if !cur.GreaterThan(prev) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(universe)-1)),
	))

	properties.Property("delete leaves a resolvable latest while versions remain", prop.ForAll(
		func(order []int, deleteIdx int) bool {
			ctx := context.Background()
			r := registry.New()
			seen := make(map[string]bool)
			for _, idx := range order {
				v := universe[idx%len(universe)]
				if err := r.Register(codeDef("f", v)); err != nil {
					return false
				}
				seen[v] = true
			}
			if len(seen) < 2 {
				return true
			}
			victim := universe[deleteIdx%len(universe)]
			if !seen[victim] {
				return true
			}
			if err := r.Delete(ctx, "f", victim); err != nil {
				return false
			}
			def, err := r.Lookup(ctx, "f", fn.Latest)
			if err != nil {
				return false
			}
			if def.Version == victim {
				return false
			}
			if _, err := r.Lookup(ctx, "f", victim); !fn.IsName(err, fn.ErrNotFound) {
				return false
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(universe)-1)),
		gen.IntRange(0, len(universe)-1),
	))

	properties.TestingRun(t)
}
