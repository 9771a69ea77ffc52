package executor

import (
	"context"

	"github.com/invoqio/invoq/runtime/fn"
	"github.com/invoqio/invoq/runtime/sandbox"
)

// Test seams.

var (
	StripTypes    = stripTypes
	ResolveConfig = resolveConfig
)

type EffectiveConfig = effectiveConfig

const MaxSourceBytes = maxSourceBytes

func (e *Executor) ResolveSource(ctx context.Context, def *fn.Definition) (sandbox.Unit, error) {
	return e.resolveSource(ctx, def)
}
