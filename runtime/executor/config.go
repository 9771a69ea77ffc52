package executor

import (
	"time"

	"github.com/invoqio/invoq/runtime/fn"
	"github.com/invoqio/invoq/runtime/sandbox"
)

// System defaults applied when neither the invocation nor the definition
// sets a value.
const (
	// DefaultTimeout bounds one code invocation.
	DefaultTimeout = 5 * time.Second
)

// effectiveConfig is the fully resolved per-invocation configuration:
// invocation overlay over definition defaults over system defaults.
type effectiveConfig struct {
	Timeout time.Duration
	Isolate sandbox.Type
	Policy  sandbox.Policy
}

// resolveConfig merges the config sources field by field. A nil field
// means "not set at this layer" and defers to the next one down.
func resolveConfig(def *fn.Definition, overlay *fn.InvokeConfig) effectiveConfig {
	eff := effectiveConfig{Timeout: DefaultTimeout}

	var base *fn.InvokeConfig
	if def != nil {
		base = def.Config
	}
	for _, layer := range []*fn.InvokeConfig{base, overlay} {
		if layer == nil {
			continue
		}
		if layer.Timeout != nil {
			eff.Timeout = layer.Timeout.Duration()
		}
		if layer.Isolate != "" {
			eff.Isolate = sandbox.Type(layer.Isolate)
		}
		if layer.Deterministic != nil {
			eff.Policy.Deterministic = *layer.Deterministic
		}
		if layer.Seed != nil {
			eff.Policy.Seed = *layer.Seed
		}
		if layer.FixedClockMs != nil {
			eff.Policy.FixedClockMs = *layer.FixedClockMs
		}
		if layer.MemoryLimitBytes != nil {
			eff.Policy.MemoryLimitBytes = *layer.MemoryLimitBytes
		}
		if layer.CPUTimeLimitMs != nil {
			eff.Policy.CPUTimeLimitMs = *layer.CPUTimeLimitMs
		}
		if layer.NetworkEnabled != nil {
			eff.Policy.NetworkEnabled = *layer.NetworkEnabled
		}
		if layer.NetworkAllowlist != nil {
			eff.Policy.NetworkAllowlist = layer.NetworkAllowlist
		}
		if layer.AllowedGlobals != nil {
			eff.Policy.AllowedGlobals = layer.AllowedGlobals
		}
	}
	return eff
}
