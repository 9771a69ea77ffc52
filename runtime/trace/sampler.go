package trace

import (
	"math"
	"math/rand/v2"

	"golang.org/x/time/rate"
)

type (
	// SampleParams carries what a sampler may inspect when deciding on a
	// root span.
	SampleParams struct {
		Context TraceContext
		Name    string
	}

	// Decision is a sampler verdict. Attributes, when present, are stamped
	// on the span if it is sampled.
	Decision struct {
		Sample     bool
		Attributes map[string]any
	}

	// Sampler decides whether a root span is recorded. Child spans never
	// consult a sampler: they inherit the parent decision.
	Sampler interface {
		Sample(p SampleParams) Decision
	}

	probabilisticSampler struct {
		rate float64
	}

	rateLimitingSampler struct {
		limiter *rate.Limiter
		max     float64
	}
)

// NewProbabilistic samples the given fraction of root spans. Rates at or
// below 0 never sample; rates at or above 1 always do.
func NewProbabilistic(fraction float64) Sampler {
	return &probabilisticSampler{rate: fraction}
}

func (s *probabilisticSampler) Sample(SampleParams) Decision {
	switch {
	case s.rate <= 0:
		return Decision{Sample: false}
	case s.rate >= 1:
		return Decision{Sample: true}
	default:
		return Decision{Sample: rand.Float64() < s.rate}
	}
}

// NewRateLimiting samples at most maxPerSecond root spans per second using
// a token bucket. Bursts up to the ceiling of the rate are admitted, then
// decisions fail until tokens refill.
func NewRateLimiting(maxPerSecond float64) Sampler {
	burst := int(math.Ceil(maxPerSecond))
	if burst < 1 {
		burst = 1
	}
	return &rateLimitingSampler{
		limiter: rate.NewLimiter(rate.Limit(maxPerSecond), burst),
		max:     maxPerSecond,
	}
}

func (s *rateLimitingSampler) Sample(SampleParams) Decision {
	if s.max <= 0 {
		return Decision{Sample: false}
	}
	if !s.limiter.Allow() {
		return Decision{Sample: false}
	}
	return Decision{
		Sample:     true,
		Attributes: map[string]any{"sampler.type": "ratelimiting", "sampler.param": s.max},
	}
}
