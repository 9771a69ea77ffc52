package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/invoqio/invoq/runtime/fn"
)

type (
	// Category pairs a named limiter with its window config and store.
	Category struct {
		// Name is the category name requests are keyed under.
		Name string
		// Config is the fixed window geometry.
		Config Config
		// Store owns this category's shards.
		Store Store
	}

	// Options configures a Limiter.
	Options struct {
		// Categories lists the limiters in evaluation order. Required,
		// non-empty.
		Categories []Category
	}

	// Limiter routes (category, key) pairs to shards and aggregates the
	// per-category decisions.
	Limiter struct {
		categories []Category
	}

	// Aggregate is the combined decision across categories.
	Aggregate struct {
		// Allowed is the AND of every queried category's decision.
		Allowed bool `json:"allowed"`
		// BlockingCategory names the first category that rejected, when any.
		BlockingCategory string `json:"blockingCategory,omitempty"`
		// Results holds the per-category decisions.
		Results map[string]Result `json:"results"`
	}
)

// Category names used by the default policy.
const (
	CategoryIP       = "ip"
	CategoryFunction = "function"
)

// DefaultIPConfig is the default per-IP window: 100 requests per minute.
var DefaultIPConfig = Config{Window: time.Minute, MaxRequests: 100}

// DefaultFunctionConfig is the default per-function window: 1000 requests
// per minute.
var DefaultFunctionConfig = Config{Window: time.Minute, MaxRequests: 1000}

// New constructs a Limiter over the given categories.
func New(opts Options) (*Limiter, error) {
	if len(opts.Categories) == 0 {
		return nil, fmt.Errorf("ratelimit: at least one category is required")
	}
	seen := make(map[string]bool, len(opts.Categories))
	for _, c := range opts.Categories {
		if c.Name == "" {
			return nil, fmt.Errorf("ratelimit: category with empty name")
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("ratelimit: duplicate category %q", c.Name)
		}
		seen[c.Name] = true
		if c.Store == nil {
			return nil, fmt.Errorf("ratelimit: category %q has no store", c.Name)
		}
		if c.Config.Window <= 0 || c.Config.MaxRequests <= 0 {
			return nil, fmt.Errorf("ratelimit: category %q has an invalid config", c.Name)
		}
	}
	return &Limiter{categories: opts.Categories}, nil
}

// NewDefault builds a Limiter with the standard ip and function categories
// on fresh in-process pools.
func NewDefault() *Limiter {
	l, err := New(Options{Categories: []Category{
		{Name: CategoryIP, Config: DefaultIPConfig, Store: NewPool()},
		{Name: CategoryFunction, Config: DefaultFunctionConfig, Store: NewPool()},
	}})
	if err != nil {
		panic(err)
	}
	return l
}

// CheckAll queries every configured category present in keys without
// incrementing any window. Allowed is the AND of the per-category
// decisions; the first rejecting category in declared order becomes
// BlockingCategory.
func (l *Limiter) CheckAll(ctx context.Context, keys map[string]string) (Aggregate, error) {
	if err := l.validateKeys(keys); err != nil {
		return Aggregate{}, err
	}
	agg := Aggregate{Allowed: true, Results: make(map[string]Result, len(keys))}
	for _, c := range l.categories {
		key, ok := keys[c.Name]
		if !ok {
			continue
		}
		res, err := c.Store.Check(ctx, key, c.Config)
		if err != nil {
			return Aggregate{}, fmt.Errorf("check %s: %w", c.Name, err)
		}
		agg.Results[c.Name] = res
		if !res.Allowed {
			agg.Allowed = false
			if agg.BlockingCategory == "" {
				agg.BlockingCategory = c.Name
			}
		}
	}
	return agg, nil
}

// CheckAndIncrementAll admits and counts the request against every
// configured category present in keys, in declared order. The first
// rejection halts the walk: later categories are not incremented and the
// aggregate carries the rejecting category.
func (l *Limiter) CheckAndIncrementAll(ctx context.Context, keys map[string]string) (Aggregate, error) {
	if err := l.validateKeys(keys); err != nil {
		return Aggregate{}, err
	}
	agg := Aggregate{Allowed: true, Results: make(map[string]Result, len(keys))}
	for _, c := range l.categories {
		key, ok := keys[c.Name]
		if !ok {
			continue
		}
		res, err := c.Store.CheckAndIncrement(ctx, key, c.Config)
		if err != nil {
			return Aggregate{}, fmt.Errorf("increment %s: %w", c.Name, err)
		}
		agg.Results[c.Name] = res
		if !res.Allowed {
			agg.Allowed = false
			agg.BlockingCategory = c.Name
			return agg, nil
		}
	}
	return agg, nil
}

// Reset drops the window of key under category.
func (l *Limiter) Reset(ctx context.Context, category, key string) error {
	for _, c := range l.categories {
		if c.Name == category {
			return c.Store.Reset(ctx, key)
		}
	}
	return fn.NewValidationError(fmt.Sprintf("unknown rate-limit category %q", category))
}

func (l *Limiter) validateKeys(keys map[string]string) error {
	for name := range keys {
		known := false
		for _, c := range l.categories {
			if c.Name == name {
				known = true
				break
			}
		}
		if !known {
			return fn.NewValidationError(fmt.Sprintf("unknown rate-limit category %q", name))
		}
	}
	return nil
}
