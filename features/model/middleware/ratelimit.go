// Package middleware provides model.Client middlewares shared by the
// provider adapters, currently an adaptive tokens-per-minute throttle.
package middleware

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"

	"github.com/invoqio/invoq/runtime/model"
)

type (
	// Throttle applies an AIMD-style token bucket in front of a
	// model.Client. It estimates the token cost of each request, blocks
	// until capacity is available, and adjusts its effective
	// tokens-per-minute budget from provider rate limit signals: halve on
	// throttling, creep back up on success.
	//
	// Construct one Throttle per provider account and wrap every client
	// that shares the account with Middleware.
	Throttle struct {
		mu sync.Mutex

		limiter *rate.Limiter

		currentTPM float64
		minTPM     float64
		maxTPM     float64

		recoveryRate float64

		onBackoff func(newTPM float64)
		onProbe   func(newTPM float64)
	}

	// Options configures a Throttle.
	Options struct {
		// InitialTPM is the starting tokens-per-minute budget. Zero means
		// 60000.
		InitialTPM float64
		// MaxTPM bounds recovery after backoff. Values below InitialTPM
		// clamp to it.
		MaxTPM float64
		// Cluster coordinates the budget across processes through a Pulse
		// replicated map. Nil keeps the throttle process-local.
		Cluster *rmap.Map
		// ClusterKey is the map key holding the shared budget. Required
		// when Cluster is set.
		ClusterKey string
	}

	throttledClient struct {
		next     model.Client
		throttle *Throttle
	}

	// clusterMap is the subset of rmap.Map the cluster-aware throttle
	// uses.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}

	rmapClusterMap struct {
		m *rmap.Map
	}
)

// NewThrottle builds a Throttle. With Options.Cluster set it shares the
// budget across processes; otherwise it is process-local.
func NewThrottle(ctx context.Context, opts Options) *Throttle {
	var cm clusterMap
	if opts.Cluster != nil {
		cm = &rmapClusterMap{m: opts.Cluster}
	}
	return newClusterThrottle(ctx, cm, opts.ClusterKey, opts.InitialTPM, opts.MaxTPM)
}

func newThrottle(initialTPM, maxTPM float64) *Throttle {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &Throttle{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Middleware wraps a model.Client with the throttle.
func (t *Throttle) Middleware() func(model.Client) model.Client {
	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &throttledClient{next: next, throttle: t}
	}
}

// Complete blocks until the estimated token cost fits the budget, then
// delegates and feeds the outcome back into the budget.
func (c *throttledClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := c.throttle.wait(ctx, req); err != nil {
		return nil, err
	}
	resp, err := c.next.Complete(ctx, req)
	c.throttle.observe(err)
	return resp, err
}

func (t *Throttle) wait(ctx context.Context, req *model.Request) error {
	return t.limiter.WaitN(ctx, estimateTokens(req))
}

func (t *Throttle) observe(err error) {
	if err == nil {
		t.probe()
		return
	}
	if errors.Is(err, model.ErrRateLimited) {
		t.backoff()
	}
}

func (t *Throttle) backoff() {
	t.mu.Lock()

	newTPM := t.currentTPM * 0.5
	if newTPM < t.minTPM {
		newTPM = t.minTPM
	}
	if newTPM == t.currentTPM {
		t.mu.Unlock()
		return
	}
	t.currentTPM = newTPM
	t.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	t.limiter.SetBurst(int(newTPM))

	cb := t.onBackoff

	t.mu.Unlock()

	if cb != nil {
		cb(newTPM)
	}
}

func (t *Throttle) probe() {
	t.mu.Lock()

	newTPM := t.currentTPM + t.recoveryRate
	if newTPM > t.maxTPM {
		newTPM = t.maxTPM
	}
	if newTPM == t.currentTPM {
		t.mu.Unlock()
		return
	}
	t.currentTPM = newTPM
	t.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	t.limiter.SetBurst(int(newTPM))

	cb := t.onProbe

	t.mu.Unlock()

	if cb != nil {
		cb(newTPM)
	}
}

// estimateTokens is a cheap heuristic for the token cost of a request.
// It counts the characters of the system prompt, message text, and
// string tool results, converts at roughly 3 characters per token, and
// adds a fixed buffer for tool schemas and provider framing.
func estimateTokens(req *model.Request) int {
	chars := len(req.System)
	for _, m := range req.Messages {
		chars += len(m.Content)
		if m.ToolResult != nil {
			if s, ok := m.ToolResult.Content.(string); ok {
				chars += len(s)
			}
		}
	}
	if chars <= 0 {
		// Keep a non-zero floor so tiny requests still spend budget.
		return 500
	}
	tokens := chars / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}

// replaceTPM sets the effective budget, clamped to [minTPM, maxTPM].
// The cluster reconciler calls it when another process changes the
// shared value.
func (t *Throttle) replaceTPM(tpm float64) {
	t.mu.Lock()
	if tpm < t.minTPM {
		tpm = t.minTPM
	}
	if tpm > t.maxTPM {
		tpm = t.maxTPM
	}
	if tpm == t.currentTPM {
		t.mu.Unlock()
		return
	}
	t.currentTPM = tpm
	t.limiter.SetLimit(rate.Limit(tpm / 60.0))
	t.limiter.SetBurst(int(tpm))
	t.mu.Unlock()
}

func (t *Throttle) setClusterCallbacks(onBackoff, onProbe func(newTPM float64)) {
	t.mu.Lock()
	t.onBackoff = onBackoff
	t.onProbe = onProbe
	t.mu.Unlock()
}

func (m *rmapClusterMap) Get(key string) (string, bool) {
	return m.m.Get(key)
}

func (m *rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return m.m.SetIfNotExists(ctx, key, value)
}

func (m *rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return m.m.TestAndSet(ctx, key, test, value)
}

func (m *rmapClusterMap) Subscribe() <-chan rmap.EventKind {
	return m.m.Subscribe()
}

func newClusterThrottle(ctx context.Context, m clusterMap, key string, initialTPM, maxTPM float64) *Throttle {
	if key == "" || m == nil {
		return newThrottle(initialTPM, maxTPM)
	}

	// Seed the shared budget when absent. A concurrent writer may win;
	// the read below picks up whichever value landed.
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			// Fall back to a process-local throttle so callers make
			// progress instead of trusting a half-initialized map.
			return newThrottle(initialTPM, maxTPM)
		}
	}

	sharedTPM := initialTPM
	if cur, ok := m.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			sharedTPM = v
		}
	}

	t := newThrottle(sharedTPM, maxTPM)

	floor := t.minTPM
	ceiling := t.maxTPM
	step := t.recoveryRate

	t.setClusterCallbacks(
		func(_ float64) {
			go lowerSharedBudget(context.Background(), m, key, floor)
		},
		func(_ float64) {
			go raiseSharedBudget(context.Background(), m, key, step, ceiling)
		},
	)

	// Reconcile the local limiter when another process moves the shared
	// budget.
	ch := m.Subscribe()
	go func() {
		for range ch {
			cur, ok := m.Get(key)
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(cur, 64)
			if err != nil || v <= 0 {
				continue
			}
			t.replaceTPM(v)
		}
	}()

	return t
}

func lowerSharedBudget(ctx context.Context, m clusterMap, key string, floor float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		next := cur * 0.5
		if next < floor {
			next = floor
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil {
			return
		}
		if prev == curStr {
			return
		}
	}
}

func raiseSharedBudget(ctx context.Context, m clusterMap, key string, step, ceiling float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		if cur >= ceiling {
			return
		}
		next := cur + step
		if next > ceiling {
			next = ceiling
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil {
			return
		}
		if prev == curStr {
			return
		}
	}
}
