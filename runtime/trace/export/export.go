// Package export provides trace exporters: batched HTTP delivery to a
// collector, a console exporter for development, and a noop exporter.
// All exporters degrade rather than fail the caller: a bad batch is
// dropped and delivery continues with the next one.
package export

import (
	"context"
	"errors"
	"fmt"

	"github.com/invoqio/invoq/runtime/trace"
)

// DefaultBatchSize is the span batch size used when none is configured.
const DefaultBatchSize = 100

type (
	// SendFunc delivers one batch of spans.
	SendFunc func(ctx context.Context, batch *trace.Exported) error

	// Batcher splits a trace into fixed-size span batches and delivers
	// them in order. A failing batch is skipped, never blocking the
	// batches behind it.
	Batcher struct {
		size int
		send SendFunc
	}
)

// NewBatcher constructs a Batcher. Sizes below 1 fall back to
// DefaultBatchSize.
func NewBatcher(size int, send SendFunc) *Batcher {
	if size < 1 {
		size = DefaultBatchSize
	}
	return &Batcher{size: size, send: send}
}

// Export delivers t in batches of at most the configured size. Every batch
// is attempted; the returned error joins the per-batch failures, if any.
func (b *Batcher) Export(ctx context.Context, t *trace.Exported) error {
	if len(t.Spans) == 0 {
		return nil
	}
	var errs []error
	for start := 0; start < len(t.Spans); start += b.size {
		end := start + b.size
		if end > len(t.Spans) {
			end = len(t.Spans)
		}
		batch := &trace.Exported{
			ServiceName: t.ServiceName,
			Spans:       t.Spans[start:end],
			Resource:    t.Resource,
		}
		if err := b.send(ctx, batch); err != nil {
			errs = append(errs, fmt.Errorf("batch %d-%d: %w", start, end, err))
		}
	}
	return errors.Join(errs...)
}
