// Package pulse wraps goa.design/pulse streams behind the narrow surface
// the event sink publishes through. Callers build a Redis client, pass it
// to New, and hand the resulting Client to the sink; tests substitute
// fakes for both interfaces.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis is the Redis connection backing the streams. Required.
		Redis *goredis.Client
		// StreamMaxLen bounds the entries kept per stream. Zero uses the
		// Pulse default.
		StreamMaxLen int
		// OperationTimeout bounds individual Add calls. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	// Client exposes the subset of Pulse needed to publish execution
	// events.
	Client interface {
		// Stream returns a handle to the named stream, creating it if
		// needed.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
		// Close releases client resources. The Redis connection belongs
		// to the caller and stays open.
		Close(ctx context.Context) error
	}

	// Stream is one Pulse stream handle.
	Stream interface {
		// Add appends an event, returning the Redis-assigned entry id.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// Destroy deletes the stream and all its entries.
		Destroy(ctx context.Context) error
	}
)

type client struct {
	redis   *goredis.Client
	maxLen  int
	timeout time.Duration
}

// New constructs a Client over the given Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
	}, nil
}

// Stream opens the named Pulse stream, creating it on first use.
func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var streamOptions []streamopts.Stream
	if c.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(c.maxLen))
	}
	streamOptions = append(streamOptions, opts...)
	str, err := streaming.NewStream(name, c.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

// Close is a no-op; the caller owns the Redis connection.
func (c *client) Close(context.Context) error { return nil }

// handle applies the configured operation timeout to stream writes.
type handle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}
