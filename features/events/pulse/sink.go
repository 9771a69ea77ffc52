// Package pulse implements events.Sink on goa.design/pulse streams. Each
// execution gets its own stream so a consumer can follow one invocation
// without filtering, and the sink stays out of the execution path: the
// executors treat publish failures as log-and-continue.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/invoqio/invoq/features/events/pulse/clients/pulse"
	"github.com/invoqio/invoq/runtime/events"
)

type (
	// Options configures a Sink.
	Options struct {
		// Client publishes to Pulse. Required.
		Client pulse.Client
		// StreamID derives the target stream from an event. Defaults to
		// exec/<ExecutionID>.
		StreamID func(events.Event) (string, error)
		// Marshal overrides event serialization, primarily for tests.
		Marshal func(events.Event) ([]byte, error)
		// OnPublished runs after each successful publish.
		OnPublished func(ctx context.Context, ev PublishedEvent) error
	}

	// PublishedEvent reports one delivered event.
	PublishedEvent struct {
		// Event is the event that was published.
		Event events.Event
		// StreamID is the stream it went to.
		StreamID string
		// EntryID is the Redis-assigned entry id.
		EntryID string
	}

	// Sink publishes execution events into Pulse streams. Safe for
	// concurrent use.
	Sink struct {
		client      pulse.Client
		streamID    func(events.Event) (string, error)
		marshal     func(events.Event) ([]byte, error)
		onPublished func(ctx context.Context, ev PublishedEvent) error
	}
)

var _ events.Sink = (*Sink)(nil)

// NewSink constructs a Pulse-backed event sink. Client is required;
// StreamID and Marshal default to the built-in implementations.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Sink{
		client:      opts.Client,
		streamID:    defaultStreamID,
		marshal:     defaultMarshal,
		onPublished: opts.OnPublished,
	}
	if opts.StreamID != nil {
		s.streamID = opts.StreamID
	}
	if opts.Marshal != nil {
		s.marshal = opts.Marshal
	}
	return s, nil
}

// Publish implements events.Sink. It derives the stream, serializes the
// event, and appends it under the event type as the entry name.
func (s *Sink) Publish(ctx context.Context, ev events.Event) error {
	streamID, err := s.streamID(ev)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := s.marshal(ev)
	if err != nil {
		return err
	}
	entryID, err := handle.Add(ctx, string(ev.Type), payload)
	if err != nil {
		return err
	}
	if s.onPublished != nil {
		return s.onPublished(ctx, PublishedEvent{Event: ev, StreamID: streamID, EntryID: entryID})
	}
	return nil
}

// Close releases the underlying client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultStreamID(ev events.Event) (string, error) {
	if ev.ExecutionID == "" {
		return "", errors.New("event missing execution id")
	}
	return fmt.Sprintf("exec/%s", ev.ExecutionID), nil
}

func defaultMarshal(ev events.Event) ([]byte, error) {
	return json.Marshal(ev)
}
