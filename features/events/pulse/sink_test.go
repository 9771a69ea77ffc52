package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/invoqio/invoq/features/events/pulse/clients/pulse"
	"github.com/invoqio/invoq/runtime/events"
)

type fakeClient struct {
	stream    *fakeStream
	streamErr error
	names     []string
	closed    bool
}

func (f *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	f.names = append(f.names, name)
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return f.stream, nil
}

func (f *fakeClient) Close(context.Context) error {
	f.closed = true
	return nil
}

type fakeStream struct {
	addErr   error
	names    []string
	payloads [][]byte
}

func (f *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if f.addErr != nil {
		return "", f.addErr
	}
	f.names = append(f.names, event)
	f.payloads = append(f.payloads, payload)
	return fmt.Sprintf("%d-0", len(f.names)), nil
}

func (f *fakeStream) Destroy(context.Context) error { return nil }

func TestPublishAppendsToExecutionStream(t *testing.T) {
	cli := &fakeClient{stream: &fakeStream{}}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	ev := events.New(events.TypeExecutionStarted, "exec-123", "tenant/add", map[string]any{"status": "running"})
	require.NoError(t, sink.Publish(context.Background(), ev))

	require.Equal(t, []string{"exec/exec-123"}, cli.names)
	require.Equal(t, []string{"execution.started"}, cli.stream.names)

	var got events.Event
	require.NoError(t, json.Unmarshal(cli.stream.payloads[0], &got))
	require.Equal(t, ev.ID, got.ID)
	require.Equal(t, ev.Type, got.Type)
	require.True(t, ev.Time.Equal(got.Time))
	require.Equal(t, "exec-123", got.ExecutionID)
	require.Equal(t, "tenant/add", got.FunctionID)
	require.Equal(t, "running", got.Data["status"])
}

func TestOnPublishedCalled(t *testing.T) {
	cli := &fakeClient{stream: &fakeStream{}}
	var published PublishedEvent
	sink, err := NewSink(Options{
		Client: cli,
		OnPublished: func(_ context.Context, ev PublishedEvent) error {
			published = ev
			return nil
		},
	})
	require.NoError(t, err)

	ev := events.New(events.TypeExecutionCompleted, "exec-9", "tenant/add", nil)
	require.NoError(t, sink.Publish(context.Background(), ev))
	require.Equal(t, "exec/exec-9", published.StreamID)
	require.Equal(t, "1-0", published.EntryID)
	require.Equal(t, ev.ID, published.Event.ID)
}

func TestOnPublishedErrorPropagates(t *testing.T) {
	cli := &fakeClient{stream: &fakeStream{}}
	sink, err := NewSink(Options{
		Client: cli,
		OnPublished: func(context.Context, PublishedEvent) error {
			return errors.New("after-publish")
		},
	})
	require.NoError(t, err)

	err = sink.Publish(context.Background(), events.New(events.TypeExecutionStarted, "e", "", nil))
	require.EqualError(t, err, "after-publish")
}

func TestCustomStreamID(t *testing.T) {
	cli := &fakeClient{stream: &fakeStream{}}
	sink, err := NewSink(Options{
		Client: cli,
		StreamID: func(ev events.Event) (string, error) {
			return "fn/" + ev.FunctionID, nil
		},
	})
	require.NoError(t, err)

	ev := events.New(events.TypeApprovalRequested, "exec-1", "tenant/tool", nil)
	require.NoError(t, sink.Publish(context.Background(), ev))
	require.Equal(t, []string{"fn/tenant/tool"}, cli.names)
}

func TestPublishRequiresExecutionID(t *testing.T) {
	sink, err := NewSink(Options{Client: &fakeClient{stream: &fakeStream{}}})
	require.NoError(t, err)

	err = sink.Publish(context.Background(), events.Event{Type: events.TypeExecutionStarted})
	require.EqualError(t, err, "event missing execution id")
}

func TestStreamCreationError(t *testing.T) {
	sink, err := NewSink(Options{Client: &fakeClient{streamErr: errors.New("boom")}})
	require.NoError(t, err)

	err = sink.Publish(context.Background(), events.New(events.TypeExecutionStarted, "e", "", nil))
	require.EqualError(t, err, "boom")
}

func TestAddError(t *testing.T) {
	cli := &fakeClient{stream: &fakeStream{addErr: errors.New("add-failed")}}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	err = sink.Publish(context.Background(), events.New(events.TypeExecutionStarted, "e", "", nil))
	require.EqualError(t, err, "add-failed")
}

func TestCloseDelegates(t *testing.T) {
	cli := &fakeClient{}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
	require.True(t, cli.closed)
}

func TestNewSinkRequiresClient(t *testing.T) {
	_, err := NewSink(Options{})
	require.EqualError(t, err, "pulse client is required")
}
