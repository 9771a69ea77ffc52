// Package events defines the execution event stream contract. The
// executors and the HTTP layer publish lifecycle and approval events
// through a Sink; features/events provides the Pulse-backed
// implementation and this package the no-op default.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type (
	// Type names an event kind. Values are stable wire strings.
	Type string

	// Event is one execution lifecycle notification.
	Event struct {
		// ID is unique per event.
		ID string `json:"id"`
		// Type is the event kind.
		Type Type `json:"type"`
		// Time is when the event was emitted.
		Time time.Time `json:"time"`
		// ExecutionID identifies the execution the event belongs to.
		ExecutionID string `json:"executionId"`
		// FunctionID identifies the function being executed.
		FunctionID string `json:"functionId,omitempty"`
		// Data carries type-specific fields.
		Data map[string]any `json:"data,omitempty"`
	}

	// Sink delivers events to an event stream. Implementations must be
	// safe for concurrent use. Publish failures are the caller's to log;
	// event delivery never gates an execution.
	Sink interface {
		Publish(ctx context.Context, ev Event) error
	}

	// NoopSink drops every event.
	NoopSink struct{}
)

const (
	// TypeExecutionStarted marks the start of an invocation.
	TypeExecutionStarted Type = "execution.started"
	// TypeExecutionCompleted marks an invocation reaching a terminal
	// status; Data carries the status.
	TypeExecutionCompleted Type = "execution.completed"
	// TypeApprovalRequested marks a tool call parked for approval.
	TypeApprovalRequested Type = "approval.requested"
	// TypeApprovalDecided marks a parked call resolved; Data carries the
	// decision.
	TypeApprovalDecided Type = "approval.decided"
)

// New builds an event with a fresh id and the current time.
func New(t Type, executionID, functionID string, data map[string]any) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        t,
		Time:        time.Now().UTC(),
		ExecutionID: executionID,
		FunctionID:  functionID,
		Data:        data,
	}
}

// NewNoopSink returns a sink that drops everything.
func NewNoopSink() *NoopSink { return &NoopSink{} }

// Publish implements Sink.
func (*NoopSink) Publish(context.Context, Event) error { return nil }
