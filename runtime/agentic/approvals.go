package agentic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/invoqio/invoq/runtime/events"
	"github.com/invoqio/invoq/runtime/fn"
)

type (
	// Decision is an operator's answer to a pending approval gate.
	Decision struct {
		// Granted allows the tool call to proceed.
		Granted bool
		// ApprovedBy identifies who decided.
		ApprovedBy string
	}

	// outcome is what a gate wait resolved to.
	outcome struct {
		Granted    bool
		ApprovedBy string
		Reason     string
	}

	approvalKey struct {
		executionID string
		tool        string
	}

	// approvals is the rendezvous between executions parked on a gate
	// and the ApproveToolCall calls that release them. Either side may
	// arrive first: decisions are buffered until the wait begins.
	approvals struct {
		mu      sync.Mutex
		pending map[approvalKey]chan Decision
	}
)

func newApprovals() *approvals {
	return &approvals{pending: make(map[approvalKey]chan Decision)}
}

// channel returns the rendezvous channel for a key, creating it on
// first use by either side.
func (a *approvals) channel(key approvalKey) chan Decision {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.pending[key]
	if !ok {
		ch = make(chan Decision, 1)
		a.pending[key] = ch
	}
	return ch
}

func (a *approvals) drop(key approvalKey) {
	a.mu.Lock()
	delete(a.pending, key)
	a.mu.Unlock()
}

// release sweeps every gate belonging to an execution.
func (a *approvals) release(executionID string) {
	a.mu.Lock()
	for key := range a.pending {
		if key.executionID == executionID {
			delete(a.pending, key)
		}
	}
	a.mu.Unlock()
}

// ApproveToolCall resolves the pending approval gate for a tool call
// within an execution. Deciding before the execution reaches the gate is
// allowed; the decision waits buffered. A repeated decision for the same
// gate is dropped.
func (e *Executor) ApproveToolCall(executionID, tool string, d Decision) {
	ch := e.approvals.channel(approvalKey{executionID: executionID, tool: tool})
	select {
	case ch <- d:
	default:
	}
}

// awaitApproval parks the execution on the gate for one tool call until
// a decision, the approval timeout, or the execution deadline. The
// default wait inherits the execution deadline.
func (e *Executor) awaitApproval(ctx context.Context, st *State, td fn.ToolDefinition) outcome {
	key := approvalKey{executionID: st.ExecutionID, tool: td.Name}
	ch := e.approvals.channel(key)
	defer e.approvals.drop(key)

	e.publish(ctx, events.TypeApprovalRequested, st, map[string]any{
		"tool":        td.Name,
		"description": td.Description,
	})

	var expire <-chan time.Time
	if st.cfg.approvalWait > 0 {
		t := time.NewTimer(st.cfg.approvalWait)
		defer t.Stop()
		expire = t.C
	}

	var out outcome
	select {
	case d := <-ch:
		out = outcome{Granted: d.Granted, ApprovedBy: d.ApprovedBy}
		if !d.Granted {
			out.Reason = "approval denied"
		}
	case <-expire:
		out = outcome{Reason: fmt.Sprintf("approval timed out after %s", st.cfg.approvalWait)}
	case <-ctx.Done():
		out = outcome{Reason: "approval wait aborted"}
	}

	e.publish(ctx, events.TypeApprovalDecided, st, map[string]any{
		"tool":       td.Name,
		"granted":    out.Granted,
		"approvedBy": out.ApprovedBy,
	})
	return out
}

// publish sends a lifecycle event. Delivery failures are logged, never
// surfaced: events must not gate an execution.
func (e *Executor) publish(ctx context.Context, typ events.Type, st *State, data map[string]any) {
	ev := events.New(typ, st.ExecutionID, st.Definition.ID, data)
	if err := e.sink.Publish(ctx, ev); err != nil {
		e.logger.Warn(ctx, "event publish failed", "type", string(typ), "error", err.Error())
	}
}
