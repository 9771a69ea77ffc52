// Package tools holds the tool handler registry and input validation used
// by the agentic executor. Handlers are plain functions registered by
// name; a tool definition whose name has no handler is never shown to the
// model.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/invoqio/invoq/runtime/fn"
)

type (
	// Handler services one tool call. Input is the decoded JSON argument
	// object; the returned value is fed back to the model as the tool
	// result. Errors are recorded on the call, never fatal to the loop.
	Handler func(ctx context.Context, input map[string]any, tc Context) (any, error)

	// Context carries the call surroundings into a handler.
	Context struct {
		// Definition is the tool definition the call targets.
		Definition fn.ToolDefinition
		// ExecutionID identifies the owning execution.
		ExecutionID string
	}

	// Registry maps tool names to handlers. Safe for concurrent use;
	// registering an existing name replaces the handler.
	Registry struct {
		mu       sync.RWMutex
		handlers map[string]Handler
	}
)

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a tool name.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("tools: name is empty")
	}
	if h == nil {
		return fmt.Errorf("tools: handler for %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
	return nil
}

// Get returns the handler for name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Has reports whether name has a registered handler.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
