package fn

import "fmt"

type (
	// Definition describes one registered function. Exactly one of Code or
	// Agentic is set, matching Kind.
	Definition struct {
		// ID is the function identifier, validated by ValidateID.
		ID string `json:"id" yaml:"id"`
		// Version is a semver string or the Latest sentinel.
		Version string `json:"version,omitempty" yaml:"version,omitempty"`
		// Kind selects the execution family.
		Kind Kind `json:"kind" yaml:"kind"`
		// Code holds the code-function attributes when Kind is KindCode.
		Code *CodeSpec `json:"code,omitempty" yaml:"code,omitempty"`
		// Agentic holds the agentic attributes when Kind is KindAgentic.
		Agentic *AgenticSpec `json:"agentic,omitempty" yaml:"agentic,omitempty"`
		// Config is the definition-level default invocation config. It sits
		// between invocation overrides and system defaults in the overlay.
		Config *InvokeConfig `json:"config,omitempty" yaml:"config,omitempty"`
	}

	// CodeSpec is the code-function half of a definition.
	CodeSpec struct {
		// Language tags the source language.
		Language Language `json:"language" yaml:"language"`
		// Source locates the code to run.
		Source SourceRef `json:"source" yaml:"source"`
	}

	// SourceRef is the tagged union locating function code. Exactly one
	// field is set.
	SourceRef struct {
		// Inline is the code itself.
		Inline string `json:"inline,omitempty" yaml:"inline,omitempty"`
		// ObjectKey names a bytes-object-store key holding the code.
		ObjectKey string `json:"objectKey,omitempty" yaml:"objectKey,omitempty"`
		// URL is an HTTPS location fetched through the URL guard.
		URL string `json:"url,omitempty" yaml:"url,omitempty"`
		// Registry references another registered function's stored code.
		Registry *RegistryRef `json:"registry,omitempty" yaml:"registry,omitempty"`
	}

	// RegistryRef points at the stored code of a function id, optionally at
	// a fixed version.
	RegistryRef struct {
		FunctionID string `json:"functionId" yaml:"functionId"`
		Version    string `json:"version,omitempty" yaml:"version,omitempty"`
	}

	// AgenticSpec is the agentic half of a definition.
	AgenticSpec struct {
		// SystemPrompt primes the model before the goal.
		SystemPrompt string `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
		// Goal is the task the loop drives toward.
		Goal string `json:"goal" yaml:"goal"`
		// Tools lists the tool definitions offered to the model, in order.
		Tools []ToolDefinition `json:"tools,omitempty" yaml:"tools,omitempty"`
		// EnableMemory feeds accumulated messages back each iteration.
		EnableMemory bool `json:"enableMemory,omitempty" yaml:"enableMemory,omitempty"`
		// EnableReasoning asks the model for reasoning and surfaces a
		// summary in the result.
		EnableReasoning bool `json:"enableReasoning,omitempty" yaml:"enableReasoning,omitempty"`
		// MaxIterations bounds the loop. Zero means the default of 10.
		MaxIterations int `json:"maxIterations,omitempty" yaml:"maxIterations,omitempty"`
		// MaxToolCallsPerIteration caps accepted tool calls per iteration.
		// Zero means the default of 5.
		MaxToolCallsPerIteration int `json:"maxToolCallsPerIteration,omitempty" yaml:"maxToolCallsPerIteration,omitempty"`
		// Timeout bounds the whole execution. Zero means the default of
		// five minutes.
		Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
		// Model names the model to drive the loop with.
		Model string `json:"model,omitempty" yaml:"model,omitempty"`
		// OutputSchema optionally constrains the final output shape.
		OutputSchema map[string]any `json:"outputSchema,omitempty" yaml:"outputSchema,omitempty"`
	}

	// ToolDefinition describes one tool offered to the model.
	ToolDefinition struct {
		// Name is the tool name the model calls.
		Name string `json:"name" yaml:"name"`
		// Description tells the model what the tool does.
		Description string `json:"description,omitempty" yaml:"description,omitempty"`
		// InputSchema is the JSON-Schema shape of the tool input.
		InputSchema map[string]any `json:"inputSchema,omitempty" yaml:"inputSchema,omitempty"`
		// Implementation selects how calls to this tool are serviced.
		Implementation ToolImplementation `json:"implementation" yaml:"implementation"`
		// RequiresApproval parks calls to this tool until a human decision
		// arrives or the approval window times out.
		RequiresApproval bool `json:"requiresApproval,omitempty" yaml:"requiresApproval,omitempty"`
	}

	// ToolImplementation is the tagged union of tool backings. Exactly one
	// field is set; Kind reports which.
	ToolImplementation struct {
		// Builtin names a handler registered on the agentic executor.
		Builtin string `json:"builtin,omitempty" yaml:"builtin,omitempty"`
		// Inline is a JavaScript handler body run through the code executor.
		Inline string `json:"inline,omitempty" yaml:"inline,omitempty"`
		// Function references another registered function by id.
		Function string `json:"function,omitempty" yaml:"function,omitempty"`
		// API is an HTTPS endpoint receiving the tool input as JSON.
		API string `json:"api,omitempty" yaml:"api,omitempty"`
	}

	// ToolImplKind names the active arm of a ToolImplementation.
	ToolImplKind string

	// InvokeConfig is the overlayable invocation configuration. Pointer
	// fields distinguish "unset" from zero so the overlay can tell which
	// layer wins.
	InvokeConfig struct {
		// Timeout bounds the execution wall clock.
		Timeout *Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
		// Isolate overrides the language-derived isolate kind.
		Isolate string `json:"isolate,omitempty" yaml:"isolate,omitempty"`
		// Deterministic seeds randomness and fixes the clock.
		Deterministic *bool `json:"deterministic,omitempty" yaml:"deterministic,omitempty"`
		// Seed feeds the deterministic random source.
		Seed *int64 `json:"seed,omitempty" yaml:"seed,omitempty"`
		// FixedClockMs is the deterministic wall clock in Unix milliseconds.
		FixedClockMs *int64 `json:"fixedClockMs,omitempty" yaml:"fixedClockMs,omitempty"`
		// MemoryLimitBytes caps sandbox memory.
		MemoryLimitBytes *int64 `json:"memoryLimitBytes,omitempty" yaml:"memoryLimitBytes,omitempty"`
		// CPUTimeLimitMs caps sandbox CPU time.
		CPUTimeLimitMs *int64 `json:"cpuTimeLimitMs,omitempty" yaml:"cpuTimeLimitMs,omitempty"`
		// NetworkEnabled allows outbound calls from the sandbox.
		NetworkEnabled *bool `json:"networkEnabled,omitempty" yaml:"networkEnabled,omitempty"`
		// NetworkAllowlist lists hosts reachable when networking is on.
		// Matching is exact on host.
		NetworkAllowlist []string `json:"networkAllowlist,omitempty" yaml:"networkAllowlist,omitempty"`
		// AllowedGlobals restricts the host globals installed in the
		// sandbox. Empty means the defaults.
		AllowedGlobals []string `json:"allowedGlobals,omitempty" yaml:"allowedGlobals,omitempty"`
		// MaxIterations overrides the agentic iteration bound downward.
		MaxIterations *int `json:"maxIterations,omitempty" yaml:"maxIterations,omitempty"`
		// Model overrides the agentic model id.
		Model string `json:"model,omitempty" yaml:"model,omitempty"`
		// TokenBudget caps cumulative tokens across the agentic loop.
		TokenBudget *int64 `json:"tokenBudget,omitempty" yaml:"tokenBudget,omitempty"`
		// ApprovalTimeout bounds each approval wait. Unset inherits the
		// execution timeout.
		ApprovalTimeout *Duration `json:"approvalTimeout,omitempty" yaml:"approvalTimeout,omitempty"`
	}
)

const (
	ToolImplBuiltin  ToolImplKind = "builtin"
	ToolImplInline   ToolImplKind = "inline"
	ToolImplFunction ToolImplKind = "function"
	ToolImplAPI      ToolImplKind = "api"
)

// Kind reports the active arm of the implementation union, or an error when
// zero or several arms are set.
func (ti ToolImplementation) Kind() (ToolImplKind, error) {
	var (
		kind ToolImplKind
		n    int
	)
	if ti.Builtin != "" {
		kind, n = ToolImplBuiltin, n+1
	}
	if ti.Inline != "" {
		kind, n = ToolImplInline, n+1
	}
	if ti.Function != "" {
		kind, n = ToolImplFunction, n+1
	}
	if ti.API != "" {
		kind, n = ToolImplAPI, n+1
	}
	switch n {
	case 1:
		return kind, nil
	case 0:
		return "", NewValidationError("tool implementation is empty")
	default:
		return "", NewValidationError("tool implementation sets more than one variant")
	}
}

// Kind reports which arm of the source union is set, or an error when the
// reference is empty or ambiguous.
func (s SourceRef) Kind() (string, error) {
	var (
		kind string
		n    int
	)
	if s.Inline != "" {
		kind, n = "inline", n+1
	}
	if s.ObjectKey != "" {
		kind, n = "object", n+1
	}
	if s.URL != "" {
		kind, n = "url", n+1
	}
	if s.Registry != nil {
		kind, n = "registry", n+1
	}
	switch n {
	case 1:
		return kind, nil
	case 0:
		return "", NewValidationError("source reference is empty")
	default:
		return "", NewValidationError("source reference sets more than one variant")
	}
}

// Validate checks the definition for structural consistency: a valid id, a
// kind matching the populated half, and a resolvable source or goal.
func (d *Definition) Validate() error {
	if err := ValidateID(d.ID); err != nil {
		return err
	}
	switch d.Kind {
	case KindCode:
		if d.Code == nil {
			return NewValidationError(fmt.Sprintf("function %s: kind is code but code spec is missing", d.ID))
		}
		if !KnownLanguage(d.Code.Language) {
			return NewValidationError(fmt.Sprintf("function %s: unsupported language %q", d.ID, d.Code.Language))
		}
		if _, err := d.Code.Source.Kind(); err != nil {
			return err
		}
	case KindAgentic:
		if d.Agentic == nil {
			return NewValidationError(fmt.Sprintf("function %s: kind is agentic but agentic spec is missing", d.ID))
		}
		if d.Agentic.Goal == "" {
			return NewValidationError(fmt.Sprintf("function %s: agentic goal is empty", d.ID))
		}
		for _, t := range d.Agentic.Tools {
			if t.Name == "" {
				return NewValidationError(fmt.Sprintf("function %s: tool with empty name", d.ID))
			}
			if _, err := t.Implementation.Kind(); err != nil {
				return NewValidationError(fmt.Sprintf("function %s tool %s: %s", d.ID, t.Name, AsError(err).Message))
			}
		}
	default:
		return NewValidationError(fmt.Sprintf("function %s: unknown kind %q", d.ID, d.Kind))
	}
	return nil
}
