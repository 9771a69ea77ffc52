package fn

import "time"

type (
	// Result is the terminal record of one execution, shared between the
	// code and agentic executors.
	Result struct {
		// FunctionID identifies the executed function.
		FunctionID string `json:"functionId"`
		// FunctionVersion is the resolved version that actually ran.
		FunctionVersion string `json:"functionVersion,omitempty"`
		// ExecutionID is caller-supplied or generated with the exec- prefix.
		ExecutionID string `json:"executionId"`
		// Status is the terminal state.
		Status Status `json:"status"`
		// Output is the function output. Populated on completion, and on
		// failure when the error carried a partial result.
		Output any `json:"output,omitempty"`
		// Error describes the failure for non-completed statuses.
		Error *Error `json:"error,omitempty"`
		// Metrics aggregates timing and resource measurements.
		Metrics Metrics `json:"metrics"`
		// Metadata records execution bookkeeping.
		Metadata Metadata `json:"metadata"`
		// Agentic is populated only by the agentic executor.
		Agentic *AgenticReport `json:"agenticExecution,omitempty"`
	}

	// Metrics aggregates the base and executor measurements of one run.
	Metrics struct {
		// DurationMs is the wall-clock run time.
		DurationMs int64 `json:"durationMs"`
		// InputSizeBytes is the serialized input size.
		InputSizeBytes int64 `json:"inputSizeBytes"`
		// OutputSizeBytes is the serialized output size.
		OutputSizeBytes int64 `json:"outputSizeBytes"`
		// RetryCount is how many times the invocation was retried upstream.
		RetryCount int `json:"retryCount"`
		// Language is the executed language tag (code functions).
		Language Language `json:"language,omitempty"`
		// IsolateType is the isolate kind that ran the code.
		IsolateType string `json:"isolateType,omitempty"`
		// MemoryUsedBytes is the observed sandbox memory footprint.
		MemoryUsedBytes int64 `json:"memoryUsedBytes,omitempty"`
		// CPUTimeMs is the observed CPU time.
		CPUTimeMs int64 `json:"cpuTimeMs,omitempty"`
		// Deterministic reports whether deterministic mode was active.
		Deterministic bool `json:"deterministic,omitempty"`
		// CompilationTimeMs is the compile duration for compiled languages.
		// Zero with CacheHit set means compilation was skipped.
		CompilationTimeMs int64 `json:"compilationTimeMs,omitempty"`
		// CacheHit reports whether the compile cache served the artifact.
		CacheHit bool `json:"cacheHit,omitempty"`
	}

	// Metadata records when the execution started and finished.
	Metadata struct {
		StartedAt   time.Time `json:"startedAt"`
		CompletedAt time.Time `json:"completedAt"`
	}

	// TokenUsage counts model tokens consumed by an agentic execution.
	TokenUsage struct {
		InputTokens  int64 `json:"inputTokens"`
		OutputTokens int64 `json:"outputTokens"`
		TotalTokens  int64 `json:"totalTokens"`
	}

	// AgenticReport is the agentic half of a result: the loop trace and its
	// aggregates.
	AgenticReport struct {
		// Iterations is how many loop iterations ran.
		Iterations int `json:"iterations"`
		// Trace lists one record per iteration, ordered by start.
		Trace []IterationRecord `json:"trace"`
		// ToolsUsed is the distinct set of tool names invoked.
		ToolsUsed []string `json:"toolsUsed"`
		// GoalAchieved reports whether the model signalled completion.
		GoalAchieved bool `json:"goalAchieved"`
		// TotalTokens accumulates usage across every model call.
		TotalTokens TokenUsage `json:"totalTokens"`
		// ReasoningSummary is present only when reasoning was enabled.
		ReasoningSummary string `json:"reasoningSummary,omitempty"`
		// Model is the model id that drove the loop.
		Model string `json:"model,omitempty"`
		// CostEstimate is set when token pricing is configured.
		CostEstimate *float64 `json:"costEstimate,omitempty"`
	}

	// IterationRecord captures one think/act/observe iteration.
	IterationRecord struct {
		// Iteration is the 1-based loop index.
		Iteration int `json:"iteration"`
		// Timestamp is when the iteration started.
		Timestamp time.Time `json:"timestamp"`
		// Reasoning carries model reasoning when enabled.
		Reasoning string `json:"reasoning,omitempty"`
		// ToolCalls lists the records of accepted tool calls, in order.
		ToolCalls []ToolCallRecord `json:"toolCalls"`
		// Tokens is the usage of this iteration's model call.
		Tokens TokenUsage `json:"tokens"`
		// DurationMs is the iteration wall time.
		DurationMs int64 `json:"durationMs"`
	}

	// ToolCallRecord captures one tool call attempt inside an iteration.
	ToolCallRecord struct {
		// Tool is the called tool name.
		Tool string `json:"tool"`
		// Input is the call input as provided by the model.
		Input any `json:"input,omitempty"`
		// Output is the handler output on success.
		Output any `json:"output,omitempty"`
		// Success reports whether the handler ran and returned.
		Success bool `json:"success"`
		// Error explains validation, registration, approval, or handler
		// failures.
		Error string `json:"error,omitempty"`
		// Approval is present when the tool required approval.
		Approval *ApprovalRecord `json:"approval,omitempty"`
		// DurationMs is the call wall time.
		DurationMs int64 `json:"durationMs"`
	}

	// ApprovalRecord captures the outcome of an approval gate wait.
	ApprovalRecord struct {
		Required   bool   `json:"required"`
		Granted    bool   `json:"granted"`
		ApprovedBy string `json:"approvedBy,omitempty"`
	}
)

// Add accumulates usage from one model call.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}
