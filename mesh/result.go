package mesh

import (
	"encoding/json"
	"time"
)

// TaskResult is the uniform outcome of a single remote task call. Every
// outcome, from success through HTTP and protocol errors to timeouts and
// connection failures, is captured here; the RPC client never surfaces an
// error to its caller.
type TaskResult struct {
	// AgentID is the target agent of the call.
	AgentID string `json:"agent_id"`
	// Success reports whether the call produced a result payload.
	Success bool `json:"success"`
	// Content is the textual result on success.
	Content string `json:"content,omitempty"`
	// ToolCalls is the raw tool_calls array from the result, if any.
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
	// Artifacts is the raw artifacts array from the result, if any.
	Artifacts json.RawMessage `json:"artifacts,omitempty"`
	// Error describes the failure on an unsuccessful call.
	Error string `json:"error,omitempty"`
	// ErrorCode carries the HTTP status or protocol error code of a failure.
	ErrorCode int `json:"error_code,omitempty"`
	// TimedOut is true when the failure was the call exceeding its timeout.
	TimedOut bool `json:"timed_out,omitempty"`
	// Duration is the wall-clock time the call took.
	Duration time.Duration `json:"duration"`
}

// RoutingResult is the per-call outcome of a routed or broadcast request.
// It is produced fresh per invocation and never persisted.
type RoutingResult struct {
	// AgentName is the agent the request was routed to, empty when no
	// agent was available.
	AgentName string `json:"agent_name,omitempty"`
	// Module is the module of the selected agent.
	Module string `json:"module,omitempty"`
	// Result is the task result when a call was attempted.
	Result *TaskResult `json:"result,omitempty"`
	// Error describes a routing-level failure such as no agent available.
	Error string `json:"error,omitempty"`
	// Success reports whether the request was routed and the call succeeded.
	Success bool `json:"success"`
	// Duration is the wall-clock time of the whole routing operation.
	Duration time.Duration `json:"duration"`
}
