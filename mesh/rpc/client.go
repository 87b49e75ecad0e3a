// Package rpc implements the mesh RPC client: single and parallel task
// calls against peer agents over a JSON-RPC-style envelope.
//
// The client's partial-failure contract is that every outcome (success,
// HTTP error, protocol error, timeout, connection failure, panic) is
// captured as a mesh.TaskResult. A call never returns an error to its
// caller, which is what lets parallel fan-out degrade gracefully.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/mesh"
)

// taskPath is the per-agent endpoint path task requests are posted to.
const taskPath = "/a2a/tasks"

// maxErrorBody bounds how much of an HTTP error body is carried in a
// failure result.
const maxErrorBody = 512

// protocolVersion is the JSON-RPC protocol marker of the request envelope.
const protocolVersion = "2.0"

// EndpointResolver maps an agent name to its base URL. The registry
// implements this.
type EndpointResolver interface {
	ResolveEndpoint(name string) (string, bool)
}

// Config holds configuration for the RPC client.
type Config struct {
	// DefaultTimeout bounds a call when the caller supplies none.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// MaxConcurrent bounds parallel fan-out and sizes the connection pool.
	MaxConcurrent int `yaml:"max_concurrent"`
	// CallerID identifies this process to peers.
	CallerID string `yaml:"caller_id"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultTimeout: 30 * time.Second,
		MaxConcurrent:  10,
		CallerID:       "agentmesh",
	}
}

// Call describes one task call for CallAgent or CallAgentsParallel.
type Call struct {
	// AgentID is the target agent's registry name.
	AgentID string `json:"agent_id"`
	// Task is the task payload sent to the agent.
	Task string `json:"task"`
	// Context is optional caller context merged into the request envelope.
	Context map[string]any `json:"context,omitempty"`
	// Timeout overrides the client's default timeout when positive.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// request is the wire envelope of a task call.
type request struct {
	Protocol string        `json:"protocol"`
	Method   string        `json:"method"`
	ID       string        `json:"id"`
	Params   requestParams `json:"params"`
}

type requestParams struct {
	Task    string         `json:"task"`
	Context map[string]any `json:"context"`
}

// response is the wire envelope of a task response.
type response struct {
	Result *resultPayload `json:"result,omitempty"`
	Error  *errorPayload  `json:"error,omitempty"`
}

type resultPayload struct {
	Content   string          `json:"content"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
	Artifacts json.RawMessage `json:"artifacts,omitempty"`
}

type errorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Client executes remote task calls over a pooled HTTP connection. It is
// safe for concurrent use by all callers within a process.
type Client struct {
	config   *Config
	resolver EndpointResolver
	logger   *zap.Logger
	metrics  *metrics.Collector
	tracer   trace.Tracer

	// pool is created lazily on first use behind initMu, so concurrent
	// first callers do not race to build duplicate pools.
	pool   atomic.Pointer[http.Client]
	initMu sync.Mutex
}

// NewClient creates an RPC client. logger and collector may be nil.
func NewClient(config *Config, resolver EndpointResolver, logger *zap.Logger, collector *metrics.Collector) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		config:   config,
		resolver: resolver,
		logger:   logger.With(zap.String("component", "rpc_client")),
		metrics:  collector,
		tracer:   otel.Tracer("agentmesh/rpc"),
	}
}

// CallAgent executes one task call against the named agent. The returned
// result is the only outcome channel: the call never panics and never
// returns an error.
func (c *Client) CallAgent(ctx context.Context, call Call) (result mesh.TaskResult) {
	start := time.Now()
	result = mesh.TaskResult{AgentID: call.AgentID}

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Sprintf("unexpected panic during call: %v", r)
			result.Duration = time.Since(start)
			c.logger.Error("call panicked",
				zap.String("agent", call.AgentID),
				zap.Any("panic", r),
			)
		}
		c.observe(call.AgentID, &result)
	}()

	ctx, span := c.tracer.Start(ctx, "rpc.CallAgent",
		trace.WithAttributes(attribute.String("mesh.agent", call.AgentID)),
	)
	defer func() {
		span.SetAttributes(attribute.Bool("mesh.success", result.Success))
		span.End()
	}()

	baseURL, ok := c.resolver.ResolveEndpoint(call.AgentID)
	if !ok || baseURL == "" {
		result.Error = fmt.Sprintf("agent %s not found", call.AgentID)
		result.Duration = time.Since(start)
		return result
	}

	reqID := newRequestID(call.AgentID)
	body, err := json.Marshal(request{
		Protocol: protocolVersion,
		Method:   "run",
		ID:       reqID,
		Params: requestParams{
			Task:    call.Task,
			Context: c.callContext(call.Context),
		},
	})
	if err != nil {
		result.Error = fmt.Sprintf("failed to encode request: %v", err)
		result.Duration = time.Since(start)
		return result
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = c.config.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(baseURL, "/") + taskPath
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		result.Error = fmt.Sprintf("failed to create request: %v", err)
		result.Duration = time.Since(start)
		return result
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caller-ID", c.config.CallerID)
	req.Header.Set("X-Request-ID", reqID)

	resp, err := c.httpClient().Do(req)
	result.Duration = time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			result.TimedOut = true
			result.Error = fmt.Sprintf("call timed out after %s", timeout)
		} else {
			result.Error = fmt.Sprintf("connection failed: %v", err)
		}
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		result.ErrorCode = resp.StatusCode
		result.Error = fmt.Sprintf("http %d: %s", resp.StatusCode, string(errBody))
		result.Duration = time.Since(start)
		return result
	}

	var envelope response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		result.Error = fmt.Sprintf("%v: failed to decode response: %v", mesh.ErrProtocol, err)
		result.Duration = time.Since(start)
		return result
	}

	if envelope.Error != nil {
		result.ErrorCode = envelope.Error.Code
		result.Error = envelope.Error.Message
		result.Duration = time.Since(start)
		return result
	}
	if envelope.Result == nil {
		result.Error = fmt.Sprintf("%v: response carries neither result nor error", mesh.ErrProtocol)
		result.Duration = time.Since(start)
		return result
	}

	result.Success = true
	result.Content = envelope.Result.Content
	result.ToolCalls = envelope.Result.ToolCalls
	result.Artifacts = envelope.Result.Artifacts
	result.Duration = time.Since(start)
	return result
}

// CallAgentsParallel issues all calls concurrently, bounded by
// MaxConcurrent, and returns results keyed by agent ID. A call without an
// agent ID is skipped with a warning. One bad peer never fails the batch.
func (c *Client) CallAgentsParallel(ctx context.Context, calls []Call) map[string]mesh.TaskResult {
	results := make(map[string]mesh.TaskResult, len(calls))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.MaxConcurrent)

	for _, call := range calls {
		if call.AgentID == "" {
			c.logger.Warn("skipping parallel call without agent id")
			continue
		}
		call := call
		g.Go(func() error {
			res := c.CallAgent(ctx, call)
			mu.Lock()
			results[call.AgentID] = res
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	return results
}

// Close releases the connection pool. It is idempotent and safe to call
// even if no call was ever made.
func (c *Client) Close() {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	if pool := c.pool.Load(); pool != nil {
		pool.CloseIdleConnections()
		c.pool.Store(nil)
	}
}

// httpClient returns the pooled client, creating it on first use.
func (c *Client) httpClient() *http.Client {
	if pool := c.pool.Load(); pool != nil {
		return pool
	}

	c.initMu.Lock()
	defer c.initMu.Unlock()
	if pool := c.pool.Load(); pool != nil {
		return pool
	}

	pool := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        c.config.MaxConcurrent * 2,
			MaxIdleConnsPerHost: c.config.MaxConcurrent,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	c.pool.Store(pool)
	return pool
}

// callContext merges the caller-supplied context with the caller identity.
func (c *Client) callContext(callerCtx map[string]any) map[string]any {
	merged := make(map[string]any, len(callerCtx)+1)
	for k, v := range callerCtx {
		merged[k] = v
	}
	merged["caller_id"] = c.config.CallerID
	return merged
}

// observe records metrics and a debug log for a finished call.
func (c *Client) observe(agentID string, result *mesh.TaskResult) {
	outcome := "success"
	switch {
	case result.Success:
	case result.TimedOut:
		outcome = "timeout"
	case result.ErrorCode != 0:
		outcome = "error"
	default:
		outcome = "failure"
	}
	c.metrics.RPCCall(agentID, outcome, result.Duration)
	c.logger.Debug("call finished",
		zap.String("agent", agentID),
		zap.String("outcome", outcome),
		zap.Duration("duration", result.Duration),
	)
}

// newRequestID builds a request ID from the target agent, a timestamp, and
// a random nonce so IDs are unique without coordination.
func newRequestID(agentID string) string {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%s", agentID, time.Now().UnixNano(), nonce)
}
