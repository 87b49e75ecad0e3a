package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mapResolver resolves agent names from a static map.
type mapResolver map[string]string

func (m mapResolver) ResolveEndpoint(name string) (string, bool) {
	url, ok := m[name]
	return url, ok
}

func newTestClient(t *testing.T, resolver EndpointResolver, timeout time.Duration) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CallerID = "test-caller"
	if timeout > 0 {
		cfg.DefaultTimeout = timeout
	}
	c := NewClient(cfg, resolver, zap.NewNop(), nil)
	t.Cleanup(c.Close)
	return c
}

func TestClient_CallAgentSuccess(t *testing.T) {
	var gotReq request
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/a2a/tasks", r.URL.Path)
		gotHeaders = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{
				"content":    "all done",
				"tool_calls": []map[string]any{{"name": "search"}},
				"artifacts":  []map[string]any{{"kind": "file"}},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, mapResolver{"worker": srv.URL}, 0)
	res := c.CallAgent(context.Background(), Call{
		AgentID: "worker",
		Task:    "do the thing",
		Context: map[string]any{"trace": "abc"},
	})

	require.True(t, res.Success, "error: %s", res.Error)
	assert.Equal(t, "worker", res.AgentID)
	assert.Equal(t, "all done", res.Content)
	assert.NotEmpty(t, res.ToolCalls)
	assert.NotEmpty(t, res.Artifacts)
	assert.Greater(t, res.Duration, time.Duration(0))

	// Envelope contract.
	assert.Equal(t, "2.0", gotReq.Protocol)
	assert.Equal(t, "run", gotReq.Method)
	assert.Equal(t, "do the thing", gotReq.Params.Task)
	assert.Equal(t, "abc", gotReq.Params.Context["trace"])
	assert.Equal(t, "test-caller", gotReq.Params.Context["caller_id"])
	assert.True(t, strings.HasPrefix(gotReq.ID, "worker-"))

	// Tracing headers.
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, "test-caller", gotHeaders.Get("X-Caller-ID"))
	assert.Equal(t, gotReq.ID, gotHeaders.Get("X-Request-ID"))
}

func TestClient_CallAgentUnknownAgent(t *testing.T) {
	c := newTestClient(t, mapResolver{}, 0)
	res := c.CallAgent(context.Background(), Call{AgentID: "ghost", Task: "x"})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not found")
}

func TestClient_CallAgentHTTPErrorTruncatesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(strings.Repeat("x", 10_000)))
	}))
	defer srv.Close()

	c := newTestClient(t, mapResolver{"worker": srv.URL}, 0)
	res := c.CallAgent(context.Background(), Call{AgentID: "worker", Task: "x"})

	assert.False(t, res.Success)
	assert.Equal(t, http.StatusInternalServerError, res.ErrorCode)
	assert.Contains(t, res.Error, "http 500")
	assert.LessOrEqual(t, len(res.Error), maxErrorBody+32)
}

func TestClient_CallAgentProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": -32601, "message": "method not found"},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, mapResolver{"worker": srv.URL}, 0)
	res := c.CallAgent(context.Background(), Call{AgentID: "worker", Task: "x"})

	assert.False(t, res.Success)
	assert.Equal(t, -32601, res.ErrorCode)
	assert.Equal(t, "method not found", res.Error)
}

func TestClient_CallAgentMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{truncated"))
	}))
	defer srv.Close()

	c := newTestClient(t, mapResolver{"worker": srv.URL}, 0)
	res := c.CallAgent(context.Background(), Call{AgentID: "worker", Task: "x"})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "decode")
}

func TestClient_CallAgentTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, mapResolver{"worker": srv.URL}, 0)

	start := time.Now()
	res := c.CallAgent(context.Background(), Call{
		AgentID: "worker",
		Task:    "x",
		Timeout: 100 * time.Millisecond,
	})
	elapsed := time.Since(start)

	assert.False(t, res.Success)
	assert.True(t, res.TimedOut, "expected timeout indication, got: %s", res.Error)
	// Bounded wall-clock margin around the configured timeout.
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestClient_CallAgentConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listens anymore

	c := newTestClient(t, mapResolver{"worker": srv.URL}, 0)
	res := c.CallAgent(context.Background(), Call{AgentID: "worker", Task: "x"})

	assert.False(t, res.Success)
	assert.False(t, res.TimedOut)
	assert.Contains(t, res.Error, "connection failed")
}

func TestClient_CallAgentsParallel(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"content": "ok"}})
	}))
	defer ok.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	broken.Close()

	resolver := mapResolver{"a": ok.URL, "b": broken.URL, "c": ok.URL}
	c := newTestClient(t, resolver, 0)

	results := c.CallAgentsParallel(context.Background(), []Call{
		{AgentID: "a", Task: "t"},
		{AgentID: "b", Task: "t"},
		{AgentID: "c", Task: "t"},
		{Task: "missing agent id, skipped"},
	})

	require.Len(t, results, 3)
	assert.True(t, results["a"].Success)
	assert.False(t, results["b"].Success)
	assert.True(t, results["c"].Success)
}

func TestClient_ParallelRespectsConcurrencyLimit(t *testing.T) {
	var inflight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"content": "ok"}})
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2
	c := NewClient(cfg, mapResolver{"a": srv.URL, "b": srv.URL, "c": srv.URL, "d": srv.URL}, zap.NewNop(), nil)
	defer c.Close()

	results := c.CallAgentsParallel(context.Background(), []Call{
		{AgentID: "a", Task: "t"}, {AgentID: "b", Task: "t"},
		{AgentID: "c", Task: "t"}, {AgentID: "d", Task: "t"},
	})

	assert.Len(t, results, 4)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestClient_CloseWithoutUse(t *testing.T) {
	c := NewClient(DefaultConfig(), mapResolver{}, zap.NewNop(), nil)
	c.Close()
	c.Close() // idempotent
}

func TestNewRequestID_Unique(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		id := newRequestID("worker")
		require.False(t, seen[id], "duplicate request id %s", id)
		seen[id] = true
		assert.True(t, strings.HasPrefix(id, "worker-"))
	}
}
