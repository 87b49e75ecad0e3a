// Package router selects the best available peer for a task and executes
// or broadcasts requests against it via the RPC client.
//
// Selection is deterministic: candidates are taken from the first
// non-empty priority tier, internal agents are preferred over external
// ones, and remaining ties are broken round-robin per task type so
// repeated calls spread load evenly.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/mesh"
	"github.com/agentmesh/agentmesh/mesh/registry"
	"github.com/agentmesh/agentmesh/mesh/rpc"
)

// Config holds configuration for the router.
type Config struct {
	// DefaultTimeout bounds routed calls when the caller supplies none.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultTimeout: 30 * time.Second,
	}
}

// Router routes task requests to registered agents.
type Router struct {
	registry *registry.Registry
	client   *rpc.Client
	config   *Config
	logger   *zap.Logger
	metrics  *metrics.Collector

	// rrIndex holds one rotating counter per task type.
	rrMu    sync.Mutex
	rrIndex map[string]int
}

// New creates a router. logger and collector may be nil.
func New(config *Config, reg *registry.Registry, client *rpc.Client, logger *zap.Logger, collector *metrics.Collector) *Router {
	if config == nil {
		config = DefaultConfig()
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Router{
		registry: reg,
		client:   client,
		config:   config,
		logger:   logger.With(zap.String("component", "router")),
		metrics:  collector,
		rrIndex:  make(map[string]int),
	}
}

// FindAgentForTask selects a healthy agent for the given task type, in
// strict priority order:
//
//  1. agents in preferredModule whose skills include taskType
//  2. agents anywhere whose skills include taskType
//  3. agents in preferredModule, when preferredModule is given
//  4. any healthy agent
//
// Within the first non-empty tier internal agents are preferred over
// external ones; remaining ties rotate round-robin per task type. Returns
// nil when no healthy agent exists.
func (r *Router) FindAgentForTask(taskType, preferredModule string) *mesh.MeshAgentCard {
	healthy := r.registry.ListHealthy()
	if len(healthy) == 0 {
		return nil
	}

	tiers := []func(*mesh.MeshAgentCard) bool{
		func(c *mesh.MeshAgentCard) bool {
			return preferredModule != "" && c.Module == preferredModule && c.HasSkill(taskType)
		},
		func(c *mesh.MeshAgentCard) bool { return c.HasSkill(taskType) },
		func(c *mesh.MeshAgentCard) bool {
			return preferredModule != "" && c.Module == preferredModule
		},
		func(*mesh.MeshAgentCard) bool { return true },
	}

	for _, match := range tiers {
		candidates := filter(healthy, match)
		if len(candidates) == 0 {
			continue
		}
		if internal := filter(candidates, func(c *mesh.MeshAgentCard) bool { return !c.IsExternal }); len(internal) > 0 {
			candidates = internal
		}
		return r.pickRoundRobin(taskType, candidates)
	}
	return nil
}

// FindAgentsForBroadcast returns all healthy agents matching the filters,
// in name order, for fan-out.
func (r *Router) FindAgentsForBroadcast(moduleFilter, capabilityFilter string, includeExternal bool) []*mesh.MeshAgentCard {
	return filter(r.registry.ListHealthy(), func(c *mesh.MeshAgentCard) bool {
		if moduleFilter != "" && c.Module != moduleFilter {
			return false
		}
		if capabilityFilter != "" && !c.HasSkill(capabilityFilter) {
			return false
		}
		if !includeExternal && c.IsExternal {
			return false
		}
		return true
	})
}

// RouteRequest resolves an agent for the task type and issues a single RPC
// call. When no agent is available the result is a structured failure
// without any network I/O.
func (r *Router) RouteRequest(ctx context.Context, taskType, message string, callCtx map[string]any, preferredModule string, timeout time.Duration) mesh.RoutingResult {
	start := time.Now()

	agent := r.FindAgentForTask(taskType, preferredModule)
	if agent == nil {
		r.metrics.RouteRequest("no_agent")
		r.logger.Warn("no agent available",
			zap.String("task_type", taskType),
			zap.String("preferred_module", preferredModule),
		)
		return mesh.RoutingResult{
			Success:  false,
			Error:    fmt.Sprintf("%v: task type %q", mesh.ErrNoAgentAvailable, taskType),
			Duration: time.Since(start),
		}
	}

	if timeout <= 0 {
		timeout = r.config.DefaultTimeout
	}
	res := r.client.CallAgent(ctx, rpc.Call{
		AgentID: agent.Name,
		Task:    message,
		Context: callCtx,
		Timeout: timeout,
	})

	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	r.metrics.RouteRequest(outcome)

	return mesh.RoutingResult{
		AgentName: agent.Name,
		Module:    agent.Module,
		Result:    &res,
		Error:     res.Error,
		Success:   res.Success,
		Duration:  time.Since(start),
	}
}

// BroadcastRequest fans the message out to all matching healthy agents
// concurrently and returns one result per targeted agent, preserving the
// candidate order. A single agent's failure never suppresses the others'
// results.
func (r *Router) BroadcastRequest(ctx context.Context, message, moduleFilter, capabilityFilter string, callCtx map[string]any) []mesh.RoutingResult {
	start := time.Now()

	targets := r.FindAgentsForBroadcast(moduleFilter, capabilityFilter, true)
	if len(targets) == 0 {
		return nil
	}

	calls := make([]rpc.Call, 0, len(targets))
	for _, t := range targets {
		calls = append(calls, rpc.Call{
			AgentID: t.Name,
			Task:    message,
			Context: callCtx,
			Timeout: r.config.DefaultTimeout,
		})
	}
	taskResults := r.client.CallAgentsParallel(ctx, calls)

	results := make([]mesh.RoutingResult, 0, len(targets))
	for _, t := range targets {
		res := taskResults[t.Name]
		results = append(results, mesh.RoutingResult{
			AgentName: t.Name,
			Module:    t.Module,
			Result:    &res,
			Error:     res.Error,
			Success:   res.Success,
			Duration:  res.Duration,
		})
	}

	r.logger.Info("broadcast completed",
		zap.Int("targets", len(targets)),
		zap.Duration("duration", time.Since(start)),
	)
	return results
}

// pickRoundRobin rotates through candidates using the task type's counter.
// Candidates arrive name-sorted from the registry, so rotation is stable.
func (r *Router) pickRoundRobin(taskType string, candidates []*mesh.MeshAgentCard) *mesh.MeshAgentCard {
	r.rrMu.Lock()
	idx := r.rrIndex[taskType]
	r.rrIndex[taskType] = idx + 1
	r.rrMu.Unlock()

	return candidates[idx%len(candidates)]
}

func filter(cards []*mesh.MeshAgentCard, match func(*mesh.MeshAgentCard) bool) []*mesh.MeshAgentCard {
	out := make([]*mesh.MeshAgentCard, 0, len(cards))
	for _, c := range cards {
		if match(c) {
			out = append(out, c)
		}
	}
	return out
}
