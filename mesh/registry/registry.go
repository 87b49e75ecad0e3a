// Package registry implements the in-memory agent catalog of the mesh.
//
// The registry is the single source of truth for which agents exist and
// whether they are healthy. It is safe for concurrent use; every card it
// hands out is a snapshot. State changes are published to subscribers over
// bounded channels with at-most-once, best-effort delivery: when a
// subscriber's buffer is full, events for that subscriber are dropped
// rather than blocking the publisher.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/mesh"
)

// EventKind identifies the type of a registry event.
type EventKind string

const (
	// EventRegister indicates an agent was registered or re-registered.
	EventRegister EventKind = "register"
	// EventUnregister indicates an agent was removed.
	EventUnregister EventKind = "unregister"
	// EventHealthUpdate indicates an agent's health transitioned.
	EventHealthUpdate EventKind = "health_update"
)

// Event describes a registry state change. Delivery is FIFO per subscriber
// and best-effort across subscribers.
type Event struct {
	Kind      EventKind        `json:"kind"`
	AgentName string           `json:"agent_name"`
	Health    mesh.AgentHealth `json:"health,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Stats summarizes the registry contents.
type Stats struct {
	TotalAgents int                      `json:"total_agents"`
	ByHealth    map[mesh.AgentHealth]int `json:"by_health"`
	Internal    int                      `json:"internal"`
	External    int                      `json:"external"`
	ByModule    map[string]int           `json:"by_module"`
}

// Config holds configuration for the registry.
type Config struct {
	// EventBufferSize is the per-subscriber event channel capacity.
	EventBufferSize int `yaml:"event_buffer_size"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		EventBufferSize: 64,
	}
}

// Registry is an in-memory, thread-safe catalog of known agents.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*mesh.MeshAgentCard
	subs   map[string]chan Event

	config  *Config
	logger  *zap.Logger
	metrics *metrics.Collector
}

// New creates a registry. logger and collector may be nil.
func New(config *Config, logger *zap.Logger, collector *metrics.Collector) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if config.EventBufferSize <= 0 {
		config.EventBufferSize = DefaultConfig().EventBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		agents:  make(map[string]*mesh.MeshAgentCard),
		subs:    make(map[string]chan Event),
		config:  config,
		logger:  logger.With(zap.String("component", "registry")),
		metrics: collector,
	}
}

// Register upserts an agent keyed by its name. Re-registering an existing
// name is an update, not an error. Health is reset to healthy on every
// (re)registration.
func (r *Registry) Register(card *mesh.MeshAgentCard) error {
	if card == nil {
		return mesh.ErrInvalidCard
	}
	if err := card.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	now := time.Now()
	stored := card.Clone()
	if existing, ok := r.agents[card.Name]; ok {
		stored.CreatedAt = existing.CreatedAt
		stored.LastSeen = laterOf(existing.LastSeen, now)
	} else {
		stored.CreatedAt = now
		stored.LastSeen = now
	}
	stored.Health = mesh.HealthHealthy
	r.agents[card.Name] = stored
	r.updateGauges()

	ev := Event{Kind: EventRegister, AgentName: card.Name, Health: mesh.HealthHealthy, Timestamp: now}
	r.publishLocked(ev)
	r.mu.Unlock()

	r.logger.Info("agent registered",
		zap.String("agent", card.Name),
		zap.String("module", card.Module),
		zap.Bool("external", card.IsExternal),
		zap.Int("skills", len(card.Skills)),
	)
	return nil
}

// Unregister removes an agent and its health entry. It returns false if the
// agent was not registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	_, ok := r.agents[name]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.agents, name)
	r.updateGauges()
	r.publishLocked(Event{Kind: EventUnregister, AgentName: name, Timestamp: time.Now()})
	r.mu.Unlock()

	r.logger.Info("agent unregistered", zap.String("agent", name))
	return true
}

// Get returns a snapshot of the named agent and bumps its last_seen.
func (r *Registry) Get(name string) (*mesh.MeshAgentCard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	card, ok := r.agents[name]
	if !ok {
		return nil, mesh.ErrAgentNotFound
	}
	card.LastSeen = laterOf(card.LastSeen, time.Now())
	return card.Clone(), nil
}

// ResolveEndpoint returns the base URL of the named agent. It satisfies the
// RPC client's endpoint resolver and counts as a successful lookup.
func (r *Registry) ResolveEndpoint(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	card, ok := r.agents[name]
	if !ok {
		return "", false
	}
	card.LastSeen = laterOf(card.LastSeen, time.Now())
	return card.URL, true
}

// ListAll returns snapshots of every registered agent.
func (r *Registry) ListAll() []*mesh.MeshAgentCard {
	return r.list(func(*mesh.MeshAgentCard) bool { return true })
}

// ListByModule returns snapshots of agents in the given module.
func (r *Registry) ListByModule(module string) []*mesh.MeshAgentCard {
	return r.list(func(c *mesh.MeshAgentCard) bool { return c.Module == module })
}

// ListByCapability returns snapshots of agents exposing the given skill ID.
func (r *Registry) ListByCapability(capabilityID string) []*mesh.MeshAgentCard {
	return r.list(func(c *mesh.MeshAgentCard) bool { return c.HasSkill(capabilityID) })
}

// ListHealthy returns snapshots of agents whose health is healthy.
func (r *Registry) ListHealthy() []*mesh.MeshAgentCard {
	return r.list(func(c *mesh.MeshAgentCard) bool { return c.Health == mesh.HealthHealthy })
}

// ListExternal returns snapshots of agents discovered over the network.
func (r *Registry) ListExternal() []*mesh.MeshAgentCard {
	return r.list(func(c *mesh.MeshAgentCard) bool { return c.IsExternal })
}

// ListInternal returns snapshots of locally hosted agents.
func (r *Registry) ListInternal() []*mesh.MeshAgentCard {
	return r.list(func(c *mesh.MeshAgentCard) bool { return !c.IsExternal })
}

// UpdateHealth transitions the named agent to healthy or unhealthy. It
// returns false if the agent is not registered.
func (r *Registry) UpdateHealth(name string, healthy bool) bool {
	h := mesh.HealthUnhealthy
	if healthy {
		h = mesh.HealthHealthy
	}
	return r.SetHealth(name, h)
}

// SetHealth transitions the named agent to the given health state. A no-op
// transition emits no event. It returns false if the agent is not
// registered.
func (r *Registry) SetHealth(name string, health mesh.AgentHealth) bool {
	r.mu.Lock()
	card, ok := r.agents[name]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if card.Health == health {
		r.mu.Unlock()
		return true
	}
	old := card.Health
	card.Health = health
	if health == mesh.HealthHealthy {
		card.LastSeen = laterOf(card.LastSeen, time.Now())
	}
	r.publishLocked(Event{Kind: EventHealthUpdate, AgentName: name, Health: health, Timestamp: time.Now()})
	r.mu.Unlock()

	r.metrics.HealthTransition(string(health))
	r.logger.Info("agent health transitioned",
		zap.String("agent", name),
		zap.String("from", string(old)),
		zap.String("to", string(health)),
	)
	return true
}

// Subscribe returns a subscription ID and a bounded event channel. The
// channel is closed on Unsubscribe. Events are dropped, never blocked on,
// when the channel is full.
func (r *Registry) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, r.config.EventBufferSize)

	r.mu.Lock()
	r.subs[id] = ch
	r.mu.Unlock()

	r.logger.Debug("subscriber added", zap.String("subscription", id))
	return id, ch
}

// Unsubscribe removes a subscription and closes its channel.
func (r *Registry) Unsubscribe(id string) {
	r.mu.Lock()
	ch, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	r.mu.Unlock()

	if ok {
		close(ch)
		r.logger.Debug("subscriber removed", zap.String("subscription", id))
	}
}

// Stats returns counts by health, internal/external, and module.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		TotalAgents: len(r.agents),
		ByHealth:    make(map[mesh.AgentHealth]int),
		ByModule:    make(map[string]int),
	}
	for _, card := range r.agents {
		s.ByHealth[card.Health]++
		if card.IsExternal {
			s.External++
		} else {
			s.Internal++
		}
		if card.Module != "" {
			s.ByModule[card.Module]++
		}
	}
	return s
}

// list returns name-sorted snapshots of agents matching the filter.
func (r *Registry) list(match func(*mesh.MeshAgentCard) bool) []*mesh.MeshAgentCard {
	r.mu.RLock()
	out := make([]*mesh.MeshAgentCard, 0, len(r.agents))
	for _, card := range r.agents {
		if match(card) {
			out = append(out, card.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// publishLocked delivers an event to every subscriber with a non-blocking
// send. Callers must hold r.mu.
func (r *Registry) publishLocked(ev Event) {
	for id, ch := range r.subs {
		select {
		case ch <- ev:
			r.metrics.EventPublished()
		default:
			r.metrics.EventDropped()
			r.logger.Debug("event dropped for slow subscriber",
				zap.String("subscription", id),
				zap.String("kind", string(ev.Kind)),
				zap.String("agent", ev.AgentName),
			)
		}
	}
}

// updateGauges refreshes the registry size gauges. Callers must hold r.mu.
func (r *Registry) updateGauges() {
	if r.metrics == nil {
		return
	}
	internal, external := 0, 0
	for _, card := range r.agents {
		if card.IsExternal {
			external++
		} else {
			internal++
		}
	}
	r.metrics.SetRegisteredAgents(internal, external)
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
