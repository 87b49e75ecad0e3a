package mesh

import (
	"encoding/json"
	"fmt"
	"time"
)

// WellKnownPath is the conventional URL suffix under which every agent
// serves its self-description document.
const WellKnownPath = "/.well-known/agent.json"

// AgentCapability describes a single skill an agent exposes. Capabilities
// are immutable once created; uniqueness is by ID within one agent's skill
// list.
type AgentCapability struct {
	// ID is the stable identifier of this skill.
	ID string `json:"id"`
	// Name is a human-readable name for the skill.
	Name string `json:"name"`
	// Description explains what the skill does.
	Description string `json:"description,omitempty"`
	// InputModes lists the content types the skill accepts.
	InputModes []string `json:"inputModes,omitempty"`
	// OutputModes lists the content types the skill produces.
	OutputModes []string `json:"outputModes,omitempty"`
	// Tags are optional labels for categorization.
	Tags []string `json:"tags,omitempty"`
}

// CardCapabilities is an open map of protocol-level flags such as streaming
// support. Unknown flags are preserved but only the known accessors should
// be trusted.
type CardCapabilities map[string]any

// Streaming reports whether the agent advertises streaming support.
func (c CardCapabilities) Streaming() bool {
	v, _ := c["streaming"].(bool)
	return v
}

// PushNotifications reports whether the agent advertises push notification
// support.
func (c CardCapabilities) PushNotifications() bool {
	v, _ := c["pushNotifications"].(bool)
	return v
}

// MeshAgentCard is the self-description record of an agent in the mesh.
// Name is the registry key and must be non-empty. Cards returned by the
// registry are read snapshots.
type MeshAgentCard struct {
	// Name is the unique identifier of this agent within the mesh.
	Name string `json:"name"`
	// Description is a human-readable description of the agent's purpose.
	Description string `json:"description,omitempty"`
	// URL is the agent's base endpoint.
	URL string `json:"url,omitempty"`
	// Version is the agent's version string.
	Version string `json:"version,omitempty"`
	// Capabilities holds protocol-level flags such as streaming support.
	Capabilities CardCapabilities `json:"capabilities,omitempty"`
	// Skills lists the capabilities this agent exposes.
	Skills []AgentCapability `json:"skills,omitempty"`
	// DefaultInputModes lists content types accepted when a skill does not
	// declare its own.
	DefaultInputModes []string `json:"defaultInputModes,omitempty"`
	// DefaultOutputModes lists content types produced when a skill does not
	// declare its own.
	DefaultOutputModes []string `json:"defaultOutputModes,omitempty"`
	// Module is an optional logical grouping for the agent.
	Module string `json:"module,omitempty"`
	// Metadata contains free-form additional data.
	Metadata map[string]any `json:"metadata,omitempty"`

	// CreatedAt is when the card was first registered.
	CreatedAt time.Time `json:"created_at,omitempty"`
	// LastSeen is updated on every successful lookup or network contact.
	// It is monotonically non-decreasing.
	LastSeen time.Time `json:"last_seen,omitempty"`
	// IsExternal is true for agents discovered over the network, false for
	// locally hosted agents.
	IsExternal bool `json:"is_external,omitempty"`
	// Health is the agent's current health state. It transitions only
	// through the registry's API.
	Health AgentHealth `json:"health,omitempty"`
}

// NewMeshAgentCard creates a card with the required identity fields.
func NewMeshAgentCard(name, description, url, version string) *MeshAgentCard {
	return &MeshAgentCard{
		Name:        name,
		Description: description,
		URL:         url,
		Version:     version,
		Health:      HealthUnknown,
	}
}

// AddSkill appends a skill to the card and returns the card for chaining.
func (c *MeshAgentCard) AddSkill(id, name, description string) *MeshAgentCard {
	c.Skills = append(c.Skills, AgentCapability{
		ID:          id,
		Name:        name,
		Description: description,
	})
	return c
}

// HasSkill reports whether the card exposes a skill with the given ID.
func (c *MeshAgentCard) HasSkill(id string) bool {
	for _, s := range c.Skills {
		if s.ID == id {
			return true
		}
	}
	return false
}

// Skill retrieves a skill by ID, or nil if absent.
func (c *MeshAgentCard) Skill(id string) *AgentCapability {
	for i := range c.Skills {
		if c.Skills[i].ID == id {
			return &c.Skills[i]
		}
	}
	return nil
}

// Validate checks that the card carries the fields the mesh requires.
func (c *MeshAgentCard) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidCard)
	}
	return nil
}

// Clone returns a deep copy of the card. The registry hands out clones so
// callers can never mutate registered state.
func (c *MeshAgentCard) Clone() *MeshAgentCard {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Capabilities != nil {
		cp.Capabilities = make(CardCapabilities, len(c.Capabilities))
		for k, v := range c.Capabilities {
			cp.Capabilities[k] = v
		}
	}
	if c.Skills != nil {
		cp.Skills = make([]AgentCapability, len(c.Skills))
		for i, s := range c.Skills {
			cp.Skills[i] = s
			cp.Skills[i].InputModes = append([]string(nil), s.InputModes...)
			cp.Skills[i].OutputModes = append([]string(nil), s.OutputModes...)
			cp.Skills[i].Tags = append([]string(nil), s.Tags...)
		}
	}
	cp.DefaultInputModes = append([]string(nil), c.DefaultInputModes...)
	cp.DefaultOutputModes = append([]string(nil), c.DefaultOutputModes...)
	if c.Metadata != nil {
		cp.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// ParseCardDocument decodes a self-description document fetched from an
// agent's well-known path. A document without a name is a parse failure.
func ParseCardDocument(data []byte) (*MeshAgentCard, error) {
	var card MeshAgentCard
	if err := json.Unmarshal(data, &card); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCard, err)
	}
	if err := card.Validate(); err != nil {
		return nil, err
	}
	if card.Health == "" {
		card.Health = HealthUnknown
	}
	return &card, nil
}
