// Package mesh defines the shared value types of the agent mesh: agent
// cards, capabilities, health states, and the result types produced by
// routing and remote calls.
//
// A MeshAgentCard is the self-description record of an agent. Internal
// agents build their card at startup; external agents are described by a
// JSON document served at WellKnownPath under their base URL, parsed with
// ParseCardDocument. Cards handed out by the registry are snapshots; mutating
// a snapshot never affects registered state.
package mesh
