package mesh

import "errors"

// Card validation and parsing errors.
var (
	// ErrInvalidCard indicates a self-description document could not be
	// parsed into a card, or the card is missing its name.
	ErrInvalidCard = errors.New("mesh: invalid agent card")
)

// Mesh operation errors.
var (
	// ErrAgentNotFound indicates the requested agent or its well-known
	// document does not exist.
	ErrAgentNotFound = errors.New("mesh: agent not found")
	// ErrRemoteUnavailable indicates a peer could not be reached or
	// answered with an unexpected status.
	ErrRemoteUnavailable = errors.New("mesh: remote agent unavailable")
	// ErrProtocol indicates a malformed or error-bearing response from a peer.
	ErrProtocol = errors.New("mesh: protocol error")
	// ErrNoAgentAvailable indicates no healthy agent satisfies the
	// requested capability, module, and health constraints.
	ErrNoAgentAvailable = errors.New("mesh: no agent available")
)
