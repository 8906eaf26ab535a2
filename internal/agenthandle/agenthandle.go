// Package agenthandle defines the explicit, statically-typed handle the
// core uses to reach an agent's external bot representation. It replaces
// the dynamic duck-typed bot object pattern (Design Notes) with a small,
// closed interface: the core reads and writes exactly these fields and
// nothing else.
package agenthandle

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/npcbrain/pkg/protocol"
)

// Handle is the single way the core addresses an agent's in-world
// representation. It is never duck-typed and carries no arbitrary
// attached state.
type Handle struct {
	Identity     string    // stable identity string (human-readable name)
	IdentityUUID string    // 128-bit identity UUID, assigned once, never reused
	TypeTag      string    // one of the closed set of ~30 roles
	Generation   int
	ParentIdentity string
	SpawnTime    time.Time

	CumulativeReward float64
	Health           float64
	Food             float64
	LastActionTime   time.Time
	IdleAccumulator  time.Duration
}

// Dispatcher is the small method surface the core needs against the
// external action/spawn bridge. Everything else about the bridge
// connection is invisible to the rest of the core.
type Dispatcher interface {
	Dispatch(ctx context.Context, h *Handle, action protocol.ActionPayload) (Outcome, error)
	Spawn(ctx context.Context, req protocol.SpawnAgentPayload) (protocol.SpawnConfirmPayload, error)
	Remove(ctx context.Context, req protocol.RemoveAgentPayload) error
}

// Outcome is the structured result an executor reports back up to the
// Reward Shaper: enough detail to price the action without the shaper
// needing to know anything about the wire protocol.
type Outcome struct {
	ActionName      string
	Succeeded       bool
	FailureKind     string // empty when Succeeded
	AmountGained    float64
	AmountLost      float64
	AdvancedTask    string // non-empty if this action completed a step of a named emergent task
}

// IsAlive reports whether the agent's handle still represents a living
// bot — its health is above zero. Food is not considered.
func (h *Handle) IsAlive() bool {
	return h.Health > 0
}
