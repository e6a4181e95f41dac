package reputation

import "context"

// State is an agent's integer reputation ledger entry, grounded on
// original_source/sentinel_core/reputation.py's per-agent dict shape.
type State struct {
	AgentID      string  `json:"agent_id"`
	Reputation   int     `json:"reputation"`
	Allowed      int     `json:"allowed"`
	Blocked      int     `json:"blocked"`
	Reviewed     int     `json:"reviewed"`
	LastDecision string  `json:"last_decision"`
	UpdatedAt    float64 `json:"updated_at"` // unix seconds, matches the Python reference's time.time() field
}

// Ledger is the integer, decay-on-read reputation store consulted by the
// policy evaluator's primary gate (Evaluator.Classify). Implementations
// persist durably; internal/adapter/outbound/reputation ships a
// write-temp-then-rename file-backed implementation.
type Ledger interface {
	// GetState returns the agent's current state, applying any owed decay
	// first (original_source/sentinel_core/reputation.py _apply_decay).
	// An agent never seen before gets a fresh zero-valued state.
	GetState(ctx context.Context, agentID string) (State, error)
	// Update applies decay, then adjusts counters and the reputation value
	// for decision ("allow" -> +1, "deny" -> -2, anything else -> "review" -1),
	// matching update_reputation.
	Update(ctx context.Context, agentID, decision string) (State, error)
}
