// Package reputation tracks two independent agent trust signals.
//
// Oracle is a float score in [0,1], nudged per decision outcome and read by
// the policy evaluator's secondary gate, grounded on
// original_source/reputation_redis.py.
//
// Ledger is an integer, decaying-on-read score used as the policy
// evaluator's primary gate, grounded on original_source/sentinel_core/reputation.py.
package reputation

import (
	"context"
	"fmt"

	"github.com/sentinelsca/sca/internal/domain/kv"
)

const (
	oracleKeyPrefix  = "rep:"
	oracleDefault    = 1.0
	oracleMin        = 0.0
	oracleMax        = 1.0
	deltaAllow       = 0.01
	deltaReview      = -0.03
	deltaDeny        = -0.08
)

// Oracle is the float reputation score store, keyed by agent ID and backed
// by the KV store's string primitive (no TTL: scores persist indefinitely).
type Oracle struct {
	store kv.Store
}

// NewOracle constructs an Oracle over the given KV store.
func NewOracle(store kv.Store) *Oracle {
	return &Oracle{store: store}
}

func oracleKey(agentID string) string {
	return oracleKeyPrefix + agentID
}

// Get returns the agent's current float score, defaulting to 1.0 for an
// agent never seen before, matching reputation_redis.py get_rep.
func (o *Oracle) Get(ctx context.Context, agentID string) (float64, error) {
	raw, err := o.store.Get(ctx, oracleKey(agentID))
	if err != nil {
		if err == kv.ErrNotFound {
			return oracleDefault, nil
		}
		return 0, fmt.Errorf("reputation: get oracle score: %w", err)
	}
	var score float64
	if _, scanErr := fmt.Sscanf(raw, "%g", &score); scanErr != nil {
		return oracleDefault, nil
	}
	return score, nil
}

// Set clamps score to [0,1] and persists it, matching reputation_redis.py
// set_rep.
func (o *Oracle) Set(ctx context.Context, agentID string, score float64) (float64, error) {
	clamped := clamp(score, oracleMin, oracleMax)
	value := fmt.Sprintf("%g", clamped)
	if err := o.store.Set(ctx, oracleKey(agentID), value, 0); err != nil {
		return 0, fmt.Errorf("reputation: set oracle score: %w", err)
	}
	return clamped, nil
}

// Bump adds delta to the agent's current score and persists the clamped
// result, matching reputation_redis.py bump_rep.
func (o *Oracle) Bump(ctx context.Context, agentID string, delta float64) (float64, error) {
	current, err := o.Get(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return o.Set(ctx, agentID, current+delta)
}

// ApplyOutcome nudges an agent's score per decision, matching
// reputation_redis.py apply_outcome's v1 scoring: allow +0.01, review -0.03,
// deny -0.08. Unrecognized decisions are a no-op that just returns the
// current score.
func (o *Oracle) ApplyOutcome(ctx context.Context, agentID, decision string) (float64, error) {
	switch decision {
	case "allow":
		return o.Bump(ctx, agentID, deltaAllow)
	case "review":
		return o.Bump(ctx, agentID, deltaReview)
	case "deny":
		return o.Bump(ctx, agentID, deltaDeny)
	default:
		return o.Get(ctx, agentID)
	}
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
