package policy

import (
	"context"
	"time"
)

// EvaluationContext contains everything the optional CEL rule layer can
// inspect when evaluating a rule condition. It is a deliberately small,
// command-centric replacement for the teacher's RBAC tool-call context
// (ToolName/Framework/Protocol/Gateway/Dest*): this agent's policy surface
// is "is this operational command safe to run", not "is this MCP tool call
// authorized for this role".
type EvaluationContext struct {
	// Command is the operational command string being evaluated, e.g.
	// "restart_service:web-api" or a raw shell command taken from an
	// agent's /analyze request.
	Command string
	// AgentID identifies the agent presenting the command.
	AgentID string
	// SessionID is the current session identifier, when applicable.
	SessionID string
	// ReputationScore is the agent's current float reputation ([0,1]),
	// exposed to CEL conditions so an operator can write rules like
	// `reputation_score < 0.5`.
	ReputationScore float64
	// RequestTime is when the command was received.
	RequestTime time.Time
}

// policyDecisionKey is the context key type for policy decisions.
type policyDecisionKey struct{}

// WithDecision stores a policy decision in the context.
// This allows downstream stages (e.g. the audit writer) to access the
// decision made by the evaluator.
func WithDecision(ctx context.Context, d *Decision) context.Context {
	return context.WithValue(ctx, policyDecisionKey{}, d)
}

// DecisionFromContext retrieves a policy decision from the context.
// Returns nil if no decision is stored.
func DecisionFromContext(ctx context.Context) *Decision {
	d, _ := ctx.Value(policyDecisionKey{}).(*Decision)
	return d
}
