// Package policy contains the deterministic command classifier (see
// evaluator.go) and the optional CEL rule layer that can be stacked on top
// of it for operator-defined extra conditions.
package policy

import "time"

// Action represents the result of a policy rule evaluation.
type Action string

const (
	// ActionAllow permits the command to proceed.
	ActionAllow Action = "allow"
	// ActionDeny blocks the command.
	ActionDeny Action = "deny"
	// ActionApprovalRequired routes the command to the approval pipeline
	// instead of deciding allow/deny outright.
	ActionApprovalRequired Action = "approval_required"
)

// Rule defines a single CEL-backed policy rule for command evaluation.
// Rules are optional: the deterministic classifier in evaluator.go always
// runs first; CEL rules let an operator layer extra conditions on top of it.
type Rule struct {
	// ID is the unique identifier for this rule.
	ID string
	// Name is a human-readable name for this rule.
	Name string
	// Priority determines rule evaluation order (lower = higher priority).
	Priority int
	// CommandPattern is a glob pattern matched against EvaluationContext.Command.
	CommandPattern string
	// Condition is a CEL expression that must evaluate to true for the rule to apply.
	Condition string
	// Action is the result when this rule matches and condition is true.
	Action Action
	// CreatedAt is when the rule was created (UTC).
	CreatedAt time.Time

	// ApprovalTimeout is how long to wait for approval when Action is ActionApprovalRequired.
	ApprovalTimeout time.Duration
	// TimeoutAction specifies what to do when an approval request times out.
	// Must be ActionDeny (default) or ActionAllow.
	TimeoutAction Action

	// HelpText is optional admin-provided guidance shown when this rule denies an action.
	HelpText string
}

// Decision represents the outcome of policy evaluation for a command.
type Decision struct {
	// Allowed is true if the command is permitted.
	Allowed bool
	// RuleID is the ID of the rule that produced this decision, or a
	// built-in identifier ("builtin:deny-pattern", "builtin:reputation-gate")
	// when the deterministic classifier (not a CEL rule) decided.
	RuleID string
	// Reason explains why the decision was made.
	Reason string

	// RequiresApproval is true when the matching rule has Action = ActionApprovalRequired.
	RequiresApproval bool
	// ApprovalTimeout is the timeout duration from the rule (when RequiresApproval is true).
	ApprovalTimeout time.Duration
	// ApprovalTimeoutAction is the fallback action when approval times out.
	ApprovalTimeoutAction Action

	// RuleName is the human-readable name of the rule that produced this decision.
	RuleName string
	// HelpText is a human explanation of how to resolve a denial.
	HelpText string
}

// Policy is a collection of CEL rules layered on top of the deterministic
// classifier.
type Policy struct {
	// ID is the unique identifier for this policy.
	ID string
	// Name is the human-readable name for this policy.
	Name string
	// Description provides additional context about the policy.
	Description string
	// Priority determines policy evaluation order (lower = higher priority).
	Priority int
	// Rules are the CEL rules in this policy.
	Rules []Rule
	// Enabled indicates if this policy is active.
	Enabled bool
	// CreatedAt is when the policy was created (UTC).
	CreatedAt time.Time
	// UpdatedAt is when the policy was last modified (UTC).
	UpdatedAt time.Time
}
