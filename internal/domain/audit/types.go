// Package audit contains domain types for audit logging.
package audit

import (
	"strings"
	"time"
)

// Decision constants for audit records.
const (
	// DecisionAllow indicates the tool call was permitted.
	DecisionAllow = "allow"
	// DecisionDeny indicates the tool call was blocked.
	DecisionDeny = "deny"
)

// EventType constants for compliance audit records.
// Categorized by SOC 2 Trust Services Criteria requirements.
const (
	// EventTypeToolCall is the default event type for tool invocations.
	EventTypeToolCall = "tool_call"

	// SOC2-01: Access control events (CC6)
	EventTypeLogin            = "access.login"
	EventTypeLogout           = "access.logout"
	EventTypeLoginFailed      = "access.login_failed"
	EventTypePermissionGrant  = "access.permission_grant"
	EventTypePermissionRevoke = "access.permission_revoke"
	EventTypeAPIKeyCreate     = "access.api_key_create"
	EventTypeAPIKeyRevoke     = "access.api_key_revoke"

	// SOC2-02: Configuration changes (CC7, CC8)
	EventTypePolicyCreate     = "config.policy_create"
	EventTypePolicyUpdate     = "config.policy_update"
	EventTypePolicyDelete     = "config.policy_delete"
	EventTypeScanConfigUpdate = "config.scan_update"
	EventTypeSSOConfigUpdate  = "config.sso_update"
	EventTypeTenantUpdate     = "config.tenant_update"

	// SOC2-03: User lifecycle events (CC6)
	EventTypeUserCreate  = "user.create"
	EventTypeUserModify  = "user.modify"
	EventTypeUserDisable = "user.disable"
	EventTypeUserDelete  = "user.delete"
	EventTypeUserEnable  = "user.enable"
)

// ActorType constants identify who performed an action.
const (
	ActorTypeAdmin  = "admin"
	ActorTypeUser   = "user"
	ActorTypeSystem = "system"
	ActorTypeAPIKey = "api_key"
)

// ComplianceAuditRecord extends AuditRecord for SOC 2 compliance events.
// Used for access control, configuration changes, and user lifecycle events.
type ComplianceAuditRecord struct {
	// Timestamp when the event occurred.
	Timestamp time.Time `json:"timestamp"`
	// TenantID for multi-tenant isolation.
	TenantID string `json:"tenant_id"`
	// EventType categorizes the event (access.*, config.*, user.*).
	EventType string `json:"event_type"`
	// RequestID for correlation across systems.
	RequestID string `json:"request_id"`

	// Actor information (who performed the action)
	ActorID       string `json:"actor_id"`
	ActorType     string `json:"actor_type"` // admin, user, system, api_key
	ActorUsername string `json:"actor_username,omitempty"`

	// Target information (what was affected)
	TargetID   string `json:"target_id,omitempty"`
	TargetType string `json:"target_type,omitempty"` // user, policy, config, etc.
	TargetName string `json:"target_name,omitempty"`

	// Change details
	OldValue string `json:"old_value,omitempty"` // JSON-encoded previous state
	NewValue string `json:"new_value,omitempty"` // JSON-encoded new state

	// Additional context
	SourceIP  string `json:"source_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Reason    string `json:"reason,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// sensitiveKeywords lists substrings that indicate a sensitive argument key.
// Comparison is case-insensitive.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey",
}

// RedactSensitiveArgs returns a copy of args with sensitive values masked.
// A key is considered sensitive if it contains any of the sensitiveKeywords
// (case-insensitive). Values are replaced with "***REDACTED***".
func RedactSensitiveArgs(args map[string]interface{}) map[string]interface{} {
	if len(args) == 0 {
		return args
	}
	redacted := make(map[string]interface{}, len(args))
	for k, v := range args {
		if isSensitiveKey(k) {
			redacted[k] = "***REDACTED***"
		} else {
			redacted[k] = v
		}
	}
	return redacted
}

// isSensitiveKey checks if a key name indicates sensitive data.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// AuditRecord represents a single auditable command-analysis decision.
// Records form a hash chain: Hash covers the canonical encoding of every
// field except Hash and Sig, chained to the previous record's Hash via
// PrevHash, so any retroactive edit or deletion breaks verification from
// that point forward. This is a REDESIGN from the teacher's flat,
// unchained JSONL audit log — see SPEC_FULL.md's audit chain section.
type AuditRecord struct {
	// Seq is this record's position in the chain, starting at 1.
	Seq int64 `json:"seq"`
	// Timestamp is when the command was received.
	Timestamp time.Time `json:"timestamp"`
	// SessionID correlates requests from the same client connection.
	SessionID string `json:"session_id,omitempty"`
	// ClientIP is the caller's address as seen by the gateway, resolved the
	// same way RealIPMiddleware resolves it for rate limiting.
	ClientIP string `json:"client_ip,omitempty"`
	// AgentID identifies the calling agent (resolved from its API key/identity).
	AgentID string `json:"agent_id"`
	// Command is the operational command string that was analyzed.
	Command string `json:"command"`
	// CommandArgs are structured arguments attached to the command (may be redacted).
	CommandArgs map[string]interface{} `json:"command_args,omitempty"`
	// Decision is "allow", "deny", or "approval_required".
	Decision string `json:"decision"`
	// Reason explains why the decision was made.
	Reason string `json:"reason"`
	// RuleID is the ID of the rule that matched (if any), or a builtin:* sentinel.
	RuleID string `json:"rule_id,omitempty"`
	// ReputationScore is the agent's float reputation score at decision time.
	ReputationScore float64 `json:"reputation_score"`
	// RequestID is for correlation across systems.
	RequestID string `json:"request_id"`
	// LatencyMicros is the policy evaluation latency in microseconds.
	LatencyMicros int64 `json:"latency_micros"`

	// IncidentID is set when this decision produced a triaged incident
	// (deny or approval_required outcomes that enter the ops pipeline).
	IncidentID string `json:"incident_id,omitempty"`

	// PrevHash is the Hash of the previous chain entry, or 64 zero hex
	// characters for the first record.
	PrevHash string `json:"prev_hash"`
	// Hash is SHA-256 over the canonical JSON of this record with Hash
	// and Sig cleared.
	Hash string `json:"hash"`
	// Sig is an HMAC-SHA256 signature over Hash, proving the record was
	// written by a holder of the audit signing key.
	Sig string `json:"sig,omitempty"`
}
