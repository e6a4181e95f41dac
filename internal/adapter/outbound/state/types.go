// Package state provides file-based persistence for the agent's runtime
// configuration.
//
// The state.json file stores all runtime configuration including policies,
// registered agents, API keys, and the admin credential. This package
// provides atomic writes, file locking, and backup functionality.
package state

import "time"

// AppState is the top-level structure persisted in state.json.
// It holds all runtime configuration that survives restarts.
type AppState struct {
	// Version is the schema version for forward compatibility. Currently "1".
	Version string `json:"version"`

	// DefaultPolicy is the fallback action when no policy matches ("deny" or "allow").
	DefaultPolicy string `json:"default_policy"`

	// Policies are the CEL rule-layer policies evaluated in priority order.
	Policies []PolicyEntry `json:"policies"`

	// Agents are the registered identities known to this gateway.
	Agents []AgentEntry `json:"agents"`

	// APIKeys are the authentication keys mapped to agents.
	APIKeys []APIKeyEntry `json:"api_keys"`

	// AdminPasswordHash is the Argon2id hash of the admin password.
	// Empty string means no admin password has been set.
	AdminPasswordHash string `json:"admin_password_hash"`

	// CreatedAt is when this state file was first created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when this state file was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyEntry represents a single CEL rule-layer policy.
type PolicyEntry struct {
	// ID is the unique identifier.
	ID string `json:"id"`

	// Name is the human-readable name.
	Name string `json:"name"`

	// Priority determines evaluation order (lower number = higher priority).
	Priority int `json:"priority"`

	// CommandPattern is a glob pattern matching command strings (e.g. "*", "rm *").
	CommandPattern string `json:"command_pattern"`

	// Condition is a CEL expression that must evaluate to true for this rule to apply.
	Condition string `json:"condition,omitempty"`

	// Action is "allow", "deny", or "approval_required". It can only make
	// the deterministic classifier's verdict stricter, never override a
	// hard deny.
	Action string `json:"action"`

	// Enabled indicates whether this rule is active.
	Enabled bool `json:"enabled"`

	// ReadOnly is true for rules sourced from YAML config (not editable via API).
	ReadOnly bool `json:"read_only"`

	// CreatedAt is when this rule was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when this rule was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// AgentEntry represents a registered agent identity.
type AgentEntry struct {
	// ID is the unique identifier, derived from the public key (agent_<hash16>).
	ID string `json:"id"`

	// Name is the display name.
	Name string `json:"name"`

	// PublicKey is the base64-encoded Ed25519 public key used to verify
	// this agent's command signatures.
	PublicKey string `json:"public_key"`

	// Roles are the assigned roles (e.g. "operator", "service", "read-only").
	Roles []string `json:"roles"`

	// Revoked marks an identity whose signing key has been withdrawn.
	Revoked bool `json:"revoked"`

	// ReadOnly is true for identities sourced from YAML config.
	ReadOnly bool `json:"read_only"`

	// CreatedAt is when this identity was registered.
	CreatedAt time.Time `json:"created_at"`
}

// APIKeyEntry represents an authentication key mapped to an agent.
type APIKeyEntry struct {
	// ID is the unique identifier.
	ID string `json:"id"`

	// KeyHash is the Argon2id hash of the API key.
	KeyHash string `json:"key_hash"`

	// AgentID references the agent this key authenticates as.
	AgentID string `json:"agent_id"`

	// Name is a human-readable display name for this key.
	Name string `json:"name"`

	// CreatedAt is when this key was created.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is when this key expires. Nil means it never expires.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Revoked indicates whether this key has been revoked.
	Revoked bool `json:"revoked"`

	// ReadOnly is true for keys sourced from YAML config.
	ReadOnly bool `json:"read_only"`
}
