// Package config provides configuration types for the Sentinel Compliance
// Agent: the HTTP gateway's security chain, the file-based audit chain, and
// the five ops-pipeline workers (probe, manager, approver, executor,
// reaper). Configuration is layered the way the teacher's OSS config was:
// YAML file + environment variable overrides via spf13/viper, validated
// with go-playground/validator struct tags plus a handful of cross-field
// checks.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for the Sentinel Compliance Agent.
type Config struct {
	// Server configures the HTTP gateway listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Security configures strict-mode startup assertions, the global freeze
	// flag, and the secrets the gateway signs/verifies with.
	Security SecurityConfig `yaml:"security" mapstructure:"security"`

	// RateLimit configures the gateway's per-agent sliding-window limiter.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Reputation configures the float oracle and integer ledger thresholds.
	Reputation ReputationConfig `yaml:"reputation" mapstructure:"reputation"`

	// AuditFile configures the file-based, hash-chained audit persistence.
	AuditFile AuditFileConfig `yaml:"audit_file" mapstructure:"audit_file"`

	// KV configures the durable store backing queues, replay nonces, and
	// reputation/ops keyspace.
	KV KVConfig `yaml:"kv" mapstructure:"kv"`

	// Ops configures the probe/manager/approver/executor/reaper pipeline.
	Ops OpsConfig `yaml:"ops" mapstructure:"ops"`

	// Policies defines operator-authored CEL rules layered on top of the
	// deterministic classifier. Optional: the classifier alone is a
	// complete, fail-closed default.
	Policies []PolicyConfig `yaml:"policies" mapstructure:"policies" validate:"omitempty,dive"`

	// DevMode enables permissive defaults for local development (an
	// insecure API key/HMAC secret, an allow-all CEL policy). Never set in
	// production; StrictMode and DevMode are mutually exclusive in intent.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	// HTTPAddr is the address to listen on. Defaults to "127.0.0.1:8080".
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`
	// LogLevel sets the minimum log level: debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

// SecurityConfig configures the gateway's authentication and signing chain.
type SecurityConfig struct {
	// StrictMode refuses to start unless APIKey and SigningSecret are both
	// non-empty, per spec: "refuse to start unless both the API key and
	// HMAC secret are configured."
	StrictMode bool `yaml:"strict_mode" mapstructure:"strict_mode"`
	// GlobalFreeze is the runtime kill-switch: when true, POST /analyze
	// returns 503 without evaluation and the executor worker pauses
	// dispatch, but every other endpoint and worker keeps running.
	GlobalFreeze bool `yaml:"global_freeze" mapstructure:"global_freeze"`
	// APIKey is the shared bearer credential required on every write path.
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
	// SigningSecret is the HMAC-SHA256 key for request/response signing.
	SigningSecret string `yaml:"signing_secret" mapstructure:"signing_secret"`
	// AuditSecret is the HMAC-SHA256 key the audit chain signs record
	// hashes with. Defaults to SigningSecret when unset, matching the
	// single-key-two-uses layout DESIGN.md records for the audit chain.
	AuditSecret string `yaml:"audit_secret" mapstructure:"audit_secret"`
	// VTSalt salts the variable-timestamp fingerprint (see signer.VT).
	VTSalt string `yaml:"vt_salt" mapstructure:"vt_salt"`
	// TimeWindow bounds how far a request's timestamp may drift from wall
	// clock before TimestampOutsideWindow is returned. Defaults to 30s.
	TimeWindow time.Duration `yaml:"time_window" mapstructure:"time_window"`
}

// RateLimitConfig configures the gateway's per-agent admission limiter.
type RateLimitConfig struct {
	// Max is the number of /analyze calls a single agent may make in
	// Window. Defaults to 60.
	Max int `yaml:"max" mapstructure:"max" validate:"omitempty,min=1"`
	// Window is the sliding window duration. Defaults to 60s.
	Window time.Duration `yaml:"window" mapstructure:"window"`
}

// ReputationConfig configures both reputation tracks' thresholds and decay.
type ReputationConfig struct {
	// AutoDeny is the float oracle score below which an otherwise-allowed
	// command is denied. Defaults to 0.20.
	AutoDeny float64 `yaml:"auto_deny" mapstructure:"auto_deny"`
	// AutoReview is the float oracle score below which an otherwise-allowed
	// command is routed to review. Defaults to 0.40.
	AutoReview float64 `yaml:"auto_review" mapstructure:"auto_review"`
	// DenyAt is the integer ledger reputation at or below which every
	// command is denied outright. Defaults to -10.
	DenyAt int `yaml:"deny_at" mapstructure:"deny_at"`
	// ReviewAt is the integer ledger reputation at or below which every
	// command is forced to review. Defaults to -5.
	ReviewAt int `yaml:"review_at" mapstructure:"review_at"`
	// DecayPeriod is how often the integer ledger decays a stale score
	// back toward zero. Defaults to 1h.
	DecayPeriod time.Duration `yaml:"decay_period" mapstructure:"decay_period"`
	// DecayStep is how much the ledger decays per DecayPeriod. Defaults to 1.
	DecayStep int `yaml:"decay_step" mapstructure:"decay_step"`
	// LedgerPath is where the file-backed integer ledger persists
	// reputation.json. Defaults to "./data/reputation.json".
	LedgerPath string `yaml:"ledger_path" mapstructure:"ledger_path"`
}

// KVConfig configures the durable store backing queues and keyspace.
type KVConfig struct {
	// Driver selects the backing implementation: "memory" or "sqlite".
	// Defaults to "sqlite".
	Driver string `yaml:"driver" mapstructure:"driver" validate:"omitempty,oneof=memory sqlite"`
	// Path is the SQLite database file path, ignored for the memory
	// driver. Defaults to "./data/sca.db".
	Path string `yaml:"path" mapstructure:"path"`
}

// AuditFileConfig configures the file-based, hash-chained audit persistence.
type AuditFileConfig struct {
	// Dir is the directory where audit files are stored. Defaults to "./data/audit".
	Dir string `yaml:"dir" mapstructure:"dir"`
	// RetentionDays is the number of days to keep audit files. Defaults to 7.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days"`
	// MaxFileSizeMB is the maximum size per audit file before rotation. Defaults to 100.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb"`
	// CacheSize is the number of recent audit records kept in memory for
	// fast tail access (chain-head recovery, recent-entries queries).
	// Defaults to 1000.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size"`
}

// OpsConfig configures the probe/manager/approver/executor/reaper pipeline.
type OpsConfig struct {
	Probe    ProbeConfig    `yaml:"probe" mapstructure:"probe"`
	Manager  ManagerConfig  `yaml:"manager" mapstructure:"manager"`
	Approver ApproverConfig `yaml:"approver" mapstructure:"approver"`
	Executor ExecutorConfig `yaml:"executor" mapstructure:"executor"`
	Reaper   ReaperConfig   `yaml:"reaper" mapstructure:"reaper"`
}

// ProbeTarget is one HTTP health-check target the probe worker polls.
type ProbeTarget struct {
	Service string `yaml:"service" mapstructure:"service" validate:"required"`
	URL     string `yaml:"url" mapstructure:"url" validate:"required,url"`
}

// ProbeConfig configures the health-probe worker.
type ProbeConfig struct {
	Targets       []ProbeTarget `yaml:"targets" mapstructure:"targets" validate:"omitempty,dive"`
	PollInterval  time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
	FailThreshold int           `yaml:"fail_threshold" mapstructure:"fail_threshold"`
}

// ManagerConfig configures the incident-triage-and-proposal worker.
type ManagerConfig struct {
	ManagerID         string        `yaml:"manager_id" mapstructure:"manager_id"`
	PollInterval      time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	DedupeSec         time.Duration `yaml:"dedupe_sec" mapstructure:"dedupe_sec"`
	RateLimitSec      time.Duration `yaml:"rate_limit_sec" mapstructure:"rate_limit_sec"`
	TargetCooldownSec time.Duration `yaml:"target_cooldown_sec" mapstructure:"target_cooldown_sec"`
	EnablePropose     bool          `yaml:"enable_propose" mapstructure:"enable_propose"`
	ProposeTTLSec     time.Duration `yaml:"propose_ttl_sec" mapstructure:"propose_ttl_sec"`
	ActionBudgetMax   int           `yaml:"action_budget_max" mapstructure:"action_budget_max"`
	ActionBudgetSec   time.Duration `yaml:"action_budget_window_sec" mapstructure:"action_budget_window_sec"`
}

// ApproverConfig configures the allowlist-gated approval worker.
type ApproverConfig struct {
	ApproverID         string        `yaml:"approver_id" mapstructure:"approver_id"`
	PollInterval       time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	AllowedTypes       []string      `yaml:"allowed_types" mapstructure:"allowed_types"`
	AllowedTargets     []string      `yaml:"allowed_targets" mapstructure:"allowed_targets"`
	RequireDigestMatch bool          `yaml:"require_digest_match" mapstructure:"require_digest_match"`
	AutoApprove        bool          `yaml:"auto_approve" mapstructure:"auto_approve"`
}

// ExecutorConfig configures the subprocess-dispatching executor worker.
type ExecutorConfig struct {
	ExecutorID         string        `yaml:"executor_id" mapstructure:"executor_id"`
	PollInterval       time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	AllowedTypes       []string      `yaml:"allowed_types" mapstructure:"allowed_types"`
	AllowedTargets     []string      `yaml:"allowed_targets" mapstructure:"allowed_targets"`
	RequireDigestMatch bool          `yaml:"require_digest_match" mapstructure:"require_digest_match"`
	IdempotencyTTLSec  time.Duration `yaml:"idempotency_ttl_sec" mapstructure:"idempotency_ttl_sec"`
	ComposeProjectDir  string        `yaml:"compose_project_dir" mapstructure:"compose_project_dir"`
	ComposeFile        string        `yaml:"compose_file" mapstructure:"compose_file"`
	ComposeEnvFile     string        `yaml:"compose_env_file" mapstructure:"compose_env_file"`
}

// ReaperConfig configures the stale-inflight recovery worker.
type ReaperConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	StaleSec     time.Duration `yaml:"stale_sec" mapstructure:"stale_sec"`
	MaxRequeues  int           `yaml:"max_requeues" mapstructure:"max_requeues"`
}

// PolicyConfig defines a named set of CEL rules layered on top of the
// deterministic classifier.
type PolicyConfig struct {
	Name  string       `yaml:"name" mapstructure:"name" validate:"required"`
	Rules []RuleConfig `yaml:"rules" mapstructure:"rules" validate:"required,min=1,dive"`
}

// RuleConfig defines a single CEL-backed policy rule.
type RuleConfig struct {
	Name string `yaml:"name" mapstructure:"name" validate:"required"`
	// Condition is a CEL expression evaluated against a
	// policy.EvaluationContext (command, agent_id, reputation_score, …).
	Condition string `yaml:"condition" mapstructure:"condition" validate:"required"`
	Action    string `yaml:"action" mapstructure:"action" validate:"required,oneof=allow deny approval_required"`
}

// SetDevDefaults applies permissive defaults for local development. Applied
// before validation so StrictMode's required fields are satisfied without a
// YAML file. Never used in production: DevMode should not be set there.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	if c.Security.APIKey == "" {
		c.Security.APIKey = "dev-api-key-insecure"
	}
	if c.Security.SigningSecret == "" {
		c.Security.SigningSecret = "dev-signing-secret-insecure-0000000000"
	}
	if len(c.Policies) == 0 {
		c.Policies = []PolicyConfig{
			{
				Name: "dev-allow-all",
				Rules: []RuleConfig{
					{Name: "allow-all", Condition: "true", Action: "allow"},
				},
			},
		}
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	if c.Security.TimeWindow == 0 {
		c.Security.TimeWindow = 30 * time.Second
	}
	if c.Security.AuditSecret == "" {
		c.Security.AuditSecret = c.Security.SigningSecret
	}

	if c.RateLimit.Max == 0 {
		c.RateLimit.Max = 60
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}

	if c.Reputation.AutoDeny == 0 {
		c.Reputation.AutoDeny = 0.20
	}
	if c.Reputation.AutoReview == 0 {
		c.Reputation.AutoReview = 0.40
	}
	if c.Reputation.DenyAt == 0 {
		c.Reputation.DenyAt = -10
	}
	if c.Reputation.ReviewAt == 0 {
		c.Reputation.ReviewAt = -5
	}
	if c.Reputation.DecayPeriod == 0 {
		c.Reputation.DecayPeriod = time.Hour
	}
	if c.Reputation.DecayStep == 0 {
		c.Reputation.DecayStep = 1
	}
	if c.Reputation.LedgerPath == "" {
		c.Reputation.LedgerPath = "./data/reputation.json"
	}

	if c.AuditFile.Dir == "" {
		c.AuditFile.Dir = "./data/audit"
	}
	if c.AuditFile.RetentionDays == 0 {
		c.AuditFile.RetentionDays = 7
	}
	if c.AuditFile.MaxFileSizeMB == 0 {
		c.AuditFile.MaxFileSizeMB = 100
	}
	if c.AuditFile.CacheSize == 0 {
		c.AuditFile.CacheSize = 1000
	}

	if c.KV.Driver == "" {
		c.KV.Driver = "sqlite"
	}
	if c.KV.Path == "" {
		c.KV.Path = "./data/sca.db"
	}

	c.setOpsDefaults()
}

func (c *Config) setOpsDefaults() {
	if c.Ops.Probe.PollInterval == 0 {
		c.Ops.Probe.PollInterval = 30 * time.Second
	}
	if c.Ops.Probe.Timeout == 0 {
		c.Ops.Probe.Timeout = 3 * time.Second
	}
	if c.Ops.Probe.FailThreshold == 0 {
		c.Ops.Probe.FailThreshold = 3
	}

	if c.Ops.Manager.ManagerID == "" {
		c.Ops.Manager.ManagerID = "manager-1"
	}
	if c.Ops.Manager.PollInterval == 0 {
		c.Ops.Manager.PollInterval = time.Second
	}
	if c.Ops.Manager.DedupeSec == 0 {
		c.Ops.Manager.DedupeSec = 5 * time.Minute
	}
	if c.Ops.Manager.RateLimitSec == 0 {
		c.Ops.Manager.RateLimitSec = time.Minute
	}
	if c.Ops.Manager.ProposeTTLSec == 0 {
		c.Ops.Manager.ProposeTTLSec = 10 * time.Minute
	}
	if c.Ops.Manager.ActionBudgetMax == 0 {
		c.Ops.Manager.ActionBudgetMax = 10
	}
	if c.Ops.Manager.ActionBudgetSec == 0 {
		c.Ops.Manager.ActionBudgetSec = time.Hour
	}

	if c.Ops.Approver.ApproverID == "" {
		c.Ops.Approver.ApproverID = "approver-1"
	}
	if c.Ops.Approver.PollInterval == 0 {
		c.Ops.Approver.PollInterval = time.Second
	}

	if c.Ops.Executor.ExecutorID == "" {
		c.Ops.Executor.ExecutorID = "executor-1"
	}
	if c.Ops.Executor.PollInterval == 0 {
		c.Ops.Executor.PollInterval = time.Second
	}
	if c.Ops.Executor.IdempotencyTTLSec == 0 {
		c.Ops.Executor.IdempotencyTTLSec = time.Hour
	}
	if c.Ops.Executor.ComposeFile == "" {
		c.Ops.Executor.ComposeFile = "docker-compose.yml"
	}

	if c.Ops.Reaper.PollInterval == 0 {
		c.Ops.Reaper.PollInterval = 15 * time.Second
	}
	if c.Ops.Reaper.StaleSec == 0 {
		c.Ops.Reaper.StaleSec = 5 * time.Minute
	}
	if c.Ops.Reaper.MaxRequeues == 0 {
		c.Ops.Reaper.MaxRequeues = 3
	}

	// rate_limit.enabled-style viper.IsSet guard is unnecessary here: every
	// Ops* field defaults from zero value, and RequireDigestMatch's safe
	// default is true, so it needs the explicit IsSet check to distinguish
	// "unset" from "explicitly false".
	if !viper.IsSet("ops.approver.require_digest_match") {
		c.Ops.Approver.RequireDigestMatch = true
	}
	if !viper.IsSet("ops.executor.require_digest_match") {
		c.Ops.Executor.RequireDigestMatch = true
	}
}
