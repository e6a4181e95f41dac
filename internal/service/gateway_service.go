package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sentinelsca/sca/internal/adapter/outbound/auditchain"
	"github.com/sentinelsca/sca/internal/domain/audit"
	"github.com/sentinelsca/sca/internal/domain/policy"
	"github.com/sentinelsca/sca/internal/domain/ratelimit"
	"github.com/sentinelsca/sca/internal/domain/replay"
	"github.com/sentinelsca/sca/internal/domain/reputation"
	"github.com/sentinelsca/sca/internal/domain/signer"
)

// ErrKind identifies one of the gateway's well-defined rejection reasons, so
// the HTTP adapter can map it to the matching status code without string
// matching on Reason.
type ErrKind string

const (
	ErrInvalidAPIKey          ErrKind = "InvalidAPIKey"
	ErrMissingSignature       ErrKind = "MissingSignature"
	ErrBadSignature           ErrKind = "BadSignature"
	ErrTimestampOutsideWindow ErrKind = "TimestampOutsideWindow"
	ErrReplayDetected         ErrKind = "ReplayDetected"
	ErrRateLimited            ErrKind = "RateLimited"
	ErrGlobalFreeze           ErrKind = "GlobalFreeze"
	ErrBadInput               ErrKind = "BadInput"
	ErrNotFound               ErrKind = "NotFound"
	ErrInternal               ErrKind = "InternalError"
)

// statusForKind maps an ErrKind to its HTTP status code, grounded on
// original_source/sentinel_api.py's error-response table.
var statusForKind = map[ErrKind]int{
	ErrInvalidAPIKey:          401,
	ErrMissingSignature:       401,
	ErrBadSignature:           401,
	ErrTimestampOutsideWindow: 401,
	ErrReplayDetected:         409,
	ErrRateLimited:            429,
	ErrGlobalFreeze:           503,
	ErrBadInput:               400,
	ErrNotFound:               404,
	ErrInternal:               500,
}

// GatewayError is returned by GatewayService methods instead of a plain
// error so the HTTP adapter can render the exact status code and machine
// readable kind spec'd for the gateway's error surface.
type GatewayError struct {
	Kind    ErrKind
	Message string
	cause   error
}

func (e *GatewayError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.cause }

// Status returns the HTTP status code that corresponds to e.Kind.
func (e *GatewayError) Status() int {
	if code, ok := statusForKind[e.Kind]; ok {
		return code
	}
	return 500
}

func newGatewayError(kind ErrKind, msg string) *GatewayError {
	return &GatewayError{Kind: kind, Message: msg}
}

func wrapGatewayError(kind ErrKind, msg string, cause error) *GatewayError {
	return &GatewayError{Kind: kind, Message: msg, cause: cause}
}

// AnalyzeRequest is the gateway's command-analysis request body, grounded on
// original_source/sentinel_api.py's /analyze request schema.
type AnalyzeRequest struct {
	AgentID        string  `json:"agent_id"`
	Command        string  `json:"command"`
	Timestamp      string  `json:"timestamp"`
	ReputationHint float64 `json:"reputation_hint,omitempty"`
}

// AnalyzeHeaders carries the per-request auth material the transport layer
// pulled off the wire, kept separate from AnalyzeRequest since they are
// headers, not body fields.
type AnalyzeHeaders struct {
	APIKey    string
	Signature string
	TSUnix    string // X-Timestamp-Unix, decimal seconds as a string
	ClientIP  string
}

// AnalyzeResponse is the gateway's command-analysis decision, grounded on
// original_source/sentinel_api.py's /analyze response schema.
type AnalyzeResponse struct {
	Decision           string  `json:"decision"` // allow, deny, review
	Risk               string  `json:"risk"`     // low, medium, high
	RiskScore          float64 `json:"risk_score"`
	Reason             string  `json:"reason"`
	RuleID             string  `json:"rule_id,omitempty"`
	PolicyVersion      string  `json:"policy_version"`
	VT                 string  `json:"vt"`
	AgentID            string  `json:"agent_id"`
	RequestID          string  `json:"request_id"`
	ReputationBefore   int     `json:"reputation_before"`
	ReputationAfter    int     `json:"reputation_after"`
	OracleScoreBefore  float64 `json:"oracle_score_before"`
	OracleScoreAfter   float64 `json:"oracle_score_after"`
	Signature          string  `json:"signature,omitempty"`
}

// StatusResponse reports an agent's current standing, grounded on
// original_source/sentinel_api.py's /status response schema.
type StatusResponse struct {
	AgentID          string  `json:"agent_id"`
	Reputation       int     `json:"reputation"`
	Allowed          int     `json:"allowed"`
	Blocked          int     `json:"blocked"`
	Reviewed         int     `json:"reviewed"`
	LastDecision     string  `json:"last_decision"`
	OracleScore      float64 `json:"oracle_score"`
	RateLimitMax     int     `json:"rate_limit_max"`
	RateLimitWindow  string  `json:"rate_limit_window"`
	ChainHeadHash    string  `json:"chain_head_hash"`
	ChainHeadSeq     int64   `json:"chain_head_seq"`
	ServerTimeUnix   int64   `json:"server_time_unix"`
	Signature        string  `json:"signature,omitempty"`
}

// GatewayOption configures a GatewayService at construction time, matching
// the AuditService functional-options idiom.
type GatewayOption func(*GatewayService)

// WithPolicyEngine attaches the optional CEL rule layer, consulted after the
// deterministic classifier and before the float-reputation gate.
func WithPolicyEngine(engine policy.PolicyEngine) GatewayOption {
	return func(g *GatewayService) { g.engine = engine }
}

// WithRequestSigner enables HMAC request/response signing. Without this
// option the gateway runs with signing disabled: signature headers are
// ignored on the way in and omitted on the way out. Strict mode (see
// internal/config) refuses to start without a signer configured.
func WithRequestSigner(s *signer.HMACSigner) GatewayOption {
	return func(g *GatewayService) { g.reqSigner = s }
}

// WithTimeWindow bounds how far X-Timestamp-Unix may drift from wall clock
// before TimestampOutsideWindow is returned. Only enforced when a request
// signer is configured. Defaults to 30s.
func WithTimeWindow(d time.Duration) GatewayOption {
	return func(g *GatewayService) { g.timeWindow = d }
}

// WithVTSalt sets the salt folded into the per-request variable-timestamp
// fingerprint (see signer.VT).
func WithVTSalt(salt string) GatewayOption {
	return func(g *GatewayService) { g.vtSalt = salt }
}

// WithPolicyVersion sets the version string stamped on every decision and
// audit record, so operators can tell which ruleset produced a verdict.
func WithPolicyVersion(v string) GatewayOption {
	return func(g *GatewayService) { g.policyVersion = v }
}

// WithStatsService wires a StatsService to count allow/deny/review/error
// outcomes for the /stats endpoint.
func WithStatsService(stats *StatsService) GatewayOption {
	return func(g *GatewayService) { g.stats = stats }
}

// WithGatewayNow overrides the gateway's clock. Exposed for tests.
func WithGatewayNow(now func() time.Time) GatewayOption {
	return func(g *GatewayService) { g.now = now }
}

// WithAuditInspection wires the audit store (for tailing recent records) and
// the HMAC key the audit chain was signed with, enabling the /audit/verify
// endpoint. store and verifier may differ from the request signer: the audit
// chain signs with config.Security.AuditSecret, which defaults to but need
// not equal SigningSecret.
func WithAuditInspection(store audit.AuditStore, verifier *signer.HMACSigner) GatewayOption {
	return func(g *GatewayService) {
		g.auditStore = store
		g.auditVerifier = verifier
	}
}

// GatewayService orchestrates the command-analysis pipeline: rate limiting,
// API key and signature verification, replay protection, deterministic and
// CEL policy evaluation, the dual reputation tracks, variable-timestamp
// fingerprinting, and hash-chained audit logging. It is the transport
// agnostic core consumed by internal/adapter/inbound/http's handlers.
type GatewayService struct {
	identity    *IdentityService
	rateLimiter ratelimit.RateLimiter
	rateLimit   ratelimit.RateLimitConfig
	replayStore *replay.Store
	evaluator   *policy.Evaluator
	engine      policy.PolicyEngine
	ledger      reputation.Ledger
	oracle      *reputation.Oracle
	chain       *auditchain.Chain
	reqSigner   *signer.HMACSigner
	vtSalt      string
	timeWindow  time.Duration
	policyVersion string
	stats       *StatsService
	logger      *slog.Logger
	now         func() time.Time
	frozen      atomic.Bool

	auditStore    audit.AuditStore
	auditVerifier *signer.HMACSigner
}

// auditTailer is satisfied by audit stores that cache recent records, the
// same duck-typed interface auditchain.New uses to recover a chain's head.
type auditTailer interface {
	GetRecent(n int) []audit.AuditRecord
}

// AuditHead returns the audit chain's current head hash and sequence number.
func (g *GatewayService) AuditHead() (hash string, seq int64) {
	return g.chain.Head()
}

// VerifyAudit replays up to limit of the most recent audit records through
// auditchain.VerifyChain. Only the records cached by the audit store are
// available for replay, not the full on-disk history, so a clean result here
// means "the tail is uncorrupted", not "the entire chain is". Returns a
// GatewayError if no audit store was wired via WithAuditInspection.
func (g *GatewayService) VerifyAudit(limit int) (auditchain.Result, *GatewayError) {
	tailer, ok := g.auditStore.(auditTailer)
	if g.auditStore == nil || !ok {
		return auditchain.Result{}, newGatewayError(ErrInternal, "audit store does not support tailing")
	}
	recent := tailer.GetRecent(limit)
	// GetRecent returns newest first; VerifyChain walks oldest to newest.
	records := make([]audit.AuditRecord, len(recent))
	for i, rec := range recent {
		records[len(recent)-1-i] = rec
	}
	return auditchain.VerifyChain(records, g.auditVerifier), nil
}

// NewGatewayService constructs a GatewayService. identity, rateLimiter,
// replayStore, evaluator, ledger, oracle, and chain are required; everything
// else is supplied through options.
func NewGatewayService(
	identity *IdentityService,
	rateLimiter ratelimit.RateLimiter,
	rateLimitCfg ratelimit.RateLimitConfig,
	replayStore *replay.Store,
	evaluator *policy.Evaluator,
	ledger reputation.Ledger,
	oracle *reputation.Oracle,
	chain *auditchain.Chain,
	logger *slog.Logger,
	opts ...GatewayOption,
) *GatewayService {
	g := &GatewayService{
		identity:      identity,
		rateLimiter:   rateLimiter,
		rateLimit:     rateLimitCfg,
		replayStore:   replayStore,
		evaluator:     evaluator,
		ledger:        ledger,
		oracle:        oracle,
		chain:         chain,
		logger:        logger,
		timeWindow:    30 * time.Second,
		policyVersion: "v1",
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetFreeze toggles the runtime kill-switch: while frozen, Analyze returns
// GlobalFreeze for every request without touching rate limits, reputation,
// or the audit chain. Status and every other endpoint keep working.
func (g *GatewayService) SetFreeze(frozen bool) {
	g.frozen.Store(frozen)
}

// Frozen reports the current kill-switch state.
func (g *GatewayService) Frozen() bool {
	return g.frozen.Load()
}

// riskFor maps a classifier/CEL verdict to the (risk, risk_score) pair spec'd
// for each builtin rule ID. The float-oracle secondary gate (ApplyFloatGate)
// is not named in the original rule table; since it only fires on commands
// the classifier and any CEL rules already allowed, it is scored one notch
// below the equivalent hard-classifier verdict.
func riskFor(result policy.ClassifyResult) (risk string, score float64) {
	switch {
	case result.RuleID == "builtin:reputation-gate" && result.Verdict == policy.VerdictDeny:
		return "high", 0.99
	case result.RuleID == "builtin:reputation-gate" && result.Verdict == policy.VerdictReview:
		return "medium", 0.60
	case result.RuleID == "builtin:deny-pattern":
		return "high", 0.95
	case result.RuleID == "builtin:reputation-score-gate" && result.Verdict == policy.VerdictDeny:
		return "high", 0.90
	case result.RuleID == "builtin:reputation-score-gate" && result.Verdict == policy.VerdictReview:
		return "medium", 0.50
	case result.Verdict == policy.VerdictDeny:
		return "high", 0.80
	case result.Verdict == policy.VerdictReview:
		return "medium", 0.40
	default:
		return "low", 0.05
	}
}

// signaturePayload is the canonical shape HMAC-signed for an /analyze
// request, matching original_source/sentinel_api.py's SIGNED_FIELDS.
type analyzeSignaturePayload struct {
	AgentID   string `json:"agent_id"`
	Command   string `json:"command"`
	Timestamp string `json:"timestamp"`
	TSUnix    int64  `json:"ts_unix"`
}

// statusSignaturePayload is the canonical shape HMAC-signed for a /status
// read.
type statusSignaturePayload struct {
	AgentID string `json:"agent_id"`
	TSUnix  int64  `json:"ts_unix"`
}

// Analyze runs the full command-analysis pipeline in the exact order the
// agent's security model depends on: freeze check, input validation, rate
// limiting, identity, replay, signature, policy, reputation, then the audit
// chain append. Any stage short-circuits the rest with a GatewayError.
func (g *GatewayService) Analyze(ctx context.Context, req AnalyzeRequest, headers AnalyzeHeaders) (*AnalyzeResponse, *GatewayError) {
	if g.Frozen() {
		return nil, newGatewayError(ErrGlobalFreeze, "gateway is in global freeze")
	}
	if req.AgentID == "" || req.Command == "" || req.Timestamp == "" {
		return nil, newGatewayError(ErrBadInput, "agent_id, command, and timestamp are required")
	}

	rlKey := ratelimit.FormatKey(ratelimit.KeyTypeUser, req.AgentID)
	rlResult, err := g.rateLimiter.Allow(ctx, rlKey, g.rateLimit)
	if err != nil {
		return nil, wrapGatewayError(ErrInternal, "rate limiter failure", err)
	}
	if !rlResult.Allowed {
		if g.stats != nil {
			g.stats.RecordRateLimited()
		}
		return nil, newGatewayError(ErrRateLimited, "rate limit exceeded")
	}

	keyEntry, err := g.identity.VerifyKey(ctx, headers.APIKey)
	if err != nil {
		return nil, wrapGatewayError(ErrInvalidAPIKey, "invalid api key", err)
	}
	if keyEntry.AgentID != req.AgentID {
		return nil, newGatewayError(ErrInvalidAPIKey, "api key does not belong to agent_id")
	}

	var tsUnix int64
	if g.reqSigner != nil {
		if headers.TSUnix == "" {
			return nil, newGatewayError(ErrMissingSignature, "missing X-Timestamp-Unix header")
		}
		tsUnix, err = strconv.ParseInt(headers.TSUnix, 10, 64)
		if err != nil {
			return nil, newGatewayError(ErrBadInput, "X-Timestamp-Unix is not a valid integer")
		}
		drift := g.now().Unix() - tsUnix
		if drift < 0 {
			drift = -drift
		}
		if time.Duration(drift)*time.Second > g.timeWindow {
			return nil, newGatewayError(ErrTimestampOutsideWindow, "request timestamp outside acceptance window")
		}
	}

	nonce := replay.Nonce(req.AgentID, req.Command, tsUnix)
	admitted, err := g.replayStore.CheckAndSet(ctx, nonce)
	if err != nil {
		return nil, wrapGatewayError(ErrInternal, "replay store failure", err)
	}
	if !admitted {
		return nil, newGatewayError(ErrReplayDetected, "request nonce already seen")
	}

	if g.reqSigner != nil {
		if headers.Signature == "" {
			return nil, newGatewayError(ErrMissingSignature, "missing X-Signature header")
		}
		payload := analyzeSignaturePayload{AgentID: req.AgentID, Command: req.Command, Timestamp: req.Timestamp, TSUnix: tsUnix}
		if err := g.reqSigner.Verify(payload, headers.Signature); err != nil {
			return nil, wrapGatewayError(ErrBadSignature, "request signature verification failed", err)
		}
	}

	ledgerBefore, err := g.ledger.GetState(ctx, req.AgentID)
	if err != nil {
		return nil, wrapGatewayError(ErrInternal, "reputation ledger read failure", err)
	}
	oracleBefore, err := g.oracle.Get(ctx, req.AgentID)
	if err != nil {
		return nil, wrapGatewayError(ErrInternal, "reputation oracle read failure", err)
	}

	result := g.evaluator.Classify(req.Command, ledgerBefore.Reputation)

	if g.engine != nil && result.Verdict == policy.VerdictAllow {
		evalCtx := policy.EvaluationContext{
			Command:         req.Command,
			AgentID:         req.AgentID,
			ReputationScore: oracleBefore,
			RequestTime:     g.now(),
		}
		decision, err := g.engine.Evaluate(ctx, evalCtx)
		if err != nil {
			g.logger.Warn("cel policy evaluation failed, falling back to classifier verdict", "error", err)
		} else if !decision.Allowed {
			verdict := policy.VerdictDeny
			if decision.RequiresApproval {
				verdict = policy.VerdictReview
			}
			result = policy.ClassifyResult{Verdict: verdict, Reason: decision.Reason, RuleID: decision.RuleID}
		}
	}

	result = g.evaluator.ApplyFloatGate(result, oracleBefore)

	decisionStr := string(result.Verdict)
	if result.Verdict == policy.VerdictReview {
		decisionStr = "approval_required"
	}
	ledgerDecisionKey := string(result.Verdict)

	ledgerAfter, err := g.ledger.Update(ctx, req.AgentID, ledgerDecisionKey)
	if err != nil {
		return nil, wrapGatewayError(ErrInternal, "reputation ledger update failure", err)
	}
	oracleAfter, err := g.oracle.ApplyOutcome(ctx, req.AgentID, ledgerDecisionKey)
	if err != nil {
		return nil, wrapGatewayError(ErrInternal, "reputation oracle update failure", err)
	}

	vt := signer.VT(req.AgentID, req.Timestamp, req.Command, g.vtSalt)
	risk, riskScore := riskFor(result)
	requestID := nonce[:16]

	rec := audit.AuditRecord{
		Timestamp:       g.now(),
		ClientIP:        headers.ClientIP,
		AgentID:         req.AgentID,
		Command:         req.Command,
		Decision:        decisionStr,
		Reason:          result.Reason,
		RuleID:          result.RuleID,
		ReputationScore: oracleAfter,
		RequestID:       requestID,
	}
	if _, err := g.chain.Append(ctx, rec); err != nil {
		return nil, wrapGatewayError(ErrInternal, "audit chain append failure", err)
	}

	if g.stats != nil {
		switch result.Verdict {
		case policy.VerdictAllow:
			g.stats.RecordAllow()
		case policy.VerdictDeny:
			g.stats.RecordDeny()
		}
	}

	resp := &AnalyzeResponse{
		Decision:          decisionStr,
		Risk:              risk,
		RiskScore:         riskScore,
		Reason:            result.Reason,
		RuleID:            result.RuleID,
		PolicyVersion:     g.policyVersion,
		VT:                vt,
		AgentID:           req.AgentID,
		RequestID:         requestID,
		ReputationBefore:  ledgerBefore.Reputation,
		ReputationAfter:   ledgerAfter.Reputation,
		OracleScoreBefore: oracleBefore,
		OracleScoreAfter:  oracleAfter,
	}
	if g.reqSigner != nil {
		sig, err := g.reqSigner.Sign(respSigningView(resp))
		if err != nil {
			return nil, wrapGatewayError(ErrInternal, "response signing failure", err)
		}
		resp.Signature = sig
	}
	return resp, nil
}

// respSigningView returns resp with Signature cleared, the shape signed
// per spec: "the full canonical response body minus the signature field".
func respSigningView(resp *AnalyzeResponse) AnalyzeResponse {
	cp := *resp
	cp.Signature = ""
	return cp
}

// Status reports an agent's reputation state, the audit chain's current
// head, and the gateway's rate-limit ceiling (the configured limit, not
// live remaining quota: the sliding-window limiter has no side-effect-free
// peek). When a request signer is configured, verifies headers.Signature
// over {agent_id, ts_unix} before returning anything.
func (g *GatewayService) Status(ctx context.Context, agentID string, headers AnalyzeHeaders) (*StatusResponse, *GatewayError) {
	if agentID == "" {
		return nil, newGatewayError(ErrBadInput, "agent_id is required")
	}

	var tsUnix int64
	if g.reqSigner != nil {
		if headers.TSUnix == "" {
			return nil, newGatewayError(ErrMissingSignature, "missing X-Timestamp-Unix header")
		}
		var err error
		tsUnix, err = strconv.ParseInt(headers.TSUnix, 10, 64)
		if err != nil {
			return nil, newGatewayError(ErrBadInput, "X-Timestamp-Unix is not a valid integer")
		}
		if headers.Signature == "" {
			return nil, newGatewayError(ErrMissingSignature, "missing X-Signature header")
		}
		payload := statusSignaturePayload{AgentID: agentID, TSUnix: tsUnix}
		if err := g.reqSigner.Verify(payload, headers.Signature); err != nil {
			return nil, wrapGatewayError(ErrBadSignature, "status signature verification failed", err)
		}
	}

	state, err := g.ledger.GetState(ctx, agentID)
	if err != nil {
		return nil, wrapGatewayError(ErrInternal, "reputation ledger read failure", err)
	}
	oracleScore, err := g.oracle.Get(ctx, agentID)
	if err != nil {
		return nil, wrapGatewayError(ErrInternal, "reputation oracle read failure", err)
	}
	headHash, headSeq := g.chain.Head()

	resp := &StatusResponse{
		AgentID:         agentID,
		Reputation:      state.Reputation,
		Allowed:         state.Allowed,
		Blocked:         state.Blocked,
		Reviewed:        state.Reviewed,
		LastDecision:    state.LastDecision,
		OracleScore:     oracleScore,
		RateLimitMax:    g.rateLimit.Rate,
		RateLimitWindow: g.rateLimit.Period.String(),
		ChainHeadHash:   headHash,
		ChainHeadSeq:    headSeq,
		ServerTimeUnix:  g.now().Unix(),
	}
	if g.reqSigner != nil {
		sig, err := g.reqSigner.Sign(respSigningViewStatus(resp))
		if err != nil {
			return nil, wrapGatewayError(ErrInternal, "response signing failure", err)
		}
		resp.Signature = sig
	}
	return resp, nil
}

func respSigningViewStatus(resp *StatusResponse) StatusResponse {
	cp := *resp
	cp.Signature = ""
	return cp
}

// verifyChainPayload is the /audit/verify endpoint's summary response shape,
// signed the same way as every other gateway response when a request signer
// is configured.
type verifyChainPayload struct {
	OK            bool   `json:"ok"`
	Checked       int    `json:"checked"`
	FirstBreakSeq int64  `json:"first_break_seq,omitempty"`
	Reason        string `json:"reason,omitempty"`
	HeadHash      string `json:"head_hash"`
	HeadSeq       int64  `json:"head_seq"`
}
