// Package manager triages incidents pulled off the incidents queue:
// it classifies severity, computes a dedupe/rate-limit fingerprint,
// decides whether to suppress the incident, and — if propose mode is
// enabled — turns a recommendation into a budget- and cooldown-gated
// proposed ActionRecord with an immutable-intent digest.
//
// Grounded on original_source/worker_manager.py and ops_digest.py.
package manager

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sentinelsca/sca/internal/domain/canon"
	"github.com/sentinelsca/sca/internal/domain/kv"
	"github.com/sentinelsca/sca/internal/domain/ops"
)

// Config configures a Manager.
type Config struct {
	ManagerID          string
	PollInterval       time.Duration
	DedupeTTL          time.Duration
	RateLimitTTL       time.Duration
	TargetCooldownTTL  time.Duration
	EnablePropose      bool
	ProposeTTL         time.Duration
	BudgetMax          int // 0 disables the budget gate
	BudgetWindow       time.Duration
	BudgetZSet         string
	GlobalFreezeKey    string // empty disables the freeze gate

	IncidentsQueue string
	TriagedQueue   string
	DecisionsQueue string
	ProposedQueue  string
}

func (c *Config) withDefaults() {
	if c.ManagerID == "" {
		c.ManagerID = "agent_manager"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = 300 * time.Second
	}
	if c.RateLimitTTL <= 0 {
		c.RateLimitTTL = 30 * time.Second
	}
	if c.ProposeTTL <= 0 {
		c.ProposeTTL = 900 * time.Second
	}
	if c.BudgetWindow <= 0 {
		c.BudgetWindow = time.Hour
	}
	if c.BudgetZSet == "" {
		c.BudgetZSet = "ops:budget:actions"
	}
	if c.IncidentsQueue == "" {
		c.IncidentsQueue = ops.QueueIncidents
	}
	if c.TriagedQueue == "" {
		c.TriagedQueue = ops.QueueIncidentsTriaged
	}
	if c.DecisionsQueue == "" {
		c.DecisionsQueue = ops.QueueManagerDecisions
	}
	if c.ProposedQueue == "" {
		c.ProposedQueue = ops.QueueProposed
	}
}

// Manager triages incidents and, when enabled, proposes remediation actions.
type Manager struct {
	cfg    Config
	store  kv.Store
	logger *slog.Logger
}

// New creates a Manager. cfg is defaulted in place.
func New(cfg Config, store kv.Store, logger *slog.Logger) *Manager {
	cfg.withDefaults()
	return &Manager{cfg: cfg, store: store, logger: logger}
}

// Run blocks, consuming incidents until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		payload, err := m.store.BRPopLPush(ctx, m.cfg.IncidentsQueue, m.cfg.IncidentsQueue+":claim", m.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if payload == "" {
			continue
		}
		_ = m.store.LRem(ctx, m.cfg.IncidentsQueue+":claim", payload)
		m.handleIncident(ctx, payload)
	}
}

func (m *Manager) handleIncident(ctx context.Context, payload string) {
	ts := time.Now().Unix()

	var inc ops.Incident
	if err := json.Unmarshal([]byte(payload), &inc); err != nil {
		m.emitDecision(ctx, ops.Decision{
			Timestamp: ts,
			Manager:   m.cfg.ManagerID,
			Error:     "invalid_json",
			Raw:       truncate(payload, 300),
		})
		return
	}

	fp := ops.IncidentFingerprint(inc)
	suppress, why := m.shouldSuppress(ctx, fp)
	sev := classifySeverity(inc)
	rec := recommendAction(inc, sev)

	m.emitDecision(ctx, ops.Decision{
		Timestamp:      ts,
		Manager:        m.cfg.ManagerID,
		Fingerprint:    fp,
		Suppressed:     suppress,
		SuppressReason: why,
		Severity:       sev,
		Recommendation: rec,
		IncidentID:     inc.IncidentID,
		Kind:           inc.Kind,
		Service:        inc.Service,
	})

	if suppress {
		return
	}

	triaged := ops.Decision{
		Timestamp:      ts,
		Manager:        m.cfg.ManagerID,
		Fingerprint:    fp,
		Suppressed:     false,
		SuppressReason: why,
		Severity:       sev,
		Recommendation: rec,
		IncidentID:     inc.IncidentID,
		Kind:           inc.Kind,
		Service:        inc.Service,
	}
	if data, err := canon.MarshalString(triaged); err == nil {
		_ = m.store.RPush(ctx, m.cfg.TriagedQueue, data)
	}
	m.logger.Info("incident triaged", "incident_id", inc.IncidentID, "kind", inc.Kind, "severity", sev)

	if m.cfg.EnablePropose {
		if actionID, err := m.proposeFromRecommendation(ctx, inc, rec, fp); err != nil {
			m.logger.Debug("propose suppressed", "incident_id", inc.IncidentID, "reason", err)
		} else if actionID != "" {
			m.logger.Info("action proposed", "action_id", actionID, "type", rec.Type, "target", rec.Target)
		}
	}
}

func (m *Manager) emitDecision(ctx context.Context, d ops.Decision) {
	data, err := canon.MarshalString(d)
	if err != nil {
		m.logger.Error("failed to marshal decision", "error", err)
		return
	}
	if err := m.store.RPush(ctx, m.cfg.DecisionsQueue, data); err != nil {
		m.logger.Error("failed to push decision", "error", err)
	}
}

// classifySeverity maps an incident kind to a severity bucket, grounded on
// worker_manager.py classify_severity.
func classifySeverity(inc ops.Incident) string {
	kind := strings.ToLower(inc.Kind)
	switch {
	case strings.Contains(kind, "unreachable"):
		return "critical"
	case strings.Contains(kind, "http_error"):
		return "high"
	case strings.Contains(kind, "unhealthy"):
		return "high"
	case strings.Contains(kind, "exception"):
		return "medium"
	}
	if inc.Severity != "" {
		return strings.ToLower(inc.Severity)
	}
	return "low"
}

// recommendAction proposes a remediation, grounded on
// worker_manager.py recommend_action.
func recommendAction(inc ops.Incident, sev string) ops.Recommendation {
	svc := inc.Service
	if svc == "" {
		svc = "sentinel-api"
	}

	if sev == "critical" || sev == "high" {
		confidence := 0.70
		if sev == "critical" {
			confidence = 0.85
		}
		return ops.Recommendation{
			Type:       "restart_service",
			Target:     svc,
			Reason:     fmt.Sprintf("recommended by manager (%s)", sev),
			Confidence: confidence,
			Params:     map[string]any{},
		}
	}

	return ops.Recommendation{
		Type:       "none",
		Reason:     "no action recommended",
		Confidence: 0.40,
		Params:     map[string]any{},
	}
}

// shouldSuppress applies the dedupe-then-rate-limit gate, grounded on
// worker_manager.py should_suppress.
func (m *Manager) shouldSuppress(ctx context.Context, fp string) (bool, string) {
	dedupeKey := "ops:dedupe:" + fp
	rlKey := "ops:ratelimit:" + fp

	if m.keyExists(ctx, dedupeKey) {
		return true, "dedupe"
	}
	_ = m.store.Set(ctx, dedupeKey, "1", m.cfg.DedupeTTL)

	if m.keyExists(ctx, rlKey) {
		return true, "rate_limit"
	}
	_ = m.store.Set(ctx, rlKey, "1", m.cfg.RateLimitTTL)

	return false, "emit"
}

func (m *Manager) keyExists(ctx context.Context, key string) bool {
	_, err := m.store.Get(ctx, key)
	return err == nil
}

func (m *Manager) globalFreezeActive(ctx context.Context) bool {
	if m.cfg.GlobalFreezeKey == "" {
		return false
	}
	return m.keyExists(ctx, m.cfg.GlobalFreezeKey)
}

func (m *Manager) budgetAllows(ctx context.Context) (bool, string) {
	if m.cfg.BudgetMax <= 0 {
		return true, "ok"
	}
	now := time.Now().Unix()
	cutoff := float64(now) - m.cfg.BudgetWindow.Seconds()
	_ = m.store.ZRemRangeByScore(ctx, m.cfg.BudgetZSet, 0, cutoff)

	count, err := m.store.ZCard(ctx, m.cfg.BudgetZSet)
	if err != nil {
		return true, "ok"
	}
	if count >= m.cfg.BudgetMax {
		return false, fmt.Sprintf("budget_exceeded %d/%d in %s", count, m.cfg.BudgetMax, m.cfg.BudgetWindow)
	}
	return true, "ok"
}

func (m *Manager) budgetRecordEvent(ctx context.Context) {
	if m.cfg.BudgetMax <= 0 {
		return
	}
	now := time.Now().Unix()
	member := fmt.Sprintf("%d:%s", now, randHex(4))
	_ = m.store.ZAdd(ctx, m.cfg.BudgetZSet, float64(now), member)
}

func cooldownKey(actionType, target string) string {
	return "ops:cooldown:" + actionType + ":" + target
}

// proposeFromRecommendation gates and, if allowed, writes a new proposed
// ActionRecord, grounded on worker_manager.py propose_from_recommendation.
// A non-nil error describes why the proposal was suppressed; it is not an
// operational failure.
func (m *Manager) proposeFromRecommendation(ctx context.Context, inc ops.Incident, rec ops.Recommendation, fp string) (string, error) {
	if rec.Type == "" || rec.Type == "none" {
		return "", fmt.Errorf("no actionable recommendation")
	}
	if m.globalFreezeActive(ctx) {
		return "", fmt.Errorf("global freeze active")
	}
	if ok, why := m.budgetAllows(ctx); !ok {
		return "", fmt.Errorf("%s", why)
	}

	fpKey := "ops:proposed:fp:" + fp
	if m.keyExists(ctx, fpKey) {
		return "", fmt.Errorf("already proposed for fingerprint %s", truncate(fp, 12))
	}

	if m.cfg.TargetCooldownTTL > 0 {
		cdKey := cooldownKey(rec.Type, rec.Target)
		if m.keyExists(ctx, cdKey) {
			return "", fmt.Errorf("cooldown active for %s %s", rec.Type, rec.Target)
		}
		_ = m.store.Set(ctx, cdKey, "1", m.cfg.TargetCooldownTTL)
	}

	now := time.Now().Unix()
	actionID := fmt.Sprintf("act_%d_%s", now, randHex(3))
	incidentID := inc.IncidentID
	if incidentID == "" {
		incidentID = "inc_" + randHex(4)
	}

	params := rec.Params
	if params == nil {
		params = map[string]any{}
	}
	action := ops.ActionIntent{
		Type:   rec.Type,
		Target: rec.Target,
		Reason: rec.Reason,
		Params: params,
	}
	digest, err := ops.DigestAction(action)
	if err != nil {
		return "", fmt.Errorf("digest action: %w", err)
	}

	record := ops.ActionRecord{
		ActionID:              actionID,
		IncidentID:            incidentID,
		CreatedTS:             now,
		ExpiresTS:             now + int64(m.cfg.ProposeTTL.Seconds()),
		Status:                ops.StatusProposed,
		Fingerprint:           fp,
		Action:                action,
		Manager:               m.cfg.ManagerID,
		RecommendedConfidence: rec.Confidence,
		Digest:                digest,
	}

	data, err := canon.MarshalString(record)
	if err != nil {
		return "", fmt.Errorf("marshal action record: %w", err)
	}
	if err := m.store.Set(ctx, ops.ActionKey(actionID), data, 0); err != nil {
		return "", fmt.Errorf("store action record: %w", err)
	}
	if err := m.store.RPush(ctx, m.cfg.ProposedQueue, actionID); err != nil {
		return "", fmt.Errorf("enqueue action: %w", err)
	}
	_ = m.store.Set(ctx, fpKey, actionID, m.cfg.ProposeTTL)
	m.budgetRecordEvent(ctx)

	return actionID, nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func randHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return strings.Repeat("0", n*2)
	}
	return hex.EncodeToString(b)
}
