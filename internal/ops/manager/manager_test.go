package manager

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/sentinelsca/sca/internal/adapter/outbound/kv"
	"github.com/sentinelsca/sca/internal/domain/canon"
	"github.com/sentinelsca/sca/internal/domain/ops"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, nil))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestClassifySeverity(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind string
		want string
	}{
		{"api_unreachable", "critical"},
		{"http_error", "high"},
		{"service_unhealthy", "high"},
		{"python_exception", "medium"},
		{"something_else", "low"},
	}
	for _, c := range cases {
		got := classifySeverity(ops.Incident{Kind: c.kind})
		if got != c.want {
			t.Errorf("classifySeverity(kind=%q) = %q, want %q", c.kind, got, c.want)
		}
	}
}

func TestRecommendAction_CriticalRestarts(t *testing.T) {
	t.Parallel()

	rec := recommendAction(ops.Incident{Service: "sentinel-api"}, "critical")
	if rec.Type != "restart_service" {
		t.Errorf("Type = %q, want restart_service", rec.Type)
	}
	if rec.Target != "sentinel-api" {
		t.Errorf("Target = %q, want sentinel-api", rec.Target)
	}
	if rec.Confidence != 0.85 {
		t.Errorf("Confidence = %v, want 0.85", rec.Confidence)
	}
}

func TestRecommendAction_LowSeverityNone(t *testing.T) {
	t.Parallel()

	rec := recommendAction(ops.Incident{Service: "sentinel-api"}, "low")
	if rec.Type != "none" {
		t.Errorf("Type = %q, want none", rec.Type)
	}
}

func TestManager_HandleIncident_TriagesAndEmitsDecision(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory(time.Minute)
	defer func() { _ = store.Close() }()

	m := New(Config{}, store, testLogger())
	ctx := context.Background()

	inc := ops.Incident{
		IncidentID: "inc_1",
		Service:    "sentinel-api",
		Kind:       "api_unreachable",
		Severity:   "high",
		Evidence:   ops.IncidentEvidence{URL: "http://sentinel-api:8001/health", Error: "timeout"},
	}
	payload, err := canon.MarshalString(inc)
	if err != nil {
		t.Fatalf("MarshalString() error: %v", err)
	}

	m.handleIncident(ctx, payload)

	decisions, err := store.LRange(ctx, m.cfg.DecisionsQueue, 0, 10)
	if err != nil {
		t.Fatalf("LRange() error: %v", err)
	}
	if len(decisions) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(decisions))
	}

	triaged, err := store.LRange(ctx, m.cfg.TriagedQueue, 0, 10)
	if err != nil {
		t.Fatalf("LRange() error: %v", err)
	}
	if len(triaged) != 1 {
		t.Fatalf("expected 1 triaged record, got %d", len(triaged))
	}
}

func TestManager_HandleIncident_DedupeSuppressesSecond(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory(time.Minute)
	defer func() { _ = store.Close() }()

	m := New(Config{}, store, testLogger())
	ctx := context.Background()

	inc := ops.Incident{
		IncidentID: "inc_1",
		Service:    "sentinel-api",
		Kind:       "api_unreachable",
		Severity:   "high",
	}
	payload, _ := canon.MarshalString(inc)

	m.handleIncident(ctx, payload)
	m.handleIncident(ctx, payload)

	triaged, err := store.LRange(ctx, m.cfg.TriagedQueue, 0, 10)
	if err != nil {
		t.Fatalf("LRange() error: %v", err)
	}
	if len(triaged) != 1 {
		t.Fatalf("expected dedupe to suppress the second incident, got %d triaged", len(triaged))
	}

	decisions, err := store.LRange(ctx, m.cfg.DecisionsQueue, 0, 10)
	if err != nil {
		t.Fatalf("LRange() error: %v", err)
	}
	if len(decisions) != 2 {
		t.Fatalf("expected both incidents to still produce a decision record, got %d", len(decisions))
	}
}

func TestManager_ProposeFromRecommendation_CreatesActionRecord(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory(time.Minute)
	defer func() { _ = store.Close() }()

	m := New(Config{EnablePropose: true}, store, testLogger())
	ctx := context.Background()

	inc := ops.Incident{IncidentID: "inc_42", Service: "sentinel-api"}
	rec := ops.Recommendation{Type: "restart_service", Target: "sentinel-api", Confidence: 0.85}

	actionID, err := m.proposeFromRecommendation(ctx, inc, rec, "fp123")
	if err != nil {
		t.Fatalf("proposeFromRecommendation() error: %v", err)
	}
	if actionID == "" {
		t.Fatal("expected non-empty action id")
	}

	raw, err := store.Get(ctx, ops.ActionKey(actionID))
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if raw == "" {
		t.Fatal("expected action record to be stored")
	}

	queued, err := store.LRange(ctx, m.cfg.ProposedQueue, 0, 10)
	if err != nil {
		t.Fatalf("LRange() error: %v", err)
	}
	if len(queued) != 1 || queued[0] != actionID {
		t.Errorf("expected proposed queue to contain %q, got %v", actionID, queued)
	}
}

func TestManager_ProposeFromRecommendation_NoneTypeSkipped(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory(time.Minute)
	defer func() { _ = store.Close() }()

	m := New(Config{EnablePropose: true}, store, testLogger())
	ctx := context.Background()

	_, err := m.proposeFromRecommendation(ctx, ops.Incident{}, ops.Recommendation{Type: "none"}, "fp")
	if err == nil {
		t.Error("expected error suppressing a none-type recommendation")
	}
}

func TestManager_ProposeFromRecommendation_GlobalFreezeBlocks(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory(time.Minute)
	defer func() { _ = store.Close() }()

	m := New(Config{EnablePropose: true, GlobalFreezeKey: "ops:freeze"}, store, testLogger())
	ctx := context.Background()
	_ = store.Set(ctx, "ops:freeze", "1", 0)

	_, err := m.proposeFromRecommendation(ctx, ops.Incident{}, ops.Recommendation{Type: "restart_service", Target: "x"}, "fp")
	if err == nil {
		t.Error("expected global freeze to block proposal")
	}
}

func TestManager_ProposeFromRecommendation_BudgetExceeded(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory(time.Minute)
	defer func() { _ = store.Close() }()

	m := New(Config{EnablePropose: true, BudgetMax: 1}, store, testLogger())
	ctx := context.Background()

	rec := ops.Recommendation{Type: "restart_service", Target: "sentinel-api"}
	if _, err := m.proposeFromRecommendation(ctx, ops.Incident{IncidentID: "a"}, rec, "fp-a"); err != nil {
		t.Fatalf("first proposal should succeed: %v", err)
	}
	if _, err := m.proposeFromRecommendation(ctx, ops.Incident{IncidentID: "b"}, rec, "fp-b"); err == nil {
		t.Error("expected budget gate to block the second proposal")
	}
}
