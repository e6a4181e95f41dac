package reaper

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sentinelsca/sca/internal/adapter/outbound/kv"
	"github.com/sentinelsca/sca/internal/domain/canon"
	"github.com/sentinelsca/sca/internal/domain/ops"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReaper_ScanInflight_RequeuesStaleProposal(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory(time.Minute)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	record := ops.ActionRecord{
		ActionID: "act_1",
		Status:   ops.StatusProposed,
		Approval: &ops.Approval{ApprovedTS: time.Now().Add(-time.Hour).Unix()},
	}
	data, _ := canon.MarshalString(record)
	_ = store.Set(ctx, ops.ActionKey("act_1"), data, 0)
	_ = store.RPush(ctx, "ops:actions:proposed:inflight", "act_1")

	r := New(Config{StaleAfter: time.Minute}, store, testLogger())
	if err := r.scanInflight(ctx, "ops:actions:proposed:inflight", originProposed); err != nil {
		t.Fatalf("scanInflight() error: %v", err)
	}

	requeued, err := store.LRange(ctx, r.cfg.ProposedQueue, 0, 10)
	if err != nil {
		t.Fatalf("LRange() error: %v", err)
	}
	if len(requeued) != 1 || requeued[0] != "act_1" {
		t.Fatalf("expected act_1 requeued to proposed queue, got %v", requeued)
	}

	remaining, err := store.LLen(ctx, "ops:actions:proposed:inflight")
	if err != nil {
		t.Fatalf("LLen() error: %v", err)
	}
	if remaining != 0 {
		t.Errorf("expected inflight entry removed, got %d remaining", remaining)
	}
}

func TestReaper_ScanInflight_SkipsFreshClaim(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory(time.Minute)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	record := ops.ActionRecord{
		ActionID: "act_2",
		Status:   ops.StatusProposed,
		Approval: &ops.Approval{ApprovedTS: time.Now().Unix()},
	}
	data, _ := canon.MarshalString(record)
	_ = store.Set(ctx, ops.ActionKey("act_2"), data, 0)
	_ = store.RPush(ctx, "ops:actions:proposed:inflight", "act_2")

	r := New(Config{StaleAfter: time.Hour}, store, testLogger())
	if err := r.scanInflight(ctx, "ops:actions:proposed:inflight", originProposed); err != nil {
		t.Fatalf("scanInflight() error: %v", err)
	}

	remaining, err := store.LLen(ctx, "ops:actions:proposed:inflight")
	if err != nil {
		t.Fatalf("LLen() error: %v", err)
	}
	if remaining != 1 {
		t.Errorf("expected a fresh claim to stay inflight, got %d remaining", remaining)
	}
}

func TestReaper_ScanInflight_QuarantinesAfterMaxRequeues(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory(time.Minute)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	r := New(Config{StaleAfter: time.Second, MaxRequeues: 1}, store, testLogger())

	staleTS := time.Now().Add(-time.Hour).Unix()
	record := ops.ActionRecord{ActionID: "act_3", Status: ops.StatusProposed, Approval: &ops.Approval{ApprovedTS: staleTS}}
	data, _ := canon.MarshalString(record)
	_ = store.Set(ctx, ops.ActionKey("act_3"), data, 0)
	_ = store.RPush(ctx, "ops:actions:proposed:inflight", "act_3")

	// First pass: still under MaxRequeues, so it requeues rather than quarantines.
	if err := r.scanInflight(ctx, "ops:actions:proposed:inflight", originProposed); err != nil {
		t.Fatalf("scanInflight() first pass error: %v", err)
	}

	// Simulate the approver re-claiming and going stale a second time.
	_ = store.RPush(ctx, "ops:actions:proposed:inflight", "act_3")
	if err := r.scanInflight(ctx, "ops:actions:proposed:inflight", originProposed); err != nil {
		t.Fatalf("scanInflight() second pass error: %v", err)
	}

	quarantined, err := store.LRange(ctx, r.cfg.QuarantineQueue, 0, 10)
	if err != nil {
		t.Fatalf("LRange() error: %v", err)
	}
	if len(quarantined) != 1 {
		t.Fatalf("expected action to be quarantined after exceeding max requeues, got %d", len(quarantined))
	}

	raw, err := store.Get(ctx, ops.ActionKey("act_3"))
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	var final ops.ActionRecord
	if err := json.Unmarshal([]byte(raw), &final); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if final.Status != ops.StatusQuarantined {
		t.Errorf("Status = %q, want %q", final.Status, ops.StatusQuarantined)
	}
}

func TestReaper_ScanInflight_DropsTerminalStatus(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory(time.Minute)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	record := ops.ActionRecord{ActionID: "act_4", Status: ops.StatusExecuted}
	data, _ := canon.MarshalString(record)
	_ = store.Set(ctx, ops.ActionKey("act_4"), data, 0)
	_ = store.RPush(ctx, "ops:actions:approved:inflight", "act_4")

	r := New(Config{}, store, testLogger())
	if err := r.scanInflight(ctx, "ops:actions:approved:inflight", originApproved); err != nil {
		t.Fatalf("scanInflight() error: %v", err)
	}

	remaining, err := store.LLen(ctx, "ops:actions:approved:inflight")
	if err != nil {
		t.Fatalf("LLen() error: %v", err)
	}
	if remaining != 0 {
		t.Errorf("expected terminal-status inflight entry to be dropped, got %d remaining", remaining)
	}

	requeuedToApproved, err := store.LLen(ctx, r.cfg.ApprovedQueue)
	if err != nil {
		t.Fatalf("LLen() error: %v", err)
	}
	if requeuedToApproved != 0 {
		t.Errorf("executed actions must not be requeued, got %d in approved queue", requeuedToApproved)
	}
}
