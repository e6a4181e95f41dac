package executor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sentinelsca/sca/internal/adapter/outbound/kv"
	"github.com/sentinelsca/sca/internal/domain/ops"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func approvedPayload(t *testing.T, actionID string, record ops.ActionRecord) string {
	t.Helper()
	msg := approvedMessage{ActionID: actionID, ApprovedMsg: record, TS: time.Now().Unix()}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	return string(data)
}

func TestExecutor_Handle_RejectsDigestMismatch(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory(time.Minute)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	action := ops.ActionIntent{Type: "restart_service", Target: "sentinel-api"}
	record := ops.ActionRecord{
		ActionID: "act_1",
		Action:   action,
		Status:   ops.StatusApproved,
		Approval: &ops.Approval{ApprovedDigest: "sha256:wrong"},
	}

	e := New(Config{RequireDigestMatch: true}, store, testLogger())
	e.handle(ctx, approvedPayload(t, "act_1", record))

	rejected, err := store.LRange(ctx, e.cfg.RejectedQueue, 0, 10)
	if err != nil {
		t.Fatalf("LRange() error: %v", err)
	}
	if len(rejected) != 1 {
		t.Fatalf("expected digest mismatch to reject, got %d rejected", len(rejected))
	}
}

func TestExecutor_Handle_RejectsMissingApprovalDigest(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory(time.Minute)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	action := ops.ActionIntent{Type: "restart_service", Target: "sentinel-api"}
	record := ops.ActionRecord{ActionID: "act_2", Action: action, Status: ops.StatusApproved}

	e := New(Config{RequireDigestMatch: true}, store, testLogger())
	e.handle(ctx, approvedPayload(t, "act_2", record))

	rejected, err := store.LRange(ctx, e.cfg.RejectedQueue, 0, 10)
	if err != nil {
		t.Fatalf("LRange() error: %v", err)
	}
	if len(rejected) != 1 {
		t.Fatalf("expected missing_approved_digest rejection, got %d", len(rejected))
	}
}

func TestExecutor_Handle_RejectsDisallowedTarget(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory(time.Minute)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	action := ops.ActionIntent{Type: "restart_service", Target: "untouchable-service"}
	digest, _ := ops.DigestAction(action)
	record := ops.ActionRecord{
		ActionID: "act_3",
		Action:   action,
		Status:   ops.StatusApproved,
		Approval: &ops.Approval{ApprovedDigest: digest},
	}

	e := New(Config{RequireDigestMatch: true, AllowedTargets: []string{"sentinel-api"}}, store, testLogger())
	e.handle(ctx, approvedPayload(t, "act_3", record))

	rejected, err := store.LRange(ctx, e.cfg.RejectedQueue, 0, 10)
	if err != nil {
		t.Fatalf("LRange() error: %v", err)
	}
	if len(rejected) != 1 {
		t.Fatalf("expected target_not_allowed rejection, got %d", len(rejected))
	}
}

func TestExecutor_Handle_IdempotentSecondCallDropsSilently(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory(time.Minute)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	e := New(Config{RequireDigestMatch: true, IdempotencyTTL: time.Hour}, store, testLogger())

	first, err := e.markDoneOnce(ctx, "act_4")
	if err != nil {
		t.Fatalf("markDoneOnce() error: %v", err)
	}
	if !first {
		t.Fatal("first markDoneOnce() should return true")
	}
	second, err := e.markDoneOnce(ctx, "act_4")
	if err != nil {
		t.Fatalf("markDoneOnce() error: %v", err)
	}
	if second {
		t.Error("second markDoneOnce() should return false")
	}
}

func TestExecutor_Handle_FreezeKeyBlocksScan(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory(time.Minute)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	e := New(Config{GlobalFreezeKey: "ops:freeze"}, store, testLogger())
	if e.freezeActive(ctx) {
		t.Error("freezeActive() should be false before key is set")
	}
	_ = store.Set(ctx, "ops:freeze", "1", 0)
	if !e.freezeActive(ctx) {
		t.Error("freezeActive() should be true once key is set")
	}
}

func TestExecutor_Allowed(t *testing.T) {
	t.Parallel()

	e := New(Config{AllowedTypes: []string{"restart_service"}, AllowedTargets: []string{"sentinel-api"}}, kv.NewMemory(time.Minute), testLogger())
	defer func() { _ = e.store.Close() }()

	if ok, _ := e.allowed("restart_service", "sentinel-api"); !ok {
		t.Error("expected allowed type/target to pass")
	}
	if ok, _ := e.allowed("delete_volume", "sentinel-api"); ok {
		t.Error("expected disallowed type to fail")
	}
	if ok, _ := e.allowed("restart_service", "db"); ok {
		t.Error("expected disallowed target to fail")
	}
}
