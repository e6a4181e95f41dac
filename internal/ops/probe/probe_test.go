package probe

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sentinelsca/sca/internal/adapter/outbound/kv"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProbe_PollOne_HealthyStaysOK(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := kv.NewMemory(time.Minute)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	p := New(Config{FailThreshold: 2}, store, testLogger())
	p.pollOne(ctx, Target{Service: "svc", URL: srv.URL})

	state, err := store.Get(ctx, "ops:probe:state:svc")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if state != "ok" {
		t.Errorf("state = %q, want ok", state)
	}

	incidents, err := store.LLen(ctx, "ops:incidents")
	if err != nil {
		t.Fatalf("LLen() error: %v", err)
	}
	if incidents != 0 {
		t.Errorf("expected no incidents for a healthy probe, got %d", incidents)
	}
}

func TestProbe_PollOne_EmitsIncidentOnThresholdEdge(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := kv.NewMemory(time.Minute)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	p := New(Config{FailThreshold: 2}, store, testLogger())
	target := Target{Service: "svc", URL: srv.URL}

	p.pollOne(ctx, target)
	incidents, err := store.LLen(ctx, "ops:incidents")
	if err != nil {
		t.Fatalf("LLen() error: %v", err)
	}
	if incidents != 0 {
		t.Fatalf("expected no incident before threshold reached, got %d", incidents)
	}

	p.pollOne(ctx, target)
	incidents, err = store.LLen(ctx, "ops:incidents")
	if err != nil {
		t.Fatalf("LLen() error: %v", err)
	}
	if incidents != 1 {
		t.Fatalf("expected exactly 1 incident on the fail edge, got %d", incidents)
	}

	// A third consecutive failure should not emit again (edge-triggered only).
	p.pollOne(ctx, target)
	incidents, err = store.LLen(ctx, "ops:incidents")
	if err != nil {
		t.Fatalf("LLen() error: %v", err)
	}
	if incidents != 1 {
		t.Fatalf("expected incident count to stay at 1 across repeated failures, got %d", incidents)
	}
}

func TestProbe_PollOne_RecoveryResetsFailcount(t *testing.T) {
	t.Parallel()

	failing := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing {
			w.WriteHeader(http.StatusInternalServerError)
		} else {
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	store := kv.NewMemory(time.Minute)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	p := New(Config{FailThreshold: 2}, store, testLogger())
	target := Target{Service: "svc", URL: srv.URL}

	p.pollOne(ctx, target)
	p.pollOne(ctx, target) // now "fail", incident emitted

	failing = false
	p.pollOne(ctx, target)

	state, err := store.Get(ctx, "ops:probe:state:svc")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if state != "ok" {
		t.Errorf("state = %q, want ok after recovery", state)
	}

	failing = true
	p.pollOne(ctx, target)
	incidents, err := store.LLen(ctx, "ops:incidents")
	if err != nil {
		t.Fatalf("LLen() error: %v", err)
	}
	if incidents != 1 {
		t.Fatalf("a single post-recovery failure should not re-trip the threshold, got %d incidents", incidents)
	}
}
