// Package reaper recovers action records left stranded in an inflight
// list by a crashed approver or executor: on every tick it heartbeats its
// own liveness, then scans both inflight lists for entries whose claim
// has gone stale, requeuing them to their origin queue or quarantining
// them once they've been requeued too many times.
//
// Grounded on original_source/worker_reaper.py.
package reaper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sentinelsca/sca/internal/domain/canon"
	"github.com/sentinelsca/sca/internal/domain/kv"
	"github.com/sentinelsca/sca/internal/domain/ops"
)

const (
	heartbeatKey = "ops:reaper:heartbeat"
	heartbeatTTL = 30 * time.Second
	scanBatchCap = 50
	requeueCountTTL = 48 * time.Hour
)

// origin identifies which stage an inflight list belongs to.
type origin string

const (
	originProposed origin = "proposed"
	originApproved origin = "approved"
)

// Config configures a Reaper.
type Config struct {
	PollInterval  time.Duration
	StaleAfter    time.Duration
	MaxRequeues   int

	ProposedQueue         string
	ProposedInflightQueue string
	ApprovedQueue         string
	ApprovedInflightQueue string
	QuarantineQueue       string
}

func (c *Config) withDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 60 * time.Second
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 5
	}
	if c.ProposedQueue == "" {
		c.ProposedQueue = ops.QueueProposed
	}
	if c.ProposedInflightQueue == "" {
		c.ProposedInflightQueue = ops.QueueProposedInflight
	}
	if c.ApprovedQueue == "" {
		c.ApprovedQueue = ops.QueueApproved
	}
	if c.ApprovedInflightQueue == "" {
		c.ApprovedInflightQueue = ops.QueueApprovedInflight
	}
	if c.QuarantineQueue == "" {
		c.QuarantineQueue = ops.QueueQuarantine
	}
}

// Reaper recovers stranded inflight action records.
type Reaper struct {
	cfg    Config
	store  kv.Store
	logger *slog.Logger
}

// New creates a Reaper. cfg is defaulted in place.
func New(cfg Config, store kv.Store, logger *slog.Logger) *Reaper {
	cfg.withDefaults()
	return &Reaper{cfg: cfg, store: store, logger: logger}
}

// Run blocks, heartbeating and scanning inflight lists until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ticker.C:
			r.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reaper) tick(ctx context.Context) {
	if err := r.store.Set(ctx, heartbeatKey, time.Now().UTC().Format(time.RFC3339), heartbeatTTL); err != nil {
		r.logger.Error("reaper: heartbeat failed", "error", err)
	}

	if err := r.scanInflight(ctx, r.cfg.ProposedInflightQueue, originProposed); err != nil {
		r.logger.Error("reaper: scan proposed inflight failed", "error", err)
	}
	if err := r.scanInflight(ctx, r.cfg.ApprovedInflightQueue, originApproved); err != nil {
		r.logger.Error("reaper: scan approved inflight failed", "error", err)
	}
}

// scanInflight bounds its work to scanBatchCap entries per tick so a large
// backlog can never make the reaper's own loop unresponsive.
func (r *Reaper) scanInflight(ctx context.Context, inflightQueue string, o origin) error {
	n, err := r.store.LLen(ctx, inflightQueue)
	if err != nil {
		return err
	}
	if n <= 0 {
		return nil
	}

	limit := n
	if limit > scanBatchCap {
		limit = scanBatchCap
	}
	ids, err := r.store.LRange(ctx, inflightQueue, 0, limit)
	if err != nil {
		return err
	}

	for _, actionID := range ids {
		if actionID == "" {
			continue
		}
		r.handleInflightEntry(ctx, inflightQueue, actionID, o)
	}
	return nil
}

func (r *Reaper) handleInflightEntry(ctx context.Context, inflightQueue, actionID string, o origin) {
	raw, err := r.store.Get(ctx, ops.ActionKey(actionID))
	if err != nil {
		// Nothing to recover; drop the dangling inflight entry.
		_ = r.store.LRem(ctx, inflightQueue, actionID)
		return
	}

	var record ops.ActionRecord
	if jsonErr := json.Unmarshal([]byte(raw), &record); jsonErr != nil {
		_ = r.store.LRem(ctx, inflightQueue, actionID)
		return
	}

	switch record.Status {
	case ops.StatusExecuted, ops.StatusFailed, ops.StatusRejected, ops.StatusQuarantined:
		_ = r.store.LRem(ctx, inflightQueue, actionID)
		return
	}

	claimedTS := claimTimestamp(record)
	stale := claimedTS == 0 || time.Now().Unix()-claimedTS >= int64(r.cfg.StaleAfter.Seconds())
	if !stale {
		return
	}

	_ = r.store.LRem(ctx, inflightQueue, actionID)
	r.requeueOrQuarantine(ctx, actionID, record, o)
}

// claimTimestamp prefers the executor's claim time, falling back to the
// approver's, matching worker_reaper.py scan_inflight's precedence.
func claimTimestamp(record ops.ActionRecord) int64 {
	if record.Execution != nil && record.Execution.ClaimedTS > 0 {
		return record.Execution.ClaimedTS
	}
	if record.Approval != nil && record.Approval.ApprovedTS > 0 {
		return record.Approval.ApprovedTS
	}
	return 0
}

func (r *Reaper) requeueOrQuarantine(ctx context.Context, actionID string, record ops.ActionRecord, o origin) {
	now := time.Now()
	if record.Reaper == nil {
		record.Reaper = &ops.ReaperMeta{}
	}
	record.Reaper.LastSeenInflightTS = now.Unix()

	count := r.bumpRequeueCount(ctx, actionID, o)

	if count > r.cfg.MaxRequeues {
		record.Status = ops.StatusQuarantined
		record.Reaper.QuarantinedReason = fmt.Sprintf("max_requeues_exceeded:%d", r.cfg.MaxRequeues)
		record.Reaper.QuarantinedFrom = string(o)
		record.Reaper.QuarantinedAt = now.UTC().Format(time.RFC3339)

		if data, err := canon.MarshalString(record); err == nil {
			_ = r.store.Set(ctx, ops.ActionKey(actionID), data, 0)
		}
		_ = r.store.RPush(ctx, r.cfg.QuarantineQueue, actionID)
		r.logger.Warn("action quarantined", "action_id", actionID, "origin", o, "requeue_count", count)
		return
	}

	if data, err := canon.MarshalString(record); err == nil {
		_ = r.store.Set(ctx, ops.ActionKey(actionID), data, 0)
	}

	target := r.cfg.ApprovedQueue
	if o == originProposed {
		target = r.cfg.ProposedQueue
	}
	_ = r.store.RPush(ctx, target, actionID)
	r.logger.Info("action requeued", "action_id", actionID, "origin", o, "requeue_count", count)
}

// bumpRequeueCount increments the per-action-per-stage counter. kv.Store
// has no atomic INCR, so this follows the same get-then-set pattern used
// by internal/ops/probe's failcount tracking; a lost update here only
// delays quarantine by one cycle; it never drops a requeue.
func (r *Reaper) bumpRequeueCount(ctx context.Context, actionID string, o origin) int {
	key := fmt.Sprintf("ops:requeue_count:%s:%s", o, actionID)
	count := 0
	if raw, err := r.store.Get(ctx, key); err == nil {
		if n, convErr := strconv.Atoi(raw); convErr == nil {
			count = n
		}
	}
	count++
	_ = r.store.Set(ctx, key, strconv.Itoa(count), requeueCountTTL)
	return count
}
