// Package executor claims approved actions, re-verifies the allowlist and
// digest one final time, enforces at-most-once dispatch with an NX+TTL
// idempotency key, and executes the action via docker compose.
//
// Grounded on original_source/executor_worker.py and ops_digest.py; the
// exec.CommandContext dispatch follows the subprocess pattern in
// internal/adapter/outbound/mcp/stdio_client.go.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sentinelsca/sca/internal/domain/canon"
	"github.com/sentinelsca/sca/internal/domain/kv"
	"github.com/sentinelsca/sca/internal/domain/ops"
)

const (
	outputCap          = 4000
	commandTimeout     = 60 * time.Second
	freezePollInterval = time.Second
)

// Config configures an Executor.
type Config struct {
	ExecutorID         string
	PollInterval       time.Duration
	AllowedTypes       []string
	AllowedTargets     []string
	RequireDigestMatch bool
	IdempotencyTTL      time.Duration
	GlobalFreezeKey     string

	ComposeProjectDir string
	ComposeFile       string
	ComposeEnvFile    string

	ApprovedQueue string
	InflightQueue string
	ExecutedQueue string
	RejectedQueue string
}

func (c *Config) withDefaults() {
	if c.ExecutorID == "" {
		c.ExecutorID = "agent_executor"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 24 * time.Hour
	}
	if c.ComposeProjectDir == "" {
		c.ComposeProjectDir = "/app"
	}
	if c.ComposeFile == "" {
		c.ComposeFile = "/app/docker-compose.yml"
	}
	if c.ComposeEnvFile == "" {
		c.ComposeEnvFile = "/app/.env"
	}
	if c.ApprovedQueue == "" {
		c.ApprovedQueue = ops.QueueApproved
	}
	if c.InflightQueue == "" {
		c.InflightQueue = ops.QueueApprovedInflight
	}
	if c.ExecutedQueue == "" {
		c.ExecutedQueue = ops.QueueExecuted
	}
	if c.RejectedQueue == "" {
		c.RejectedQueue = ops.QueueRejected
	}
}

// Executor claims approved actions and dispatches them.
type Executor struct {
	cfg    Config
	store  kv.Store
	logger *slog.Logger
}

// New creates an Executor. cfg is defaulted in place.
func New(cfg Config, store kv.Store, logger *slog.Logger) *Executor {
	cfg.withDefaults()
	return &Executor{cfg: cfg, store: store, logger: logger}
}

type approvedMessage struct {
	ActionID    string          `json:"action_id"`
	ApprovedMsg ops.ActionRecord `json:"approved_msg"`
	TS          int64           `json:"ts"`
}

// Run blocks, claiming and dispatching approved actions until ctx is done.
func (e *Executor) Run(ctx context.Context) {
	lastFrozen := -1 // -1: unknown, 0: not frozen, 1: frozen
	for {
		if ctx.Err() != nil {
			return
		}

		frozen := e.freezeActive(ctx)
		frozenInt := 0
		if frozen {
			frozenInt = 1
		}
		if frozenInt != lastFrozen {
			if frozen {
				e.logger.Warn("execution suppressed: global freeze active")
			} else if lastFrozen != -1 {
				e.logger.Info("execution resumed: global freeze cleared")
			}
			lastFrozen = frozenInt
		}
		if frozen {
			select {
			case <-time.After(freezePollInterval):
			case <-ctx.Done():
				return
			}
			continue
		}

		raw, err := e.store.BRPopLPush(ctx, e.cfg.ApprovedQueue, e.cfg.InflightQueue, e.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if raw == "" {
			continue
		}
		e.handle(ctx, raw)
		_ = e.store.LRem(ctx, e.cfg.InflightQueue, raw)
	}
}

func (e *Executor) handle(ctx context.Context, raw string) {
	var msg approvedMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		e.reject(ctx, "unknown", ops.ActionRecord{}, fmt.Sprintf("exception:invalid_json:%v", err), nil)
		return
	}

	actionID := msg.ActionID
	record := msg.ApprovedMsg
	actionType := strings.TrimSpace(record.Action.Type)
	target := strings.TrimSpace(record.Action.Target)

	if ok, why := e.allowed(actionType, target); !ok {
		e.reject(ctx, actionID, record, why, nil)
		return
	}

	computed, err := ops.DigestAction(record.Action)
	if err != nil {
		e.reject(ctx, actionID, record, fmt.Sprintf("digest_error:%v", err), nil)
		return
	}

	if e.cfg.RequireDigestMatch {
		approvedDigest := ""
		if record.Approval != nil {
			approvedDigest = strings.TrimSpace(record.Approval.ApprovedDigest)
		}
		if approvedDigest == "" {
			e.reject(ctx, actionID, record, "missing_approved_digest", nil)
			return
		}
		if approvedDigest != computed {
			e.reject(ctx, actionID, record, fmt.Sprintf("digest_mismatch approved=%s computed=%s", approvedDigest, computed), nil)
			return
		}
	}

	first, err := e.markDoneOnce(ctx, actionID)
	if err != nil {
		e.logger.Error("idempotency check failed", "action_id", actionID, "error", err)
		return
	}
	if !first {
		e.logger.Debug("action already executed, dropping", "action_id", actionID)
		return
	}

	switch actionType {
	case "restart_service":
		execution := e.runComposeRestart(ctx, target)
		e.recordExecuted(ctx, actionID, record, execution)
	default:
		e.reject(ctx, actionID, record, "unsupported_action_type:"+actionType, nil)
	}
}

func (e *Executor) allowed(actionType, target string) (bool, string) {
	if len(e.cfg.AllowedTypes) > 0 && !contains(e.cfg.AllowedTypes, actionType) {
		return false, "type_not_allowed:" + actionType
	}
	if len(e.cfg.AllowedTargets) > 0 && !contains(e.cfg.AllowedTargets, target) {
		return false, "target_not_allowed:" + target
	}
	return true, "ok"
}

func (e *Executor) freezeActive(ctx context.Context) bool {
	if e.cfg.GlobalFreezeKey == "" {
		return false
	}
	_, err := e.store.Get(ctx, e.cfg.GlobalFreezeKey)
	return err == nil
}

func (e *Executor) idempotencyKey(actionID string) string {
	return "ops:exec:done:" + actionID
}

func (e *Executor) markDoneOnce(ctx context.Context, actionID string) (bool, error) {
	return e.store.SetNX(ctx, e.idempotencyKey(actionID), "1", e.cfg.IdempotencyTTL)
}

func (e *Executor) composeCmd() string {
	return fmt.Sprintf("docker compose -f %s --env-file %s restart", e.cfg.ComposeFile, e.cfg.ComposeEnvFile)
}

func (e *Executor) runComposeRestart(ctx context.Context, service string) ops.Execution {
	claimedTS := time.Now().Unix()
	execCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	args := []string{"compose", "-f", e.cfg.ComposeFile, "--env-file", e.cfg.ComposeEnvFile, "restart", service}
	cmd := exec.CommandContext(execCtx, "docker", args...)
	cmd.Dir = e.cfg.ComposeProjectDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	hint := "env file missing"
	if _, statErr := os.Stat(e.cfg.ComposeEnvFile); statErr == nil {
		hint = "env file present"
	}

	err := cmd.Run()
	returnCode := 0
	if execCtx.Err() == context.DeadlineExceeded {
		returnCode = 124
		stderr.WriteString("timeout executing docker compose")
		hint = "timeout"
	} else if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			returnCode = exitErr.ExitCode()
		} else {
			returnCode = 125
			stderr.WriteString(fmt.Sprintf("exception:%v", err))
			hint = "exception"
		}
	}

	return ops.Execution{
		ClaimedBy:   e.cfg.ExecutorID,
		ClaimedTS:   claimedTS,
		ExecutedTS:  time.Now().Unix(),
		OK:          returnCode == 0,
		ReturnCode:  returnCode,
		Stdout:      truncate(stdout.String(), outputCap),
		Stderr:      truncate(stderr.String(), outputCap),
		Cmd:         fmt.Sprintf("%s %s", e.composeCmd(), service),
		ComposeMode: "v2",
		Hint:        hint,
	}
}

func (e *Executor) reject(ctx context.Context, actionID string, record ops.ActionRecord, reason string, extra map[string]any) {
	record.ActionID = actionID
	record.Status = ops.StatusRejected
	record.Execution = &ops.Execution{
		ClaimedBy:   e.cfg.ExecutorID,
		ClaimedTS:   time.Now().Unix(),
		ExecutedTS:  time.Now().Unix(),
		OK:          false,
		Reason:      truncate(reason, 300),
		ReturnCode:  1,
		ComposeMode: "v2",
	}
	if extra != nil {
		if stderr, ok := extra["stderr"].(string); ok {
			record.Execution.Stderr = stderr
		}
		if cmd, ok := extra["cmd"].(string); ok {
			record.Execution.Cmd = cmd
		}
		if hint, ok := extra["hint"].(string); ok {
			record.Execution.Hint = hint
		}
	}

	if data, err := canon.MarshalString(record); err == nil {
		_ = e.store.Set(ctx, ops.ActionKey(actionID), data, 0)
	}

	notice := map[string]any{
		"action_id": actionID,
		"error":     "execution_rejected",
		"reason":    truncate(reason, 800),
		"extra":     extra,
		"ts":        time.Now().Unix(),
	}
	if data, err := canon.MarshalString(notice); err == nil {
		_ = e.store.RPush(ctx, e.cfg.RejectedQueue, data)
	}
	e.logger.Info("action execution rejected", "action_id", actionID, "reason", reason)
}

func (e *Executor) recordExecuted(ctx context.Context, actionID string, record ops.ActionRecord, execution ops.Execution) {
	record.ActionID = actionID
	if execution.OK {
		record.Status = ops.StatusExecuted
	} else {
		record.Status = ops.StatusFailed
	}
	record.Execution = &execution

	data, err := canon.MarshalString(record)
	if err != nil {
		e.logger.Error("failed to marshal executed record", "action_id", actionID, "error", err)
		return
	}
	if err := e.store.Set(ctx, ops.ActionKey(actionID), data, 0); err != nil {
		e.logger.Error("failed to persist executed record", "action_id", actionID, "error", err)
		return
	}

	if execution.OK {
		notice := map[string]any{
			"action_id":    actionID,
			"approved_msg": record,
			"execution":    execution,
			"ts":           time.Now().Unix(),
		}
		if d, err := canon.MarshalString(notice); err == nil {
			_ = e.store.RPush(ctx, e.cfg.ExecutedQueue, d)
		}
		e.logger.Info("action executed", "action_id", actionID, "cmd", execution.Cmd, "returncode", execution.ReturnCode)
	} else {
		notice := map[string]any{
			"action_id": actionID,
			"error":     "execution_failed",
			"extra":     execution,
			"ts":        time.Now().Unix(),
		}
		if d, err := canon.MarshalString(notice); err == nil {
			_ = e.store.RPush(ctx, e.cfg.RejectedQueue, d)
		}
		e.logger.Warn("action execution failed", "action_id", actionID, "returncode", execution.ReturnCode)
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
