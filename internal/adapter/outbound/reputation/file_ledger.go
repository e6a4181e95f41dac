// Package reputation provides a durable file-backed implementation of the
// integer reputation ledger (internal/domain/reputation.Ledger), persisting
// to reputation.json with the same write-temp-then-rename sequence as
// internal/adapter/outbound/state.FileStateStore.Save.
package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/sentinelsca/sca/internal/domain/reputation"
)

const (
	decayPeriodSec = 3600.0 // 1 hour, matches SENTINEL_REP_DECAY_PERIOD_SEC default
	decayStep      = 1      // matches SENTINEL_REP_DECAY_STEP default
)

// db is the on-disk shape of reputation.json, matching
// original_source/sentinel_core/reputation.py load_reputation_db's
// {"_meta": {"version": 1}, "agents": {...}}.
type db struct {
	Meta   map[string]int                `json:"_meta"`
	Agents map[string]reputation.State `json:"agents"`
}

// FileLedgerStore is a file-backed, decay-on-read integer reputation ledger.
type FileLedgerStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
	now    func() time.Time // overridable for tests
}

// NewFileLedgerStore creates a FileLedgerStore persisting to path.
func NewFileLedgerStore(path string, logger *slog.Logger) *FileLedgerStore {
	return &FileLedgerStore{
		path:   path,
		logger: logger,
		now:    time.Now,
	}
}

func (s *FileLedgerStore) load() (*db, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &db{Meta: map[string]int{"version": 1}, Agents: map[string]reputation.State{}}, nil
		}
		return nil, fmt.Errorf("reputation: read ledger file: %w", err)
	}
	var d db
	if err := json.Unmarshal(data, &d); err != nil {
		s.logger.Warn("reputation ledger file corrupted, resetting", "path", s.path, "error", err)
		return &db{Meta: map[string]int{"version": 1}, Agents: map[string]reputation.State{}}, nil
	}
	if d.Agents == nil {
		d.Agents = map[string]reputation.State{}
	}
	return &d, nil
}

func (s *FileLedgerStore) save(d *db) error {
	lockPath := s.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("reputation: open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("reputation: acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("reputation: marshal ledger: %w", err)
	}
	data = append(data, '\n')

	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("reputation: create temp file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}
	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("reputation: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("reputation: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("reputation: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("reputation: rename temp to ledger: %w", err)
	}
	return nil
}

// applyDecay moves a reputation value toward zero by decayStep for every
// whole decayPeriodSec elapsed since UpdatedAt, matching
// sentinel_core/reputation.py _apply_decay/_decay_value.
func applyDecay(state *reputation.State, now time.Time) {
	if state.UpdatedAt <= 0 {
		return
	}
	elapsed := float64(now.Unix()) - state.UpdatedAt
	if elapsed <= 0 {
		return
	}
	steps := int(elapsed / decayPeriodSec)
	if steps <= 0 {
		return
	}

	rep := state.Reputation
	switch {
	case rep > 0:
		rep -= steps * decayStep
		if rep < 0 {
			rep = 0
		}
	case rep < 0:
		rep += steps * decayStep
		if rep > 0 {
			rep = 0
		}
	}

	if rep != state.Reputation {
		state.Reputation = rep
		state.UpdatedAt = float64(now.Unix())
	}
}

// GetState implements reputation.Ledger.
func (s *FileLedgerStore) GetState(_ context.Context, agentID string) (reputation.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.load()
	if err != nil {
		return reputation.State{}, err
	}

	state, ok := d.Agents[agentID]
	if !ok {
		state = reputation.State{
			AgentID:      agentID,
			LastDecision: "unknown",
			UpdatedAt:    float64(s.now().Unix()),
		}
		d.Agents[agentID] = state
		if err := s.save(d); err != nil {
			return reputation.State{}, err
		}
		return state, nil
	}

	applyDecay(&state, s.now())
	d.Agents[agentID] = state
	if err := s.save(d); err != nil {
		return reputation.State{}, err
	}
	return state, nil
}

// Update implements reputation.Ledger, matching
// sentinel_core/reputation.py update_reputation's allow/deny/review counters.
func (s *FileLedgerStore) Update(_ context.Context, agentID, decision string) (reputation.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.load()
	if err != nil {
		return reputation.State{}, err
	}

	state, ok := d.Agents[agentID]
	if !ok {
		state = reputation.State{AgentID: agentID, LastDecision: "unknown", UpdatedAt: float64(s.now().Unix())}
	}
	applyDecay(&state, s.now())

	switch decision {
	case "allow":
		state.Allowed++
		state.Reputation++
		state.LastDecision = "allow"
	case "deny":
		state.Blocked++
		state.Reputation -= 2
		state.LastDecision = "deny"
	default:
		state.Reviewed++
		state.Reputation--
		state.LastDecision = "review"
	}
	state.UpdatedAt = float64(s.now().Unix())

	d.Agents[agentID] = state
	if err := s.save(d); err != nil {
		return reputation.State{}, err
	}

	s.logger.Debug("reputation ledger updated", "agent_id", agentID, "decision", decision, "reputation", state.Reputation)
	return state, nil
}

// compile-time interface check
var _ reputation.Ledger = (*FileLedgerStore)(nil)
