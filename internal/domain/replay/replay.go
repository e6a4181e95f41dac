// Package replay implements the agent's replay-protection primitive:
// a nonce derived from (agent_id, command, timestamp) must be accepted at
// most once within its TTL. Grounded on
// original_source/sentinel_core/replay_db.py (check_and_set over a SQLite
// table with an IntegrityError-as-"already seen" convention), reimplemented
// on top of the generic kv.Store atomic SetNX primitive.
package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/sentinelsca/sca/internal/domain/kv"
	"github.com/sentinelsca/sca/internal/domain/signer"
)

const keyPrefix = "sca:replay:"

// Store guards against replayed requests.
type Store struct {
	kv  kv.Store
	ttl time.Duration
}

// New constructs a replay Store backed by kv, with the TTL every admitted
// nonce is retained for.
func New(store kv.Store, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Store{kv: store, ttl: ttl}
}

// Nonce derives the replay key for an (agent_id, command, ts) triple,
// matching the Go port of original_source/sentinel_core/utils.py's
// variable_timestamp shape (agent|ts|command), hashed rather than truncated
// since replay protection does not need human-readable salted output.
func Nonce(agentID, command string, tsUnix int64) string {
	return signer.SHA256Hex(fmt.Sprintf("%s|%s|%d", agentID, command, tsUnix))
}

// CheckAndSet admits the nonce if it has not been seen within the TTL
// window, returning true if this call is the first to admit it (i.e. the
// request should proceed) and false if it is a replay.
func (s *Store) CheckAndSet(ctx context.Context, nonce string) (admitted bool, err error) {
	ok, err := s.kv.SetNX(ctx, keyPrefix+nonce, "1", s.ttl)
	if err != nil {
		return false, fmt.Errorf("replay: check and set: %w", err)
	}
	return ok, nil
}
