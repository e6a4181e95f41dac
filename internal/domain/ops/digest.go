package ops

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/sentinelsca/sca/internal/domain/canon"
)

// DigestAction computes the immutable-intent digest locked in at proposal
// time, grounded on original_source/ops_digest.py digest_action: canonical
// JSON of exactly {type, target, params} (never reason, timestamps,
// manager, fingerprint or incident_id, which are allowed to vary across
// the record's lifetime without invalidating an already-approved action),
// SHA-256 hex digest prefixed "sha256:".
func DigestAction(action ActionIntent) (string, error) {
	params := action.Params
	if params == nil {
		params = map[string]any{}
	}
	canonical := struct {
		Type   string         `json:"type"`
		Target string         `json:"target"`
		Params map[string]any `json:"params"`
	}{Type: action.Type, Target: action.Target, Params: params}

	data, err := canon.Marshal(canonical)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// IncidentFingerprint computes the dedupe/rate-limit key for an incident,
// grounded on original_source/worker_manager.py incident_fingerprint:
// SHA-256 of "service|kind|severity|url|status|error" with error truncated
// to its first 120 characters.
func IncidentFingerprint(inc Incident) string {
	errTrunc := inc.Evidence.Error
	if len(errTrunc) > 120 {
		errTrunc = errTrunc[:120]
	}
	parts := []string{
		inc.Service,
		inc.Kind,
		inc.Severity,
		inc.Evidence.URL,
		inc.Evidence.Status,
		errTrunc,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
