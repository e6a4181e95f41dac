package signer

import (
	"crypto/sha256"
	"encoding/hex"
)

// sha256Hex16 returns the first 16 hex characters of sha256(s), matching
// original_source/agent_identity.py's agent_id_from_pub truncation.
func sha256Hex16(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// SHA256Hex returns the full hex-encoded SHA-256 digest of s, grounded on
// original_source/sentinel_core/crypto.py sha256_hex.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// VT computes the gateway's variable-timestamp fingerprint: the first 16
// hex characters of SHA256(agent_id|timestamp|command|salt), matching
// original_source/sentinel_core/utils.py's variable_timestamp. Despite the
// name it is not a clock reading — it's a stable per-request correlation
// token callers can log and compare without leaking the request's content.
func VT(agentID, timestamp, command, salt string) string {
	return sha256Hex16(agentID + "|" + timestamp + "|" + command + "|" + salt)
}
