// Package signer provides the two signature schemes used throughout the
// agent: HMAC-SHA256 over canonical JSON for gateway request/response bodies
// and queue envelopes, and Ed25519 for agent identity registration. Grounded
// on original_source/sentinel_core/crypto.go (sha256_hex/hmac_sha256_hex) and
// original_source/sentinel_core/signing.py (canonical_json/sign_payload).
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/sentinelsca/sca/internal/domain/canon"
)

// Scheme identifies a signature algorithm in a signed envelope.
const SchemeHMACSHA256 = "hmac-sha256"

// ErrBadSignature is returned when a presented signature does not match.
var ErrBadSignature = errors.New("signer: signature mismatch")

// HMACSigner signs and verifies canonical-JSON payloads with a shared secret.
type HMACSigner struct {
	keyID  string
	secret []byte
}

// NewHMACSigner constructs an HMACSigner bound to a key ID (for auditability,
// not security) and secret bytes. An empty secret is rejected: callers must
// not be able to silently run with an unsigned channel.
func NewHMACSigner(keyID string, secret []byte) (*HMACSigner, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("signer: empty HMAC secret")
	}
	if keyID == "" {
		keyID = "local-dev-key-1"
	}
	return &HMACSigner{keyID: keyID, secret: secret}, nil
}

// KeyID returns the key identifier this signer was constructed with.
func (s *HMACSigner) KeyID() string {
	return s.keyID
}

// Sign canonicalizes v and returns the hex-encoded HMAC-SHA256 digest.
func (s *HMACSigner) Sign(v any) (string, error) {
	body, err := canon.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("signer: canonicalize: %w", err)
	}
	return s.SignBytes(body), nil
}

// SignBytes returns the hex-encoded HMAC-SHA256 digest of already-canonical
// bytes. Exposed so callers holding a pre-serialized wire body (e.g. an
// inbound request) can verify without re-marshaling through Go structs.
func (s *HMACSigner) SignBytes(body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature over v and compares it in constant time
// against sig.
func (s *HMACSigner) Verify(v any, sig string) error {
	want, err := s.Sign(v)
	if err != nil {
		return err
	}
	return compareHex(want, sig)
}

// VerifyBytes is the byte-body analogue of Verify.
func (s *HMACSigner) VerifyBytes(body []byte, sig string) error {
	return compareHex(s.SignBytes(body), sig)
}

func compareHex(want, got string) error {
	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return ErrBadSignature
	}
	return nil
}
