package signer

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
)

// AgentIDFromPublicKey derives the stable agent identifier from a base64
// standard-encoded Ed25519 public key: "agent_" + sha256(pub_b64) truncated
// to 16 hex characters. Grounded on
// original_source/agent_identity.py agent_id_from_pub.
func AgentIDFromPublicKey(pubB64 string) (string, error) {
	if _, err := DecodePublicKey(pubB64); err != nil {
		return "", err
	}
	return agentIDFromNormalizedPub(pubB64), nil
}

// DecodePublicKey validates and decodes a base64 standard-encoded Ed25519
// public key, rejecting keys shorter than ed25519.PublicKeySize (32 bytes),
// matching original_source/agent_identity.py _normalize_pub's minimum-length
// check.
func DecodePublicKey(pubB64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil {
		return nil, fmt.Errorf("signer: invalid base64 public key: %w", err)
	}
	if len(raw) < ed25519.PublicKeySize {
		return nil, fmt.Errorf("signer: public key too short (%d bytes)", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// VerifyAgentSignature checks an Ed25519 signature over a canonicalized
// payload, used to authenticate agent identity operations (register/revoke)
// independent of the gateway's HMAC channel.
func VerifyAgentSignature(pubB64 string, message, sig []byte) error {
	pub, err := DecodePublicKey(pubB64)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, message, sig) {
		return ErrBadSignature
	}
	return nil
}

// GenerateAgentKeypair creates a fresh Ed25519 keypair for test fixtures and
// the admin CLI's local bootstrap helper. Production agents are expected to
// generate and retain their own private key; the agent only ever presents a
// public key and signatures to this service, grounded on
// original_source/agent_identity.py generate_keypair (which explicitly notes
// the Python reference used a non-Ed25519 placeholder for local testing —
// this implementation uses the real algorithm throughout).
func GenerateAgentKeypair() (pubB64, privB64 string, err error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return "", "", fmt.Errorf("signer: generate keypair: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pub), base64.StdEncoding.EncodeToString(priv), nil
}

// SignWithPrivateKey signs message with a base64 standard-encoded Ed25519
// private key, used by tests and the admin CLI to produce fixtures.
func SignWithPrivateKey(privB64 string, message []byte) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(privB64)
	if err != nil {
		return "", fmt.Errorf("signer: invalid base64 private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("signer: private key wrong size (%d bytes)", len(raw))
	}
	sig := ed25519.Sign(ed25519.PrivateKey(raw), message)
	return base64.StdEncoding.EncodeToString(sig), nil
}

func agentIDFromNormalizedPub(pubB64 string) string {
	return "agent_" + sha256Hex16(pubB64)
}
