package service

import (
	"context"
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alexedwards/argon2id"

	"github.com/sentinelsca/sca/internal/adapter/outbound/state"
	"github.com/sentinelsca/sca/internal/domain/signer"
)

// testIdentityEnv sets up a fresh IdentityService with a temporary state file.
func testIdentityEnv(t *testing.T) (*IdentityService, *state.FileStateStore, string) {
	t.Helper()
	tmpDir := t.TempDir()
	statePath := filepath.Join(tmpDir, "state.json")

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	stateStore := state.NewFileStateStore(statePath, logger)

	defaultState := stateStore.DefaultState()
	if err := stateStore.Save(defaultState); err != nil {
		t.Fatalf("save default state: %v", err)
	}

	svc := NewIdentityService(stateStore, logger)
	return svc, stateStore, statePath
}

// newTestPubKey returns a fresh base64-encoded Ed25519 public key for use
// as a unique RegisterAgentInput.PublicKey in tests.
func newTestPubKey(t *testing.T) string {
	t.Helper()
	pub, _, err := signer.GenerateAgentKeypair()
	if err != nil {
		t.Fatalf("GenerateAgentKeypair() error: %v", err)
	}
	return pub
}

// --- Agent registration tests ---

func TestIdentityService_RegisterAgent(t *testing.T) {
	svc, _, _ := testIdentityEnv(t)
	ctx := context.Background()

	agent, err := svc.RegisterAgent(ctx, RegisterAgentInput{
		Name:      "test-agent",
		PublicKey: newTestPubKey(t),
		Roles:     []string{"operator", "service"},
	})
	if err != nil {
		t.Fatalf("RegisterAgent() unexpected error: %v", err)
	}

	if agent.ID == "" {
		t.Error("RegisterAgent() did not derive an agent ID")
	}
	if !strings.HasPrefix(agent.ID, "agent_") {
		t.Errorf("RegisterAgent() ID = %q, want agent_ prefix", agent.ID)
	}
	if agent.Name != "test-agent" {
		t.Errorf("RegisterAgent() Name = %q, want %q", agent.Name, "test-agent")
	}
	if len(agent.Roles) != 2 {
		t.Errorf("RegisterAgent() Roles count = %d, want 2", len(agent.Roles))
	}
	if agent.CreatedAt.IsZero() {
		t.Error("RegisterAgent() did not set CreatedAt")
	}
}

func TestIdentityService_RegisterAgent_EmptyName(t *testing.T) {
	svc, _, _ := testIdentityEnv(t)
	ctx := context.Background()

	_, err := svc.RegisterAgent(ctx, RegisterAgentInput{
		Name:      "",
		PublicKey: newTestPubKey(t),
	})
	if err == nil {
		t.Fatal("RegisterAgent() empty name should return error")
	}
}

func TestIdentityService_RegisterAgent_InvalidPublicKey(t *testing.T) {
	svc, _, _ := testIdentityEnv(t)
	ctx := context.Background()

	_, err := svc.RegisterAgent(ctx, RegisterAgentInput{
		Name:      "bad-key-agent",
		PublicKey: "not-valid-base64!!!",
	})
	if err == nil {
		t.Fatal("RegisterAgent() invalid public key should return error")
	}
}

func TestIdentityService_RegisterAgent_DuplicateName(t *testing.T) {
	svc, _, _ := testIdentityEnv(t)
	ctx := context.Background()

	_, err := svc.RegisterAgent(ctx, RegisterAgentInput{
		Name:      "dup-agent",
		PublicKey: newTestPubKey(t),
	})
	if err != nil {
		t.Fatalf("RegisterAgent() first: %v", err)
	}

	_, err = svc.RegisterAgent(ctx, RegisterAgentInput{
		Name:      "dup-agent",
		PublicKey: newTestPubKey(t),
	})
	if err != ErrDuplicateName {
		t.Errorf("RegisterAgent() error = %v, want %v", err, ErrDuplicateName)
	}
}

func TestIdentityService_RegisterAgent_SamePublicKeyIdempotent(t *testing.T) {
	svc, _, _ := testIdentityEnv(t)
	ctx := context.Background()

	pub := newTestPubKey(t)
	first, err := svc.RegisterAgent(ctx, RegisterAgentInput{Name: "same-key-agent", PublicKey: pub})
	if err != nil {
		t.Fatalf("RegisterAgent() first: %v", err)
	}

	second, err := svc.RegisterAgent(ctx, RegisterAgentInput{Name: "same-key-agent", PublicKey: pub})
	if err != nil {
		t.Fatalf("RegisterAgent() second: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("RegisterAgent() re-registration ID mismatch: %q vs %q", first.ID, second.ID)
	}
}

func TestIdentityService_RegisterAgent_NilRoles(t *testing.T) {
	svc, _, _ := testIdentityEnv(t)
	ctx := context.Background()

	agent, err := svc.RegisterAgent(ctx, RegisterAgentInput{
		Name:      "no-roles",
		PublicKey: newTestPubKey(t),
	})
	if err != nil {
		t.Fatalf("RegisterAgent() unexpected error: %v", err)
	}
	if agent.Roles == nil {
		t.Fatal("RegisterAgent() should initialize nil roles to empty slice")
	}
	if len(agent.Roles) != 0 {
		t.Errorf("RegisterAgent() Roles count = %d, want 0", len(agent.Roles))
	}
}

func TestIdentityService_ListAgents_Empty(t *testing.T) {
	svc, _, _ := testIdentityEnv(t)
	ctx := context.Background()

	agents, err := svc.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents() unexpected error: %v", err)
	}
	if len(agents) != 0 {
		t.Errorf("ListAgents() count = %d, want 0", len(agents))
	}
}

func TestIdentityService_ListAgents_Multiple(t *testing.T) {
	svc, _, _ := testIdentityEnv(t)
	ctx := context.Background()

	_, _ = svc.RegisterAgent(ctx, RegisterAgentInput{Name: "agent-1", PublicKey: newTestPubKey(t)})
	_, _ = svc.RegisterAgent(ctx, RegisterAgentInput{Name: "agent-2", PublicKey: newTestPubKey(t)})

	agents, err := svc.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents() unexpected error: %v", err)
	}
	if len(agents) != 2 {
		t.Errorf("ListAgents() count = %d, want 2", len(agents))
	}
}

func TestIdentityService_GetAgent(t *testing.T) {
	svc, _, _ := testIdentityEnv(t)
	ctx := context.Background()

	created, _ := svc.RegisterAgent(ctx, RegisterAgentInput{
		Name:      "test-agent",
		PublicKey: newTestPubKey(t),
		Roles:     []string{"operator"},
	})

	got, err := svc.GetAgent(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetAgent() unexpected error: %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("GetAgent() ID = %q, want %q", got.ID, created.ID)
	}
	if got.Name != "test-agent" {
		t.Errorf("GetAgent() Name = %q, want %q", got.Name, "test-agent")
	}
}

func TestIdentityService_GetAgent_NotFound(t *testing.T) {
	svc, _, _ := testIdentityEnv(t)
	ctx := context.Background()

	_, err := svc.GetAgent(ctx, "nonexistent")
	if err != ErrIdentityNotFound {
		t.Errorf("GetAgent() error = %v, want %v", err, ErrIdentityNotFound)
	}
}

func TestIdentityService_UpdateAgent(t *testing.T) {
	svc, _, _ := testIdentityEnv(t)
	ctx := context.Background()

	created, _ := svc.RegisterAgent(ctx, RegisterAgentInput{
		Name:      "test-agent",
		PublicKey: newTestPubKey(t),
		Roles:     []string{"service"},
	})

	updated, err := svc.UpdateAgent(ctx, created.ID, UpdateAgentInput{
		Roles: []string{"operator", "service"},
	})
	if err != nil {
		t.Fatalf("UpdateAgent() unexpected error: %v", err)
	}
	if len(updated.Roles) != 2 {
		t.Errorf("UpdateAgent() Roles count = %d, want 2", len(updated.Roles))
	}
}

func TestIdentityService_UpdateAgent_NotFound(t *testing.T) {
	svc, _, _ := testIdentityEnv(t)
	ctx := context.Background()

	_, err := svc.UpdateAgent(ctx, "nonexistent", UpdateAgentInput{Roles: []string{"x"}})
	if err != ErrIdentityNotFound {
		t.Errorf("UpdateAgent() error = %v, want %v", err, ErrIdentityNotFound)
	}
}

func TestIdentityService_UpdateAgent_ReadOnly(t *testing.T) {
	svc, stateStore, _ := testIdentityEnv(t)
	ctx := context.Background()

	appState, _ := stateStore.Load()
	appState.Agents = append(appState.Agents, state.AgentEntry{
		ID:       "ro-agent",
		Name:     "read-only-agent",
		ReadOnly: true,
	})
	_ = stateStore.Save(appState)
	_ = svc.Init()

	_, err := svc.UpdateAgent(ctx, "ro-agent", UpdateAgentInput{Roles: []string{"x"}})
	if err != ErrReadOnly {
		t.Errorf("UpdateAgent() error = %v, want %v", err, ErrReadOnly)
	}
}

func TestIdentityService_RevokeAgent(t *testing.T) {
	svc, stateStore, _ := testIdentityEnv(t)
	ctx := context.Background()

	created, _ := svc.RegisterAgent(ctx, RegisterAgentInput{Name: "to-revoke", PublicKey: newTestPubKey(t)})

	if _, err := svc.RevokeAgent(ctx, created.ID); err != nil {
		t.Fatalf("RevokeAgent() unexpected error: %v", err)
	}

	got, err := svc.GetAgent(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetAgent() after revoke: %v", err)
	}
	if !got.Revoked {
		t.Error("RevokeAgent() should mark the agent Revoked")
	}

	appState, _ := stateStore.Load()
	if len(appState.Agents) != 1 || !appState.Agents[0].Revoked {
		t.Error("RevokeAgent() did not persist Revoked=true")
	}
}

func TestIdentityService_RevokeAgent_NotFound(t *testing.T) {
	svc, _, _ := testIdentityEnv(t)
	ctx := context.Background()

	_, err := svc.RevokeAgent(ctx, "nonexistent")
	if err != ErrIdentityNotFound {
		t.Errorf("RevokeAgent() error = %v, want %v", err, ErrIdentityNotFound)
	}
}

func TestIdentityService_RevokeAgent_CascadeKeys(t *testing.T) {
	svc, stateStore, _ := testIdentityEnv(t)
	ctx := context.Background()

	agent, _ := svc.RegisterAgent(ctx, RegisterAgentInput{Name: "with-keys", PublicKey: newTestPubKey(t)})

	_, _ = svc.GenerateKey(ctx, GenerateKeyInput{AgentID: agent.ID, Name: "key-1"})
	_, _ = svc.GenerateKey(ctx, GenerateKeyInput{AgentID: agent.ID, Name: "key-2"})

	revokedHashes, err := svc.RevokeAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("RevokeAgent() unexpected error: %v", err)
	}
	if len(revokedHashes) != 2 {
		t.Errorf("RevokeAgent() returned %d key hashes, want 2", len(revokedHashes))
	}

	appState, _ := stateStore.Load()
	for _, key := range appState.APIKeys {
		if !key.Revoked {
			t.Errorf("expected all keys for revoked agent to be revoked, key %q is not", key.ID)
		}
	}
}

// --- Key generation/revocation tests ---

func TestIdentityService_GenerateKey(t *testing.T) {
	svc, _, _ := testIdentityEnv(t)
	ctx := context.Background()

	agent, _ := svc.RegisterAgent(ctx, RegisterAgentInput{Name: "keyed-agent", PublicKey: newTestPubKey(t)})

	result, err := svc.GenerateKey(ctx, GenerateKeyInput{
		AgentID: agent.ID,
		Name:    "my-key",
	})
	if err != nil {
		t.Fatalf("GenerateKey() unexpected error: %v", err)
	}

	if !strings.HasPrefix(result.CleartextKey, "sca_") {
		t.Errorf("GenerateKey() cleartext key should start with sca_, got %q", result.CleartextKey[:10])
	}
	if result.CleartextKey == result.KeyEntry.KeyHash {
		t.Error("GenerateKey() cleartext key should not equal the hash")
	}
	if !strings.HasPrefix(result.KeyEntry.KeyHash, "$argon2id$") {
		t.Errorf("GenerateKey() hash should be Argon2id, got prefix %q", result.KeyEntry.KeyHash[:20])
	}

	match, err := argon2id.ComparePasswordAndHash(result.CleartextKey, result.KeyEntry.KeyHash)
	if err != nil {
		t.Fatalf("ComparePasswordAndHash() error: %v", err)
	}
	if !match {
		t.Error("GenerateKey() cleartext key does not match its hash")
	}

	if result.KeyEntry.ID == "" {
		t.Error("GenerateKey() did not generate a key ID")
	}
	if result.KeyEntry.AgentID != agent.ID {
		t.Errorf("GenerateKey() AgentID = %q, want %q", result.KeyEntry.AgentID, agent.ID)
	}
	if result.KeyEntry.Name != "my-key" {
		t.Errorf("GenerateKey() Name = %q, want %q", result.KeyEntry.Name, "my-key")
	}
	if result.KeyEntry.Revoked {
		t.Error("GenerateKey() new key should not be revoked")
	}
}

func TestIdentityService_GenerateKey_AgentNotFound(t *testing.T) {
	svc, _, _ := testIdentityEnv(t)
	ctx := context.Background()

	_, err := svc.GenerateKey(ctx, GenerateKeyInput{
		AgentID: "nonexistent",
		Name:    "my-key",
	})
	if err != ErrIdentityNotFound {
		t.Errorf("GenerateKey() error = %v, want %v", err, ErrIdentityNotFound)
	}
}

func TestIdentityService_GenerateKey_EmptyName(t *testing.T) {
	svc, _, _ := testIdentityEnv(t)
	ctx := context.Background()

	agent, _ := svc.RegisterAgent(ctx, RegisterAgentInput{Name: "agent", PublicKey: newTestPubKey(t)})

	_, err := svc.GenerateKey(ctx, GenerateKeyInput{
		AgentID: agent.ID,
		Name:    "",
	})
	if err == nil {
		t.Fatal("GenerateKey() empty name should return error")
	}
}

func TestIdentityService_GenerateKey_EmptyAgentID(t *testing.T) {
	svc, _, _ := testIdentityEnv(t)
	ctx := context.Background()

	_, err := svc.GenerateKey(ctx, GenerateKeyInput{
		AgentID: "",
		Name:    "my-key",
	})
	if err == nil {
		t.Fatal("GenerateKey() empty agent_id should return error")
	}
}

func TestIdentityService_RevokeKey(t *testing.T) {
	svc, stateStore, _ := testIdentityEnv(t)
	ctx := context.Background()

	agent, _ := svc.RegisterAgent(ctx, RegisterAgentInput{Name: "agent", PublicKey: newTestPubKey(t)})
	result, _ := svc.GenerateKey(ctx, GenerateKeyInput{
		AgentID: agent.ID,
		Name:    "to-revoke",
	})

	if _, err := svc.RevokeKey(ctx, result.KeyEntry.ID); err != nil {
		t.Fatalf("RevokeKey() unexpected error: %v", err)
	}

	appState, _ := stateStore.Load()
	for _, key := range appState.APIKeys {
		if key.ID == result.KeyEntry.ID {
			if !key.Revoked {
				t.Error("RevokeKey() key should be revoked in state")
			}
			return
		}
	}
	t.Error("RevokeKey() key not found in state after revocation")
}

func TestIdentityService_RevokeKey_NotFound(t *testing.T) {
	svc, _, _ := testIdentityEnv(t)
	ctx := context.Background()

	_, err := svc.RevokeKey(ctx, "nonexistent")
	if err != ErrAPIKeyNotFound {
		t.Errorf("RevokeKey() error = %v, want %v", err, ErrAPIKeyNotFound)
	}
}

func TestIdentityService_RevokeKey_ReadOnly(t *testing.T) {
	svc, stateStore, _ := testIdentityEnv(t)
	ctx := context.Background()

	appState, _ := stateStore.Load()
	appState.APIKeys = append(appState.APIKeys, state.APIKeyEntry{
		ID:       "ro-key",
		KeyHash:  "fake-hash",
		ReadOnly: true,
	})
	_ = stateStore.Save(appState)
	_ = svc.Init()

	_, err := svc.RevokeKey(ctx, "ro-key")
	if err != ErrReadOnly {
		t.Errorf("RevokeKey() error = %v, want %v", err, ErrReadOnly)
	}
}

func TestIdentityService_ListKeys(t *testing.T) {
	svc, _, _ := testIdentityEnv(t)
	ctx := context.Background()

	agent, _ := svc.RegisterAgent(ctx, RegisterAgentInput{Name: "agent", PublicKey: newTestPubKey(t)})

	keys, err := svc.ListKeys(ctx, agent.ID)
	if err != nil {
		t.Fatalf("ListKeys() unexpected error: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("ListKeys() empty count = %d, want 0", len(keys))
	}

	_, _ = svc.GenerateKey(ctx, GenerateKeyInput{AgentID: agent.ID, Name: "key-1"})
	_, _ = svc.GenerateKey(ctx, GenerateKeyInput{AgentID: agent.ID, Name: "key-2"})

	keys, err = svc.ListKeys(ctx, agent.ID)
	if err != nil {
		t.Fatalf("ListKeys() unexpected error: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("ListKeys() count = %d, want 2", len(keys))
	}
}

func TestIdentityService_VerifyKey(t *testing.T) {
	svc, _, _ := testIdentityEnv(t)
	ctx := context.Background()

	agent, _ := svc.RegisterAgent(ctx, RegisterAgentInput{Name: "agent", PublicKey: newTestPubKey(t)})
	result, _ := svc.GenerateKey(ctx, GenerateKeyInput{
		AgentID: agent.ID,
		Name:    "my-key",
	})

	entry, err := svc.VerifyKey(ctx, result.CleartextKey)
	if err != nil {
		t.Fatalf("VerifyKey() unexpected error: %v", err)
	}
	if entry.ID != result.KeyEntry.ID {
		t.Errorf("VerifyKey() ID = %q, want %q", entry.ID, result.KeyEntry.ID)
	}
	if entry.AgentID != agent.ID {
		t.Errorf("VerifyKey() AgentID = %q, want %q", entry.AgentID, agent.ID)
	}
}

func TestIdentityService_VerifyKey_Wrong(t *testing.T) {
	svc, _, _ := testIdentityEnv(t)
	ctx := context.Background()

	agent, _ := svc.RegisterAgent(ctx, RegisterAgentInput{Name: "agent", PublicKey: newTestPubKey(t)})
	_, _ = svc.GenerateKey(ctx, GenerateKeyInput{
		AgentID: agent.ID,
		Name:    "my-key",
	})

	_, err := svc.VerifyKey(ctx, "sca_wrong_key_value_here")
	if err != ErrAPIKeyNotFound {
		t.Errorf("VerifyKey() error = %v, want %v", err, ErrAPIKeyNotFound)
	}
}

func TestIdentityService_VerifyKey_Revoked(t *testing.T) {
	svc, _, _ := testIdentityEnv(t)
	ctx := context.Background()

	agent, _ := svc.RegisterAgent(ctx, RegisterAgentInput{Name: "agent", PublicKey: newTestPubKey(t)})
	result, _ := svc.GenerateKey(ctx, GenerateKeyInput{
		AgentID: agent.ID,
		Name:    "my-key",
	})

	_, _ = svc.RevokeKey(ctx, result.KeyEntry.ID)

	_, err := svc.VerifyKey(ctx, result.CleartextKey)
	if err != ErrAPIKeyNotFound {
		t.Errorf("VerifyKey() error = %v, want %v", err, ErrAPIKeyNotFound)
	}
}

// --- Signature verification tests ---

func TestIdentityService_VerifyAgentSignature(t *testing.T) {
	svc, _, _ := testIdentityEnv(t)
	ctx := context.Background()

	pub, priv, err := signer.GenerateAgentKeypair()
	if err != nil {
		t.Fatalf("GenerateAgentKeypair() error: %v", err)
	}
	agent, _ := svc.RegisterAgent(ctx, RegisterAgentInput{Name: "signer-agent", PublicKey: pub})

	message := []byte("restart_service:web|1700000000")
	sigB64, err := signer.SignWithPrivateKey(priv, message)
	if err != nil {
		t.Fatalf("SignWithPrivateKey() error: %v", err)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}

	if err := svc.VerifyAgentSignature(ctx, agent.ID, message, sig); err != nil {
		t.Errorf("VerifyAgentSignature() unexpected error: %v", err)
	}
}

func TestIdentityService_VerifyAgentSignature_UnknownAgent(t *testing.T) {
	svc, _, _ := testIdentityEnv(t)
	ctx := context.Background()

	err := svc.VerifyAgentSignature(ctx, "agent_does_not_exist", []byte("x"), []byte("sig"))
	if err != ErrIdentityNotFound {
		t.Errorf("VerifyAgentSignature() error = %v, want %v", err, ErrIdentityNotFound)
	}
}

func TestIdentityService_VerifyAgentSignature_RevokedAgent(t *testing.T) {
	svc, _, _ := testIdentityEnv(t)
	ctx := context.Background()

	pub, priv, _ := signer.GenerateAgentKeypair()
	agent, _ := svc.RegisterAgent(ctx, RegisterAgentInput{Name: "to-revoke", PublicKey: pub})
	_, _ = svc.RevokeAgent(ctx, agent.ID)

	message := []byte("cmd")
	sigB64, _ := signer.SignWithPrivateKey(priv, message)
	sig, _ := base64.StdEncoding.DecodeString(sigB64)

	err := svc.VerifyAgentSignature(ctx, agent.ID, message, sig)
	if err != ErrIdentityNotFound {
		t.Errorf("VerifyAgentSignature() for revoked agent error = %v, want %v", err, ErrIdentityNotFound)
	}
}

// --- Persistence tests ---

func TestIdentityService_Persistence(t *testing.T) {
	svc, stateStore, _ := testIdentityEnv(t)
	ctx := context.Background()

	created, _ := svc.RegisterAgent(ctx, RegisterAgentInput{
		Name:      "persisted-agent",
		PublicKey: newTestPubKey(t),
		Roles:     []string{"operator"},
	})

	appState, _ := stateStore.Load()
	if len(appState.Agents) != 1 {
		t.Fatalf("Persisted agents count = %d, want 1", len(appState.Agents))
	}
	if appState.Agents[0].ID != created.ID {
		t.Errorf("Persisted ID = %q, want %q", appState.Agents[0].ID, created.ID)
	}
	if appState.Agents[0].Name != "persisted-agent" {
		t.Errorf("Persisted Name = %q, want %q", appState.Agents[0].Name, "persisted-agent")
	}
}

func TestIdentityService_GenerateKey_Persistence(t *testing.T) {
	svc, stateStore, _ := testIdentityEnv(t)
	ctx := context.Background()

	agent, _ := svc.RegisterAgent(ctx, RegisterAgentInput{Name: "agent", PublicKey: newTestPubKey(t)})
	result, _ := svc.GenerateKey(ctx, GenerateKeyInput{
		AgentID: agent.ID,
		Name:    "persisted-key",
	})

	appState, _ := stateStore.Load()
	if len(appState.APIKeys) != 1 {
		t.Fatalf("Persisted API keys count = %d, want 1", len(appState.APIKeys))
	}

	key := appState.APIKeys[0]
	if key.ID != result.KeyEntry.ID {
		t.Errorf("Persisted key ID = %q, want %q", key.ID, result.KeyEntry.ID)
	}
	if key.KeyHash == result.CleartextKey {
		t.Error("Persisted key hash should not be cleartext")
	}
	if !strings.HasPrefix(key.KeyHash, "$argon2id$") {
		t.Errorf("Persisted key hash should be Argon2id format, got %q", key.KeyHash[:20])
	}
}
