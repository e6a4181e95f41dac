package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"

	"github.com/sentinelsca/sca/internal/adapter/outbound/state"
	"github.com/sentinelsca/sca/internal/domain/signer"
)

// IdentityService errors.
var (
	ErrIdentityNotFound = errors.New("agent not found")
	ErrAPIKeyNotFound    = errors.New("api key not found")
	ErrDuplicateName     = errors.New("agent name already exists")
	ErrReadOnly          = errors.New("cannot modify read-only resource")
	ErrInvalidPublicKey  = errors.New("invalid ed25519 public key")
)

// IdentityService is the agent identity registry. It maps Ed25519 public
// keys to agent IDs (derived per signer.AgentIDFromPublicKey) and persists
// registrations, roles, and API keys to state.json with Argon2id key
// hashing. Registered agents are the principals the gateway authenticates
// commands as and the reputation ledger tracks.
type IdentityService struct {
	stateStore *state.FileStateStore
	logger     *slog.Logger
	mu         sync.Mutex // serializes state reads and writes
	// In-memory cache to avoid re-reading state.json on every request.
	// Loaded at init, updated on every write operation.
	cachedAgents  []state.AgentEntry
	cachedAPIKeys []state.APIKeyEntry
}

// NewIdentityService creates a new IdentityService.
func NewIdentityService(stateStore *state.FileStateStore, logger *slog.Logger) *IdentityService {
	return &IdentityService{
		stateStore: stateStore,
		logger:     logger,
	}
}

// Init loads agents and API keys from state.json into memory.
// Must be called once after construction, before serving requests.
func (s *IdentityService) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCache()
}

// refreshCache reloads agents and API keys from state.json into the in-memory cache.
// Caller must hold s.mu.
func (s *IdentityService) refreshCache() error {
	appState, err := s.stateStore.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	s.cachedAgents = make([]state.AgentEntry, len(appState.Agents))
	copy(s.cachedAgents, appState.Agents)
	s.cachedAPIKeys = make([]state.APIKeyEntry, len(appState.APIKeys))
	copy(s.cachedAPIKeys, appState.APIKeys)
	return nil
}

// ListAgents returns all registered agents.
func (s *IdentityService) ListAgents(_ context.Context) ([]state.AgentEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]state.AgentEntry, len(s.cachedAgents))
	copy(result, s.cachedAgents)
	return result, nil
}

// GetAgent returns a single agent by ID.
func (s *IdentityService) GetAgent(_ context.Context, id string) (*state.AgentEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.cachedAgents {
		if s.cachedAgents[i].ID == id {
			entry := s.cachedAgents[i]
			return &entry, nil
		}
	}
	return nil, ErrIdentityNotFound
}

// RegisterAgentInput holds the input for registering a new agent.
type RegisterAgentInput struct {
	Name      string   `json:"name"`
	PublicKey string   `json:"public_key"` // base64-encoded Ed25519 public key
	Roles     []string `json:"roles"`
}

// RegisterAgent derives the agent ID from the supplied Ed25519 public key
// (agent_<sha256(pubkey)[:16]>, per signer.AgentIDFromPublicKey) and
// persists the registration to state.json. Registering the same public
// key twice is idempotent and returns the existing entry.
func (s *IdentityService) RegisterAgent(_ context.Context, input RegisterAgentInput) (*state.AgentEntry, error) {
	if input.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if _, err := signer.DecodePublicKey(input.PublicKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	agentID, err := signer.AgentIDFromPublicKey(input.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	appState, err := s.stateStore.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	for i := range appState.Agents {
		if appState.Agents[i].ID == agentID {
			entry := appState.Agents[i]
			return &entry, nil
		}
		if appState.Agents[i].Name == input.Name {
			return nil, ErrDuplicateName
		}
	}

	roles := input.Roles
	if roles == nil {
		roles = []string{}
	}

	entry := state.AgentEntry{
		ID:        agentID,
		Name:      input.Name,
		PublicKey: input.PublicKey,
		Roles:     roles,
		CreatedAt: time.Now().UTC(),
	}

	appState.Agents = append(appState.Agents, entry)

	if err := s.stateStore.Save(appState); err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}

	s.cachedAgents = make([]state.AgentEntry, len(appState.Agents))
	copy(s.cachedAgents, appState.Agents)

	s.logger.Info("agent registered", "agent_id", entry.ID, "name", entry.Name)
	return &entry, nil
}

// UpdateAgentInput holds the input for updating an agent's roles.
type UpdateAgentInput struct {
	Roles []string `json:"roles,omitempty"`
}

// UpdateAgent updates an existing agent's roles and persists the change.
func (s *IdentityService) UpdateAgent(_ context.Context, id string, input UpdateAgentInput) (*state.AgentEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	appState, err := s.stateStore.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	idx := -1
	for i := range appState.Agents {
		if appState.Agents[i].ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, ErrIdentityNotFound
	}
	if appState.Agents[idx].ReadOnly {
		return nil, ErrReadOnly
	}

	if input.Roles != nil {
		appState.Agents[idx].Roles = input.Roles
	}

	if err := s.stateStore.Save(appState); err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}

	s.cachedAgents = make([]state.AgentEntry, len(appState.Agents))
	copy(s.cachedAgents, appState.Agents)

	entry := appState.Agents[idx]
	s.logger.Info("agent updated", "agent_id", id)
	return &entry, nil
}

// RevokeAgent marks an agent as revoked so its signatures are rejected and
// its outstanding API keys are revoked alongside it. It does not delete
// the identity record, preserving the audit trail's agent_id references.
func (s *IdentityService) RevokeAgent(_ context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	appState, err := s.stateStore.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	idx := -1
	for i := range appState.Agents {
		if appState.Agents[i].ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, ErrIdentityNotFound
	}
	if appState.Agents[idx].ReadOnly {
		return nil, ErrReadOnly
	}

	appState.Agents[idx].Revoked = true

	var revokedKeyHashes []string
	for i := range appState.APIKeys {
		if appState.APIKeys[i].AgentID == id && !appState.APIKeys[i].Revoked {
			appState.APIKeys[i].Revoked = true
			revokedKeyHashes = append(revokedKeyHashes, appState.APIKeys[i].KeyHash)
		}
	}

	if err := s.stateStore.Save(appState); err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}

	s.cachedAgents = make([]state.AgentEntry, len(appState.Agents))
	copy(s.cachedAgents, appState.Agents)
	s.cachedAPIKeys = make([]state.APIKeyEntry, len(appState.APIKeys))
	copy(s.cachedAPIKeys, appState.APIKeys)

	s.logger.Info("agent revoked", "agent_id", id, "keys_revoked", len(revokedKeyHashes))
	return revokedKeyHashes, nil
}

// GenerateKeyInput holds the input for generating an API key.
type GenerateKeyInput struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
}

// GenerateKeyResult holds the result of key generation.
// The CleartextKey is returned exactly once and never stored.
type GenerateKeyResult struct {
	KeyEntry     state.APIKeyEntry `json:"key_entry"`
	CleartextKey string            `json:"cleartext_key"`
}

// GenerateKey creates a new HTTP API key for the given agent, for agents
// that authenticate over the bearer-token path rather than per-request
// Ed25519 signatures. The cleartext key is returned exactly once in
// GenerateKeyResult and never stored; only the Argon2id hash is persisted.
func (s *IdentityService) GenerateKey(_ context.Context, input GenerateKeyInput) (*GenerateKeyResult, error) {
	if input.AgentID == "" {
		return nil, fmt.Errorf("agent_id is required")
	}
	if input.Name == "" {
		return nil, fmt.Errorf("name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	appState, err := s.stateStore.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	found := false
	for _, agent := range appState.Agents {
		if agent.ID == input.AgentID {
			found = true
			break
		}
	}
	if !found {
		return nil, ErrIdentityNotFound
	}

	rawKey := make([]byte, 32)
	if _, err := rand.Read(rawKey); err != nil {
		return nil, fmt.Errorf("generate random key: %w", err)
	}
	cleartextKey := "sca_" + hex.EncodeToString(rawKey)

	hash, err := argon2id.CreateHash(cleartextKey, argon2id.DefaultParams)
	if err != nil {
		return nil, fmt.Errorf("hash key: %w", err)
	}

	entry := state.APIKeyEntry{
		ID:        uuid.New().String(),
		KeyHash:   hash,
		AgentID:   input.AgentID,
		Name:      input.Name,
		CreatedAt: time.Now().UTC(),
	}

	appState.APIKeys = append(appState.APIKeys, entry)

	if err := s.stateStore.Save(appState); err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}

	s.cachedAPIKeys = make([]state.APIKeyEntry, len(appState.APIKeys))
	copy(s.cachedAPIKeys, appState.APIKeys)

	s.logger.Info("api key generated", "key_id", entry.ID, "agent_id", input.AgentID, "name", input.Name)

	return &GenerateKeyResult{
		KeyEntry:     entry,
		CleartextKey: cleartextKey,
	}, nil
}

// RevokeKey marks an API key as revoked. It does not delete it.
// Returns the key hash of the revoked key so callers can sync in-memory stores.
func (s *IdentityService) RevokeKey(_ context.Context, keyID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	appState, err := s.stateStore.Load()
	if err != nil {
		return "", fmt.Errorf("load state: %w", err)
	}

	idx := -1
	for i := range appState.APIKeys {
		if appState.APIKeys[i].ID == keyID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return "", ErrAPIKeyNotFound
	}
	if appState.APIKeys[idx].ReadOnly {
		return "", ErrReadOnly
	}

	keyHash := appState.APIKeys[idx].KeyHash
	appState.APIKeys[idx].Revoked = true

	if err := s.stateStore.Save(appState); err != nil {
		return "", fmt.Errorf("save state: %w", err)
	}

	s.cachedAPIKeys = make([]state.APIKeyEntry, len(appState.APIKeys))
	copy(s.cachedAPIKeys, appState.APIKeys)

	s.logger.Info("api key revoked", "key_id", keyID)
	return keyHash, nil
}

// ListKeys returns all API keys for a given agent.
func (s *IdentityService) ListKeys(_ context.Context, agentID string) ([]state.APIKeyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []state.APIKeyEntry
	for _, key := range s.cachedAPIKeys {
		if key.AgentID == agentID {
			result = append(result, key)
		}
	}

	if result == nil {
		result = []state.APIKeyEntry{}
	}
	return result, nil
}

// ListAllKeys returns all API keys across all agents.
func (s *IdentityService) ListAllKeys(_ context.Context) ([]state.APIKeyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]state.APIKeyEntry, len(s.cachedAPIKeys))
	copy(result, s.cachedAPIKeys)
	return result, nil
}

// VerifyKey checks if a cleartext key matches any non-revoked API key.
// Returns the matching key entry or ErrAPIKeyNotFound.
func (s *IdentityService) VerifyKey(_ context.Context, cleartextKey string) (*state.APIKeyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.cachedAPIKeys {
		key := &s.cachedAPIKeys[i]
		if key.Revoked {
			continue
		}

		match, err := argon2id.ComparePasswordAndHash(cleartextKey, key.KeyHash)
		if err != nil {
			s.logger.Warn("failed to compare key hash", "key_id", key.ID, "error", err)
			continue
		}
		if match {
			entry := *key
			return &entry, nil
		}
	}

	return nil, ErrAPIKeyNotFound
}

// VerifyAgentSignature resolves an agent by ID and verifies a detached
// Ed25519 signature over a message using its registered public key.
// Returns ErrIdentityNotFound if no such agent is registered or it has
// been revoked.
func (s *IdentityService) VerifyAgentSignature(_ context.Context, agentID string, message, signature []byte) error {
	s.mu.Lock()
	var pubKey string
	for i := range s.cachedAgents {
		if s.cachedAgents[i].ID == agentID && !s.cachedAgents[i].Revoked {
			pubKey = s.cachedAgents[i].PublicKey
			break
		}
	}
	s.mu.Unlock()

	if pubKey == "" {
		return ErrIdentityNotFound
	}
	return signer.VerifyAgentSignature(pubKey, message, signature)
}
