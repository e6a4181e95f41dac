// Package kv provides concrete Store implementations for
// internal/domain/kv.Store: an in-process map-backed store (Memory) and a
// modernc.org/sqlite-backed durable store (SQLiteStore). Memory follows the
// teacher's internal/adapter/outbound/memory package shape: a struct
// guarded by a single sync.RWMutex, a background cleanup goroutine started
// from the constructor, and a Close/Stop method that is safe to call more
// than once.
package kv

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sentinelsca/sca/internal/domain/kv"
)

type memEntry struct {
	value   string
	expires time.Time // zero means no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

type memZSet map[string]float64

// Memory is an in-process implementation of kv.Store. It is intended for
// tests and single-process deployments that don't need the state to survive
// a restart; see SQLiteStore for the durable alternative.
type Memory struct {
	mu sync.RWMutex

	strings map[string]memEntry
	lists   map[string][]string
	zsets   map[string]memZSet

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewMemory creates a Memory store and starts its background expiry sweep,
// grounded on the teacher's memory.MemoryRateLimiter cleanup-goroutine
// pattern (internal/adapter/outbound/memory/rate_limiter.go).
func NewMemory(cleanupInterval time.Duration) *Memory {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	m := &Memory{
		strings: make(map[string]memEntry),
		lists:   make(map[string][]string),
		zsets:   make(map[string]memZSet),
		stopCh:  make(chan struct{}),
	}
	m.wg.Add(1)
	go m.cleanupLoop(cleanupInterval)
	return m
}

func (m *Memory) cleanupLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepExpired()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Memory) sweepExpired() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.strings {
		if e.expired(now) {
			delete(m.strings, k)
		}
	}
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.strings[key]
	if !ok || e.expired(time.Now()) {
		return "", kv.ErrNotFound
	}
	return e.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = m.makeEntry(value, ttl)
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.strings[key]; ok && !e.expired(time.Now()) {
		return false, nil
	}
	m.strings[key] = m.makeEntry(value, ttl)
	return true, nil
}

func (m *Memory) makeEntry(value string, ttl time.Duration) memEntry {
	e := memEntry{value: value}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	return e
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.strings, key)
	delete(m.lists, key)
	delete(m.zsets, key)
	return nil
}

func (m *Memory) RPush(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], value)
	return nil
}

func (m *Memory) LLen(_ context.Context, key string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.lists[key]), nil
}

func (m *Memory) BRPopLPush(ctx context.Context, src, dst string, pollInterval time.Duration) (string, error) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	for {
		if v, ok := m.tryRPopLPush(src, dst); ok {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (m *Memory) tryRPopLPush(src, dst string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[src]
	if len(list) == 0 {
		return "", false
	}
	last := list[len(list)-1]
	m.lists[src] = list[:len(list)-1]
	m.lists[dst] = append([]string{last}, m.lists[dst]...)
	return last, true
}

func (m *Memory) LRem(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	for i, v := range list {
		if v == value {
			m.lists[key] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Memory) LRange(_ context.Context, key string, offset, count int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.lists[key]
	if offset >= len(list) {
		return nil, nil
	}
	end := len(list)
	if count > 0 && offset+count < end {
		end = offset + count
	}
	out := make([]string, end-offset)
	copy(out, list[offset:end])
	return out, nil
}

func (m *Memory) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		z = make(memZSet)
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (m *Memory) ZCard(_ context.Context, key string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.zsets[key]), nil
}

func (m *Memory) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		return nil
	}
	for member, score := range z {
		if score >= min && score <= max {
			delete(z, member)
		}
	}
	return nil
}

// members returns the members of the sorted set at key sorted by score
// ascending. Used by tests and diagnostics; not part of kv.Store.
func (m *Memory) members(key string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	z := m.zsets[key]
	type pair struct {
		member string
		score  float64
	}
	pairs := make([]pair, 0, len(z))
	for k, v := range z {
		pairs = append(pairs, pair{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.member
	}
	return out
}

var _ kv.Store = (*Memory)(nil)
