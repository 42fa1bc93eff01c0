package sessionstate

import (
	"context"
	"sync"
)

// MemoryBackend is an in-process StorageBackend, suitable for tests and
// single-node deployments where a restart is acceptable to lose
// in-flight sessions. It mirrors the teacher's file-backed embedded
// store in spirit (no external dependency) but drops the JSONL-on-disk
// persistence: the spec's durable-store design note explicitly allows
// "embedded KV + in-process mailbox is the simplest" deployment shape.
type MemoryBackend struct {
	mu     sync.RWMutex
	data   map[string]map[string][]byte
	closed bool
}

// NewMemoryBackend creates an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		data: make(map[string]map[string][]byte),
	}
}

// Get returns the raw value stored under (sessionID, key).
func (m *MemoryBackend) Get(ctx context.Context, sessionID, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	keys, ok := m.data[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	value, ok := keys[key]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy so callers can't mutate stored bytes in place.
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Set durably writes value under (sessionID, key).
func (m *MemoryBackend) Set(ctx context.Context, sessionID, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	keys, ok := m.data[sessionID]
	if !ok {
		keys = make(map[string][]byte)
		m.data[sessionID] = keys
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	keys[key] = stored
	return nil
}

// Delete removes every key associated with sessionID.
func (m *MemoryBackend) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	delete(m.data, sessionID)
	return nil
}

// Close marks the backend closed; subsequent operations fail with
// ErrClosed.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
