// Package storage provides the small persistent key/value layer Kineo keeps
// per user: the model API key and the project catalog.
//
// Two backends are available. [MemoryStore] keeps everything in process and
// is the default for local use and tests. [PostgresStore] persists to a single
// kv table through a pgx connection pool.
//
// Values are opaque strings; callers that store structured data encode it as
// JSON themselves.
package storage

import (
	"context"
	"sync"
)

// Well-known keys.
const (
	// KeyAPIKey holds the live model API key entered by the user.
	KeyAPIKey = "kineo-api-key"

	// KeyProjects holds the JSON-encoded project catalog.
	KeyProjects = "kineo-projects"
)

// Store is a string key/value store. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// MemoryStore is an in-process [Store].
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

// Get implements [Store].
func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

// Set implements [Store].
func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

// Delete implements [Store].
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Ping implements [Store]. It always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }
