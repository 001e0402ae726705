package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryCache is the in-process backend: a TTL map swept by a janitor
// goroutine. Suited for a single-node archive; multi-node deployments point
// the same configuration switch at Redis instead.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[Key]memoryEntry
	done    chan struct{}
	once    sync.Once
}

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

// sweepInterval paces the janitor; expired entries also miss on read, so
// the sweep only bounds memory, not correctness.
const sweepInterval = time.Minute

// NewMemoryCache creates the in-process cache and starts its janitor.
func NewMemoryCache() *MemoryCache {
	m := &MemoryCache{
		entries: make(map[Key]memoryEntry),
		done:    make(chan struct{}),
	}
	go m.janitor()
	return m
}

// Get returns a live entry or ErrCacheMiss.
func (m *MemoryCache) Get(ctx context.Context, key Key) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, ErrCacheMiss
	}
	return entry.payload, nil
}

// Set stores a value for ttl.
func (m *MemoryCache) Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{
		payload:   value,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Delete drops one entry.
func (m *MemoryCache) Delete(ctx context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Exists reports whether a live entry is present.
func (m *MemoryCache) Exists(ctx context.Context, key Key) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return false, nil
	}
	return true, nil
}

// Clear drops every entry under a key prefix ("tags:", "resource:Study:").
func (m *MemoryCache) Clear(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.entries {
		if strings.HasPrefix(string(key), prefix) {
			delete(m.entries, key)
		}
	}
	return nil
}

// janitor periodically drops expired entries.
func (m *MemoryCache) janitor() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for key, entry := range m.entries {
				if now.After(entry.expiresAt) {
					delete(m.entries, key)
				}
			}
			m.mu.Unlock()
		case <-m.done:
			return
		}
	}
}

// Close stops the janitor. Safe to call more than once.
func (m *MemoryCache) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}
