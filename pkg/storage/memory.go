package storage

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// MemoryStore keeps keys in process memory. It is the default store and
// loses everything on exit.
type MemoryStore struct {
	mu     sync.RWMutex
	perm   map[int][]byte
	temp   map[tempSlot]tempEntry
	closed bool
	done   chan struct{}
}

type tempSlot struct {
	dc  int
	idx int
}

type tempEntry struct {
	key       []byte
	expiresAt time.Time
}

// MemoryStoreOption configures MemoryStore behavior.
type MemoryStoreOption func(*memoryStoreConfig)

type memoryStoreConfig struct {
	cleanupInterval time.Duration
}

// WithCleanupInterval sets how often expired temporary keys are purged.
// Default: 1 minute.
func WithCleanupInterval(d time.Duration) MemoryStoreOption {
	return func(c *memoryStoreConfig) {
		c.cleanupInterval = d
	}
}

// NewMemoryStore creates a new in-memory key store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	cfg := &memoryStoreConfig{
		cleanupInterval: 1 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	store := &MemoryStore{
		perm: make(map[int][]byte),
		temp: make(map[tempSlot]tempEntry),
		done: make(chan struct{}),
	}

	go store.cleanupLoop(cfg.cleanupInterval)
	return store
}

// AuthKey returns a copy of the permanent key for dc.
func (m *MemoryStore) AuthKey(ctx context.Context, dc int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed{}
	}
	return bytes.Clone(m.perm[dc]), nil
}

// SetAuthKey stores a copy of key.
func (m *MemoryStore) SetAuthKey(ctx context.Context, dc int, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed{}
	}
	if key == nil {
		delete(m.perm, dc)
		return nil
	}
	m.perm[dc] = bytes.Clone(key)
	return nil
}

// TempAuthKey returns the temporary key if it has not expired at now.
func (m *MemoryStore) TempAuthKey(ctx context.Context, dc, idx int, now time.Time) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed{}
	}
	e, ok := m.temp[tempSlot{dc, idx}]
	if !ok || !e.expiresAt.After(now) {
		return nil, nil
	}
	return bytes.Clone(e.key), nil
}

// SetTempAuthKey stores a temporary key.
func (m *MemoryStore) SetTempAuthKey(ctx context.Context, dc, idx int, key []byte, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed{}
	}
	slot := tempSlot{dc, idx}
	if key == nil {
		delete(m.temp, slot)
		return nil
	}
	m.temp[slot] = tempEntry{key: bytes.Clone(key), expiresAt: expiresAt}
	return nil
}

// DeleteByDC removes all keys of dc.
func (m *MemoryStore) DeleteByDC(ctx context.Context, dc int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed{}
	}
	delete(m.perm, dc)
	for slot := range m.temp {
		if slot.dc == dc {
			delete(m.temp, slot)
		}
	}
	return nil
}

// DeleteAll removes every key.
func (m *MemoryStore) DeleteAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed{}
	}
	clear(m.perm)
	clear(m.temp)
	return nil
}

// Close shuts down the store and releases resources.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true
	close(m.done)
	m.perm = nil
	m.temp = nil
	return nil
}

// Count returns the number of permanent and temporary keys held.
func (m *MemoryStore) Count() (perm, temp int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.perm), len(m.temp)
}

// cleanupLoop periodically removes expired temporary keys.
func (m *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup(time.Now())
		case <-m.done:
			return
		}
	}
}

func (m *MemoryStore) cleanup(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	for slot, e := range m.temp {
		if !e.expiresAt.After(now) {
			delete(m.temp, slot)
		}
	}
}
