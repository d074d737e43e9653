// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultCleanupInterval is how often the janitor sweeps expired entries.
const DefaultCleanupInterval = time.Minute

// timedEntry wraps a value with its expiry for TTL tracking.
type timedEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory implements Cache with an in-process map. It is safe for
// concurrent use and is the default backend when no Redis address is
// configured; every instance then caches independently, which the callers
// must already tolerate.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]timedEntry

	clock           clockwork.Clock
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// MemoryOption configures a Memory cache.
type MemoryOption func(*Memory)

// WithClock substitutes the wall clock, for tests.
func WithClock(clock clockwork.Clock) MemoryOption {
	return func(m *Memory) {
		m.clock = clock
	}
}

// WithCleanupInterval overrides the janitor interval.
func WithCleanupInterval(interval time.Duration) MemoryOption {
	return func(m *Memory) {
		m.cleanupInterval = interval
	}
}

// NewMemory creates an in-process cache and starts its janitor goroutine.
// Call Close when done.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries:         make(map[string]timedEntry),
		clock:           clockwork.NewRealClock(),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.cleanupLoop()
	return m
}

// Close stops the janitor goroutine and waits for it to finish.
func (m *Memory) Close() error {
	close(m.stopCleanup)
	<-m.cleanupDone
	return nil
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || m.clock.Now().After(entry.expiresAt) {
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set implements Cache.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	m.mu.Lock()
	m.entries[key] = timedEntry{value: stored, expiresAt: m.clock.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

// Invalidate implements Cache.
func (m *Memory) Invalidate(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// InvalidatePrefix implements Cache.
func (m *Memory) InvalidatePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) cleanupLoop() {
	defer close(m.cleanupDone)

	ticker := m.clock.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCleanup:
			return
		case <-ticker.Chan():
			m.cleanupExpired()
		}
	}
}

// cleanupExpired removes expired entries. Collects under read lock, deletes
// under write lock to keep the write lock hold time short.
func (m *Memory) cleanupExpired() {
	now := m.clock.Now()

	m.mu.RLock()
	var expired []string
	for key, entry := range m.entries {
		if now.After(entry.expiresAt) {
			expired = append(expired, key)
		}
	}
	m.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	m.mu.Lock()
	for _, key := range expired {
		if entry, ok := m.entries[key]; ok && now.After(entry.expiresAt) {
			delete(m.entries, key)
		}
	}
	m.mu.Unlock()
}

var _ Cache = (*Memory)(nil)
