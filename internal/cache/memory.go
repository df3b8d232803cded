package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonesrussell/mailtriage/internal/domain"
	"github.com/jonesrussell/mailtriage/internal/logging"
)

// entry is one cached result with its expiry deadline.
type memoryEntry struct {
	result    *domain.AnalysisResult
	storedAt  time.Time
	expiresAt time.Time
}

// Memory is an in-process Store. Expired entries are treated as absent on
// read and physically removed on the next write to their key or by the
// optional background sweeper.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	hits    atomic.Int64
	misses  atomic.Int64
	logger  logging.Logger

	now func() time.Time
}

// NewMemory creates an empty in-memory cache.
func NewMemory(logger logging.Logger) *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		logger:  logger,
		now:     time.Now,
	}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) (*domain.AnalysisResult, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok || m.now().After(e.expiresAt) {
		m.misses.Add(1)
		return nil, false, nil
	}

	m.hits.Add(1)
	return e.result, true, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key string, result *domain.AnalysisResult, ttl time.Duration) error {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Lazy eviction: drop whatever already expired before growing the map.
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
		}
	}

	m.entries[key] = memoryEntry{
		result:    result,
		storedAt:  now,
		expiresAt: now.Add(ttl),
	}
	return nil
}

// Invalidate implements Store.
func (m *Memory) Invalidate(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Stats implements Store.
func (m *Memory) Stats() Stats {
	m.mu.RLock()
	entries := len(m.entries)
	m.mu.RUnlock()

	hits := m.hits.Load()
	misses := m.misses.Load()
	return Stats{
		Entries: entries,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate(hits, misses),
	}
}

// Clear drops every entry.
func (m *Memory) Clear() {
	m.mu.Lock()
	m.entries = make(map[string]memoryEntry)
	m.mu.Unlock()
}

// StartSweeper launches a background goroutine that removes expired entries
// every interval until the context is done. Optional; lazy eviction alone is
// correct.
func (m *Memory) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *Memory) sweep() {
	now := m.now()
	removed := 0

	m.mu.Lock()
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		m.logger.Debug("Cache sweep removed expired entries", logging.Int("removed", removed))
	}
}
