// Package semaphore bounds simultaneous in-flight calls per backend model.
package semaphore

import (
	"context"
	"sync"
	"sync/atomic"

	xsemaphore "golang.org/x/sync/semaphore"
)

// Keyed caps concurrent calls per (backend, model) pair. Entries are created
// lazily on first use and live for the process lifetime. Waiters are served
// first-come-first-served; priority is the scheduler's concern, not this
// package's.
type Keyed struct {
	mu           sync.Mutex
	entries      map[string]*entry
	defaultLimit int64
	limits       map[string]int64
}

type entry struct {
	sem    *xsemaphore.Weighted
	active atomic.Int64
	limit  int64
}

// NewKeyed creates a keyed semaphore with the given default per-key limit
// and optional per-key overrides ("backend/model" -> limit).
func NewKeyed(defaultLimit int, limits map[string]int) *Keyed {
	if defaultLimit <= 0 {
		defaultLimit = 3
	}
	k := &Keyed{
		entries:      make(map[string]*entry),
		defaultLimit: int64(defaultLimit),
		limits:       make(map[string]int64, len(limits)),
	}
	for key, limit := range limits {
		if limit > 0 {
			k.limits[key] = int64(limit)
		}
	}
	return k
}

// Key builds the map key for a backend/model pair.
func Key(backend, model string) string {
	return backend + "/" + model
}

func (k *Keyed) entryFor(backend, model string) *entry {
	key := Key(backend, model)

	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.entries[key]
	if !ok {
		limit := k.defaultLimit
		if override, exists := k.limits[key]; exists {
			limit = override
		}
		e = &entry{
			sem:   xsemaphore.NewWeighted(limit),
			limit: limit,
		}
		k.entries[key] = e
	}
	return e
}

// Acquire blocks until a slot for the backend/model pair is free or the
// context is done.
func (k *Keyed) Acquire(ctx context.Context, backend, model string) error {
	e := k.entryFor(backend, model)
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	e.active.Add(1)
	return nil
}

// Release frees a slot previously acquired for the backend/model pair.
func (k *Keyed) Release(backend, model string) {
	e := k.entryFor(backend, model)
	e.active.Add(-1)
	e.sem.Release(1)
}

// Active returns the number of in-flight calls for the backend/model pair.
func (k *Keyed) Active(backend, model string) int {
	return int(k.entryFor(backend, model).active.Load())
}

// Limit returns the slot limit for the backend/model pair.
func (k *Keyed) Limit(backend, model string) int {
	return int(k.entryFor(backend, model).limit)
}
