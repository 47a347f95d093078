package storage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/strandkv/strand/internal/errs"
	"github.com/strandkv/strand/internal/hashring"
	"github.com/strandkv/strand/internal/model"
)

// MemoryEngine is the in-memory versioned store backing a cache node.
type MemoryEngine struct {
	mu             sync.RWMutex
	entries        map[string]storedEntry
	tombstoneGrace time.Duration
	logger         *zap.Logger
}

type storedEntry struct {
	entry  model.Entry
	hash   uint64
	diedAt time.Time // set when the entry became a tombstone
}

// NewMemoryEngine creates an engine whose tombstones survive for the given
// grace period. The grace period must exceed the maximum expected
// conflict-resolution window so a resurrected stale write cannot outlive
// its deletion marker.
func NewMemoryEngine(tombstoneGrace time.Duration, logger *zap.Logger) *MemoryEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryEngine{
		entries:        make(map[string]storedEntry),
		tombstoneGrace: tombstoneGrace,
		logger:         logger,
	}
}

// Get implements Engine.
func (e *MemoryEngine) Get(key []byte) (model.Entry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stored, ok := e.entries[string(key)]
	if !ok || stored.entry.Tombstone {
		return model.Entry{}, errs.Wrap("storage.get", "", errs.ErrKeyNotFound)
	}
	return stored.entry, nil
}

// GetVersioned implements Engine.
func (e *MemoryEngine) GetVersioned(key []byte) (model.Entry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stored, ok := e.entries[string(key)]
	return stored.entry, ok
}

// Set implements Engine. Writes carrying a version at or below the stored
// one are dropped silently, which keeps replays idempotent.
func (e *MemoryEngine) Set(entry model.Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.apply(entry)
	return nil
}

// Delete implements Engine.
func (e *MemoryEngine) Delete(key []byte, version model.Version) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.apply(model.Entry{Key: key, Version: version, Tombstone: true})
	return nil
}

// apply performs the version-gated upsert. Caller holds the write lock.
func (e *MemoryEngine) apply(entry model.Entry) {
	k := string(entry.Key)
	if stored, ok := e.entries[k]; ok && !entry.Version.Newer(stored.entry.Version) {
		return
	}
	next := storedEntry{entry: entry, hash: hashring.HashKey(entry.Key)}
	if entry.Tombstone {
		next.diedAt = time.Now()
	}
	e.entries[k] = next
}

// ScanRange implements Engine.
func (e *MemoryEngine) ScanRange(rng model.TokenRange) []model.Entry {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []model.Entry
	for _, stored := range e.entries {
		if rng.Contains(stored.hash) {
			out = append(out, stored.entry)
		}
	}
	return out
}

// CountRange implements Engine.
func (e *MemoryEngine) CountRange(rng model.TokenRange) int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n := 0
	for _, stored := range e.entries {
		if rng.Contains(stored.hash) {
			n++
		}
	}
	return n
}

// DeleteRange implements Engine.
func (e *MemoryEngine) DeleteRange(rng model.TokenRange) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for k, stored := range e.entries {
		if rng.Contains(stored.hash) {
			delete(e.entries, k)
			n++
		}
	}
	return n
}

// PurgeTombstones implements Engine.
func (e *MemoryEngine) PurgeTombstones() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := time.Now().Add(-e.tombstoneGrace)
	n := 0
	for k, stored := range e.entries {
		if stored.entry.Tombstone && stored.diedAt.Before(cutoff) {
			delete(e.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, tombstones included.
func (e *MemoryEngine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries)
}

// RunTombstoneGC purges expired tombstones every interval until the context
// is cancelled.
func (e *MemoryEngine) RunTombstoneGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if purged := e.PurgeTombstones(); purged > 0 {
				e.logger.Debug("Purged expired tombstones", zap.Int("count", purged))
			}
		}
	}
}
