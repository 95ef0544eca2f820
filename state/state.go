// Package state answers whether a message body has already been stored, so a
// message redelivered after a failed acknowledgement is not saved twice.
package state

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dhcgn/espwatch/store"
)

// lookupTimeout bounds a single hash query against the store.
const lookupTimeout = 5 * time.Second

type Tracker interface {
	// Lookup returns the record ID stored for hash.
	Lookup(hash string) (recordID string, ok bool)
	MarkProcessed(hash, recordID string) error
	Snapshot() Snapshot
}

type Snapshot struct {
	// Processed is the number of hashes held in memory.
	Processed    int   `json:"processed"`
	CacheHits    int64 `json:"cache_hits"`
	StoreHits    int64 `json:"store_hits"`
	LookupErrors int64 `json:"lookup_errors"`
}

// MemoryTracker only knows the hashes marked during this process.
type MemoryTracker struct {
	mu   sync.RWMutex
	seen map[string]string
	hits atomic.Int64
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{seen: make(map[string]string)}
}

func (m *MemoryTracker) Lookup(hash string) (string, bool) {
	if hash == "" {
		return "", false
	}
	m.mu.RLock()
	id, ok := m.seen[hash]
	m.mu.RUnlock()
	if ok {
		m.hits.Add(1)
	}
	return id, ok
}

func (m *MemoryTracker) MarkProcessed(hash, recordID string) error {
	if hash == "" {
		return nil
	}
	m.mu.Lock()
	if _, ok := m.seen[hash]; !ok {
		m.seen[hash] = recordID
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	n := len(m.seen)
	m.mu.RUnlock()
	return Snapshot{Processed: n, CacheHits: m.hits.Load()}
}

// HashFinder resolves a content hash to a stored record ID. store.Store
// satisfies it.
type HashFinder interface {
	FindByHash(ctx context.Context, hash string) (string, error)
}

// StoreTracker asks the record store about hashes it has not seen yet, so
// duplicates are recognized across restarts without a separate journal.
// Answers from the store are cached.
type StoreTracker struct {
	cache     *MemoryTracker
	finder    HashFinder
	logger    *slog.Logger
	storeHits atomic.Int64
	errors    atomic.Int64
}

func NewStoreTracker(finder HashFinder, logger *slog.Logger) *StoreTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreTracker{cache: NewMemoryTracker(), finder: finder, logger: logger}
}

// Lookup treats a failing store as a miss. The caller then stores the
// message again rather than dropping it.
func (s *StoreTracker) Lookup(hash string) (string, bool) {
	if id, ok := s.cache.Lookup(hash); ok || hash == "" {
		return id, ok
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	id, err := s.finder.FindByHash(ctx, hash)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "", false
	case err != nil:
		s.errors.Add(1)
		s.logger.Warn("duplicate lookup failed", "hash", hash, "error", err)
		return "", false
	}
	s.storeHits.Add(1)
	_ = s.cache.MarkProcessed(hash, id)
	return id, true
}

func (s *StoreTracker) MarkProcessed(hash, recordID string) error {
	return s.cache.MarkProcessed(hash, recordID)
}

func (s *StoreTracker) Snapshot() Snapshot {
	snap := s.cache.Snapshot()
	snap.StoreHits = s.storeHits.Load()
	snap.LookupErrors = s.errors.Load()
	return snap
}
