package store

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/dhcgn/espwatch/model"
)

// MemoryStore keeps records in process memory. It is used by tests and by
// the "memory" DSN for throwaway runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records []model.Record
	byID    map[string]int
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]int)}
}

var errStoreClosed = errors.New("store is closed")

func (m *MemoryStore) Save(_ context.Context, rec *model.Record) error {
	if rec == nil {
		return wrap("save", errors.New("record is nil"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return wrap("save", errStoreClosed)
	}

	saved := *rec
	if saved.ID == "" {
		saved.ID = uuid.NewString()
	}
	if saved.ReceivedChain == nil {
		saved.ReceivedChain = []string{}
	}
	m.byID[saved.ID] = len(m.records)
	m.records = append(m.records, saved)
	rec.ID = saved.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (model.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byID[id]
	if !ok {
		return model.Record{}, ErrNotFound
	}
	return m.records[i], nil
}

func (m *MemoryStore) FindByHash(_ context.Context, hash string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", wrap("find", errStoreClosed)
	}
	for _, rec := range m.records {
		if rec.Hash == hash {
			return rec.ID, nil
		}
	}
	return "", ErrNotFound
}

func (m *MemoryStore) ListRecent(_ context.Context, limit int) ([]model.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, wrap("list", errStoreClosed)
	}

	out := append(make([]model.Record, 0, len(m.records)), m.records...)
	slices.SortStableFunc(out, func(a, b model.Record) int {
		return b.ProcessedAt.Compare(a.ProcessedAt)
	})
	limit = normalizeLimit(limit)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Count(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, wrap("count", errStoreClosed)
	}
	return int64(len(m.records)), nil
}

func (m *MemoryStore) CountByProvider(context.Context) ([]ProviderCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, wrap("count by provider", errStoreClosed)
	}

	tally := make(map[string]int64)
	for _, rec := range m.records {
		tally[rec.ESP]++
	}
	counts := make([]ProviderCount, 0, len(tally))
	for esp, n := range tally {
		counts = append(counts, ProviderCount{ID: labelPtr(esp), Count: n})
	}
	slices.SortFunc(counts, func(a, b ProviderCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(deref(a.ID), deref(b.ID))
	})
	return counts, nil
}

func (m *MemoryStore) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return wrap("ping", errStoreClosed)
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func labelPtr(esp string) *string {
	if esp == "" {
		return nil
	}
	return &esp
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
