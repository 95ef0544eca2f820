package state

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dhcgn/espwatch/model"
	"github.com/dhcgn/espwatch/store"
)

func BenchmarkMemoryTracker_Lookup(b *testing.B) {
	tracker := NewMemoryTracker()
	for i := 0; i < 1000; i++ {
		_ = tracker.MarkProcessed(fmt.Sprintf("hash-%d", i), fmt.Sprintf("rec-%d", i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = tracker.Lookup(fmt.Sprintf("hash-%d", i%1000))
	}
}

// BenchmarkStoreTracker_ColdLookup measures misses that reach a store of
// 10000 records.
func BenchmarkStoreTracker_ColdLookup(b *testing.B) {
	st := store.NewMemoryStore()
	now := time.Now()
	for i := 0; i < 10000; i++ {
		rec := &model.Record{ESP: "Unknown", Hash: fmt.Sprintf("hash-%d", i), ProcessedAt: now}
		if err := st.Save(context.Background(), rec); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tracker := NewStoreTracker(st, nil)
		_, _ = tracker.Lookup("hash-9999")
	}
}
