// Package store persists ingested records and answers the read queries of the
// HTTP surface.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/dhcgn/espwatch/model"
)

// DefaultLimit is used by ListRecent when the caller passes a non-positive limit.
const DefaultLimit = 20

// Store is the persistence boundary used by the watcher and the HTTP handlers.
// Implementations must allow reads concurrently with Save.
type Store interface {
	// Save assigns rec.ID when empty and writes the record.
	Save(ctx context.Context, rec *model.Record) error
	Get(ctx context.Context, id string) (model.Record, error)
	// FindByHash returns the ID of the oldest record with the given content
	// hash, or ErrNotFound.
	FindByHash(ctx context.Context, hash string) (string, error)
	// ListRecent returns at most limit records, newest ProcessedAt first.
	ListRecent(ctx context.Context, limit int) ([]model.Record, error)
	Count(ctx context.Context) (int64, error)
	CountByProvider(ctx context.Context) ([]ProviderCount, error)
	Ping(ctx context.Context) error
	Close() error
}

// ProviderCount is one row of the per-provider tally. ID is nil for records
// stored without a provider label.
type ProviderCount struct {
	ID    *string `json:"_id" db:"esp"`
	Count int64   `json:"count" db:"n"`
}

// Open returns the store addressed by dsn:
//
//	"" or "memory"                in-process memory store
//	postgres://... postgresql://  PostgreSQL through pgx
//	sqlite:path, file:path, path  SQLite file
//
// Any other scheme is rejected.
func Open(ctx context.Context, dsn string) (Store, error) {
	switch scheme := dsnScheme(dsn); scheme {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return OpenSQL(ctx, Postgres, dsn)
	case "sqlite":
		return OpenSQL(ctx, SQLite, strings.TrimPrefix(strings.TrimPrefix(dsn, "sqlite:"), "//"))
	case "file", "path":
		return OpenSQL(ctx, SQLite, dsn)
	default:
		return nil, &StorageError{Op: "open", Err: fmt.Errorf("unsupported database scheme %q", scheme)}
	}
}

func dsnScheme(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	switch dsn {
	case "":
		return ""
	case "memory", "memory://":
		return "memory"
	case ":memory:":
		return "path"
	}
	scheme, _, ok := strings.Cut(dsn, ":")
	if !ok || len(scheme) <= 1 || strings.ContainsAny(scheme, `/\.`) {
		return "path"
	}
	return strings.ToLower(scheme)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}
