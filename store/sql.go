package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/dhcgn/espwatch/model"
)

// Dialect describes a SQL backend supported by SQLStore.
type Dialect struct {
	Name       string
	Driver     string
	migrations []migration
}

var (
	SQLite   = Dialect{Name: "sqlite", Driver: "sqlite", migrations: sqliteMigrations}
	Postgres = Dialect{Name: "postgres", Driver: "pgx", migrations: postgresMigrations}
)

// SQLStore implements Store on top of database/sql through sqlx.
type SQLStore struct {
	db      *sqlx.DB
	dialect Dialect
}

// OpenSQL connects to dsn, verifies the connection and applies pending
// migrations.
func OpenSQL(ctx context.Context, d Dialect, dsn string) (*SQLStore, error) {
	db, err := sqlx.Open(d.Driver, dsn)
	if err != nil {
		return nil, wrap("open", fmt.Errorf("opening %s db: %w", d.Name, err))
	}

	if d.Name == SQLite.Name {
		// A single connection keeps ":memory:" databases shared and
		// serializes writers.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, wrap("open", fmt.Errorf("enabling WAL mode: %w", err))
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, wrap("open", fmt.Errorf("connecting to %s: %w", d.Name, err))
	}

	s := NewSQLStore(db, d)
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, wrap("migrate", err)
	}
	return s, nil
}

// NewSQLStore wraps an already opened handle without running migrations.
func NewSQLStore(db *sqlx.DB, d Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d}
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return wrap("ping", s.db.PingContext(ctx))
}

// runMigrations reads the current schema version and applies any outstanding
// migrations in order.
func (s *SQLStore) runMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaVersionTable); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	currentVersion := 0
	if err := s.db.GetContext(ctx, &currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range s.dialect.migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

type recordRow struct {
	ID            string         `db:"id"`
	Subject       sql.NullString `db:"subject"`
	Sender        string         `db:"sender"`
	Recipient     string         `db:"recipient"`
	SentAt        sql.NullTime   `db:"sent_at"`
	RawHeaders    string         `db:"raw_headers"`
	RawText       string         `db:"raw_text"`
	ReceivedChain string         `db:"received_chain"`
	ESP           sql.NullString `db:"esp"`
	Hash          string         `db:"hash"`
	ProcessedAt   time.Time      `db:"processed_at"`
}

const selectColumns = `id, subject, sender, recipient, sent_at,
	CAST(raw_headers AS TEXT) AS raw_headers, raw_text,
	CAST(received_chain AS TEXT) AS received_chain, esp, hash, processed_at`

func (s *SQLStore) Save(ctx context.Context, rec *model.Record) error {
	if rec == nil {
		return wrap("save", errors.New("record is nil"))
	}
	headers, err := json.Marshal(rec.Headers)
	if err != nil {
		return wrap("save", fmt.Errorf("marshaling headers: %w", err))
	}
	chain := rec.ReceivedChain
	if chain == nil {
		chain = []string{}
	}
	chainJSON, err := json.Marshal(chain)
	if err != nil {
		return wrap("save", fmt.Errorf("marshaling received chain: %w", err))
	}

	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	var sentAt sql.NullTime
	if rec.Date != nil {
		sentAt = sql.NullTime{Time: rec.Date.UTC(), Valid: true}
	}
	var subject sql.NullString
	if rec.Subject != nil {
		subject = sql.NullString{String: *rec.Subject, Valid: true}
	}

	query := s.db.Rebind(`
		INSERT INTO email_logs (
			id, subject, sender, recipient, sent_at,
			raw_headers, raw_text, received_chain, esp, hash, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = s.db.ExecContext(ctx, query,
		id, subject, rec.From, rec.To, sentAt,
		string(headers), rec.Text, string(chainJSON), rec.ESP, rec.Hash, rec.ProcessedAt.UTC(),
	)
	if err != nil {
		return wrap("save", fmt.Errorf("inserting record %s: %w", id, err))
	}
	rec.ID = id
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (model.Record, error) {
	var row recordRow
	query := s.db.Rebind(`SELECT ` + selectColumns + ` FROM email_logs WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Record{}, ErrNotFound
		}
		return model.Record{}, wrap("get", err)
	}
	rec, err := row.record()
	return rec, wrap("get", err)
}

func (s *SQLStore) FindByHash(ctx context.Context, hash string) (string, error) {
	var id string
	query := s.db.Rebind(`SELECT id FROM email_logs WHERE hash = ? ORDER BY processed_at, id LIMIT 1`)
	if err := s.db.GetContext(ctx, &id, query, hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", wrap("find", err)
	}
	return id, nil
}

func (s *SQLStore) ListRecent(ctx context.Context, limit int) ([]model.Record, error) {
	var rows []recordRow
	query := s.db.Rebind(`SELECT ` + selectColumns + ` FROM email_logs
		ORDER BY processed_at DESC, id DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &rows, query, normalizeLimit(limit)); err != nil {
		return nil, wrap("list", err)
	}

	records := make([]model.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, wrap("list", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *SQLStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM email_logs"); err != nil {
		return 0, wrap("count", err)
	}
	return n, nil
}

func (s *SQLStore) CountByProvider(ctx context.Context) ([]ProviderCount, error) {
	counts := []ProviderCount{}
	const query = `SELECT esp, COUNT(*) AS n FROM email_logs GROUP BY esp ORDER BY n DESC, esp`
	if err := s.db.SelectContext(ctx, &counts, query); err != nil {
		return nil, wrap("count by provider", err)
	}
	return counts, nil
}

func (r recordRow) record() (model.Record, error) {
	rec := model.Record{
		ID:          r.ID,
		From:        r.Sender,
		To:          r.Recipient,
		Text:        r.RawText,
		ESP:         r.ESP.String,
		Hash:        r.Hash,
		ProcessedAt: r.ProcessedAt.UTC(),
	}
	if r.Subject.Valid {
		subject := r.Subject.String
		rec.Subject = &subject
	}
	if r.SentAt.Valid {
		sentAt := r.SentAt.Time.UTC()
		rec.Date = &sentAt
	}
	if r.RawHeaders != "" {
		if err := json.Unmarshal([]byte(r.RawHeaders), &rec.Headers); err != nil {
			return model.Record{}, fmt.Errorf("decoding headers of %s: %w", r.ID, err)
		}
	}
	if r.ReceivedChain != "" {
		if err := json.Unmarshal([]byte(r.ReceivedChain), &rec.ReceivedChain); err != nil {
			return model.Record{}, fmt.Errorf("decoding received chain of %s: %w", r.ID, err)
		}
	}
	if rec.ReceivedChain == nil {
		rec.ReceivedChain = []string{}
	}
	return rec, nil
}
