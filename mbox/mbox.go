// Package mbox replays messages from an mbox archive through the same
// ingestion path the watcher uses.
package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/espwatch/ingest"
	"github.com/dhcgn/espwatch/model"
	"github.com/dhcgn/espwatch/state"
	"github.com/dhcgn/espwatch/stats"
	"github.com/dhcgn/espwatch/store"
)

var ErrEmptyPath = errors.New("mbox path is empty")

// Scan calls fn with the raw bytes of every message in r, in archive order.
// Index starts at 0. Scan stops at the first error returned by fn.
func Scan(ctx context.Context, r io.Reader, fn func(index int, raw []byte) error) error {
	reader := mboxlib.NewReader(r)
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("message %d read: %w", idx, err)
		}
		if err := fn(idx, raw); err != nil {
			return err
		}
	}
}

// Read opens the archive at path and scans it.
func Read(ctx context.Context, path string, fn func(index int, raw []byte) error) error {
	file, err := open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return Scan(ctx, file, fn)
}

// Count returns the number of messages in the archive at path.
func Count(path string) (int, error) {
	file, err := open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	count := 0
	reader := mboxlib.NewReader(file)
	for {
		msgReader, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return 0, err
		}
		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			return 0, fmt.Errorf("message %d read: %w", count, err)
		}
		count++
	}
}

func open(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrEmptyPath
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	return file, nil
}

// RawMessage wraps the message at index. The position stands in for the UID
// so log lines and parse errors point at the archive entry.
func RawMessage(index int, raw []byte) model.RawMessage {
	return model.RawMessage{UID: uint32(index + 1), Raw: raw}
}

type Processor interface {
	Process(model.RawMessage) (model.Record, error)
}

// Tally classifies every message of the archive without storing anything.
type Tally struct {
	Total    int
	Failed   int
	Provider map[string]int
}

// Classify builds a Tally for the archive at path.
func Classify(ctx context.Context, path string, p Processor) (Tally, error) {
	if p == nil {
		p = ingest.New()
	}
	tally := Tally{Provider: make(map[string]int)}
	err := Read(ctx, path, func(idx int, raw []byte) error {
		tally.Total++
		rec, err := p.Process(RawMessage(idx, raw))
		if err != nil {
			tally.Failed++
			return nil
		}
		tally.Provider[rec.ESP]++
		return nil
	})
	return tally, err
}

// Importer stores every parsable message of an archive, skipping content
// already recorded by the tracker.
type Importer struct {
	store     store.Store
	processor Processor
	tracker   state.Tracker
	emit      func(stats.Event)
	logger    *slog.Logger
}

type ImportOption func(*Importer)

func WithTracker(t state.Tracker) ImportOption {
	return func(im *Importer) {
		if t != nil {
			im.tracker = t
		}
	}
}

func WithEvents(emit func(stats.Event)) ImportOption {
	return func(im *Importer) {
		if emit != nil {
			im.emit = emit
		}
	}
}

func WithLogger(logger *slog.Logger) ImportOption {
	return func(im *Importer) {
		if logger != nil {
			im.logger = logger
		}
	}
}

func WithProcessor(p Processor) ImportOption {
	return func(im *Importer) {
		if p != nil {
			im.processor = p
		}
	}
}

func NewImporter(st store.Store, opts ...ImportOption) *Importer {
	im := &Importer{
		store:     st,
		processor: ingest.New(),
		tracker:   state.NewMemoryTracker(),
		emit:      func(stats.Event) {},
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// Import replays the archive at path. Parse failures are reported and
// skipped; a storage failure aborts the import.
func (im *Importer) Import(ctx context.Context, path string) error {
	return Read(ctx, path, func(idx int, raw []byte) error {
		msg := RawMessage(idx, raw)
		im.emit(stats.Event{Stage: stats.StageImport, Type: stats.EventTypeFetched, UID: msg.UID})

		rec, err := im.processor.Process(msg)
		if err != nil {
			im.logger.Warn("skipping unparsable message", "index", idx, "err", err)
			im.emit(stats.Event{Stage: stats.StageImport, Type: stats.EventTypeParseFailed, UID: msg.UID, Err: err})
			return nil
		}

		if id, ok := im.tracker.Lookup(rec.Hash); ok {
			im.logger.Debug("message already stored", "index", idx, "id", id)
			im.emit(stats.Event{Stage: stats.StageImport, Type: stats.EventTypeDuplicate, UID: msg.UID, RecordID: id})
			return nil
		}

		if err := im.store.Save(ctx, &rec); err != nil {
			im.emit(stats.Event{Stage: stats.StageImport, Type: stats.EventTypeError, UID: msg.UID, Err: err})
			return fmt.Errorf("message %d: %w", idx, err)
		}
		if err := im.tracker.MarkProcessed(rec.Hash, rec.ID); err != nil {
			im.logger.Warn("recording stored hash failed", "index", idx, "id", rec.ID, "err", err)
		}
		im.emit(stats.Event{Stage: stats.StageImport, Type: stats.EventTypeStored, UID: msg.UID, RecordID: rec.ID, ESP: rec.ESP})
		return nil
	})
}
