// Package watcher polls a mailbox on a fixed delay, stores every matching
// message and marks it seen once it is safely persisted.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/espwatch/imap"
	"github.com/dhcgn/espwatch/ingest"
	"github.com/dhcgn/espwatch/metrics"
	"github.com/dhcgn/espwatch/model"
	"github.com/dhcgn/espwatch/state"
	"github.com/dhcgn/espwatch/stats"
	"github.com/dhcgn/espwatch/store"
)

const DefaultInterval = 10 * time.Second

// Session is the part of a mailbox connection used by one cycle.
type Session interface {
	SelectMailbox(name string) error
	Search(token string) ([]uint32, error)
	Fetch(uids []uint32) Cursor
	Acknowledge(uid uint32) error
	Close()
}

type Cursor interface {
	Next() (model.RawMessage, bool)
	Err() error
	// Remaining counts the messages not read yet.
	Remaining() int
}

// Opener establishes a fresh authenticated session.
type Opener func(ctx context.Context, creds model.Credentials) (Session, error)

type Processor interface {
	Process(model.RawMessage) (model.Record, error)
}

type Watcher struct {
	creds    model.Credentials
	token    string
	mailbox  string
	interval time.Duration

	store       store.Store
	processor   Processor
	open        Opener
	tracker     state.Tracker
	emit        func(stats.Event)
	onProcessed func(model.Record)
	logger      *slog.Logger
	now         func() time.Time
	sleep       func(context.Context, time.Duration) error

	mu     sync.RWMutex
	status Status
}

type Option func(*Watcher)

// WithInterval sets the delay between the end of one cycle and the start of
// the next.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

func WithMailbox(name string) Option {
	return func(w *Watcher) {
		if name != "" {
			w.mailbox = name
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Watcher) {
		if now != nil {
			w.now = now
		}
	}
}

// WithTracker replaces the default in-memory duplicate tracker.
func WithTracker(t state.Tracker) Option {
	return func(w *Watcher) {
		if t != nil {
			w.tracker = t
		}
	}
}

// WithEvents sets a sink that receives one event per handled message and per
// cycle.
func WithEvents(emit func(stats.Event)) Option {
	return func(w *Watcher) {
		if emit != nil {
			w.emit = emit
		}
	}
}

func WithOpener(open Opener) Option {
	return func(w *Watcher) {
		if open != nil {
			w.open = open
		}
	}
}

func WithProcessor(p Processor) Option {
	return func(w *Watcher) {
		if p != nil {
			w.processor = p
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// OnProcessed registers fn to be called with every newly stored record.
func OnProcessed(fn func(model.Record)) Option {
	return func(w *Watcher) {
		w.onProcessed = fn
	}
}

func New(creds model.Credentials, token string, st store.Store, opts ...Option) (*Watcher, error) {
	if token == "" {
		return nil, errors.New("subject token is empty")
	}
	if st == nil {
		return nil, errors.New("store must not be nil")
	}

	w := &Watcher{
		creds:    creds,
		token:    token,
		mailbox:  imap.DefaultMailbox,
		interval: DefaultInterval,
		store:    st,
		tracker:  state.NewMemoryTracker(),
		emit:     func(stats.Event) {},
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
		sleep:    sleep,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.open == nil {
		w.open = IMAPOpener(w.logger)
	}
	if w.processor == nil {
		w.processor = ingest.New(ingest.WithClock(func() time.Time { return w.now().UTC() }))
	}
	w.status = Status{State: StateIdle, Mailbox: w.mailbox, Interval: w.interval.String()}
	return w, nil
}

// IMAPOpener returns an Opener backed by the imap package.
func IMAPOpener(logger *slog.Logger) Opener {
	return func(ctx context.Context, creds model.Credentials) (Session, error) {
		s, err := imap.Open(ctx, creds, imap.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return imapSession{s}, nil
	}
}

type imapSession struct{ *imap.Session }

func (s imapSession) Fetch(uids []uint32) Cursor { return s.Session.Fetch(uids) }

// Run polls until ctx is cancelled. Cycles never overlap: the next one starts
// only after the previous one finished and the interval elapsed. Cycle
// failures are logged and retried; Run only returns ctx.Err().
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("watcher started", "mailbox", w.mailbox, "interval", w.interval, "token", w.token)
	for {
		if err := ctx.Err(); err != nil {
			w.stopped(err)
			return err
		}

		outcome := w.RunCycle(ctx)
		w.logOutcome(outcome)

		next := w.now().Add(w.interval)
		w.mu.Lock()
		w.status.NextCycleAt = &next
		w.mu.Unlock()

		if err := w.sleep(ctx, w.interval); err != nil {
			w.stopped(err)
			return err
		}
	}
}

// RunCycle performs one connect, search, process and close pass.
func (w *Watcher) RunCycle(ctx context.Context) model.Outcome {
	started := w.now()
	outcome := w.cycle(ctx)

	final := StateIdle
	if outcome.Kind == model.OutcomeFailed {
		final = StateErrorBackoff
		w.emit(stats.Event{Stage: stats.StageWatcher, Type: stats.EventTypeError, Err: outcome.Reason})
	} else if outcome.Kind == model.OutcomeIdle {
		w.emit(stats.Event{Stage: stats.StageWatcher, Type: stats.EventTypeIdle})
	}
	w.emit(stats.Event{Stage: stats.StageWatcher, Type: stats.EventTypeCycle})
	metrics.ObserveCycle(outcome, w.now().Sub(started))

	w.mu.Lock()
	w.status.State = final
	w.status.Cycles++
	w.status.LastOutcome = outcome.Kind.String()
	w.status.LastCount = outcome.Count
	w.status.LastError = ""
	if outcome.Reason != nil {
		w.status.LastError = outcome.Reason.Error()
	}
	w.status.LastCycleAt = &started
	w.status.NextCycleAt = nil
	w.mu.Unlock()

	return outcome
}

// Status returns a snapshot of the loop state.
func (w *Watcher) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

func (w *Watcher) cycle(ctx context.Context) model.Outcome {
	w.setState(StateConnecting)
	session, err := w.open(ctx, w.creds)
	if err != nil {
		return model.Failed(err)
	}
	defer func() {
		w.setState(StateClosing)
		session.Close()
	}()

	w.setState(StateSearching)
	if err := session.SelectMailbox(w.mailbox); err != nil {
		return model.Failed(err)
	}
	uids, err := session.Search(w.token)
	if err != nil {
		return model.Failed(err)
	}
	if len(uids) == 0 {
		return model.Idle()
	}
	w.logger.Debug("matching messages found", "count", len(uids))

	w.setState(StateProcessing)
	// Messages already being handled are finished even after a stop request.
	work := context.WithoutCancel(ctx)
	cursor := session.Fetch(uids)
	stored, skipped := 0, 0
	for ctx.Err() == nil {
		msg, ok := cursor.Next()
		if !ok {
			break
		}
		w.emit(stats.Event{Stage: stats.StageWatcher, Type: stats.EventTypeFetched, UID: msg.UID})
		switch w.handle(work, session, msg) {
		case resultStored:
			stored++
		case resultSkipped:
			skipped++
		}
	}
	if err := cursor.Err(); err != nil {
		return model.Failed(err)
	}

	if left := cursor.Remaining(); left > 0 {
		w.logger.Info("stopping with messages left for the next run", "left", left)
	}
	return model.Processed(stored, skipped+cursor.Remaining())
}

type result int

const (
	resultStored result = iota
	resultDuplicate
	resultSkipped
)

// handle runs one message through parse, persist and acknowledge. Only stored
// and duplicate messages are acknowledged.
func (w *Watcher) handle(ctx context.Context, session Session, msg model.RawMessage) result {
	rec, err := w.processor.Process(msg)
	if err != nil {
		w.logger.Warn("message could not be parsed, leaving it unseen", "uid", msg.UID, "err", err)
		w.emit(stats.Event{Stage: stats.StageWatcher, Type: stats.EventTypeParseFailed, UID: msg.UID, Err: err})
		return resultSkipped
	}

	if id, ok := w.tracker.Lookup(rec.Hash); ok {
		w.logger.Info("message already stored, acknowledging", "uid", msg.UID, "id", id)
		w.emit(stats.Event{Stage: stats.StageWatcher, Type: stats.EventTypeDuplicate, UID: msg.UID, RecordID: id})
		w.acknowledge(session, msg.UID)
		return resultDuplicate
	}

	if err := w.store.Save(ctx, &rec); err != nil {
		w.logger.Error("storing message failed, leaving it unseen", "uid", msg.UID, "err", err)
		w.emit(stats.Event{Stage: stats.StageWatcher, Type: stats.EventTypeError, UID: msg.UID, Err: err})
		return resultSkipped
	}
	if err := w.tracker.MarkProcessed(rec.Hash, rec.ID); err != nil {
		w.logger.Warn("recording stored hash failed", "uid", msg.UID, "id", rec.ID, "err", err)
	}

	w.logger.Info("message stored", "uid", msg.UID, "id", rec.ID, "esp", rec.ESP)
	w.emit(stats.Event{Stage: stats.StageWatcher, Type: stats.EventTypeStored, UID: msg.UID, RecordID: rec.ID, ESP: rec.ESP})
	if w.onProcessed != nil {
		w.onProcessed(rec)
	}

	w.acknowledge(session, msg.UID)
	return resultStored
}

func (w *Watcher) acknowledge(session Session, uid uint32) {
	if err := session.Acknowledge(uid); err != nil {
		w.logger.Warn("acknowledging message failed", "uid", uid, "err", err)
		w.emit(stats.Event{Stage: stats.StageWatcher, Type: stats.EventTypeAckFailed, UID: uid, Err: err})
	}
}

func (w *Watcher) setState(s State) {
	w.mu.Lock()
	w.status.State = s
	w.mu.Unlock()
}

func (w *Watcher) stopped(err error) {
	w.setState(StateIdle)
	w.mu.Lock()
	w.status.NextCycleAt = nil
	w.mu.Unlock()
	w.logger.Info("watcher stopped", "reason", err)
}

func (w *Watcher) logOutcome(o model.Outcome) {
	switch o.Kind {
	case model.OutcomeIdle:
		w.logger.Debug("cycle finished", o.LogAttrs()...)
	case model.OutcomeProcessed:
		w.logger.Info("cycle finished", o.LogAttrs()...)
	default:
		w.logger.Warn("cycle failed", o.LogAttrs()...)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
