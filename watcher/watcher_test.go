package watcher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/espwatch/imap"
	"github.com/dhcgn/espwatch/model"
	"github.com/dhcgn/espwatch/state"
	"github.com/dhcgn/espwatch/stats"
	"github.com/dhcgn/espwatch/store"
)

const token = "EMAIL-ANALYZER-TEST0001"

// fakeMailbox keeps unseen messages across sessions, the way a server does.
type fakeMailbox struct {
	mu       sync.Mutex
	messages map[uint32][]byte
	seen     map[uint32]bool
	acks     []uint32
	opens    int
	closes   int

	openErr   error
	searchErr error
	fetchErr  error
	ackErr    error
	// fetchFailAfter makes the cursor fail after that many messages.
	fetchFailAfter int
}

func newMailbox(msgs map[uint32][]byte) *fakeMailbox {
	return &fakeMailbox{messages: msgs, seen: make(map[uint32]bool), fetchFailAfter: -1}
}

func (m *fakeMailbox) opener(context.Context, model.Credentials) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	if m.openErr != nil {
		return nil, m.openErr
	}
	return &fakeSession{box: m}, nil
}

type fakeSession struct {
	box    *fakeMailbox
	closed bool
}

func (s *fakeSession) SelectMailbox(string) error { return nil }

func (s *fakeSession) Search(string) ([]uint32, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	if s.box.searchErr != nil {
		return nil, &imap.Error{Op: imap.OpSearch, Err: s.box.searchErr}
	}
	var uids []uint32
	for uid := range s.box.messages {
		if !s.box.seen[uid] {
			uids = append(uids, uid)
		}
	}
	slices.Sort(uids)
	return uids, nil
}

func (s *fakeSession) Fetch(uids []uint32) Cursor {
	return &fakeCursor{box: s.box, uids: uids}
}

func (s *fakeSession) Acknowledge(uid uint32) error {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	if s.box.ackErr != nil {
		return &imap.Error{Op: imap.OpAck, UID: uid, Err: s.box.ackErr}
	}
	s.box.acks = append(s.box.acks, uid)
	s.box.seen[uid] = true
	return nil
}

func (s *fakeSession) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.box.mu.Lock()
	s.box.closes++
	s.box.mu.Unlock()
}

type fakeCursor struct {
	box  *fakeMailbox
	uids []uint32
	pos  int
	err  error
}

func (c *fakeCursor) Next() (model.RawMessage, bool) {
	if c.err != nil || c.pos >= len(c.uids) {
		return model.RawMessage{}, false
	}
	if c.box.fetchErr != nil && c.pos == c.box.fetchFailAfter {
		c.err = &imap.Error{Op: imap.OpFetch, UID: c.uids[c.pos], Err: c.box.fetchErr}
		return model.RawMessage{}, false
	}
	uid := c.uids[c.pos]
	c.pos++
	c.box.mu.Lock()
	raw := c.box.messages[uid]
	c.box.mu.Unlock()
	return model.RawMessage{UID: uid, Raw: raw}, true
}

func (c *fakeCursor) Err() error { return c.err }

func (c *fakeCursor) Remaining() int { return len(c.uids) - c.pos }

// failingStore rejects every save.
type failingStore struct {
	*store.MemoryStore
	saves int
}

func (f *failingStore) Save(context.Context, *model.Record) error {
	f.saves++
	return &store.StorageError{Op: "save", Err: errors.New("database is locked")}
}

func message(from, subject string, extra ...string) []byte {
	raw := ""
	for _, h := range extra {
		raw += h + "\r\n"
	}
	raw += fmt.Sprintf("From: %s\r\nSubject: %s\r\n\r\nbody of %s\r\n", from, subject, subject)
	return []byte(raw)
}

func newTestWatcher(t *testing.T, box *fakeMailbox, st store.Store, opts ...Option) (*Watcher, *stats.Collector) {
	t.Helper()
	collector := stats.NewCollector()
	base := []Option{
		WithOpener(box.opener),
		WithEvents(collector.Apply),
		WithClock(func() time.Time { return time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC) }),
	}
	w, err := New(model.Credentials{Host: "mail.example", Port: 993, Username: "watcher"}, token, st, append(base, opts...)...)
	require.NoError(t, err)
	return w, collector
}

func TestNewValidates(t *testing.T) {
	_, err := New(model.Credentials{}, "", store.NewMemoryStore())
	require.Error(t, err)
	_, err = New(model.Credentials{}, token, nil)
	require.Error(t, err)
}

func TestIdleCycle(t *testing.T) {
	box := newMailbox(map[uint32][]byte{})
	st := store.NewMemoryStore()
	w, collector := newTestWatcher(t, box, st)

	outcome := w.RunCycle(context.Background())

	assert.Equal(t, model.OutcomeIdle, outcome.Kind)
	n, err := st.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, box.acks)
	assert.Equal(t, 1, box.closes)
	assert.Equal(t, 1, collector.Snapshot().IdleCycles)
	assert.Equal(t, StateIdle, w.Status().State)
}

func TestProcessedMessagesAreStoredThenAcknowledged(t *testing.T) {
	box := newMailbox(map[uint32][]byte{
		1: message("news@sendgrid.net", token+" one"),
		2: message("alice@example.com", token+" two", "Received: from a8-12.smtp-out.amazonses.com by mx.example.org"),
	})
	st := store.NewMemoryStore()
	var hooked []string
	w, collector := newTestWatcher(t, box, st, OnProcessed(func(rec model.Record) { hooked = append(hooked, rec.ESP) }))

	outcome := w.RunCycle(context.Background())

	assert.Equal(t, model.Processed(2, 0), outcome)
	assert.Equal(t, []uint32{1, 2}, box.acks)
	assert.Equal(t, []string{"SendGrid", "Amazon SES"}, hooked)

	counts, err := st.CountByProvider(context.Background())
	require.NoError(t, err)
	assert.Len(t, counts, 2)

	summary := collector.Snapshot()
	assert.Equal(t, 2, summary.Fetched)
	assert.Equal(t, 2, summary.Stored)
	assert.Equal(t, map[string]int{"SendGrid": 1, "Amazon SES": 1}, summary.ByESP)

	again := w.RunCycle(context.Background())
	assert.Equal(t, model.OutcomeIdle, again.Kind)
	assert.Equal(t, 2, box.closes)
}

func TestParseFailureIsNeverAcknowledged(t *testing.T) {
	box := newMailbox(map[uint32][]byte{
		5: []byte("this line has no colon\r\n\r\nbody"),
		6: message("bob@gmail.com", token),
	})
	st := store.NewMemoryStore()
	w, collector := newTestWatcher(t, box, st)

	first := w.RunCycle(context.Background())
	assert.Equal(t, model.Processed(1, 1), first)
	assert.Equal(t, []uint32{6}, box.acks)

	second := w.RunCycle(context.Background())
	assert.Equal(t, model.Processed(0, 1), second)
	assert.Equal(t, []uint32{6}, box.acks)
	assert.Equal(t, 2, collector.Snapshot().ParseFailures)

	n, err := st.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStorageFailureLeavesMessageUnseen(t *testing.T) {
	box := newMailbox(map[uint32][]byte{3: message("carol@yahoo.com", token)})
	st := &failingStore{MemoryStore: store.NewMemoryStore()}
	tracker := state.NewMemoryTracker()
	w, collector := newTestWatcher(t, box, st, WithTracker(tracker))

	outcome := w.RunCycle(context.Background())

	assert.Equal(t, model.Processed(0, 1), outcome)
	assert.Empty(t, box.acks)
	assert.Equal(t, 1, st.saves)
	assert.Zero(t, tracker.Snapshot().Processed)
	assert.Equal(t, 1, collector.Snapshot().Errors)

	sess, err := box.opener(context.Background(), model.Credentials{})
	require.NoError(t, err)
	uids, err := sess.Search(token)
	require.NoError(t, err)
	assert.Equal(t, []uint32{3}, uids)
}

func TestDuplicateContentIsAcknowledgedWithoutSecondSave(t *testing.T) {
	raw := message("dup@mailgun.org", token)
	box := newMailbox(map[uint32][]byte{10: raw})
	st := store.NewMemoryStore()
	w, collector := newTestWatcher(t, box, st)

	require.Equal(t, model.Processed(1, 0), w.RunCycle(context.Background()))

	// Redelivered copy of the same bytes, as after a lost acknowledgement.
	box.mu.Lock()
	box.messages[11] = raw
	box.mu.Unlock()

	outcome := w.RunCycle(context.Background())
	assert.Equal(t, model.Processed(0, 0), outcome)
	assert.Equal(t, []uint32{10, 11}, box.acks)
	assert.Equal(t, 1, collector.Snapshot().Duplicates)

	n, err := st.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAckFailureKeepsRecord(t *testing.T) {
	box := newMailbox(map[uint32][]byte{4: message("x@zoho.com", token)})
	box.ackErr = errors.New("mailbox is read-only")
	st := store.NewMemoryStore()
	w, collector := newTestWatcher(t, box, st)

	outcome := w.RunCycle(context.Background())

	assert.Equal(t, model.Processed(1, 0), outcome)
	assert.Equal(t, 1, collector.Snapshot().AckFailures)
	n, err := st.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCycleFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeMailbox)
		op    imap.Op
		opens int
	}{
		{
			name: "connect",
			setup: func(m *fakeMailbox) {
				m.openErr = &imap.Error{Op: imap.OpConnect, Err: errors.New("connection refused")}
			},
			op: imap.OpConnect,
		},
		{
			name:  "search",
			setup: func(m *fakeMailbox) { m.searchErr = errors.New("BAD") },
			op:    imap.OpSearch,
		},
		{
			name: "fetch",
			setup: func(m *fakeMailbox) {
				m.fetchErr = errors.New("connection reset")
				m.fetchFailAfter = 1
			},
			op: imap.OpFetch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			box := newMailbox(map[uint32][]byte{
				1: message("a@gmail.com", token+" a"),
				2: message("b@gmail.com", token+" b"),
			})
			tt.setup(box)
			w, collector := newTestWatcher(t, box, store.NewMemoryStore())

			outcome := w.RunCycle(context.Background())

			require.Equal(t, model.OutcomeFailed, outcome.Kind)
			assert.True(t, imap.IsOp(outcome.Reason, tt.op), "got %v", outcome.Reason)
			assert.Equal(t, StateErrorBackoff, w.Status().State)
			assert.Equal(t, 1, collector.Snapshot().Errors)
			if tt.op != imap.OpConnect {
				assert.Equal(t, 1, box.closes)
			}
		})
	}
}

func TestFetchFailureKeepsEarlierMessages(t *testing.T) {
	box := newMailbox(map[uint32][]byte{
		1: message("a@gmail.com", token+" a"),
		2: message("b@gmail.com", token+" b"),
	})
	box.fetchErr = errors.New("connection reset")
	box.fetchFailAfter = 1
	st := store.NewMemoryStore()
	w, _ := newTestWatcher(t, box, st)

	outcome := w.RunCycle(context.Background())

	require.Equal(t, model.OutcomeFailed, outcome.Kind)
	assert.Equal(t, []uint32{1}, box.acks)
	n, err := st.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRunWaitsOncePerCycleAndStops(t *testing.T) {
	box := newMailbox(map[uint32][]byte{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var waits []time.Duration
	w, collector := newTestWatcher(t, box, store.NewMemoryStore(), WithInterval(250*time.Millisecond))
	w.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		if len(waits) == 3 {
			cancel()
		}
		return ctx.Err()
	}

	err := w.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond, 250 * time.Millisecond}, waits)
	assert.Equal(t, 3, box.opens)
	assert.Equal(t, 3, box.closes)
	assert.Equal(t, 3, collector.Snapshot().Cycles)
	assert.Equal(t, StateIdle, w.Status().State)
}

func TestRunKeepsGoingAfterFailure(t *testing.T) {
	box := newMailbox(map[uint32][]byte{})
	box.openErr = errors.New("dial tcp: i/o timeout")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cycles := 0
	w, _ := newTestWatcher(t, box, store.NewMemoryStore())
	w.sleep = func(ctx context.Context, _ time.Duration) error {
		cycles++
		if cycles == 2 {
			box.mu.Lock()
			box.openErr = nil
			box.mu.Unlock()
		}
		if cycles == 3 {
			cancel()
		}
		return ctx.Err()
	}

	require.ErrorIs(t, w.Run(ctx), context.Canceled)
	assert.Equal(t, 3, box.opens)
	assert.Equal(t, "idle", w.Status().LastOutcome)
}

func TestStopBetweenMessages(t *testing.T) {
	box := newMailbox(map[uint32][]byte{
		1: message("a@gmail.com", token+" a"),
		2: message("b@gmail.com", token+" b"),
		3: message("c@gmail.com", token+" c"),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := store.NewMemoryStore()
	w, _ := newTestWatcher(t, box, st, OnProcessed(func(model.Record) { cancel() }))

	outcome := w.RunCycle(ctx)

	assert.Equal(t, model.Processed(1, 2), outcome)
	assert.Equal(t, []uint32{1}, box.acks)
	assert.Equal(t, 1, box.closes)
}

func TestRunReturnsImmediatelyWhenCancelled(t *testing.T) {
	box := newMailbox(map[uint32][]byte{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w, _ := newTestWatcher(t, box, store.NewMemoryStore())
	require.ErrorIs(t, w.Run(ctx), context.Canceled)
	assert.Zero(t, box.opens)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "error_backoff", StateErrorBackoff.String())
	assert.Equal(t, "state(42)", State(42).String())
	text, err := StateProcessing.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "processing", string(text))
}
