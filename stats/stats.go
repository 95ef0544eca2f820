package stats

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"
)

type Stage string

const (
	StageWatcher Stage = "watcher"
	StageImport  Stage = "import"
)

type EventType string

const (
	EventTypeCycle       EventType = "cycle"
	EventTypeIdle        EventType = "idle"
	EventTypeFetched     EventType = "fetched"
	EventTypeStored      EventType = "stored"
	EventTypeDuplicate   EventType = "duplicate"
	EventTypeParseFailed EventType = "parse_failed"
	EventTypeAckFailed   EventType = "ack_failed"
	EventTypeError       EventType = "error"
)

type Event struct {
	Stage    Stage
	Type     EventType
	UID      uint32
	RecordID string
	ESP      string
	Err      error
}

type Summary struct {
	Cycles        int            `json:"cycles"`
	IdleCycles    int            `json:"idleCycles"`
	Fetched       int            `json:"fetched"`
	Stored        int            `json:"stored"`
	Duplicates    int            `json:"duplicates"`
	ParseFailures int            `json:"parseFailures"`
	AckFailures   int            `json:"ackFailures"`
	Errors        int            `json:"errors"`
	ByESP         map[string]int `json:"byEsp"`
	LastError     string         `json:"lastError,omitempty"`
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"cycles", s.Cycles,
		"idleCycles", s.IdleCycles,
		"fetched", s.Fetched,
		"stored", s.Stored,
		"duplicates", s.Duplicates,
		"parseFailures", s.ParseFailures,
		"ackFailures", s.AckFailures,
		"errors", s.Errors,
	}
	if s.LastError != "" {
		attrs = append(attrs, "lastError", s.LastError)
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{summary: Summary{ByESP: make(map[string]int)}}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

// Snapshot returns a copy of the current summary.
func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	summary := c.summary
	summary.ByESP = make(map[string]int, len(c.summary.ByESP))
	for k, v := range c.summary.ByESP {
		summary.ByESP[k] = v
	}
	return summary
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeCycle:
		c.summary.Cycles++
	case EventTypeIdle:
		c.summary.IdleCycles++
	case EventTypeFetched:
		c.summary.Fetched++
	case EventTypeStored:
		c.summary.Stored++
		if evt.ESP != "" {
			c.summary.ByESP[evt.ESP]++
		}
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeParseFailed:
		c.summary.ParseFailures++
		c.setLastError(evt.Err)
	case EventTypeAckFailed:
		c.summary.AckFailures++
		c.setLastError(evt.Err)
	case EventTypeError:
		c.summary.Errors++
		c.setLastError(evt.Err)
	}
}

func (c *Collector) setLastError(err error) {
	if err != nil {
		c.summary.LastError = err.Error()
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

// Reporter collects events from a stream and logs a summary when the stream
// ends.
type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrettyPrintTop writes the limit most frequent keys of m to w, highest count
// first and ties by key.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	type pair struct {
		Key   string
		Value int
	}

	pairs := make([]pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, pair{k, v})
	}

	slices.SortFunc(pairs, func(a, b pair) int {
		if c := cmp.Compare(b.Value, a.Value); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})

	for i := 0; i < limit && i < len(pairs); i++ {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, pairs[i].Key, pairs[i].Value)
	}
}
