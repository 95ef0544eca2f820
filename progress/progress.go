package progress

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/espwatch/stats"
)

// Bar tracks an archive replay. It only renders when enabled.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	done    int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar for total messages. The bar is shown only at
// log level info so it does not interleave with debug output.
func New(total int, logLevel string) *Bar {
	bar := &Bar{total: total, enabled: logLevel == "info" && total > 0}
	if !bar.enabled {
		return bar
	}

	pterm.Info.Printf("Messages in archive: %d\n", total)
	pb, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle("Importing messages").
		Start()
	if err != nil {
		bar.enabled = false
		return bar
	}
	bar.pb = pb
	return bar
}

// Update advances the bar for every fetched message and prints failures
// above it.
func (b *Bar) Update(evt stats.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeFetched:
		b.done++
		if b.enabled && b.pb != nil {
			b.pb.Increment()
		}
	case stats.EventTypeStored:
		if b.enabled && b.pb != nil && evt.ESP != "" {
			b.pb.UpdateTitle("Importing: " + evt.ESP)
		}
	case stats.EventTypeParseFailed, stats.EventTypeError:
		if b.enabled && evt.Err != nil {
			pterm.Error.Printf("message %d: %v\n", evt.UID, evt.Err)
		}
	}
}

// Done reports how many messages the bar has seen.
func (b *Bar) Done() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.enabled || b.pb == nil {
		return
	}
	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
	b.pb = nil
}

// Subscriber feeds the bar from an event stream until it closes.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// Reporter drives a Bar and prints a summary table once the stream ends.
type Reporter struct {
	bar       *Bar
	collector *stats.Collector
	out       io.Writer
	logger    *slog.Logger
	started   time.Time
}

// NewReporter subscribes bar and a summary collector to stream. Output goes
// to out, or stdout when out is nil.
func NewReporter(stream stats.EventStream, bar *Bar, out io.Writer, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Reporter{
		bar:       bar,
		collector: stats.NewCollector(),
		out:       out,
		logger:    logger,
		started:   time.Now(),
	}
	if bar != nil {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
	}
	stream.SubscribeStats("progress-summary", r.collect)
	return r
}

func (r *Reporter) Summary() stats.Summary {
	return r.collector.Snapshot()
}

func (r *Reporter) collect(ctx context.Context, events <-chan stats.Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	r.logger.Debug("import finished", append(summary.LogAttrs(), "duration", time.Since(r.started))...)
	return r.Print(summary)
}

// Print renders summary as a table.
func (r *Reporter) Print(summary stats.Summary) error {
	data := pterm.TableData{
		{"Metric", "Count"},
		{"Read", strconv.Itoa(summary.Fetched)},
		{"Stored", strconv.Itoa(summary.Stored)},
		{"Duplicates (skipped)", strconv.Itoa(summary.Duplicates)},
		{"Parse failures", strconv.Itoa(summary.ParseFailures)},
		{"Errors", strconv.Itoa(summary.Errors)},
	}
	if err := pterm.DefaultTable.WithHasHeader().WithWriter(r.out).WithData(data).Render(); err != nil {
		return err
	}
	if summary.LastError != "" {
		pterm.Error.WithWriter(r.out).Printf("Last error: %s\n", summary.LastError)
	}
	return nil
}
