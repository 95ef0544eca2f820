// Package runner runs the long-lived parts of the process as stages that share
// one context and one event stream.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/espwatch/stats"
)

type StageFunc func(context.Context) error

const subscriberBuffer = 128

// Runner starts every stage in its own goroutine. The first stage error
// cancels the shared context; context.Canceled counts as a clean stop.
type Runner struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	subMu       sync.Mutex
	subscribers []chan stats.Event
	closeOnce   sync.Once

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	since time.Time
}

func New(parent context.Context, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(parent)
	return &Runner{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		since:  time.Now(),
	}
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

// EmitEvent delivers evt to every subscriber. Events emitted after the
// runner was cancelled are dropped.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.subMu.Lock()
	subs := r.subscribers
	r.subMu.Unlock()

	for _, ch := range subs {
		select {
		case <-r.ctx.Done():
			return
		case ch <- evt:
		}
	}
}

// SubscribeStats runs fn with a private copy of the event stream. Subscribe
// before adding stages so no event is missed.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, subscriberBuffer)
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		err := fn(r.ctx)
		switch {
		case err == nil:
			r.logger.Debug("stage finished", "stage", name)
		case errors.Is(err, context.Canceled):
			r.logger.Debug("stage stopped", "stage", name)
		default:
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// Wait blocks until every stage has returned, drains the subscribers and
// reports the first stage error.
func (r *Runner) Wait() error {
	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("run failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("run completed", "duration", duration)
	return nil
}

// Stop cancels every stage.
func (r *Runner) Stop() {
	r.cancel()
}

func (r *Runner) closeEvents() {
	r.closeOnce.Do(func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		for _, ch := range r.subscribers {
			close(ch)
		}
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
