package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dhcgn/espwatch/api"
	"github.com/dhcgn/espwatch/config"
	"github.com/dhcgn/espwatch/metrics"
	"github.com/dhcgn/espwatch/model"
	"github.com/dhcgn/espwatch/runner"
	"github.com/dhcgn/espwatch/state"
	"github.com/dhcgn/espwatch/stats"
	"github.com/dhcgn/espwatch/store"
	"github.com/dhcgn/espwatch/watcher"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Watch the mailbox and serve the HTTP API (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(cmd, runServe)
		},
	}
}

// serviceStatus backs GET /watcher.
type serviceStatus struct {
	watcher.Status
	Stats   stats.Summary  `json:"stats"`
	Tracker state.Snapshot `json:"tracker"`
}

func runServe(cmd *cobra.Command, cfg config.Config, logger *slog.Logger) error {
	if err := cfg.ValidateIMAP(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := runner.New(ctx, logger)
	defer r.Stop()

	st, tracker, cleanup, err := openStorage(r.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.TokenGenerated {
		logger.Info("generated subject token", "token", cfg.SubjectToken)
	}
	logger.Info("starting espwatch",
		"imap", fmt.Sprintf("%s:%d", cfg.IMAPHost, cfg.IMAPPort),
		"mailbox", cfg.Mailbox,
		"addr", cfg.ListenAddr(),
		"interval", cfg.PollInterval,
	)

	reporter := stats.NewReporter(r, logger)
	r.SubscribeStats("metrics", observeMetrics)

	w, err := watcher.New(cfg.Credentials(), cfg.SubjectToken, st,
		watcher.WithInterval(cfg.PollInterval),
		watcher.WithMailbox(cfg.Mailbox),
		watcher.WithTracker(tracker),
		watcher.WithEvents(r.EmitEvent),
		watcher.WithLogger(logger),
		watcher.OnProcessed(func(rec model.Record) {
			logger.Debug("email processed", "id", rec.ID, "esp", rec.ESP)
		}),
	)
	if err != nil {
		return fmt.Errorf("watcher.New: %w", err)
	}

	handler := api.NewRouter(api.Options{
		Store:          st,
		TestAddress:    cfg.IMAPUser,
		SubjectToken:   cfg.SubjectToken,
		AllowedOrigins: cfg.CORSOrigins,
		Logger:         logger,
		Status: func() any {
			return serviceStatus{Status: w.Status(), Stats: reporter.Summary(), Tracker: tracker.Snapshot()}
		},
	})
	srv := api.NewServer(cfg.ListenAddr(), handler)

	r.AddStage("watcher", w.Run)
	r.AddStage("http", func(ctx context.Context) error {
		return api.Serve(ctx, srv, nil, logger)
	})

	return r.Wait()
}

// openStorage opens the record store and a duplicate tracker that consults it.
func openStorage(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, state.Tracker, func(), error) {
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("create state directory: %w", err)
	}
	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	return st, state.NewStoreTracker(st, logger), func() { _ = st.Close() }, nil
}

func observeMetrics(_ context.Context, events <-chan stats.Event) error {
	for evt := range events {
		metrics.ObserveEvent(evt)
	}
	return nil
}
