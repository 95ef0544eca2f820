package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dhcgn/espwatch/config"
	"github.com/dhcgn/espwatch/mbox"
	"github.com/dhcgn/espwatch/progress"
	"github.com/dhcgn/espwatch/runner"
	"github.com/dhcgn/espwatch/stats"
)

func newImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import [mbox file]",
		Short: "Classify and store every message of an mbox archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(cmd, func(cmd *cobra.Command, cfg config.Config, logger *slog.Logger) error {
				return runImport(cmd, cfg, logger, args[0])
			})
		},
	}
}

func runImport(cmd *cobra.Command, cfg config.Config, logger *slog.Logger, path string) error {
	total, err := mbox.Count(path)
	if err != nil {
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

	logger.Info("importing mbox", "path", path, "messages", total)

	stats.NewReporter(r, logger)
	progress.NewReporter(r, progress.New(total, cfg.LogLevel), cmd.OutOrStdout(), logger)

	importer := mbox.NewImporter(st,
		mbox.WithTracker(tracker),
		mbox.WithEvents(r.EmitEvent),
		mbox.WithLogger(logger),
	)
	r.AddStage("mbox", func(ctx context.Context) error {
		if err := importer.Import(ctx, path); err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		return nil
	})

	return r.Wait()
}
