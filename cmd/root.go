// Package cmd wires the espwatch commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/espwatch/config"
)

// NewRootCommand builds the command tree. Running the root command without a
// subcommand starts the service.
func NewRootCommand() (*cobra.Command, error) {
	root := &cobra.Command{
		Use:           "espwatch",
		Short:         "Watch a mailbox for test messages and classify their sending provider",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(cmd, runServe)
		},
	}

	if err := config.RegisterFlags(root); err != nil {
		return nil, fmt.Errorf("register CLI flags: %w", err)
	}

	root.AddCommand(newServeCommand(), newImportCommand(), newClassifyCommand())
	return root, nil
}

// Execute runs the command tree with ctx.
func Execute(ctx context.Context) error {
	root, err := NewRootCommand()
	if err != nil {
		return err
	}
	return root.ExecuteContext(ctx)
}

type runFunc func(cmd *cobra.Command, cfg config.Config, logger *slog.Logger) error

// withConfig loads the configuration, installs the logger and calls fn.
func withConfig(cmd *cobra.Command, fn runFunc) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return err
	}

	logger, cleanup, err := setupLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		_ = cleanup()
	}()

	slog.SetDefault(logger)
	return fn(cmd, cfg, logger)
}

func setupLogger(cfg config.Config, out io.Writer) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("espwatch-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		out = io.MultiWriter(out, file)
		cleanup = file.Close
	}

	return slog.New(newHandler(cfg.LogFormat, out, opts)), cleanup, nil
}

func newHandler(format string, out io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(out, opts)
	}
	return slog.NewTextHandler(out, opts)
}
