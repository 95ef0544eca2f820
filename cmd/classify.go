package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dhcgn/espwatch/config"
	"github.com/dhcgn/espwatch/mbox"
	"github.com/dhcgn/espwatch/provider"
	"github.com/dhcgn/espwatch/stats"
)

func newClassifyCommand() *cobra.Command {
	var (
		top int
		all bool
	)
	cmd := &cobra.Command{
		Use:   "classify [mbox file]",
		Short: "Print the provider tally of an mbox archive without storing anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(cmd, func(cmd *cobra.Command, _ config.Config, logger *slog.Logger) error {
				tally, err := mbox.Classify(cmd.Context(), args[0], nil)
				if err != nil {
					return err
				}
				logger.Debug("archive classified", "path", args[0], "messages", tally.Total, "failed", tally.Failed)

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Messages: %d (unparsable: %d)\n\n", tally.Total, tally.Failed)
				if all {
					printAllProviders(out, tally.Provider)
					return nil
				}
				stats.PrettyPrintTop(out, tally.Provider, top)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&top, "top", 10, "Number of providers to list")
	cmd.Flags().BoolVar(&all, "all", false, "List every known provider in table order, including those with no messages")
	return cmd
}

func printAllProviders(out io.Writer, counts map[string]int) {
	for _, label := range provider.Labels() {
		fmt.Fprintf(out, "%-12s %d\n", label, counts[string(label)])
	}
}
