package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"accession/internal/daemonrun"
	"accession/internal/logs"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var lines int
	var follow bool
	var deposit string
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the daemon log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			path := filepath.Join(cfg.Paths.LogDir, daemonrun.LogFileName)
			out := cmd.OutOrStdout()
			chunk, err := logs.Read(cmd.Context(), path, logs.Options{Offset: logs.FromEnd, Limit: lines, Match: deposit})
			if err != nil {
				return err
			}
			for _, line := range chunk.Lines {
				fmt.Fprintln(out, line)
			}
			if !follow {
				return nil
			}
			return logs.Follow(cmd.Context(), path, chunk.Offset, deposit, func(batch []string) error {
				for _, line := range batch {
					fmt.Fprintln(out, line)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines")
	cmd.Flags().StringVarP(&deposit, "deposit", "d", "", "Only show lines mentioning this deposit or job id")
	return cmd
}
