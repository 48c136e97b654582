package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"accession/internal/api"
	"accession/internal/config"
	"accession/internal/daemonrun"
	"accession/internal/logging"
	"accession/internal/preflight"
	"accession/internal/status"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, pipeline and deposit status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)

			reqCtx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			resp, err := client.Status(reqCtx)
			if err != nil {
				cfg, _ := ctx.ensureConfig()
				return renderOfflineStatus(cmd.Context(), stdout, cfg, err, colorize)
			}
			return ctx.emit(cmd, resp, func(out io.Writer) error {
				renderDaemonStatus(out, resp, colorize)
				return nil
			})
		},
	}
}

func renderDaemonStatus(out io.Writer, resp *api.DaemonStatus, colorize bool) {
	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, renderStatusLine("Daemon", statusOK, fmt.Sprintf("running (pid %d)", resp.PID), colorize))
	fmt.Fprintln(out, renderStatusLine("Worker", statusInfo, resp.WorkerID, colorize))
	fmt.Fprintln(out, renderStatusLine("Active jobs", statusInfo, fmt.Sprintf("%d", resp.ActiveJobs), colorize))
	fmt.Fprintln(out, renderStatusLine("Backends", statusInfo, fmt.Sprintf("store=%s bus=%s", resp.StoreBackend, resp.BusBackend), colorize))
	for _, line := range pipelineLines(resp.Pipeline, colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out)

	if len(resp.JobHealth) > 0 {
		for _, line := range renderSectionHeader("Jobs", colorize) {
			fmt.Fprintln(out, line)
		}
		for _, line := range jobHealthLines(resp.JobHealth, colorize) {
			fmt.Fprintln(out, line)
		}
		fmt.Fprintln(out)
	}

	for _, line := range renderSectionHeader("Deposits", colorize) {
		fmt.Fprintln(out, line)
	}
	order := make([]string, 0, len(status.DepositStates()))
	for _, s := range status.DepositStates() {
		order = append(order, string(s))
	}
	rows := depositCountRows(resp.Pipeline.Deposits, order)
	if len(rows) == 0 {
		fmt.Fprintln(out, "No deposits")
		return
	}
	fmt.Fprintln(out, renderTable(depositCountColumns, rows))
}

// renderOfflineStatus reports an unreachable daemon together with the local
// checks that would block it from starting.
func renderOfflineStatus(ctx context.Context, out io.Writer, cfg *config.Config, cause error, colorize bool) error {
	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, renderStatusLine("Daemon", statusError, "not reachable", colorize))
	fmt.Fprintln(out, renderStatusLine("Reason", statusInfo, cause.Error(), colorize))
	fmt.Fprintln(out)
	if cfg == nil {
		return nil
	}

	var store status.Store
	if cfg.Store.Backend != "memory" {
		opened, err := daemonrun.OpenStore(ctx, cfg, logging.NewNop())
		if err != nil {
			fmt.Fprintln(out, renderStatusLine("Status Store", statusError, err.Error(), colorize))
		} else {
			defer opened.Close()
			store = opened
		}
	}
	for _, line := range renderSectionHeader("Preflight", colorize) {
		fmt.Fprintln(out, line)
	}
	for _, line := range preflightLines(preflight.RunAll(ctx, cfg, store), colorize) {
		fmt.Fprintln(out, line)
	}
	return nil
}
