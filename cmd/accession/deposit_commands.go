package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"accession/internal/api"
)

func newDepositCommand(ctx *commandContext) *cobra.Command {
	depositCmd := &cobra.Command{
		Use:     "deposit",
		Aliases: []string{"deposits"},
		Short:   "Inspect and control deposits",
	}
	depositCmd.AddCommand(newDepositListCommand(ctx))
	depositCmd.AddCommand(newDepositShowCommand(ctx))
	depositCmd.AddCommand(newDepositRegisterCommand(ctx))
	for _, action := range []struct {
		name  string
		short string
	}{
		{"pause", "Pause a deposit after its current job"},
		{"resume", "Resume a paused deposit"},
		{"cancel", "Cancel a deposit and clean up its files"},
		{"destroy", "Cancel a deposit regardless of state and clean up immediately"},
	} {
		depositCmd.AddCommand(newDepositActionCommand(ctx, action.name, action.short))
	}
	return depositCmd
}

func newDepositListCommand(ctx *commandContext) *cobra.Command {
	var states []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deposits",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			deposits, err := client.Deposits(cmd.Context(), states...)
			if err != nil {
				return wrapDaemonError(err)
			}
			return ctx.emit(cmd, deposits, func(out io.Writer) error {
				if len(deposits) == 0 {
					fmt.Fprintln(out, "No deposits")
					return nil
				}
				fmt.Fprintln(out, renderTable(depositListColumns, depositRows(deposits)))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&states, "state", "s", nil, "Only list deposits in these states")
	return cmd
}

func newDepositShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a deposit and its jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			deposit, err := client.Deposit(cmd.Context(), args[0])
			if errors.Is(err, api.ErrNotFound) {
				return fmt.Errorf("deposit %s not found", args[0])
			}
			if err != nil {
				return wrapDaemonError(err)
			}
			return ctx.emit(cmd, deposit, func(out io.Writer) error {
				renderDeposit(out, deposit)
				return nil
			})
		},
	}
}

func renderDeposit(out io.Writer, d *api.Deposit) {
	fields := [][2]string{
		{"ID", d.ID},
		{"State", d.State},
		{"Last action", d.Action},
		{"Priority", d.Priority},
		{"Depositor", d.Depositor},
		{"Email", d.DepositorEmail},
		{"Packaging", d.PackagingType},
		{"Method", d.Method},
		{"Submitted by", d.Username},
		{"Current job", d.CurrentJob},
		{"Ingested", fmt.Sprintf("%d", d.IngestedObjects)},
		{"Cleanup", d.Cleanup},
		{"Locked", yesNo(d.Locked)},
		{"Submitted", d.SubmittedAt},
		{"Started", d.StartedAt},
		{"Ended", d.EndedAt},
		{"Error", d.ErrorMessage},
	}
	for _, f := range fields {
		if strings.TrimSpace(f[1]) == "" {
			continue
		}
		fmt.Fprintf(out, "%-14s %s\n", f[0]+":", f[1])
	}
	if len(d.Jobs) == 0 {
		return
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, renderTable(depositJobColumns, jobRows(d.Jobs)))
}

func newDepositRegisterCommand(ctx *commandContext) *cobra.Command {
	var req api.RegisterRequest
	cmd := &cobra.Command{
		Use:   "register <file>...",
		Short: "Register a deposit of staged files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := stagedRefs(args)
			if err != nil {
				return err
			}
			req.StagedFiles = files
			if err := req.Validate(); err != nil {
				return err
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}
			resp, err := client.Register(cmd.Context(), req)
			if err != nil {
				return wrapDaemonError(err)
			}
			return ctx.emit(cmd, resp, func(out io.Writer) error {
				fmt.Fprintf(out, "Deposit %s registered (%d files)\n", resp.ID, len(files))
				return nil
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.ID, "id", "", "Deposit id (generated when empty)")
	flags.StringVar(&req.Depositor, "depositor", "", "Depositor name")
	flags.StringVar(&req.DepositorEmail, "email", "", "Depositor email")
	flags.StringVar(&req.PackagingType, "packaging", "", "Packaging type selecting the job plan")
	flags.StringVar(&req.Method, "method", "cli", "Deposit method")
	flags.StringVar(&req.Priority, "priority", "normal", "Priority: low, normal or high")
	flags.BoolVar(&req.StaffOnly, "staff-only", false, "Restrict ingested objects to staff")
	flags.BoolVar(&req.OverrideTimestamps, "override-timestamps", false, "Keep file timestamps from the staged files")
	flags.BoolVar(&req.ExcludeRecord, "exclude-record", false, "Do not create a deposit record")
	flags.BoolVar(&req.CreateParentFolder, "create-parent-folder", false, "Wrap ingested objects in a parent folder")
	return cmd
}

// stagedRefs turns relative file arguments into absolute paths. URIs pass
// through unchanged.
func stagedRefs(args []string) ([]string, error) {
	refs := make([]string, 0, len(args))
	for _, arg := range args {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			continue
		}
		if strings.Contains(arg, "://") {
			refs = append(refs, arg)
			continue
		}
		abs, err := filepath.Abs(arg)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", arg, err)
		}
		refs = append(refs, abs)
	}
	return refs, nil
}

func newDepositActionCommand(ctx *commandContext, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var (
				accepted []*api.AcceptedResponse
				lines    []string
				failed   []string
			)
			for _, id := range args {
				resp, err := client.DepositAction(cmd.Context(), id, action)
				if errors.Is(err, api.ErrNotFound) {
					lines = append(lines, fmt.Sprintf("Deposit %s not found", id))
					failed = append(failed, id)
					continue
				}
				if err != nil {
					return wrapDaemonError(err)
				}
				accepted = append(accepted, resp)
				lines = append(lines, fmt.Sprintf("Deposit %s: %s requested", id, strings.ToLower(resp.Action)))
			}
			err = ctx.emit(cmd, accepted, func(out io.Writer) error {
				for _, line := range lines {
					fmt.Fprintln(out, line)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if len(failed) > 0 {
				return fmt.Errorf("%s failed for %s", action, strings.Join(failed, ", "))
			}
			return nil
		},
	}
}
