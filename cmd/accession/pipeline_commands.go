package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newPipelineCommand(ctx *commandContext) *cobra.Command {
	pipelineCmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Quiet, unquiet or stop the pipeline",
	}
	for _, action := range []struct {
		name  string
		short string
		done  string
	}{
		{"quiet", "Stop starting jobs and wait for running ones to finish", "Quiet requested; running jobs will finish"},
		{"unquiet", "Resume scheduling after quiet", "Unquiet requested; scheduling resumes"},
		{"stop", "Quiet the pipeline and mark it stopped", "Stop requested"},
	} {
		pipelineCmd.AddCommand(&cobra.Command{
			Use:   action.name,
			Short: action.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := ctx.client()
				if err != nil {
					return err
				}
				resp, err := client.PipelineAction(cmd.Context(), action.name)
				if err != nil {
					return wrapDaemonError(err)
				}
				return ctx.emit(cmd, resp, func(out io.Writer) error {
					fmt.Fprintln(out, action.done)
					return nil
				})
			},
		})
	}
	return pipelineCmd
}
