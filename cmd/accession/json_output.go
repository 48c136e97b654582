package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
)

// emit writes v as indented JSON when --json is set and otherwise lets
// render print the human view to the command's stdout.
func (c *commandContext) emit(cmd *cobra.Command, v any, render func(io.Writer) error) error {
	out := cmd.OutOrStdout()
	if !c.jsonOutput() {
		return render(out)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
