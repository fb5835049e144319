package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/reploid-dev/reploid/bundle"
	"github.com/reploid-dev/reploid/cycle"
)

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Export the persisted state bundle to file (default: --state path)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			out := stateFile
			if len(args) == 1 {
				out = args[0]
			}
			bdl := bundle.Export(a.fs, a.auditLog, cycle.Counters{}, time.Now().UTC().Format(time.RFC3339))
			if err := bundle.WriteFile(out, bdl); err != nil {
				return err
			}
			fmt.Printf("exported %d file(s), %d event(s) to %s\n", bdl.Manifest.FileCount, bdl.Manifest.EventCount, out)
			return nil
		},
	}
}
