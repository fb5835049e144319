package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reploid-dev/reploid/audit"
	"github.com/reploid-dev/reploid/bundle"
)

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import a state bundle, replacing the currently persisted state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			bdl, err := bundle.ReadFile(args[0])
			if err != nil {
				return err
			}
			events, err := bundle.Import(a.fs, bdl, true)
			if err != nil {
				return err
			}
			a.auditLog.ImportRun(audit.Bundle{ProtocolVersion: audit.DefaultProtocolVersion, Events: events})
			if err := bundle.WriteFile(stateFile, bundle.Export(a.fs, a.auditLog, bdl.State, bdl.ExportedAt)); err != nil {
				return err
			}
			fmt.Printf("imported %d file(s), %d event(s) from %s\n", bdl.Manifest.FileCount, bdl.Manifest.EventCount, args[0])
			return nil
		},
	}
}
