package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/reploid-dev/reploid/cycle"
)

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Create, restore, or list whole-VFS snapshots",
	}
	cmd.AddCommand(snapshotCreateCmd(), snapshotRestoreCmd(), snapshotListCmd())
	return cmd
}

func snapshotCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Capture every non-snapshot path into a new named snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			snap, err := a.snapshots.Create(ctx, args[0])
			if err != nil {
				return err
			}
			if err := a.save(ctx, cycle.Counters{}, time.Now().UTC().Format(time.RFC3339)); err != nil {
				return err
			}
			fmt.Printf("created snapshot %q with %d file(s)\n", snap.Name, len(snap.Files))
			return nil
		},
	}
}

func snapshotRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <name>",
		Short: "Replace VFS contents with a named snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			if err := a.snapshots.Restore(ctx, args[0]); err != nil {
				return err
			}
			if err := a.save(ctx, cycle.Counters{}, time.Now().UTC().Format(time.RFC3339)); err != nil {
				return err
			}
			fmt.Printf("restored snapshot %q\n", args[0])
			return nil
		},
	}
}

func snapshotListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every snapshot name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			names := a.snapshots.List()
			fmt.Println(strings.Join(names, "\n"))
			return nil
		},
	}
}
