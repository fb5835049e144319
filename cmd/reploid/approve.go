package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

func approveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id> yes|no",
		Short: "Decide a pending approval request left by a concurrently running `run`",
		Long: "approve writes a decision file that a blocked `run` invocation's approval\n" +
			"resolver goroutine is polling for (see --approval-dir). It only has an\n" +
			"effect while the `run` that filed the request is still blocked on it; a\n" +
			"decision for an id nobody is waiting on is recorded and ignored; a warning\n" +
			"is printed when no request file exists for the id.",
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, verdict := args[0], strings.ToLower(args[1])
			if verdict != "yes" && verdict != "no" {
				return newCliError(exitOtherError, "approve: decision must be yes or no, got %q", args[1])
			}
			note := ""
			if len(args) == 3 {
				note = args[2]
			}
			reqPath := filepath.Join(approvalDir, id+".request")
			if _, err := os.Stat(reqPath); err != nil {
				fmt.Fprintf(os.Stderr, "warning: no pending request file for %s (it may have already been decided or expired)\n", id)
			}
			if err := os.MkdirAll(approvalDir, 0o755); err != nil {
				return err
			}
			decisionPath := filepath.Join(approvalDir, id+".decision")
			content := verdict
			if note != "" {
				content += " " + note
			}
			if err := os.WriteFile(decisionPath, []byte(content), 0o644); err != nil {
				return err
			}
			fmt.Printf("recorded decision %q for %s\n", verdict, id)
			return nil
		},
	}
}
