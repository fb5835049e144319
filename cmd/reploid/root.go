// Command reploid is the reference CLI embedding of the REPLOID agent
// substrate: one process per invocation, state persisted to a bundle file on
// disk between runs. See spec §6 "CLI surface".
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	stateFile   string
	approvalDir string
	configFile  string
)

var rootCmd = &cobra.Command{
	Use:   "reploid",
	Short: "REPLOID — a self-modifying agent substrate",
	Long: "REPLOID drives a Think-Act-Observe-Reflect agent cycle over a versioned\n" +
		"virtual file system, gated by a verification pipeline and human-in-the-loop\n" +
		"approval. This CLI is a reference embedding: each invocation loads\n" +
		"persisted state, performs one operation, and saves state back out.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&stateFile, "state", "./reploid.state.json", "path to the persisted state bundle")
	rootCmd.PersistentFlags().StringVar(&approvalDir, "approval-dir", "./.reploid/approvals", "directory used to exchange pending approval decisions with a concurrently running `run`")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./reploid.yaml", "path to the on-disk bootstrap configuration file")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(approveCmd())
}

// Execute runs the root cobra command and returns the process exit code per
// spec §6 (0 success, 2 user-rejected approval, 3 breaker tripped, 4
// verification failure, 1 other error).
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		if ce, ok := err.(cliError); ok {
			fmt.Fprintln(os.Stderr, ce.Error())
			return ce.code
		}
		fmt.Fprintln(os.Stderr, err)
		return exitOtherError
	}
	return exitSuccess
}

const (
	exitSuccess            = 0
	exitOtherError         = 1
	exitApprovalRejected   = 2
	exitBreakerTripped     = 3
	exitVerificationFailed = 4
)

// cliError carries a deliberate, spec-mandated exit code alongside the
// diagnostic cobra prints; returning a plain error from a RunE would always
// map to exitOtherError.
type cliError struct {
	code int
	err  error
}

func (e cliError) Error() string { return e.err.Error() }

func newCliError(code int, format string, args ...any) error {
	return cliError{code: code, err: fmt.Errorf(format, args...)}
}
