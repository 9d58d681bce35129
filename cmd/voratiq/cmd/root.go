package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "voratiq",
	Short: "voratiq — run multiple coding agents against a spec in parallel",
	Long: `voratiq fans a Markdown spec out to several LLM coding agents, each in
its own isolated git worktree under a sandbox policy, and collects
their diffs, logs, and eval results into a durable run record.

This binary is a demonstration entrypoint for the engine's run
subcommand only; the list/prune/apply/review/spec surface of a full
voratiq CLI stays an external collaborator.`,
}

// exitCode is set by a subcommand's RunE when the engine itself produced a
// non-zero exit code (e.g. an agent failure) without returning a cobra
// error — distinct from a cobra usage/validation error, which os.Exit(1)s
// from main via Execute's returned error.
var exitCode int

// ExitCode returns the process exit code the last Execute run should use
// when it returned a nil error.
func ExitCode() int {
	return exitCode
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("voratiq: %w", err)
	}
	return nil
}
