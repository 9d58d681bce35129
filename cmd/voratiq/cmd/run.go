package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/voratiq/voratiq/internal/abortregistry"
	"github.com/voratiq/voratiq/internal/credential"
	"github.com/voratiq/voratiq/internal/gitutil"
	"github.com/voratiq/voratiq/internal/runcontroller"
	"github.com/voratiq/voratiq/internal/runrecord"
	"github.com/voratiq/voratiq/internal/sandbox"
	"github.com/voratiq/voratiq/internal/voratiqlog"
)

var (
	maxParallel int
	agentIDs    []string
	regionDB    string
)

func init() {
	runCmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "cap on concurrently running agents (0 means no explicit cap)")
	runCmd.Flags().StringSliceVar(&agentIDs, "agent", nil, "run only this agent id (repeatable; default is every agent in agents.yaml)")
	runCmd.Flags().StringVar(&regionDB, "region-db", "", "path to a MaxMind-format country database, used to log a diagnostic region hint per provider API host (optional)")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <spec-file>",
	Short: "Run every configured agent against a spec in parallel worktrees",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		voratiqlog.Default(slog.LevelInfo)

		if regionDB != "" {
			if err := credential.LoadRegionDB(regionDB); err != nil {
				return fmt.Errorf("loading region database: %w", err)
			}
		}

		specAbsPath, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolving spec path: %w", err)
		}
		root, err := findGitRoot(filepath.Dir(specAbsPath))
		if err != nil {
			return err
		}

		ctx := context.Background()

		abort := abortregistry.NewRegistry()
		stopSignals := abortregistry.ListenForSignals(abort)
		defer stopSignals()

		in := runcontroller.Input{
			Root:            root,
			SpecAbsPath:     specAbsPath,
			SpecDisplayPath: relOrAbs(root, specAbsPath),
			AgentIDs:        agentIDs,
			MaxParallel:     maxParallel,
			Ops:             gitutil.NewCLI(),
			Spawner:         sandbox.PTYSpawner{},
			Store:           runrecord.NewStore(root),
			Credentials:     credential.NewRegistry(),
			Abort:           abort,
			Runtime:         runtimeFromEnv(),
		}

		report, code, err := runcontroller.ExecuteRun(ctx, in)
		if err != nil {
			return fmt.Errorf("executing run: %w", err)
		}

		printReport(cmd, report)
		exitCode = code
		return nil
	},
}

// runtimeFromEnv builds the credential.Runtime the host's environment
// implies, following the teacher's posture of reading the invoking user's
// config locations once at the entrypoint rather than deep in the engine.
func runtimeFromEnv() credential.Runtime {
	home := os.Getenv("HOME")
	if home == "" {
		home = os.Getenv("USERPROFILE")
	}
	return credential.Runtime{
		Home:            home,
		XDGConfigHome:   os.Getenv("XDG_CONFIG_HOME"),
		ClaudeConfigDir: os.Getenv("CLAUDE_CONFIG_DIR"),
	}
}

func findGitRoot(dir string) (string, error) {
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("could not find a git repository root above %s", dir)
		}
		dir = parent
	}
}

func relOrAbs(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}

func printReport(cmd *cobra.Command, report runcontroller.RunReport) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s: %s\n", report.RunID, report.Status)
	for _, ag := range report.Agents {
		fmt.Fprintf(out, "  %-20s %-10s", ag.AgentID, ag.Status)
		if ag.CommitSha != "" {
			fmt.Fprintf(out, " commit=%s", ag.CommitSha[:12])
		}
		if ag.Error != "" {
			fmt.Fprintf(out, " error=%q", ag.Error)
		}
		fmt.Fprintln(out)
	}
}
