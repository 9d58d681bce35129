// Command voratiq is a minimal demonstration entrypoint for the run
// orchestration engine. It is not a reimplementation of the full CLI
// surface described in spec.md §1/§6 (list/prune/apply/review/spec stay
// external collaborators) — just enough wiring to exercise execute_run
// end to end: load config, build the engine's narrow collaborators, run,
// print a report.
package main

import (
	"fmt"
	"os"

	"github.com/voratiq/voratiq/cmd/voratiq/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(cmd.ExitCode())
}
