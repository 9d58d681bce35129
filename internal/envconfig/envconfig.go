// Package envconfig loads the yaml-tagged dependency and eval declarations
// consumed by the workspace builder and eval runner.
package envconfig

import (
	"os"

	"github.com/voratiq/voratiq/internal/agent"
	"github.com/voratiq/voratiq/internal/pathguard"
	"github.com/voratiq/voratiq/internal/runrecord"
	"gopkg.in/yaml.v3"
)

// EnvironmentConfig declares repo-relative dependency roots to link/copy
// into each agent's worktree.
type EnvironmentConfig struct {
	NodeDependencyRoots []string `yaml:"nodeDependencyRoots,omitempty"`
	PythonVenvPath      string   `yaml:"pythonVenvPath,omitempty"`
}

// Validate checks every declared path is repo-relative, per spec.md §3.
func (c EnvironmentConfig) Validate() error {
	for _, p := range c.NodeDependencyRoots {
		if err := pathguard.AssertRepoRelative(p); err != nil {
			return runrecord.NewError(runrecord.KindValidation, "invalid node dependency root").WithDetail(p).WithCause(err)
		}
	}
	if c.PythonVenvPath != "" {
		if err := pathguard.AssertRepoRelative(c.PythonVenvPath); err != nil {
			return runrecord.NewError(runrecord.KindValidation, "invalid python venv path").WithDetail(c.PythonVenvPath).WithCause(err)
		}
	}
	return nil
}

// EvalDefinition is one named evaluation command to run in an agent's
// worktree after the harvester commits its changes.
type EvalDefinition struct {
	Slug    string `yaml:"slug"`
	Command string `yaml:"command,omitempty"`
}

// LoadEnvironment reads and validates an environment.yaml file. A missing
// file yields a zero-value config (environment declarations are optional).
func LoadEnvironment(path string) (EnvironmentConfig, error) {
	var cfg EnvironmentConfig
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, runrecord.NewError(runrecord.KindValidation, "reading environment config").WithCause(err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, runrecord.NewError(runrecord.KindValidation, "parsing environment config").WithCause(err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadEvals reads an evals.yaml file (a top-level `evals:` list). A missing
// file yields no evals.
func LoadEvals(path string) ([]EvalDefinition, error) {
	var doc struct {
		Evals []EvalDefinition `yaml:"evals"`
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, runrecord.NewError(runrecord.KindValidation, "reading evals config").WithCause(err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, runrecord.NewError(runrecord.KindValidation, "parsing evals config").WithCause(err)
	}
	for _, e := range doc.Evals {
		if e.Slug == "" {
			return nil, runrecord.NewError(runrecord.KindValidation, "eval missing slug")
		}
	}
	return doc.Evals, nil
}

// LoadAgents reads an agents.yaml file (a top-level `agents:` list) and
// validates every definition, including id uniqueness.
func LoadAgents(path string) ([]agent.Definition, error) {
	var doc struct {
		Agents []agent.Definition `yaml:"agents"`
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, runrecord.NewError(runrecord.KindValidation, "reading agents config").WithCause(err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, runrecord.NewError(runrecord.KindValidation, "parsing agents config").WithCause(err)
	}
	if len(doc.Agents) == 0 {
		return nil, runrecord.NewError(runrecord.KindValidation, "agents config declares no agents")
	}
	for _, d := range doc.Agents {
		if err := d.Validate(); err != nil {
			return nil, runrecord.NewError(runrecord.KindValidation, "invalid agent definition").WithCause(err)
		}
	}
	if err := agent.ValidateUniqueIDs(doc.Agents); err != nil {
		return nil, runrecord.NewError(runrecord.KindValidation, "duplicate agent id").WithCause(err)
	}
	return doc.Agents, nil
}
