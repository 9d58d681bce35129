// Package manifest produces the manifest.json consumed by the sandbox
// launcher: binary, argv, and a merged environment for one agent invocation.
package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/voratiq/voratiq/internal/pathguard"
)

// Manifest is the on-disk shape of runtime/manifest.json. PromptPath and
// Workspace are stored relative to the manifest's directory; the launcher
// re-absolutizes them.
type Manifest struct {
	Binary     string            `json:"binary"`
	Argv       []string          `json:"argv"`
	PromptPath string            `json:"promptPath"`
	Workspace  string            `json:"workspace"`
	Env        map[string]string `json:"env"`
}

// BuildInput collects everything needed to assemble one agent's manifest.
type BuildInput struct {
	Binary        string
	Argv          []string
	PromptAbsPath string
	WorkspaceAbs  string
	ManifestDir   string
	BaseEnv       map[string]string
	CredentialEnv map[string]string
	VenvBinDir    string // empty if no python dependency declared
	NodeBinDir    string // empty if no node dependency declared
	InheritedPath string
	AccessShim    string // absolute path to the in-workspace access shim, empty to launch Binary directly
}

// Build merges the environment layers in priority order (base agent env,
// credential-stage env, venv/node PATH prepends, inherited PATH) and
// relativizes PromptPath/Workspace against ManifestDir. When AccessShim is
// set, the manifest launches the shim with Binary as its first argument
// instead of launching Binary directly, so every launch is mediated by the
// shim's path confinement.
func Build(in BuildInput) (*Manifest, error) {
	promptRel, err := filepath.Rel(in.ManifestDir, in.PromptAbsPath)
	if err != nil {
		return nil, err
	}
	workspaceRel, err := filepath.Rel(in.ManifestDir, in.WorkspaceAbs)
	if err != nil {
		return nil, err
	}

	env := make(map[string]string, len(in.BaseEnv)+len(in.CredentialEnv)+2)
	for k, v := range in.BaseEnv {
		env[k] = v
	}
	for k, v := range in.CredentialEnv {
		env[k] = v
	}

	pathPrepends := make([]string, 0, 2)
	if in.NodeBinDir != "" {
		pathPrepends = append(pathPrepends, in.NodeBinDir)
	}
	if in.VenvBinDir != "" {
		pathPrepends = append(pathPrepends, in.VenvBinDir)
		env["VIRTUAL_ENV"] = strings.TrimSuffix(in.VenvBinDir, string(filepath.Separator)+"bin")
	}
	env["PATH"] = MergePath(append(pathPrepends, env["PATH"], in.InheritedPath))

	binary := in.Binary
	argv := append([]string{}, in.Argv...)
	if in.AccessShim != "" {
		binary = in.AccessShim
		argv = append([]string{in.Binary}, argv...)
	}

	return &Manifest{
		Binary:     binary,
		Argv:       argv,
		PromptPath: promptRel,
		Workspace:  workspaceRel,
		Env:        env,
	}, nil
}

// MergePath concatenates PATH-like entries (in priority order), skipping
// empties, and deduplicates while preserving first-appearance order, using
// the platform path list separator.
func MergePath(entries []string) string {
	seen := make(map[string]struct{})
	var parts []string
	for _, entry := range entries {
		if entry == "" {
			continue
		}
		for _, p := range strings.Split(entry, string(os.PathListSeparator)) {
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, string(os.PathListSeparator))
}

// Write serializes m and writes it atomically to <manifestDir>/manifest.json,
// asserting the destination stays within root.
func Write(root, manifestDir string, m *Manifest) error {
	path := filepath.Join(manifestDir, "manifest.json")
	if err := pathguard.AssertWithin(root, path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return pathguard.AtomicWriteFile(path, data, 0o644)
}
