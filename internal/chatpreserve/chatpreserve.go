// Package chatpreserve locates and bundles each provider's conversation
// transcripts out of the sandbox tree into artifacts/chat.jsonl or
// artifacts/chat.json, per spec.md §4.8. Locating transcripts is
// provider-specific; bundling tolerantly preserves whatever each transcript
// file actually contains, the same forward-compatibility posture as the
// teacher's Overflow/warnUnknown idiom for unrecognized JSON fields.
package chatpreserve

import (
	"bytes"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/gzip"
	"github.com/voratiq/voratiq/internal/agent"
	"github.com/voratiq/voratiq/internal/pathguard"
)

// gzipThreshold is the bundled-transcript size above which Preserve writes
// a gzip-compressed artifact (chat.jsonl.gz / chat.json.gz) instead of the
// plain file, per the domain stack's large-transcript-bundle wiring.
const gzipThreshold = 256 * 1024

// Format is the artifact shape a provider's transcripts bundle into.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatJSON  Format = "json"
)

// Locator knows where one provider writes transcripts inside a sandbox
// home, and what shape they bundle into.
type Locator interface {
	Format() Format
	Find(sandboxDir string) ([]string, error)
}

var locators = map[agent.Harness]Locator{
	agent.HarnessClaude: claudeLocator{},
	agent.HarnessCodex:  codexLocator{},
	agent.HarnessGemini: geminiLocator{},
}

// Lookup returns the registered Locator for harness, or nil if none is
// known (an unrecognized provider simply preserves nothing; this is not
// a fatal condition).
func Lookup(harness agent.Harness) Locator {
	return locators[harness]
}

// transcriptEntry is one source file recorded in a chat.json wrapper.
type transcriptEntry struct {
	Path    string          `json:"path"`
	Payload json.RawMessage `json:"payload"`
}

// chatDocument is the chat.json wrapper shape for "json"-format providers.
type chatDocument struct {
	Provider    agent.Harness     `json:"provider"`
	Transcripts []transcriptEntry `json:"transcripts"`
}

// Result reports what Preserve actually captured.
type Result struct {
	Captured bool
	Warnings []string
}

// Preserve finds harness's transcripts under sandboxDir and bundles them
// into artifactsDir/chat.jsonl or chat.json. A provider with no registered
// locator, or no transcripts found, yields Result{Captured: false} with no
// error — missing transcripts are "not-found", not a failure. Read errors on
// individual files are collected as warnings rather than aborting the bundle.
func Preserve(harness agent.Harness, sandboxDir, artifactsDir string) (Result, error) {
	locator := Lookup(harness)
	if locator == nil {
		return Result{}, nil
	}

	paths, err := locator.Find(sandboxDir)
	if err != nil {
		return Result{}, err
	}
	if len(paths) == 0 {
		return Result{}, nil
	}
	sort.Strings(paths)

	switch locator.Format() {
	case FormatJSONL:
		return preserveJSONL(harness, sandboxDir, artifactsDir, paths)
	default:
		return preserveJSON(harness, sandboxDir, artifactsDir, paths)
	}
}

func preserveJSONL(harness agent.Harness, sandboxDir, artifactsDir string, relPaths []string) (Result, error) {
	var buf bytes.Buffer
	var warnings []string
	captured := false
	for _, rel := range relPaths {
		data, err := os.ReadFile(filepath.Join(sandboxDir, rel))
		if err != nil {
			warnings = append(warnings, "could not read transcript "+rel+": "+err.Error())
			continue
		}
		buf.Write(data)
		if len(data) > 0 && data[len(data)-1] != '\n' {
			buf.WriteByte('\n')
		}
		captured = true
	}
	if !captured {
		return Result{Warnings: warnings}, nil
	}
	if err := writeBundle(artifactsDir, "chat.jsonl", buf.Bytes()); err != nil {
		return Result{}, err
	}
	return Result{Captured: true, Warnings: warnings}, nil
}

func preserveJSON(harness agent.Harness, sandboxDir, artifactsDir string, relPaths []string) (Result, error) {
	doc := chatDocument{Provider: harness}
	var warnings []string
	for _, rel := range relPaths {
		data, err := os.ReadFile(filepath.Join(sandboxDir, rel))
		if err != nil {
			warnings = append(warnings, "could not read transcript "+rel+": "+err.Error())
			continue
		}
		if !json.Valid(data) {
			warnings = append(warnings, "transcript is not valid JSON: "+rel)
			continue
		}
		doc.Transcripts = append(doc.Transcripts, transcriptEntry{Path: rel, Payload: json.RawMessage(data)})
	}
	if len(doc.Transcripts) == 0 {
		return Result{Warnings: warnings}, nil
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return Result{}, err
	}
	data = append(data, '\n')
	if err := writeBundle(artifactsDir, "chat.json", data); err != nil {
		return Result{}, err
	}
	return Result{Captured: true, Warnings: warnings}, nil
}

// writeBundle writes data under artifactsDir/name, gzip-compressing it (and
// appending ".gz" to name) when it exceeds gzipThreshold — the teacher's
// klauspost/compress dependency applied to large transcript bundles rather
// than HTTP response bodies.
func writeBundle(artifactsDir, name string, data []byte) error {
	if len(data) <= gzipThreshold {
		dst := filepath.Join(artifactsDir, name)
		if err := pathguard.AssertWithin(artifactsDir, dst); err != nil {
			return err
		}
		return pathguard.AtomicWriteFile(dst, data, 0o644)
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}
	dst := filepath.Join(artifactsDir, name+".gz")
	if err := pathguard.AssertWithin(artifactsDir, dst); err != nil {
		return err
	}
	return pathguard.AtomicWriteFile(dst, buf.Bytes(), 0o644)
}

// walkGlob walks root looking for files whose path (relative to root)
// matches suffix after the given subdir prefix, used by locators that need
// a recursive "**" match glob.Glob can't express.
func walkGlob(root, prefix, suffix string) ([]string, error) {
	base := filepath.Join(root, prefix)
	var matches []string
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if filepath.Ext(path) == suffix {
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				return relErr
			}
			matches = append(matches, rel)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return matches, nil
}

type claudeLocator struct{}

func (claudeLocator) Format() Format { return FormatJSONL }
func (claudeLocator) Find(sandboxDir string) ([]string, error) {
	return walkGlob(sandboxDir, filepath.Join(".claude", "projects"), ".jsonl")
}

type codexLocator struct{}

func (codexLocator) Format() Format { return FormatJSONL }
func (codexLocator) Find(sandboxDir string) ([]string, error) {
	return walkGlob(sandboxDir, filepath.Join(".codex", "sessions"), ".jsonl")
}

type geminiLocator struct{}

func (geminiLocator) Format() Format { return FormatJSON }
func (geminiLocator) Find(sandboxDir string) ([]string, error) {
	return walkGlob(sandboxDir, filepath.Join(".gemini", "tmp"), ".json")
}
