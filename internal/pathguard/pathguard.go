// Package pathguard implements the root-confinement checks every component
// that crosses a trust boundary (credential staging destinations, workspace
// scaffolding, promoted artifacts) must run before touching the filesystem.
package pathguard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsafePath is wrapped by every rejection this package returns, so
// callers can classify a failure with errors.Is without string matching.
var ErrUnsafePath = errors.New("unsafe path")

// AssertRepoRelative rejects absolute paths, paths containing "..",
// backslashes, or null bytes. It is used to validate configuration-supplied
// relative paths (environment dependency roots, the python venv path) before
// they are joined onto a trusted root.
func AssertRepoRelative(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrUnsafePath)
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("%w: %q contains a null byte", ErrUnsafePath, path)
	}
	if strings.Contains(path, "\\") {
		return fmt.Errorf("%w: %q contains a backslash", ErrUnsafePath, path)
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("%w: %q is absolute", ErrUnsafePath, path)
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("%w: %q escapes its root", ErrUnsafePath, path)
		}
	}
	return nil
}

// AssertWithin canonicalizes root and candidate (resolving symlinks where
// possible) and verifies candidate is root itself or a descendant of it.
// Failures are fatal: callers should surface them as workspace-setup or
// credential-staging errors, never silently skip the operation.
func AssertWithin(root, candidate string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("%w: resolving root %q: %w", ErrUnsafePath, root, err)
	}
	absCandidate, err := filepath.Abs(candidate)
	if err != nil {
		return fmt.Errorf("%w: resolving candidate %q: %w", ErrUnsafePath, candidate, err)
	}

	realRoot := resolveExisting(absRoot)
	realCandidate := resolveExisting(absCandidate)

	rel, err := filepath.Rel(realRoot, realCandidate)
	if err != nil {
		return fmt.Errorf("%w: %q is not within %q", ErrUnsafePath, candidate, root)
	}
	if rel == "." {
		return nil
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %q escapes root %q", ErrUnsafePath, candidate, root)
	}
	return nil
}

// resolveExisting walks up from path until it finds a directory that exists,
// resolves symlinks on that existing prefix, and reattaches the remaining
// (not-yet-created) suffix. This lets AssertWithin validate destinations
// that don't exist on disk yet, such as a not-yet-created sandbox home.
func resolveExisting(path string) string {
	suffix := ""
	cur := path
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(real, suffix)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return path
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path
		}
		suffix = filepath.Join(filepath.Base(cur), suffix)
		cur = parent
	}
}

// AtomicWriteFile writes data to path by first writing to a sibling temp
// file then renaming it over path, so readers never observe a partial write.
func AtomicWriteFile(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %q: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file for %q: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file for %q: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file for %q: %w", path, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("setting mode on temp file for %q: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming temp file into %q: %w", path, err)
	}
	return nil
}

// SafeUnlink removes path after asserting it lives within root. Missing
// files are not an error — teardown paths call this unconditionally and
// must be idempotent.
func SafeUnlink(root, path string) error {
	if err := AssertWithin(root, path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("unlinking %q: %w", path, err)
	}
	return nil
}
