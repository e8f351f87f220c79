// Package workspace manages the directory an attempt's changes apply to.
// Diffs are whole-file changes; applying one returns the inverse diff so a
// failed attempt can be rolled back exactly.
package workspace

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/anthropics/crucible-engine/internal/domain"
)

// Workspace is the mutable file tree an attempt operates on.
type Workspace interface {
	// Root returns the workspace root directory.
	Root() string
	// Files returns the current content of every file under the root.
	Files() (map[string][]byte, error)
	// Apply writes a diff and returns the inverse diff for rollback.
	Apply(diff domain.Diff) (domain.Diff, error)
}

// Dir is a Workspace backed by a plain directory.
type Dir struct {
	root string
}

// NewDir creates a directory-backed workspace rooted at root.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// Root returns the workspace root directory.
func (d *Dir) Root() string {
	return d.root
}

// Files walks the root and returns path -> content for every regular file.
// Hidden directories (".git" and friends) are skipped.
func (d *Dir) Files() (map[string][]byte, error) {
	files := make(map[string][]byte)
	err := filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if name := entry.Name(); strings.HasPrefix(name, ".") && path != d.root {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk workspace: %w", err)
	}
	return files, nil
}

// Apply writes each file change and returns the inverse diff. The inverse
// holds one entry per path, the content that was there before the diff's
// first change to it, so a path touched twice still reverts to its original
// state. If any change fails, already-applied changes are rolled back before
// returning.
func (d *Dir) Apply(diff domain.Diff) (domain.Diff, error) {
	inverse := make(domain.Diff, 0, len(diff))
	seen := make(map[string]bool, len(diff))

	for _, change := range diff {
		abs, err := d.resolve(change.Path)
		if err != nil {
			d.rollback(inverse)
			return nil, err
		}

		prior, priorErr := os.ReadFile(abs)
		existed := priorErr == nil

		if change.Delete {
			if !existed {
				continue // deleting a missing file is a no-op
			}
			if err := os.Remove(abs); err != nil {
				d.rollback(inverse)
				return nil, fmt.Errorf("delete %s: %w", change.Path, err)
			}
		} else {
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				d.rollback(inverse)
				return nil, fmt.Errorf("mkdir for %s: %w", change.Path, err)
			}
			if err := os.WriteFile(abs, change.Content, 0o644); err != nil {
				d.rollback(inverse)
				return nil, fmt.Errorf("write %s: %w", change.Path, err)
			}
		}

		if !seen[change.Path] {
			seen[change.Path] = true
			if existed {
				inverse = append(inverse, domain.FileChange{Path: change.Path, Content: prior})
			} else {
				inverse = append(inverse, domain.FileChange{Path: change.Path, Delete: true})
			}
		}
	}

	return inverse, nil
}

// rollback best-effort applies an inverse diff; errors are ignored since
// this only runs while unwinding a failed Apply.
func (d *Dir) rollback(inverse domain.Diff) {
	_, _ = d.Apply(inverse)
}

// resolve maps a diff path to an absolute path under the root, rejecting
// anything that would escape it.
func (d *Dir) resolve(path string) (string, error) {
	if path == "" || filepath.IsAbs(path) {
		return "", domain.ErrWorkspaceEscape
	}
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", domain.ErrWorkspaceEscape
	}
	return filepath.Join(d.root, clean), nil
}
