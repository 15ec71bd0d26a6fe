// Coworker is a local-first filesystem coworker service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package scope enforces the workspace path allowlist. Every
// client-supplied path is canonicalized (absolute, symlinks resolved)
// before it is compared against the allowed roots, so a symlink inside
// a workspace cannot smuggle operations outside it. The gateway checks
// paths at submission; workers re-check with the job's frozen roots.
package scope

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideWorkspace indicates a path not under any allowed root.
var ErrOutsideWorkspace = errors.New("path outside workspace")

// Canonicalize resolves a path to its canonical absolute form. The
// target may not exist yet (destinations of moves, files to create), so
// symlinks are resolved on the deepest existing ancestor and the
// remaining components are re-appended. Any ".." left after cleaning is
// rejected.
func Canonicalize(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolutize %q: %w", path, err)
	}
	abs = filepath.Clean(abs)

	// Walk up to the deepest existing ancestor and resolve it.
	existing := abs
	var tail []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return "", fmt.Errorf("stat %q: %w", existing, err)
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		tail = append([]string{filepath.Base(existing)}, tail...)
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", existing, err)
	}
	out := filepath.Join(append([]string{resolved}, tail...)...)
	if containsDotDot(out) {
		return "", fmt.Errorf("path %q escapes via ..", path)
	}
	return out, nil
}

func containsDotDot(p string) bool {
	for _, part := range strings.Split(p, string(filepath.Separator)) {
		if part == ".." {
			return true
		}
	}
	return false
}

// Roots is an allowlist of canonical workspace roots.
type Roots struct {
	roots []string
}

// NewRoots canonicalizes the given directories into an allowlist. Each
// root must exist.
func NewRoots(dirs []string) (*Roots, error) {
	if len(dirs) == 0 {
		return nil, errors.New("at least one workspace root is required")
	}
	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		c, err := Canonicalize(d)
		if err != nil {
			return nil, fmt.Errorf("workspace root %q: %w", d, err)
		}
		info, err := os.Stat(c)
		if err != nil {
			return nil, fmt.Errorf("workspace root %q: %w", d, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("workspace root %q is not a directory", d)
		}
		out = append(out, c)
	}
	return &Roots{roots: out}, nil
}

// List returns the canonical roots.
func (r *Roots) List() []string {
	out := make([]string, len(r.roots))
	copy(out, r.roots)
	return out
}

// Resolve canonicalizes path and returns it if it falls under one of
// the allowed roots, or ErrOutsideWorkspace.
func (r *Roots) Resolve(path string) (string, error) {
	c, err := Canonicalize(path)
	if err != nil {
		return "", err
	}
	if !within(c, r.roots) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, c)
	}
	return c, nil
}

// Within reports whether a canonical path falls under any of the given
// canonical roots. Used by workers re-checking with a job's frozen
// root list.
func Within(canonicalPath string, roots []string) bool {
	return within(canonicalPath, roots)
}

func within(p string, roots []string) bool {
	for _, root := range roots {
		if p == root || strings.HasPrefix(p, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
