// Package sandbox confines caller-supplied paths to a single root directory.
//
// Resolution is purely lexical: "." and ".." segments are folded without
// touching the filesystem, so targets that do not exist yet (write
// destinations, new directories) resolve the same way as existing ones.
// Symlinks are not followed. A symlink planted inside the root that points
// outside of it is NOT detected; the guarantee is limited to traversal
// expressed in the path string itself.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrDenied is returned when a path resolves outside the root.
var ErrDenied = errors.New("access denied")

// ErrEmptyRoot is returned by New when no root directory is given.
var ErrEmptyRoot = errors.New("sandbox root is empty")

// Root is an immutable, absolute sandbox directory. The zero value is not
// usable; construct one with New.
type Root struct {
	path   string
	prefix string
}

// New returns a Root for dir. dir is made absolute and cleaned once.
func New(dir string) (Root, error) {
	if strings.TrimSpace(dir) == "" {
		return Root{}, ErrEmptyRoot
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Root{}, fmt.Errorf("resolving sandbox root: %w", err)
	}
	prefix := abs
	if !strings.HasSuffix(prefix, string(os.PathSeparator)) {
		prefix += string(os.PathSeparator)
	}
	return Root{path: abs, prefix: prefix}, nil
}

// Path returns the absolute root directory.
func (r Root) Path() string { return r.path }

// Resolve joins rel onto the root and returns the absolute result, or an
// error wrapping ErrDenied if the result is not the root or beneath it.
// An empty rel resolves to the root itself. Absolute inputs are taken as-is
// and are only accepted when they already lie inside the root.
func (r Root) Resolve(rel string) (string, error) {
	if r.path == "" {
		return "", ErrEmptyRoot
	}

	var candidate string
	if filepath.IsAbs(rel) {
		candidate = filepath.Clean(rel)
	} else {
		candidate = filepath.Join(r.path, rel)
	}

	if !r.Contains(candidate) {
		return "", fmt.Errorf("%w: %q is outside the root directory", ErrDenied, rel)
	}
	return candidate, nil
}

// Contains reports whether the cleaned absolute path abs is the root or lies
// beneath it. Comparison uses a separator-terminated prefix so a sibling such
// as "/srv/root-old" never matches "/srv/root".
func (r Root) Contains(abs string) bool {
	if r.path == "" {
		return false
	}
	abs = filepath.Clean(abs)
	return abs == r.path || strings.HasPrefix(abs, r.prefix)
}

// Rel returns abs relative to the root for display. Paths outside the root
// are returned unchanged.
func (r Root) Rel(abs string) string {
	if !r.Contains(abs) {
		return abs
	}
	rel, err := filepath.Rel(r.path, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}
