package agentloop

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/martinemde/sandchat/sandbox"
)

// EntryType classifies a directory entry.
type EntryType string

const (
	EntryFile      EntryType = "file"
	EntryDirectory EntryType = "directory"
)

// DirEntry represents a filesystem directory entry.
type DirEntry struct {
	Name string    `json:"name"`
	Type EntryType `json:"type"`
}

// ExecutionEnvironment abstracts where tool operations run. Every path is
// interpreted relative to the environment's root, and every operation
// refuses paths that resolve outside it.
type ExecutionEnvironment interface {
	ReadFile(path string) (string, error)
	WriteFile(path string, content string) error
	ListDirectory(path string) ([]DirEntry, error)
	DeleteFile(path string) error
	Rename(from, to string) error
	CreateDirectory(path string) error

	Root() sandbox.Root
	Platform() string
	OSVersion() string
}

// ErrIsDirectory is returned when a file operation targets a directory.
var ErrIsDirectory = errors.New("is a directory")

// LocalExecutionEnvironment runs file operations on the local disk, confined
// to a sandbox root.
type LocalExecutionEnvironment struct {
	root      sandbox.Root
	platform  string
	osVersion string
}

// NewLocalExecutionEnvironment creates a local execution environment confined
// to root.
func NewLocalExecutionEnvironment(root sandbox.Root) *LocalExecutionEnvironment {
	return &LocalExecutionEnvironment{
		root:      root,
		platform:  runtime.GOOS,
		osVersion: runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (e *LocalExecutionEnvironment) Root() sandbox.Root {
	return e.root
}

func (e *LocalExecutionEnvironment) Platform() string {
	return e.platform
}

func (e *LocalExecutionEnvironment) OSVersion() string {
	return e.osVersion
}

func (e *LocalExecutionEnvironment) ReadFile(path string) (string, error) {
	resolved, err := e.root.Resolve(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", ErrIsDirectory
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (e *LocalExecutionEnvironment) WriteFile(path string, content string) error {
	resolved, err := e.root.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("creating parent directories: %w", err)
	}
	return os.WriteFile(resolved, []byte(content), 0o644)
}

// ListDirectory returns the direct children of path, sorted by name.
func (e *LocalExecutionEnvironment) ListDirectory(path string) ([]DirEntry, error) {
	resolved, err := e.root.Resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, err
	}

	result := make([]DirEntry, 0, len(entries))
	for _, entry := range entries {
		de := DirEntry{Name: entry.Name(), Type: EntryFile}
		if entry.IsDir() {
			de.Type = EntryDirectory
		}
		result = append(result, de)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// DeleteFile removes a single file. Directories are refused.
func (e *LocalExecutionEnvironment) DeleteFile(path string) error {
	resolved, err := e.root.Resolve(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return ErrIsDirectory
	}
	return os.Remove(resolved)
}

// Rename moves from to to. Both endpoints must lie inside the root.
func (e *LocalExecutionEnvironment) Rename(from, to string) error {
	src, err := e.root.Resolve(from)
	if err != nil {
		return err
	}
	dst, err := e.root.Resolve(to)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); err != nil {
		return err
	}
	return os.Rename(src, dst)
}

// CreateDirectory creates path and any missing parents. Existing
// directories are not an error.
func (e *LocalExecutionEnvironment) CreateDirectory(path string) error {
	resolved, err := e.root.Resolve(path)
	if err != nil {
		return err
	}
	if info, err := os.Stat(resolved); err == nil && !info.IsDir() {
		return fmt.Errorf("%w: not a directory", os.ErrExist)
	}
	return os.MkdirAll(resolved, 0o755)
}
