package spool

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspace is a private temp directory. Callers defer Close right after
// Open so the directory goes away on every return path.
type Workspace struct {
	dir     string
	maxSize int64
}

// Open creates a workspace under base (the default temp dir when empty).
func Open(base string, maxSize int64) (*Workspace, error) {
	if base != "" {
		if err := os.MkdirAll(base, 0o700); err != nil {
			return nil, fmt.Errorf("workspace: %w", err)
		}
	}
	dir, err := os.MkdirTemp(base, "pgbackup-*")
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	return &Workspace{dir: dir, maxSize: maxSize}, nil
}

func (w *Workspace) Dir() string { return w.dir }

// Path joins name onto the workspace directory.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.dir, filepath.Base(name))
}

// NewFile returns a spooled file that spills into this workspace.
func (w *Workspace) NewFile() *File {
	return New(w.maxSize, w.dir)
}

func (w *Workspace) Close() error {
	return os.RemoveAll(w.dir)
}
