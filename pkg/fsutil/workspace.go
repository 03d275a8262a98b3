// Package fsutil lays out build workspaces on disk.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Workspace subdirectories.
const (
	LogsDir  = "logs"
	DataDir  = "datadir"
	TestsDir = "tests"
)

// Owner holds the UID/GID applied to created directories.
type Owner struct {
	UID int
	GID int
}

// ParseOwner parses a "UID:GID" string. Returns nil if empty.
func ParseOwner(owner string) (*Owner, error) {
	if owner == "" {
		return nil, nil
	}

	uidStr, gidStr, ok := strings.Cut(owner, ":")
	if !ok {
		return nil, fmt.Errorf("invalid format %q, expected UID:GID", owner)
	}

	uid, err := strconv.Atoi(uidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid UID %q: %w", uidStr, err)
	}

	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid GID %q: %w", gidStr, err)
	}

	return &Owner{UID: uid, GID: gid}, nil
}

// Workspace is the directory holding one subdirectory per build, named
// after the build dest.
type Workspace struct {
	Root  string
	Owner *Owner
}

// NewWorkspace creates a workspace rooted at root.
func NewWorkspace(root, owner string) (*Workspace, error) {
	o, err := ParseOwner(owner)
	if err != nil {
		return nil, fmt.Errorf("parsing workspace owner: %w", err)
	}

	return &Workspace{Root: root, Owner: o}, nil
}

// Path returns the build directory of dest joined with elem.
func (w *Workspace) Path(dest string, elem ...string) string {
	return filepath.Join(append([]string{w.Root, dest}, elem...)...)
}

// Exists reports whether the build directory of dest exists.
func (w *Workspace) Exists(dest string) bool {
	info, err := os.Stat(w.Path(dest))

	return err == nil && info.IsDir()
}

// MkdirAll creates the given build subdirectories, chowning each created
// path when an owner is configured.
func (w *Workspace) MkdirAll(dest string, subdirs ...string) error {
	if len(subdirs) == 0 {
		subdirs = []string{""}
	}

	for _, sub := range subdirs {
		path := w.Path(dest, sub)

		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}

		w.chown(path)
	}

	return nil
}

// WriteFile writes a file inside the build directory of dest.
func (w *Workspace) WriteFile(dest, name string, data []byte) error {
	path := w.Path(dest, name)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	w.chown(path)

	return nil
}

// List returns the names of the build directories present in the root.
func (w *Workspace) List() ([]string, error) {
	entries, err := os.ReadDir(w.Root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("listing workspace: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}

	return names, nil
}

// chown is best-effort; a failure leaves the directory owned by the
// current user.
func (w *Workspace) chown(path string) {
	if w.Owner == nil {
		return
	}

	_ = os.Chown(path, w.Owner.UID, w.Owner.GID)
}
