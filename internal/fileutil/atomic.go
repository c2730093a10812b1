// Package fileutil provides all-or-nothing file output.
package fileutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// dirPermissions is used when creating output directories.
const dirPermissions = 0750

// Staged is a file written next to its target that has not replaced it
// yet. Exactly one of Commit or Discard should be called.
type Staged struct {
	pending *renameio.PendingFile
	target  string
}

// Stage opens a temporary file in the target's directory with mode perm.
// The target is not touched until Commit.
func Stage(targetPath string, perm os.FileMode) (*Staged, error) {
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	pending, err := renameio.NewPendingFile(targetPath,
		renameio.WithTempDir(dir),
		renameio.WithStaticPermissions(perm),
	)
	if err != nil {
		return nil, fmt.Errorf("creating temporary file: %w", err)
	}
	return &Staged{pending: pending, target: targetPath}, nil
}

// Write appends to the staged file.
func (s *Staged) Write(p []byte) (int, error) {
	return s.pending.Write(p)
}

// Commit syncs the staged file and renames it over the target.
func (s *Staged) Commit() error {
	if err := s.pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replacing %s: %w", filepath.Base(s.target), err)
	}
	return nil
}

// Discard removes the staged file. It is a no-op after Commit.
func (s *Staged) Discard() error {
	return s.pending.Cleanup()
}

// WriteAtomic streams content produced by write into targetPath. Readers
// see either the old file or the new one, never a partial write. On any
// error the target is left untouched.
func WriteAtomic(targetPath string, perm os.FileMode, write func(w io.Writer) error) error {
	s, err := Stage(targetPath, perm)
	if err != nil {
		return err
	}
	defer s.Discard() //nolint:errcheck // no-op after commit

	if err := write(s); err != nil {
		return err
	}
	return s.Commit()
}

// RemoveIfExists deletes path, treating a missing file as success.
func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
