// Package osfilesystem implements ports.FileSystem on the local disk.
package osfilesystem

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/user/framereader/pkg/ports"
)

// FileSystem writes files with os. Writes go through a temporary file in the
// target directory and a rename, so a reader never sees a partial frame dump.
type FileSystem struct {
	dirPerm  os.FileMode
	filePerm os.FileMode
}

// New creates a FileSystem with 0755 directories and 0644 files.
func New() *FileSystem {
	return &FileSystem{dirPerm: 0755, filePerm: 0644}
}

// WriteFile writes data to path, creating parent directories as needed.
func (fs *FileSystem) WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, fs.dirPerm); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(name, fs.filePerm); err != nil {
		os.Remove(name)
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	return nil
}

// MkdirAll creates a directory and all parent directories.
func (fs *FileSystem) MkdirAll(path string) error {
	return os.MkdirAll(path, fs.dirPerm)
}

// Exists checks if a file or directory exists.
func (fs *FileSystem) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

var _ ports.FileSystem = (*FileSystem)(nil)
