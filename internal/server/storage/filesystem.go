package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileSystemStore keeps archive files on the local filesystem, one
// file per token, named {token}.zip.
type FileSystemStore struct {
	basePath string
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath}
}

// EnsureDir creates the storage directory if it doesn't exist.
func (fs *FileSystemStore) EnsureDir() error {
	if err := os.MkdirAll(fs.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", fs.basePath, err)
	}
	return nil
}

// Create opens a fresh archive file for a token. The caller owns the
// handle: it must close it, and remove the file if the archive cannot
// be finished.
func (fs *FileSystemStore) Create(token string) (*os.File, error) {
	path := fs.Path(token)
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive file %s: %w", path, err)
	}
	return file, nil
}

// Rename moves an existing archive file under a new token and returns
// the new path.
func (fs *FileSystemStore) Rename(oldPath, token string) (string, error) {
	newPath := fs.Path(token)
	if err := os.Rename(oldPath, newPath); err != nil {
		return "", fmt.Errorf("failed to rename archive file: %w", err)
	}
	return newPath, nil
}

// RemoveFile deletes an archive file by path. A missing file is not an
// error.
func (fs *FileSystemStore) RemoveFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete archive file %s: %w", path, err)
	}
	return nil
}

// Path returns the on-disk path for a token's archive.
func (fs *FileSystemStore) Path(token string) string {
	return filepath.Join(fs.basePath, token+".zip")
}

// HealthCheck verifies the storage root exists, is a directory, and is
// writable.
func (fs *FileSystemStore) HealthCheck() error {
	info, err := os.Stat(fs.basePath)
	if err != nil {
		return fmt.Errorf("storage directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage path %s is not a directory", fs.basePath)
	}

	probe, err := os.CreateTemp(fs.basePath, ".healthcheck-*")
	if err != nil {
		return fmt.Errorf("storage directory not writable: %w", err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}
