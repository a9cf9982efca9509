package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore keeps one PEM file per agent under a single directory. Writes go
// to a temp file in the same directory and are renamed into place, so a
// concurrent Get observes either the old file or the new one.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create certificate directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (fs *FileStore) Put(ctx context.Context, agentID string, pemBytes []byte) error {
	path, err := fs.path(agentID)
	if err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	tmp, err := os.CreateTemp(fs.dir, ".cert-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(pemBytes); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to store certificate: %w", err)
	}

	return nil
}

func (fs *FileStore) Get(ctx context.Context, agentID string) ([]byte, error) {
	path, err := fs.path(agentID)
	if err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	pemBytes, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCertNotFound
		}
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}

	return pemBytes, nil
}

// path rejects agent IDs that would escape the store directory.
func (fs *FileStore) path(agentID string) (string, error) {
	if agentID == "" || strings.ContainsAny(agentID, "/\\") || strings.Contains(agentID, "..") {
		return "", fmt.Errorf("invalid agent ID: %q", agentID)
	}
	return filepath.Join(fs.dir, agentID+".pem"), nil
}
