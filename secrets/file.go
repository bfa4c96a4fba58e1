package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/webapp-instance-provisioning/interfaces"
)

// FileStore reads bundles from <dir>/<name>.json. It is meant for local
// development and tests.
type FileStore struct {
	baseDir string
	log     *slog.Logger
}

// NewFileStore creates a directory backed store.
func NewFileStore(baseDir string, log *slog.Logger) *FileStore {
	return &FileStore{baseDir: baseDir, log: log}
}

// GetBundle reads and decodes the bundle file for name.
func (s *FileStore) GetBundle(ctx context.Context, name string) (map[string]string, error) {
	clean := filepath.Clean("/" + name)
	if strings.Contains(name, "..") || clean == "/" {
		return nil, &interfaces.ConfigError{Reason: fmt.Sprintf("invalid secret bundle name %q", name)}
	}
	path := filepath.Join(s.baseDir, clean+".json")

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrSecretNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrSecretStoreUnavailable, err)
	}

	fields, err := decodePayload(data)
	if err != nil {
		return nil, fmt.Errorf("secret %s: %w", name, err)
	}

	s.log.Debug("Fetched secret from file", slog.String("path", path))
	return fields, nil
}

// Name returns a unique identifier for this store.
func (s *FileStore) Name() string {
	return "file-" + s.baseDir
}
