package storage

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

// FileStore serves objects from a local directory, keyed by relative path.
// Used for development and as a local mirror behind S3.
type FileStore struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileStore creates a directory backed object store.
func NewFileStore(baseDir string, log *slog.Logger) *FileStore {
	return &FileStore{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}
}

// Fetch reads the file at key below the base directory.
// Returns ErrObjectNotFound if the file doesn't exist.
func (b *FileStore) Fetch(ctx context.Context, key string) ([]byte, error) {
	if strings.Contains(key, "..") {
		return nil, &interfaces.ConfigError{Reason: fmt.Sprintf("invalid object key %q", key)}
	}
	filePath := filepath.Join(b.baseDir, filepath.Clean("/"+key))

	data, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrObjectNotFound, filePath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	b.log.Debug("Fetched object from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

// Available checks that the base directory exists.
func (b *FileStore) Available(ctx context.Context) bool {
	info, err := os.Stat(b.baseDir)
	if err != nil || !info.IsDir() {
		b.log.Debug("File store unavailable", slog.String("path", b.baseDir), "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this store.
func (b *FileStore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this store.
func (b *FileStore) LocationURI() string {
	return b.locationURI
}
