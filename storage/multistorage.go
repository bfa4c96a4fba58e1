package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/webapp-instance-provisioning/interfaces"
)

// MultiStore implements interfaces.ObjectStore over several stores, fetching
// from the first available store that has the object.
type MultiStore struct {
	stores []interfaces.ObjectStore
	log    *slog.Logger
}

// NewMultiStore creates a new fallback store.
func NewMultiStore(stores []interfaces.ObjectStore, logger *slog.Logger) *MultiStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiStore{
		stores: stores,
		log:    logger,
	}
}

// Fetch tries each available store in order. If every store reports the
// object missing, the error matches ErrObjectNotFound; otherwise it matches
// ErrBackendUnavailable.
func (m *MultiStore) Fetch(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	var errs []error
	allNotFound := true

	for _, store := range m.stores {
		if !store.Available(ctx) {
			m.log.Debug("Store unavailable",
				slog.String("store_name", store.Name()),
				slog.String("key", key))
			allNotFound = false
			continue
		}

		data, err := store.Fetch(ctx, key)
		if err == nil {
			m.log.Info("Fetched object",
				slog.String("store_name", store.Name()),
				slog.String("key", key),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}

		if !errors.Is(err, interfaces.ErrObjectNotFound) {
			allNotFound = false
		}
		errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
		m.log.Debug("Failed to fetch from store",
			slog.String("store_name", store.Name()),
			slog.String("key", key),
			"err", err)
	}

	m.log.Error("All stores failed to fetch object",
		slog.String("key", key),
		slog.Int("failed_stores", len(errs)),
		slog.Duration("duration", time.Since(start)))

	sentinel := interfaces.ErrBackendUnavailable
	if allNotFound && len(errs) > 0 {
		sentinel = interfaces.ErrObjectNotFound
	}
	return nil, fmt.Errorf("%w: all stores failed to fetch %s: %v", sentinel, key, errors.Join(errs...))
}

// Available checks if any store is available
func (m *MultiStore) Available(ctx context.Context) bool {
	for _, store := range m.stores {
		if store.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the name of this store
func (m *MultiStore) Name() string {
	return "multi-store"
}

// LocationURI returns the combined URIs of all stores.
func (m *MultiStore) LocationURI() string {
	var locations []string
	for _, store := range m.stores {
		locations = append(locations, store.LocationURI())
	}

	return "multi:[" + strings.Join(locations, ",") + "]"
}
