package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/neurallog/kek-custody/interfaces"
)

// MultiStorageBackend implements interfaces.RecordStore over several backends.
// Writes go to every available backend; reads are served by the first
// available backend that has the record.
type MultiStorageBackend struct {
	backends []interfaces.RecordStore
	log      *slog.Logger
}

// NewMultiStorageBackend creates a new multi-storage backend with fallback
func NewMultiStorageBackend(backends []interfaces.RecordStore, logger *slog.Logger) *MultiStorageBackend {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiStorageBackend{
		backends: backends,
		log:      logger,
	}
}

func (m *MultiStorageBackend) Get(ctx context.Context, key interfaces.RecordKey) ([]byte, error) {
	start := time.Now()
	var errs []error
	notFound := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable",
				slog.String("backend_name", backend.Name()),
				slog.String("key", key.String()))
			continue
		}

		data, err := backend.Get(ctx, key)
		if err == nil {
			m.log.Debug("Fetched record",
				slog.String("backend_name", backend.Name()),
				slog.String("key", key.String()),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}
		if errors.Is(err, interfaces.ErrContentNotFound) {
			notFound++
			continue
		}

		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to fetch from backend",
			slog.String("backend_name", backend.Name()),
			slog.String("key", key.String()),
			"err", err)
	}

	if notFound > 0 && len(errs) == 0 {
		return nil, interfaces.ErrContentNotFound
	}

	m.log.Error("All backends failed to fetch record",
		slog.String("key", key.String()),
		slog.Int("failed_backends", len(errs)),
		slog.Duration("duration", time.Since(start)))

	return nil, fmt.Errorf("%w: all backends failed to fetch %s: %v", interfaces.ErrBackendUnavailable, key, errs)
}

// Put saves the record to all available backends. It succeeds if at least one write succeeded.
func (m *MultiStorageBackend) Put(ctx context.Context, key interfaces.RecordKey, data []byte) error {
	start := time.Now()
	var success bool
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}

		if err := backend.Put(ctx, key, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Warn("Failed to store to backend",
				slog.String("backend_name", backend.Name()),
				slog.String("key", key.String()),
				"err", err)
			continue
		}
		success = true
	}

	if !success {
		m.log.Error("All backends failed to store record",
			slog.String("key", key.String()),
			slog.Int("failed_backends", len(errs)),
			slog.Duration("duration", time.Since(start)))
		return fmt.Errorf("%w: all backends failed to store %s: %v", interfaces.ErrBackendUnavailable, key, errs)
	}

	return nil
}

// List is served by the first available backend that answers.
func (m *MultiStorageBackend) List(ctx context.Context, tenantID string, collection interfaces.Collection) (map[string][]byte, error) {
	var errs []error
	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			continue
		}
		records, err := backend.List(ctx, tenantID, collection)
		if err == nil {
			return records, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
	}
	return nil, fmt.Errorf("%w: all backends failed to list %s/%s: %v", interfaces.ErrBackendUnavailable, tenantID, collection, errs)
}

// Available checks if any backend is available
func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the name of this backend
func (m *MultiStorageBackend) Name() string {
	return "multi-storage"
}

// LocationURI returns a combined location URI from all backends.
func (m *MultiStorageBackend) LocationURI() string {
	var locations []string
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}

	return "multi:[" + strings.Join(locations, ",") + "]"
}
