package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/neurallog/kek-custody/interfaces"
)

// FileBackend implements a record store using the local file system.
// Records are laid out as <baseDir>/<tenant>/<collection>/<escaped id>.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a new file storage backend using the specified base directory.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Get reads a record. Returns ErrContentNotFound if the file doesn't exist.
func (b *FileBackend) Get(ctx context.Context, key interfaces.RecordKey) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	filePath := b.getFilePath(key)

	data, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	b.log.Debug("Fetched record from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

// Put writes a record atomically by renaming a temporary file into place.
func (b *FileBackend) Put(ctx context.Context, key interfaces.RecordKey, data []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	filePath := b.getFilePath(key)

	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".record-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}

	b.log.Debug("Stored record in file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return nil
}

// List reads every record of a collection. A missing collection is empty.
func (b *FileBackend) List(ctx context.Context, tenantID string, collection interfaces.Collection) (map[string][]byte, error) {
	dir := filepath.Join(b.baseDir, filepath.FromSlash(collectionPath(tenantID, collection)))

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return map[string][]byte{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	out := make(map[string][]byte, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || entry.Name()[0] == '.' {
			continue
		}
		id, err := unescapeID(entry.Name())
		if err != nil {
			b.log.Warn("Skipping undecodable record file", slog.String("name", entry.Name()))
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		out[id] = data
	}
	return out, nil
}

// Available checks if the file backend is accessible by verifying the base directory exists.
func (b *FileBackend) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this storage backend.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

func (b *FileBackend) getFilePath(key interfaces.RecordKey) string {
	return filepath.Join(b.baseDir, filepath.FromSlash(recordPath(key)))
}
