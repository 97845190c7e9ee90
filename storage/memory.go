package storage

import (
	"bytes"
	"context"
	"log/slog"
	"net/url"
	"path"
	"sync"

	"github.com/neurallog/kek-custody/interfaces"
)

// MemoryBackend keeps records in process memory. It is used for tests and
// single-process deployments that accept losing state on restart.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string][]byte
	log     *slog.Logger
}

func NewMemoryBackend(log *slog.Logger) *MemoryBackend {
	return &MemoryBackend{
		records: make(map[string][]byte),
		log:     log,
	}
}

func (b *MemoryBackend) Get(ctx context.Context, key interfaces.RecordKey) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.records[recordPath(key)]
	if !ok {
		return nil, interfaces.ErrContentNotFound
	}
	return bytes.Clone(data), nil
}

func (b *MemoryBackend) Put(ctx context.Context, key interfaces.RecordKey, data []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.records[recordPath(key)] = bytes.Clone(data)
	b.log.Debug("Stored record in memory", slog.String("key", key.String()), slog.Int("size", len(data)))
	return nil
}

func (b *MemoryBackend) List(ctx context.Context, tenantID string, collection interfaces.Collection) (map[string][]byte, error) {
	prefix := collectionPath(tenantID, collection) + "/"

	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string][]byte)
	for p, data := range b.records {
		if len(p) <= len(prefix) || p[:len(prefix)] != prefix {
			continue
		}
		id, err := unescapeID(p[len(prefix):])
		if err != nil {
			continue
		}
		out[id] = bytes.Clone(data)
	}
	return out, nil
}

func (b *MemoryBackend) Available(ctx context.Context) bool {
	return true
}

func (b *MemoryBackend) Name() string {
	return "memory"
}

func (b *MemoryBackend) LocationURI() string {
	return "memory://"
}

// recordPath maps a record key onto a slash-separated relative path.
func recordPath(key interfaces.RecordKey) string {
	return path.Join(collectionPath(key.TenantID, key.Collection), escapeID(key.ID))
}

func collectionPath(tenantID string, collection interfaces.Collection) string {
	return path.Join(tenantID, string(collection))
}

func escapeID(id string) string {
	return url.PathEscape(id)
}

func unescapeID(escaped string) (string, error) {
	return url.PathUnescape(escaped)
}
