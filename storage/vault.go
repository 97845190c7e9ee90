package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/neurallog/kek-custody/interfaces"
)

// VaultBackend implements a record store on a HashiCorp Vault KV v2 mount.
// Each record is stored as a secret with a single "content" field.
type VaultBackend struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// VaultAuth selects how the backend authenticates against Vault: a token,
// a TLS client certificate, or both.
type VaultAuth struct {
	Token      string
	ClientCert *tls.Certificate
}

// NewVaultBackend creates a new Vault storage backend.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: Path within the mount (e.g. "kek-custody")
//   - auth: token and/or TLS client certificate
//   - log: Structured logger
func NewVaultBackend(address, mountPath, dataPath string, auth VaultAuth, log *slog.Logger) (*VaultBackend, error) {
	config := api.DefaultConfig()
	config.Address = address
	if auth.ClientCert != nil {
		config.HttpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{*auth.ClientCert}},
			},
			Timeout: 30 * time.Second,
		}
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if auth.Token != "" {
		client.SetToken(auth.Token)
	}

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(address, "https://"), "http://"), mountPath, dataPath),
	}, nil
}

// Get reads a record from the KV v2 data endpoint.
func (b *VaultBackend) Get(ctx context.Context, key interfaces.RecordKey) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	path := b.kvPath("data", recordPath(key))

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		b.log.Error("Failed to read from Vault",
			slog.String("path", path),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		b.log.Debug("Record not found in Vault", slog.String("path", path))
		return nil, interfaces.ErrContentNotFound
	}

	content, err := extractContent(secret.Data)
	if err != nil {
		b.log.Error("Invalid data format in Vault response",
			slog.String("path", path),
			"err", err)
		return nil, err
	}

	b.log.Debug("Fetched record from Vault",
		slog.String("path", path),
		slog.Duration("duration", time.Since(start)))

	return []byte(content), nil
}

// Put writes a record as a new KV v2 version.
func (b *VaultBackend) Put(ctx context.Context, key interfaces.RecordKey, data []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	start := time.Now()
	path := b.kvPath("data", recordPath(key))

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"content": string(data),
		},
	}

	if _, err := b.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		b.log.Error("Failed to write to Vault",
			slog.String("path", path),
			"err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored record in Vault",
		slog.String("path", path),
		slog.Duration("duration", time.Since(start)))

	return nil
}

// List enumerates a collection through the KV v2 metadata endpoint and reads each record.
func (b *VaultBackend) List(ctx context.Context, tenantID string, collection interfaces.Collection) (map[string][]byte, error) {
	path := b.kvPath("metadata", collectionPath(tenantID, collection))

	secret, err := b.client.Logical().ListWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	out := make(map[string][]byte)
	if secret == nil || secret.Data == nil {
		return out, nil
	}

	rawKeys, _ := secret.Data["keys"].([]interface{})
	for _, raw := range rawKeys {
		name, ok := raw.(string)
		if !ok || strings.HasSuffix(name, "/") {
			continue
		}
		id, err := unescapeID(name)
		if err != nil {
			continue
		}
		data, err := b.Get(ctx, interfaces.RecordKey{TenantID: tenantID, Collection: collection, ID: id})
		if err != nil {
			if errors.Is(err, interfaces.ErrContentNotFound) {
				continue
			}
			return nil, err
		}
		out[id] = data
	}
	return out, nil
}

// Available checks that Vault is initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}

	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}

	return true
}

// Name returns a unique identifier for this storage backend.
func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}

func (b *VaultBackend) kvPath(endpoint, rel string) string {
	if b.dataPath == "" {
		return fmt.Sprintf("%s/%s/%s", b.mountPath, endpoint, rel)
	}
	return fmt.Sprintf("%s/%s/%s/%s", b.mountPath, endpoint, b.dataPath, rel)
}

func extractContent(data map[string]interface{}) (string, error) {
	inner, ok := data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("invalid data format in Vault response")
	}
	content, ok := inner["content"].(string)
	if !ok {
		return "", fmt.Errorf("content key not found in Vault data")
	}
	return content, nil
}
