// Package tenant carries the explicit per-tenant configuration every
// custody operation runs against, and the operator's volatile key authority.
package tenant

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/neurallog/kek-custody/interfaces"
)

// Context is passed to every orchestrator instead of a process-wide
// "current tenant". It holds no key material.
type Context struct {
	TenantID     string
	DirectoryURL string
	Directory    interfaces.Directory
	Crypto       interfaces.CryptoPrimitives
	Log          *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Validate checks the collaborators an orchestrator cannot run without.
// A missing crypto client is reported as ErrNoClient.
func (c *Context) Validate() error {
	if c == nil || c.TenantID == "" {
		return fmt.Errorf("%w: tenant id is required", interfaces.ErrValidation)
	}
	if c.Directory == nil {
		return fmt.Errorf("%w: no directory configured for tenant %s", interfaces.ErrInvalidState, c.TenantID)
	}
	if c.Crypto == nil {
		return interfaces.ErrNoClient
	}
	return nil
}

// Logger returns the configured logger tagged with the tenant id.
func (c *Context) Logger() *slog.Logger {
	log := c.Log
	if log == nil {
		log = slog.Default()
	}
	return log.With("tenant", c.TenantID)
}

func (c *Context) Clock() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// SealForRecipient encrypts key material to a PEM public key and encodes it
// for transport.
func (c *Context) SealForRecipient(publicKeyPEM, key []byte) (string, error) {
	if c.Crypto == nil {
		return "", interfaces.ErrNoClient
	}
	ct, err := c.Crypto.EncryptForRecipient(publicKeyPEM, key)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// OpenWithPrivateKey reverses SealForRecipient.
func (c *Context) OpenWithPrivateKey(privateKeyPEM []byte, blob string) ([]byte, error) {
	if c.Crypto == nil {
		return nil, interfaces.ErrNoClient
	}
	ct, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not base64: %v", interfaces.ErrValidation, err)
	}
	return c.Crypto.DecryptWithPrivateKey(privateKeyPEM, ct)
}
