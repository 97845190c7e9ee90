// Package sharetransport moves Shamir shares between admins as ciphertext
// only the recipient can open. The directory stores these ciphertexts
// without being able to read them.
package sharetransport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/neurallog/kek-custody/cryptoutils"
	"github.com/neurallog/kek-custody/interfaces"
	"github.com/neurallog/kek-custody/kms"
	"github.com/neurallog/kek-custody/tenant"
)

// wireShare is the serialized form {"x":1,"y":"<base64>"}. Pointers tell a
// missing field apart from a zero value.
type wireShare struct {
	X *int    `json:"x"`
	Y *string `json:"y"`
}

// EncodeShare serializes a share.
func EncodeShare(s interfaces.SecretShare) ([]byte, error) {
	if err := kms.ValidateShare(s); err != nil {
		return nil, err
	}
	y := base64.StdEncoding.EncodeToString(s.Y)
	return json.Marshal(wireShare{X: &s.X, Y: &y})
}

// ParseShare deserializes and validates a share. Anything that is not an
// {x, y} object with x in [1, 255] and non-empty y is ErrInvalidShareFormat.
func ParseShare(data []byte) (interfaces.SecretShare, error) {
	var w wireShare
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(data)))
	if err := dec.Decode(&w); err != nil {
		return interfaces.SecretShare{}, fmt.Errorf("%w: %v", interfaces.ErrInvalidShareFormat, err)
	}
	if w.X == nil {
		return interfaces.SecretShare{}, fmt.Errorf("%w: missing x", interfaces.ErrInvalidShareFormat)
	}
	if w.Y == nil {
		return interfaces.SecretShare{}, fmt.Errorf("%w: missing y", interfaces.ErrInvalidShareFormat)
	}
	y, err := base64.StdEncoding.DecodeString(*w.Y)
	if err != nil {
		return interfaces.SecretShare{}, fmt.Errorf("%w: y is not base64", interfaces.ErrInvalidShareFormat)
	}
	s := interfaces.SecretShare{X: *w.X, Y: y}
	if err := kms.ValidateShare(s); err != nil {
		return interfaces.SecretShare{}, err
	}
	return s, nil
}

// Transport encrypts shares for recipients of one tenant.
type Transport struct {
	tc *tenant.Context
}

func New(tc *tenant.Context) *Transport {
	return &Transport{tc: tc}
}

// EncryptShareForAdmin fetches the recipient's public key and returns the
// share sealed to it, base64 encoded. A recipient without a key yields
// ErrRecipientKeyNotFound.
func (t *Transport) EncryptShareForAdmin(ctx context.Context, share interfaces.SecretShare, recipientID string) (string, error) {
	if err := t.tc.Validate(); err != nil {
		return "", err
	}
	pub, err := t.tc.Directory.GetPublicKey(ctx, recipientID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return "", interfaces.NewOpError("encrypt share", recipientID, interfaces.ErrRecipientKeyNotFound)
	}
	if err != nil {
		return "", interfaces.NewOpError("encrypt share", recipientID, err)
	}
	return t.EncryptShareForKey(pub, share)
}

// EncryptShareForKey seals a share to an already fetched public key.
func (t *Transport) EncryptShareForKey(publicKeyPEM []byte, share interfaces.SecretShare) (string, error) {
	payload, err := EncodeShare(share)
	if err != nil {
		return "", err
	}
	defer cryptoutils.Wipe(payload)
	return t.tc.SealForRecipient(publicKeyPEM, payload)
}

// DecryptShare derives userID's key pair from password and opens a share
// sealed to it. A wrong password yields ErrAuthorization, a payload of the
// wrong shape ErrInvalidShareFormat.
func (t *Transport) DecryptShare(ciphertext, userID, password string) (interfaces.SecretShare, error) {
	if err := t.tc.Validate(); err != nil {
		return interfaces.SecretShare{}, err
	}
	keys, err := t.tc.Crypto.DeriveKeyPair(t.tc.TenantID, userID, password)
	if err != nil {
		return interfaces.SecretShare{}, interfaces.NewOpError("decrypt share", userID, err)
	}
	defer cryptoutils.Wipe(keys.PrivateKey)
	return t.DecryptShareWithKey(keys.PrivateKey, ciphertext)
}

// DecryptShareWithKey opens a share with a PEM private key the caller holds.
func (t *Transport) DecryptShareWithKey(privateKeyPEM []byte, ciphertext string) (interfaces.SecretShare, error) {
	payload, err := t.tc.OpenWithPrivateKey(privateKeyPEM, ciphertext)
	if err != nil {
		return interfaces.SecretShare{}, err
	}
	defer cryptoutils.Wipe(payload)
	return ParseShare(payload)
}
