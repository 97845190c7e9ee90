package kms

import (
	"fmt"
	"strings"

	"github.com/neurallog/kek-custody/cryptoutils"
	"github.com/neurallog/kek-custody/interfaces"
	"github.com/tyler-smith/go-bip39"
)

// MasterSecretSize is the length of the tenant master secret.
const MasterSecretSize = 32

// GenerateMnemonic returns a BIP-39 phrase encoding bits of fresh entropy
// (128 bits give 12 words, 256 bits give 24).
func GenerateMnemonic(bits int) (string, error) {
	if bits < 128 || bits > 256 || bits%32 != 0 {
		return "", fmt.Errorf("%w: mnemonic entropy must be 128-256 bits in steps of 32, got %d", interfaces.ErrValidation, bits)
	}
	entropy, err := bip39.NewEntropy(bits)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	defer cryptoutils.Wipe(entropy)

	phrase, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to encode mnemonic: %w", err)
	}
	return phrase, nil
}

// NormalizeMnemonic lower-cases the phrase and collapses whitespace.
func NormalizeMnemonic(phrase string) string {
	return strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
}

// ValidateMnemonic checks the phrase's words and checksum.
func ValidateMnemonic(phrase string) bool {
	return bip39.IsMnemonicValid(NormalizeMnemonic(phrase))
}

// DeriveMasterSecret turns a recovery phrase into the tenant master secret.
// The BIP-39 seed is expanded with HKDF salted by the tenant id, so the same
// phrase gives unrelated secrets in different tenants.
func DeriveMasterSecret(tenantID, phrase string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: empty tenant id", interfaces.ErrValidation)
	}
	normalized := NormalizeMnemonic(phrase)
	if !bip39.IsMnemonicValid(normalized) {
		return nil, fmt.Errorf("%w: invalid recovery phrase", interfaces.ErrValidation)
	}

	seed := bip39.NewSeed(normalized, "")
	defer cryptoutils.Wipe(seed)

	return cryptoutils.DeriveSecret(seed, []byte(tenantID), "kek-custody master secret", MasterSecretSize)
}
