package kms

import (
	"bytes"
	"crypto/rand"
	"errors"
	"slices"
	"testing"

	"github.com/neurallog/kek-custody/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomSecret(t *testing.T) []byte {
	t.Helper()
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err, "Failed to generate test secret")
	return secret
}

// subsets returns every k-element subset of shares.
func subsets(shares []interfaces.SecretShare, k int) [][]interfaces.SecretShare {
	var out [][]interfaces.SecretShare
	var walk func(start int, cur []interfaces.SecretShare)
	walk = func(start int, cur []interfaces.SecretShare) {
		if len(cur) == k {
			out = append(out, append([]interfaces.SecretShare(nil), cur...))
			return
		}
		for i := start; i < len(shares); i++ {
			walk(i+1, append(cur, shares[i]))
		}
	}
	walk(0, nil)
	return out
}

func TestSplitSecret_AnyThresholdSubsetReconstructs(t *testing.T) {
	for _, tc := range []struct{ n, k int }{{2, 2}, {3, 2}, {5, 3}, {5, 5}, {6, 4}} {
		secret := randomSecret(t)
		shares, err := SplitSecret(secret, tc.n, tc.k)
		require.NoError(t, err)
		require.Len(t, shares, tc.n)

		for _, subset := range subsets(shares, tc.k) {
			got, err := ReconstructSecret(subset)
			require.NoError(t, err, "n=%d k=%d", tc.n, tc.k)
			assert.Equal(t, secret, got)
		}
	}
}

func TestSplitSecret_BelowThresholdFails(t *testing.T) {
	secret := randomSecret(t)
	shares, err := SplitSecret(secret, 5, 3)
	require.NoError(t, err)

	for _, subset := range subsets(shares, 2) {
		_, err := ReconstructSecret(subset)
		require.Error(t, err)
		assert.True(t, errors.Is(err, interfaces.ErrCrypto), "expected crypto error, got %v", err)
	}

	_, err = ReconstructSecret(shares[:1])
	require.ErrorIs(t, err, interfaces.ErrCrypto, "a single share of a k>1 split must not reconstruct")
}

func TestSplitSecret_MixedGenerationsFail(t *testing.T) {
	first, err := SplitSecret(randomSecret(t), 3, 2)
	require.NoError(t, err)
	second, err := SplitSecret(randomSecret(t), 3, 2)
	require.NoError(t, err)

	for _, a := range first {
		for _, b := range second {
			if a.X == b.X {
				continue
			}
			_, err := ReconstructSecret([]interfaces.SecretShare{a, b})
			require.ErrorIs(t, err, interfaces.ErrCrypto)
		}
	}
}

func TestSplitSecret_ThresholdOne(t *testing.T) {
	secret := randomSecret(t)
	shares, err := SplitSecret(secret, 3, 1)
	require.NoError(t, err)
	require.Len(t, shares, 3)

	for _, s := range shares {
		got, err := ReconstructSecret([]interfaces.SecretShare{s})
		require.NoError(t, err)
		assert.Equal(t, secret, got)
	}

	got, err := ReconstructSecret(shares[:2])
	require.NoError(t, err)
	assert.Equal(t, secret, got)
}

func TestSplitSecret_InvalidParameters(t *testing.T) {
	secret := randomSecret(t)

	_, err := SplitSecret(secret, 2, 3)
	assert.ErrorIs(t, err, interfaces.ErrValidation, "threshold above share count")

	_, err = SplitSecret(secret, 3, 0)
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	_, err = SplitSecret(secret, 256, 2)
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	_, err = SplitSecret(nil, 3, 2)
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}

func TestReconstructSecret_RejectsMalformedShares(t *testing.T) {
	shares, err := SplitSecret(randomSecret(t), 3, 2)
	require.NoError(t, err)

	_, err = ReconstructSecret([]interfaces.SecretShare{shares[0], {X: shares[1].X}})
	assert.ErrorIs(t, err, interfaces.ErrInvalidShareFormat)

	_, err = ReconstructSecret([]interfaces.SecretShare{shares[0], {X: 0, Y: []byte{1}}})
	assert.ErrorIs(t, err, interfaces.ErrInvalidShareFormat)

	_, err = ReconstructSecret([]interfaces.SecretShare{shares[0], shares[0]})
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	_, err = ReconstructSecret(nil)
	assert.ErrorIs(t, err, interfaces.ErrCrypto)
}

func TestShareCollector(t *testing.T) {
	secret := randomSecret(t)
	shares, err := SplitSecret(secret, 5, 3)
	require.NoError(t, err)

	c := NewShareCollector(3)
	require.NoError(t, c.Add(shares[0]))

	err = c.Add(shares[0])
	assert.ErrorIs(t, err, interfaces.ErrDuplicateShare)
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	err = c.Add(interfaces.SecretShare{X: 9})
	require.ErrorIs(t, err, interfaces.ErrInvalidShareFormat)
	assert.Equal(t, 1, c.Count(), "a rejected share must not discard held shares")

	require.NoError(t, c.Add(shares[3]))
	assert.False(t, c.Ready())

	_, err = c.Reconstruct()
	var cerr *interfaces.CryptoError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 2, cerr.Held)
	assert.Equal(t, 3, cerr.Required)

	require.NoError(t, c.Add(shares[4]))
	require.True(t, c.Ready())

	got, err := c.Reconstruct()
	require.NoError(t, err)
	assert.Equal(t, secret, got)
	assert.Equal(t, sortedInts(shares[0].X, shares[3].X, shares[4].X), c.Xs())

	c.Wipe()
	assert.Equal(t, 0, c.Count())
}

func TestShareCollectorKeepsFirstOfDuplicateX(t *testing.T) {
	secret := randomSecret(t)
	shares, err := SplitSecret(secret, 3, 2)
	require.NoError(t, err)

	c := NewShareCollector(2)
	require.NoError(t, c.Add(shares[0]))

	forged := interfaces.SecretShare{X: shares[0].X, Y: bytes.Repeat([]byte{0x42}, len(shares[0].Y))}
	assert.ErrorIs(t, c.Add(forged), interfaces.ErrDuplicateShare)
	assert.Equal(t, 1, c.Count())

	require.NoError(t, c.Add(shares[1]))
	got, err := c.Reconstruct()
	require.NoError(t, err)
	assert.Equal(t, secret, got)
}

func sortedInts(xs ...int) []int {
	slices.Sort(xs)
	return xs
}
