package main

import (
	"testing"

	"github.com/neurallog/kek-custody/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSharesKeepsValidOnes(t *testing.T) {
	shares, bad := parseShares([]string{
		`{"x":7,"y":"AQID"}`,
		`{"x":0,"y":"AQID"}`,
		"not json",
		`{"x":12,"y":"BAUG"}`,
	})

	require.Len(t, shares, 2)
	assert.Equal(t, 7, shares[0].X)
	assert.Equal(t, []byte{1, 2, 3}, shares[0].Y)
	assert.Equal(t, 12, shares[1].X)

	require.Len(t, bad, 2)
	for _, err := range bad {
		assert.ErrorIs(t, err, interfaces.ErrInvalidShareFormat)
	}
	assert.Contains(t, bad[0].Error(), "share 2")
	assert.Contains(t, bad[1].Error(), "share 3")
}

func TestParseSharesEmpty(t *testing.T) {
	shares, bad := parseShares(nil)
	assert.Empty(t, shares)
	assert.Empty(t, bad)
}
