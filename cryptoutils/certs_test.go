package cryptoutils

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelfSignedCert(t *testing.T) {
	cert, err := SelfSignedCert(time.Hour, "localhost", "127.0.0.1")
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost"}, leaf.DNSNames)
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.IPAddresses[0].String())
	assert.NoError(t, leaf.VerifyHostname("localhost"))
	assert.True(t, leaf.NotAfter.After(time.Now()))
}

func TestServerTLSConfig(t *testing.T) {
	cfg, err := ServerTLSConfig("", "", "localhost")
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)

	_, err = ServerTLSConfig("cert.pem", "")
	assert.Error(t, err)

	dir := t.TempDir()
	missing := filepath.Join(dir, "nope.pem")
	_, err = ServerTLSConfig(missing, missing)
	assert.Error(t, err)
	_, statErr := os.Stat(missing)
	assert.True(t, os.IsNotExist(statErr))
}
