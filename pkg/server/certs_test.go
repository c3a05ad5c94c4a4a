package server

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelfSignedIsReused(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	first, err := selfSigned(dir, now)
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(first.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost"}, leaf.DNSNames)
	assert.Equal(t, now.AddDate(1, 0, 0), leaf.NotAfter.UTC())

	info, err := os.Stat(filepath.Join(dir, "self-signed.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := selfSigned(dir, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], second.Certificate[0])
}

func TestTLSConfigSources(t *testing.T) {
	dir := t.TempDir()

	cfg, err := tlsConfig(Config{TLSCertDir: dir})
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)

	// The generated pair doubles as an explicit cert/key.
	cfg, err = tlsConfig(Config{
		TLSCert: filepath.Join(dir, "self-signed.crt"),
		TLSKey:  filepath.Join(dir, "self-signed.key"),
	})
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)

	_, err = tlsConfig(Config{TLSCert: filepath.Join(dir, "self-signed.crt")})
	assert.Error(t, err)

	cfg, err = tlsConfig(Config{TLSDomain: "mud.example.org", TLSCertDir: dir})
	require.NoError(t, err)
	assert.NotNil(t, cfg.GetCertificate)
	assert.DirExists(t, filepath.Join(dir, "acme"))
}
