package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/rpc"
)

func TestGetErrorString(t *testing.T) {
	msg := getErrorString(fmt.Errorf("get: %w", &rpc.ErrUntrustedServer{Fingerprint: "abc"}))
	assert.Contains(t, msg, `echo "abc" >> ~/.pipectl/trustedcerts`)

	msg = getErrorString(&rpc.ErrUntrustedClient{Fingerprint: "def"})
	assert.Contains(t, msg, "--trusted")
	assert.Contains(t, msg, "def")

	assert.Equal(t, "error: boom\n", getErrorString(errors.New("boom")))
}

func TestLoadTrustedCerts(t *testing.T) {
	dir := t.TempDir()

	trusted, err := loadTrustedCerts(dir)
	require.NoError(t, err)
	assert.Empty(t, trusted)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "trustedcerts"), []byte("AAA\n\n  bbb  \n"), 0644))
	trusted, err = loadTrustedCerts(dir)
	require.NoError(t, err)
	assert.Equal(t, rpc.Fingerprints{"aaa", "bbb"}, trusted)
	assert.True(t, trusted.TrustsCert("AAA"))
	assert.False(t, trusted.TrustsCert("ccc"))
}

func TestHostOnly(t *testing.T) {
	assert.Equal(t, "10.0.0.5", hostOnly("10.0.0.5:22"))
	assert.Equal(t, "deploy.example.com", hostOnly("deploy.example.com"))
}
