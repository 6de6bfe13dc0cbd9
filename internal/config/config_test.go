package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/failure"
)

const testConfig = `
branch = "main"

[registry]
namespace = "ghcr.io/acme"
username = "ci"

[host]
address = "203.0.113.10"
host_key_fingerprint = "SHA256:abc"

[rollout]
timeout = "90s"

[provision]
name = "demo"
image = "ami-123"
ports = [22, 8000]
`

func TestLoad(t *testing.T) {
	file := filepath.Join(t.TempDir(), "pipeline.toml")
	require.NoError(t, os.WriteFile(file, []byte(testConfig), 0644))
	t.Setenv("PIPELINE_HOST_USER", "deploy")

	cfg, err := Load(file)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.ValidateProvision())

	assert.Equal(t, "main", cfg.Branch)
	assert.Equal(t, "ghcr.io/acme", cfg.Registry.Namespace)
	assert.Equal(t, "registry-password", cfg.Registry.PasswordSecret)
	assert.Equal(t, "deploy", cfg.Host.User)
	assert.Equal(t, time.Second*90, cfg.Rollout.Timeout)
	assert.Equal(t, time.Second, cfg.Rollout.Interval)
	assert.Equal(t, 4, cfg.Retry.Backoff().Attempts)
	assert.Equal(t, []int{22, 8000}, cfg.Provision.Ports)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	var ce *failure.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, failure.ExitConfig, failure.ExitCode(err))
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	err = cfg.Validate()
	var ce *failure.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "registry.namespace", ce.Field)

	cfg.Registry.Namespace = "ghcr.io/acme"
	cfg.Host.Address = "host"
	assert.NoError(t, cfg.Validate())

	cfg.Provision.Name = "demo"
	cfg.Provision.Image = "ami-1"
	cfg.Provision.Ports = []int{70000}
	assert.EqualError(t, cfg.ValidateProvision(), "configuration error in provision.ports: port 70000 out of range")
}
