package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/config"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/failure"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/runtime/runtimetest"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/secrets"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Registry.Namespace = "ghcr.io/acme"
	cfg.Host.Address = "203.0.113.7"
	cfg.ArtifactDir = t.TempDir()
	return cfg
}

func TestRegistryAuth(t *testing.T) {
	cfg := testConfig(t)

	auth, err := RegistryAuth(cfg, secrets.Static{})
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io", auth.ServerAddress)
	assert.Empty(t, auth.Password)

	cfg.Registry.Username = "bot"
	_, err = RegistryAuth(cfg, secrets.Static{})
	var ce *failure.ConfigError
	assert.ErrorAs(t, err, &ce)

	auth, err = RegistryAuth(cfg, secrets.Static{"registry-password": "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, "bot", auth.Username)
	assert.Equal(t, "hunter2", auth.Password)
}

func TestNewFromConfig(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg, secrets.Static{}, runtimetest.New(), &store.Runs{DB: store.OpenTestDB(t)}, nil)
	require.NoError(t, err)
	assert.Equal(t, "main", c.Branch)
	assert.Equal(t, "topology.toml", c.TopologyFile)
	assert.Equal(t, cfg.Retry.Attempts, c.DeployBackoff.Attempts)

	cfg.Registry.Namespace = ""
	_, err = New(cfg, secrets.Static{}, runtimetest.New(), nil, nil)
	assert.Equal(t, failure.ExitConfig, failure.ExitCode(err))
}

func TestHostDeployerNeedsIdentity(t *testing.T) {
	_, err := HostDeployer(testConfig(t), secrets.Static{}, nil)
	assert.Equal(t, failure.ExitConfig, failure.ExitCode(err))
}
