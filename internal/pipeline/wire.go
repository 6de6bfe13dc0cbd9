package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/builder"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/config"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/failure"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/hostaccess"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/logging"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/registry"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/runtime"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/secrets"
)

// RegistryAuth resolves the registry credentials named in cfg. A missing
// password means anonymous access.
func RegistryAuth(cfg *config.Config, store secrets.Store) (runtime.Auth, error) {
	auth := runtime.Auth{Username: cfg.Registry.Username, ServerAddress: registry.Host(cfg.Registry.Namespace)}
	if cfg.Registry.Username == "" {
		return auth, nil
	}
	password, err := store.Get(cfg.Registry.PasswordSecret)
	switch {
	case errors.Is(err, secrets.ErrNotFound):
		return auth, &failure.ConfigError{Field: "registry.password_secret", Cause: err}
	case err != nil:
		return auth, err
	}
	auth.Password = password
	return auth, nil
}

// HostDeployer reaches the agent on the configured host over SSH.
func HostDeployer(cfg *config.Config, store secrets.Store, logger log.Logger) (*hostaccess.Deployer, error) {
	key, err := store.Get(cfg.Host.IdentitySecret)
	if err != nil {
		return nil, &failure.ConfigError{Field: "host.identity_secret", Cause: err}
	}
	dialer, err := hostaccess.NewSSH(cfg.Host.User, []byte(key), cfg.Host.HostKeyFingerprint)
	if err != nil {
		return nil, &failure.ConfigError{Field: "host", Cause: err}
	}
	return &hostaccess.Deployer{
		Dialer:    dialer,
		Address:   cfg.Host.Address,
		AgentPath: cfg.Host.AgentPath,
		StateDir:  cfg.Host.StateDir,
		Logger:    logging.Component(logger, "deployer"),
	}, nil
}

// New assembles a Coordinator from configuration. Source and Deployer are
// left to the caller.
func New(cfg *config.Config, store secrets.Store, rt runtime.Runtime, runs RunStore, logger log.Logger) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	auth, err := RegistryAuth(cfg, store)
	if err != nil {
		return nil, err
	}

	limiter := registry.RateLimitedRoundTripper(nil, registry.RateLimiterConfig{
		RPS:   cfg.Registry.RateLimit,
		Burst: cfg.Registry.Burst,
		Wait:  time.Minute,
	})
	backoff := cfg.Retry.Backoff()

	artifactDir, err := filepath.Abs(cfg.ArtifactDir)
	if err != nil {
		return nil, fmt.Errorf("resolving artifact dir: %w", err)
	}

	return &Coordinator{
		Branch:       cfg.Branch,
		TopologyFile: cfg.Topology,
		Builder: &builder.Builder{
			Runtime:     rt,
			Namespace:   cfg.Registry.Namespace,
			ArtifactDir: artifactDir,
			Backoff:     backoff,
			Logger:      logging.Component(logger, "builder"),
		},
		Publisher: &registry.Publisher{
			Runtime:  rt,
			Resolver: &registry.RemoteResolver{Auth: auth, Transport: limiter},
			Auth:     auth,
			Backoff:  backoff,
			Limiter:  limiter,
			Logger:   logging.Component(logger, "publisher"),
		},
		Store:         runs,
		DeployBackoff: backoff,
		Logger:        logging.Component(logger, "coordinator"),
	}, nil
}
