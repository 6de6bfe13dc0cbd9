package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/concurrency"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/failure"
)

// Config represents the root of pipeline.toml.
type Config struct {
	Branch      string          `mapstructure:"branch"`
	Topology    string          `mapstructure:"topology"` // relative to the source checkout
	SourceDir   string          `mapstructure:"source_dir"`
	ArtifactDir string          `mapstructure:"artifact_dir"`
	Database    string          `mapstructure:"database"`
	Registry    RegistryConfig  `mapstructure:"registry"`
	Host        HostConfig      `mapstructure:"host"`
	Retry       RetryConfig     `mapstructure:"retry"`
	Rollout     RolloutConfig   `mapstructure:"rollout"`
	Webhook     WebhookConfig   `mapstructure:"webhook"`
	Provision   ProvisionConfig `mapstructure:"provision"`
}

type RegistryConfig struct {
	Namespace      string  `mapstructure:"namespace"` // e.g. ghcr.io/acme
	Username       string  `mapstructure:"username"`
	PasswordSecret string  `mapstructure:"password_secret"`
	RateLimit      float64 `mapstructure:"rate_limit"` // requests per second
	Burst          int     `mapstructure:"burst"`
}

type HostConfig struct {
	Address            string `mapstructure:"address"` // host or host:port
	User               string `mapstructure:"user"`
	IdentitySecret     string `mapstructure:"identity_secret"`
	HostKeyFingerprint string `mapstructure:"host_key_fingerprint"` // SHA256:...
	AgentPath          string `mapstructure:"agent_path"`
	StateDir           string `mapstructure:"state_dir"`
}

type RetryConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Initial  time.Duration `mapstructure:"initial"`
	Max      time.Duration `mapstructure:"max"`
}

func (r RetryConfig) Backoff() concurrency.Backoff {
	return concurrency.Backoff{Attempts: r.Attempts, Initial: r.Initial, Max: r.Max}
}

type RolloutConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	Interval time.Duration `mapstructure:"interval"`
}

type WebhookConfig struct {
	Secret string `mapstructure:"secret"` // name of the HMAC key in the secret store
}

type ProvisionConfig struct {
	Name         string `mapstructure:"name"`
	Region       string `mapstructure:"region"`
	InstanceType string `mapstructure:"instance_type"`
	Image        string `mapstructure:"image"`
	KeyName      string `mapstructure:"key_name"`
	Subnet       string `mapstructure:"subnet"`
	Ports        []int  `mapstructure:"ports"`
	AllowCIDR    string `mapstructure:"allow_cidr"`
	BootScript   string `mapstructure:"boot_script"` // optional path, the built-in script installs docker
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("branch", "main")
	v.SetDefault("topology", "topology.toml")
	v.SetDefault("source_dir", "./repo")
	v.SetDefault("artifact_dir", "./artifacts")
	v.SetDefault("database", "./pipeline.db")
	v.SetDefault("registry.namespace", "")
	v.SetDefault("registry.username", "")
	v.SetDefault("registry.password_secret", "registry-password")
	v.SetDefault("registry.rate_limit", 10.0)
	v.SetDefault("registry.burst", 5)
	v.SetDefault("host.address", "")
	v.SetDefault("host.user", "ubuntu")
	v.SetDefault("host.identity_secret", "host-identity")
	v.SetDefault("host.host_key_fingerprint", "")
	v.SetDefault("host.agent_path", "/usr/local/bin/pipeline-agent")
	v.SetDefault("host.state_dir", "/var/lib/pipeline-agent")
	v.SetDefault("retry.attempts", 4)
	v.SetDefault("retry.initial", "1s")
	v.SetDefault("retry.max", "20s")
	v.SetDefault("rollout.timeout", "60s")
	v.SetDefault("rollout.interval", "1s")
	v.SetDefault("webhook.secret", "webhook-key")
	v.SetDefault("provision.name", "")
	v.SetDefault("provision.region", "")
	v.SetDefault("provision.instance_type", "t3.micro")
	v.SetDefault("provision.image", "")
	v.SetDefault("provision.key_name", "")
	v.SetDefault("provision.subnet", "")
	v.SetDefault("provision.ports", []int{22, 3000, 8000})
	v.SetDefault("provision.allow_cidr", "0.0.0.0/0")
	v.SetDefault("provision.boot_script", "")
}

// Load reads the configuration from the given file, then applies
// PIPELINE_* environment overrides. An empty filename uses defaults and
// environment only.
func Load(filename string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PIPELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if filename != "" {
		v.SetConfigFile(filename)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, &failure.ConfigError{Field: filename, Cause: err}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &failure.ConfigError{Field: filename, Cause: fmt.Errorf("unable to decode: %w", err)}
	}
	return &cfg, nil
}

// Validate checks the settings every pipeline run needs.
func (c *Config) Validate() error {
	switch {
	case c.Branch == "":
		return &failure.ConfigError{Field: "branch", Cause: errors.New("must not be empty")}
	case c.Registry.Namespace == "":
		return &failure.ConfigError{Field: "registry.namespace", Cause: errors.New("must not be empty")}
	case c.Host.Address == "":
		return &failure.ConfigError{Field: "host.address", Cause: errors.New("must not be empty")}
	case c.Rollout.Timeout <= 0:
		return &failure.ConfigError{Field: "rollout.timeout", Cause: errors.New("must be positive")}
	case c.Retry.Attempts < 1:
		return &failure.ConfigError{Field: "retry.attempts", Cause: errors.New("must be at least 1")}
	}
	return nil
}

// ValidateProvision checks the provisioner settings.
func (c *Config) ValidateProvision() error {
	p := c.Provision
	switch {
	case p.Name == "":
		return &failure.ConfigError{Field: "provision.name", Cause: errors.New("must not be empty")}
	case p.Image == "":
		return &failure.ConfigError{Field: "provision.image", Cause: errors.New("must not be empty")}
	case len(p.Ports) == 0:
		return &failure.ConfigError{Field: "provision.ports", Cause: errors.New("at least one inbound port is required")}
	}
	for _, port := range p.Ports {
		if port <= 0 || port > 65535 {
			return &failure.ConfigError{Field: "provision.ports", Cause: fmt.Errorf("port %d out of range", port)}
		}
	}
	return nil
}
