package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/urfave/cli/v2"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/concurrency"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/config"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/failure"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/hostaccess"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/logging"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/provision"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/secrets"
)

// bootBackoff covers a fresh instance installing docker.
var bootBackoff = concurrency.Backoff{Attempts: 40, Initial: time.Second * 5, Max: time.Second * 30}

func planCmd(c *cli.Context) error {
	cfg, spec, err := loadProvision(c)
	if err != nil {
		return err
	}
	cloud, err := provision.NewEC2(c.Context, cfg.Provision.Region)
	if err != nil {
		return err
	}

	actions, err := (&provision.Provisioner{Cloud: cloud}).Plan(c.Context, spec)
	if err != nil {
		return err
	}
	printActions(actions, os.Stdout)
	return nil
}

func provisionCmd(c *cli.Context) error {
	logger, err := logging.New(os.Stderr, c.String("log-format"))
	if err != nil {
		return &failure.ConfigError{Field: "log-format", Cause: err}
	}
	cfg, spec, err := loadProvision(c)
	if err != nil {
		return err
	}
	key, err := secrets.Default().Get(cfg.Host.IdentitySecret)
	if err != nil {
		return &failure.ConfigError{Field: "host.identity_secret", Cause: err}
	}
	cloud, err := provision.NewEC2(c.Context, cfg.Provision.Region)
	if err != nil {
		return err
	}

	readiness := &hostReadiness{User: cfg.Host.User, Key: []byte(key), Backoff: bootBackoff, Logger: logger}
	p := &provision.Provisioner{Cloud: cloud, Ready: readiness.Check, Logger: logging.Component(logger, "provisioner")}
	host, actions, err := p.Apply(c.Context, spec, c.Bool("replace"))
	if errors.Is(err, provision.ErrReplacementRequired) {
		printActions(actions, os.Stdout)
		return &failure.ConfigError{Field: "provision", Cause: fmt.Errorf("%w, rerun with --replace", err)}
	}
	if err != nil {
		return err
	}
	printActions(actions, os.Stdout)
	if host == nil {
		return nil
	}

	// a brand new host has not been checked yet
	if _, ok := readiness.Pinned(host.ID); !ok && created(actions) {
		if err := readiness.Check(c.Context, host); err != nil {
			return err
		}
	}
	printHost(host, readiness, os.Stdout)
	return nil
}

func loadProvision(c *cli.Context) (*config.Config, *provision.Spec, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.ValidateProvision(); err != nil {
		return nil, nil, err
	}
	spec, err := provision.SpecFromConfig(cfg.Provision)
	if err != nil {
		return nil, nil, err
	}
	return cfg, spec, nil
}

// hostReadiness waits for SSH and docker on a new host and remembers the
// host key each host presented.
type hostReadiness struct {
	User    string
	Key     []byte
	Backoff concurrency.Backoff
	Logger  log.Logger

	pinned map[string]string
}

func (h *hostReadiness) Check(ctx context.Context, host *provision.Host) error {
	dialer, err := hostaccess.NewFirstUseSSH(h.User, h.Key)
	if err != nil {
		return &failure.ConfigError{Field: "host.identity_secret", Cause: err}
	}
	return h.check(ctx, host, &hostaccess.Deployer{Dialer: dialer, Address: host.Address}, dialer.Pinned)
}

func (h *hostReadiness) check(ctx context.Context, host *provision.Host, d interface{ Ready(context.Context) error }, pinned func() string) error {
	err := concurrency.Retry(ctx, h.Backoff, func(error) bool { return true }, func(attempt int) error {
		err := d.Ready(ctx)
		if err != nil && h.Logger != nil {
			h.Logger.Log("msg", "waiting for host", "id", host.ID, "attempt", attempt, "err", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("host %s never became ready: %w", host.ID, err)
	}

	if h.pinned == nil {
		h.pinned = map[string]string{}
	}
	h.pinned[host.ID] = pinned()
	return nil
}

func (h *hostReadiness) Pinned(id string) (string, bool) {
	fp, ok := h.pinned[id]
	return fp, ok
}

func created(actions []provision.Action) bool {
	for _, a := range actions {
		if a.Kind == provision.ActionCreateHost || a.Kind == provision.ActionReplaceHost {
			return true
		}
	}
	return false
}

func printActions(actions []provision.Action, w io.Writer) {
	if len(actions) == 0 {
		fmt.Fprintln(w, "no changes")
		return
	}
	for _, a := range actions {
		fmt.Fprintf(w, "  %s\n", a)
	}
}

func printHost(host *provision.Host, readiness *hostReadiness, w io.Writer) {
	fmt.Fprintf(w, "host %s (%s) at %s\n", host.Name, host.ID, host.Address)
	if fp, ok := readiness.Pinned(host.ID); ok && fp != "" {
		fmt.Fprintf(w, "\nSet these in pipeline.toml to deploy to it:\n\n[host]\naddress = %q\nhost_key_fingerprint = %q\n", host.Address, fp)
	}
}
