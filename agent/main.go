package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/urfave/cli/v2"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/api"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/concurrency"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/failure"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/hostaccess"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/logging"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/metrics"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/probe"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/reconciler"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/registry"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/rpc"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/runtime"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/secrets"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:  "pipeline-agent",
		Usage: "Converge the containers on this host to a desired state",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "state-dir",
				Usage:   "directory holding the deployment state, the host lock and the agent certificate",
				Value:   "/var/lib/pipeline-agent",
				EnvVars: []string{"PIPELINE_AGENT_STATE_DIR"},
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "`logfmt` or `json`",
				Value: "logfmt",
			},
			&cli.DurationFlag{
				Name:  "rollout-timeout",
				Usage: "how long a new instance may take to become live",
				Value: time.Minute,
			},
			&cli.StringFlag{
				Name:    "registry",
				Usage:   "registry namespace images are pulled from, i.e. `ghcr.io/acme`",
				EnvVars: []string{"PIPELINE_REGISTRY_NAMESPACE"},
			},
			&cli.StringFlag{
				Name:    "registry-user",
				Usage:   "registry username, the password is read from the `registry-password` secret",
				EnvVars: []string{"PIPELINE_REGISTRY_USERNAME"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "reconcile",
				Usage: "Run one reconciliation pass and print its report as JSON",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "desired",
						Usage: "desired state TOML file, `-` for stdin",
						Value: "-",
					},
				},
				Action: reconcileCmd,
			},
			{
				Name:  "serve",
				Usage: "Serve the agent API and periodically re-apply the last desired state",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "address of the mutual-TLS agent API",
						Value: ":" + rpc.DefaultPort,
					},
					&cli.StringFlag{
						Name:    "trusted",
						Usage:   "comma separated certificate fingerprints allowed to call the API",
						EnvVars: []string{"PIPELINE_AGENT_TRUSTED"},
					},
					&cli.StringFlag{
						Name:  "metrics-addr",
						Usage: "address to serve prometheus metrics on, empty to disable",
					},
					&cli.DurationFlag{
						Name:  "resync",
						Usage: "how often the last desired state is re-applied, 0 to disable",
						Value: time.Minute * 5,
					},
				},
				Action: serveCmd,
			},
			{
				Name:  "version",
				Usage: "Print the agent version",
				Action: func(c *cli.Context) error {
					fmt.Println(version)
					return nil
				},
			},
		},
		ExitErrHandler: func(*cli.Context, error) {},
	}

	err := app.Run(os.Args)
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %s\n", err)
	os.Exit(exitCode(err))
}

// exitCode follows the contract the coordinator's SSH deployer expects.
func exitCode(err error) int {
	var (
		ce *failure.ConfigError
		ru *failure.RuntimeUnreachable
	)
	switch {
	case err == nil:
		return hostaccess.AgentExitOK
	case errors.As(err, &ce):
		return hostaccess.AgentExitConfig
	case errors.As(err, &ru):
		return hostaccess.AgentExitUnreachable
	}
	return hostaccess.AgentExitFailed
}

type agent struct {
	Logger      log.Logger
	Runtime     runtime.Runtime
	Reconciler  *reconciler.Reconciler
	StateDir    string
	DesiredFile string
}

func setup(c *cli.Context) (*agent, error) {
	logger, err := logging.New(os.Stderr, c.String("log-format"))
	if err != nil {
		return nil, &failure.ConfigError{Field: "log-format", Cause: err}
	}

	dir := c.String("state-dir")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	auth := runtime.Auth{Username: c.String("registry-user"), ServerAddress: registry.Host(c.String("registry"))}
	if auth.Username != "" {
		if auth.Password, err = secrets.Default().Get("registry-password"); err != nil {
			return nil, &failure.ConfigError{Field: "registry-password", Cause: err}
		}
	}

	docker, err := runtime.NewDocker()
	if err != nil {
		return nil, &failure.RuntimeUnreachable{Host: "localhost", Cause: err}
	}

	return &agent{
		Logger:  logger,
		Runtime: docker,
		Reconciler: &reconciler.Reconciler{
			Runtime:   docker,
			Checker:   probe.New(),
			Auth:      auth,
			Lock:      concurrency.NewHostLock(filepath.Join(dir, "lock")),
			StateFile: filepath.Join(dir, "state.toml"),
			Timeout:   c.Duration("rollout-timeout"),
			Interval:  time.Second,
			Logger:    logging.Component(logger, "reconciler"),
		},
		StateDir:    dir,
		DesiredFile: filepath.Join(dir, "desired.toml"),
	}, nil
}

func reconcileCmd(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}

	var in io.Reader = os.Stdin
	if file := c.String("desired"); file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return &failure.ConfigError{Field: "desired", Cause: err}
		}
		defer f.Close()
		in = f
	}

	desired, err := decodeDesired(in)
	if err != nil {
		return err
	}
	if err := saveDesired(a.DesiredFile, desired); err != nil {
		a.Logger.Log("msg", "failed to persist desired state", "err", err)
	}

	report, err := a.Reconciler.Reconcile(c.Context, desired)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func serveCmd(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	if err := a.Reconciler.Load(); err != nil {
		return err
	}

	id, err := rpc.LoadIdentity(a.StateDir, "pipeline-agent")
	if err != nil {
		return fmt.Errorf("loading certificate: %w", err)
	}
	trusted := rpc.ParseFingerprints(c.String("trusted"))
	a.Logger.Log("msg", "agent certificate loaded", "fingerprint", id.Fingerprint, "trusted", len(trusted))

	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if addr := c.String("metrics-addr"); addr != "" {
		go func() {
			err := http.ListenAndServe(addr, metrics.Handler())
			a.Logger.Log("msg", "metrics server stopped", "err", err)
		}()
	}

	if resync := c.Duration("resync"); resync > 0 {
		go concurrency.RunLoop(ctx, nil, resync, time.Minute*5, func() bool {
			err := a.resync(ctx)
			if err != nil {
				a.Logger.Log("msg", "resync failed", "err", err)
			}
			return err == nil
		})
	}

	api := &agentAPI{Reconciler: a.Reconciler, DesiredFile: a.DesiredFile, Logger: logging.Component(a.Logger, "api")}
	svr := rpc.NewServer(c.String("addr"), id, rpc.WithLogging(logging.Component(a.Logger, "http"), newAPIHandler(api, trusted)))
	go func() {
		<-ctx.Done()
		shutdown, done := context.WithTimeout(context.WithoutCancel(ctx), time.Second*10)
		defer done()
		svr.Shutdown(shutdown)
	}()

	a.Logger.Log("msg", "serving agent API", "addr", c.String("addr"))
	if err := svr.ListenAndServeTLS("", ""); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// resync re-applies the last desired state, which restarts exited
// containers and replaces missing ones.
func (a *agent) resync(ctx context.Context) error {
	desired, err := loadDesired(a.DesiredFile)
	if err != nil || desired == nil {
		return err
	}
	report, err := a.Reconciler.Reconcile(ctx, desired)
	if err != nil {
		return err
	}
	for _, res := range report.Results {
		if res.Result != api.ResultUnchanged {
			a.Logger.Log("msg", "resync changed a service", "service", res.Service, "result", res.Result)
		}
	}
	return nil
}
