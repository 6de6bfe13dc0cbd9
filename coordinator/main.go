package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/api"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/concurrency"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/config"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/failure"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/logging"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/metrics"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/pipeline"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/rpc"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/runtime"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/secrets"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/store"
)

func main() {
	app := &cli.App{
		Name:  "pipeline-coordinator",
		Usage: "Build, publish and deploy every push to the configured branch",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to pipeline.toml",
				Value:   "pipeline.toml",
				EnvVars: []string{"PIPELINE_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "private-addr",
				Usage: "address of the mutual-TLS run API",
				Value: ":8123",
			},
			&cli.StringFlag{
				Name:  "public-addr",
				Usage: "address of the webhook listener, empty to disable",
				Value: ":8080",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "address to serve prometheus metrics on, empty to disable",
			},
			&cli.DurationFlag{
				Name:  "poll-interval",
				Usage: "how often to check the branch for new commits without a webhook, 0 to disable",
				Value: time.Minute * 5,
			},
			&cli.StringFlag{
				Name:    "trusted",
				Usage:   "comma separated client certificate fingerprints allowed to use the run API",
				EnvVars: []string{"PIPELINE_TRUSTED"},
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "where the coordinator keeps its certificate",
				Value: ".",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "`logfmt` or `json`",
				Value: "logfmt",
			},
		},
		Action:         serve,
		ExitErrHandler: func(*cli.Context, error) {},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(failure.ExitCode(err))
	}
}

func serve(c *cli.Context) error {
	logger, err := logging.New(os.Stderr, c.String("log-format"))
	if err != nil {
		return &failure.ConfigError{Field: "log-format", Cause: err}
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.SourceDir, 0755); err != nil {
		return fmt.Errorf("creating source dir: %w", err)
	}

	db, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	runs := &store.Runs{DB: db}

	docker, err := runtime.NewDocker()
	if err != nil {
		return &failure.RuntimeUnreachable{Host: "localhost", Cause: err}
	}
	defer docker.Close()

	sec := secrets.Default()
	coordinator, err := pipeline.New(cfg, sec, docker, runs, logger)
	if err != nil {
		return err
	}
	source := &pipeline.GitSource{Dir: cfg.SourceDir}
	coordinator.Source = source
	if coordinator.Deployer, err = pipeline.HostDeployer(cfg, sec, logger); err != nil {
		return err
	}

	webhookKey, err := sec.Get(cfg.Webhook.Secret)
	if err != nil {
		return &failure.ConfigError{Field: "webhook.secret", Cause: err}
	}

	id, err := rpc.LoadIdentity(c.String("data-dir"), "pipeline-coordinator")
	if err != nil {
		return fmt.Errorf("loading certificate: %w", err)
	}
	logger.Log("msg", "coordinator certificate loaded", "fingerprint", id.Fingerprint)

	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	queue := newTriggerQueue()
	poller := &poller{Source: source, Coordinator: coordinator, Runs: runs}
	pollInterval := c.Duration("poll-interval")
	go concurrency.RunLoop(ctx, queue.Signal(), pollInterval, time.Minute, func() bool {
		trigger := queue.Take()
		if trigger == nil && pollInterval > 0 {
			var err error
			if trigger, err = poller.Next(ctx); err != nil {
				logger.Log("msg", "polling branch failed", "err", err)
				return false
			}
		}
		if trigger == nil {
			return true
		}

		// failed runs are recorded, not retried
		coordinator.Run(ctx, *trigger)
		return true
	})

	if addr := c.String("metrics-addr"); addr != "" {
		go func() {
			err := http.ListenAndServe(addr, metrics.Handler())
			logger.Log("msg", "metrics server stopped", "err", err)
		}()
	}

	if addr := c.String("public-addr"); addr != "" {
		public := &http.Server{
			Addr:              addr,
			Handler:           rpc.WithLogging(logging.Component(logger, "webhook"), newPublicHandler([]byte(webhookKey), coordinator.Accepts, queue, logger)),
			ReadHeaderTimeout: time.Second * 10,
		}
		go func() {
			if err := public.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Log("msg", "webhook server stopped", "err", err)
				cancel()
			}
		}()
		defer public.Close()
	}

	api := &runAPI{Coordinator: coordinator, Runs: runs, Queue: queue}
	private := rpc.NewServer(c.String("private-addr"), id,
		rpc.WithLogging(logging.Component(logger, "api"), newAPIHandler(api, rpc.ParseFingerprints(c.String("trusted")))))
	go func() {
		<-ctx.Done()
		shutdown, done := context.WithTimeout(context.WithoutCancel(ctx), time.Second*10)
		defer done()
		private.Shutdown(shutdown)
	}()

	logger.Log("msg", "serving", "private", c.String("private-addr"), "public", c.String("public-addr"))
	if err := private.ListenAndServeTLS("", ""); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// poller turns a new commit on the branch into a trigger when no webhook
// announced it.
type poller struct {
	Source      *pipeline.GitSource
	Coordinator *pipeline.Coordinator
	Runs        pipeline.RunStore
}

func (p *poller) Next(ctx context.Context) (*api.Trigger, error) {
	commit, err := p.Source.Latest(ctx, p.Coordinator.Branch)
	if err != nil {
		return nil, err
	}
	last, err := p.Runs.List(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(last) > 0 && last[0].Trigger.CommitID == commit {
		return nil, nil
	}
	return &api.Trigger{CommitID: commit, Branch: p.Coordinator.Branch}, nil
}
