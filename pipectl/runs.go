package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/api"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/concurrency"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/config"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/failure"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/logging"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/pipeline"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/probe"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/reconciler"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/runtime"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/secrets"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/store"
)

// runCmd executes one pipeline run in this process and exits with the
// code of the stage that failed.
func runCmd(c *cli.Context) error {
	logger, err := logging.New(os.Stderr, c.String("log-format"))
	if err != nil {
		return &failure.ConfigError{Field: "log-format", Cause: err}
	}
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	dir, err := filepath.Abs(c.String("dir"))
	if err != nil {
		return err
	}
	commit := c.String("commit")
	if commit == "" {
		if commit, err = pipeline.Head(c.Context, dir); err != nil {
			return &failure.ConfigError{Field: "commit", Cause: err}
		}
	}

	db, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	docker, err := runtime.NewDocker()
	if err != nil {
		return &failure.RuntimeUnreachable{Host: "localhost", Cause: err}
	}
	defer docker.Close()

	if c.Bool("local") && cfg.Host.Address == "" {
		cfg.Host.Address = "localhost"
	}

	sec := secrets.Default()
	coordinator, err := pipeline.New(cfg, sec, docker, &store.Runs{DB: db}, logger)
	if err != nil {
		return err
	}
	coordinator.Source = &pipeline.LocalSource{Dir: dir}

	if c.Bool("local") {
		auth, err := pipeline.RegistryAuth(cfg, sec)
		if err != nil {
			return err
		}
		stateDir := c.String("state-dir")
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			return fmt.Errorf("creating state dir: %w", err)
		}
		rec := &reconciler.Reconciler{
			Runtime:   docker,
			Checker:   probe.New(),
			Auth:      auth,
			Lock:      concurrency.NewHostLock(filepath.Join(stateDir, "lock")),
			StateFile: filepath.Join(stateDir, "state.toml"),
			Timeout:   cfg.Rollout.Timeout,
			Interval:  cfg.Rollout.Interval,
			Logger:    logging.Component(logger, "reconciler"),
		}
		if err := rec.Load(); err != nil {
			return err
		}
		coordinator.Deployer = &pipeline.LocalDeployer{Reconciler: rec}
	} else if coordinator.Deployer, err = pipeline.HostDeployer(cfg, sec, logger); err != nil {
		return err
	}

	run, err := coordinator.Run(c.Context, api.Trigger{CommitID: commit, Branch: cfg.Branch})
	if run != nil {
		printRun(run, os.Stdout)
	}
	return err
}

func runsCmd(c *cli.Context) error {
	cc, err := connect(c, c.String("coordinator"), coordinatorPort)
	if err != nil {
		return err
	}

	runs := []*api.PipelineRun{}
	if err := cc.getJSON(c, fmt.Sprintf("/runs?limit=%d", c.Int("limit")), &runs); err != nil {
		return err
	}
	printRuns(runs, time.Now(), os.Stdout)
	return nil
}

func showCmd(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return errors.New("a run id is required")
	}
	cc, err := connect(c, c.String("coordinator"), coordinatorPort)
	if err != nil {
		return err
	}

	run := &api.PipelineRun{}
	if err := cc.getJSON(c, "/runs/"+url.PathEscape(id), run); err != nil {
		return err
	}
	printRun(run, os.Stdout)
	return nil
}

func triggerCmd(c *cli.Context) error {
	commit := c.Args().First()
	if commit == "" {
		return errors.New("a commit id is required")
	}
	cc, err := connect(c, c.String("coordinator"), coordinatorPort)
	if err != nil {
		return err
	}

	body, err := json.Marshal(&api.Trigger{CommitID: commit, Branch: c.String("branch")})
	if err != nil {
		return err
	}
	resp, err := cc.Client.POST(c.Context, cc.BaseURL+"/runs", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	fmt.Fprintf(os.Stdout, "queued %s\n", commit)
	return nil
}

func cancelCmd(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return errors.New("a run id is required")
	}
	cc, err := connect(c, c.String("coordinator"), coordinatorPort)
	if err != nil {
		return err
	}

	resp, err := cc.Client.POST(c.Context, cc.BaseURL+"/runs/"+url.PathEscape(id)+"/cancel", "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	fmt.Fprintf(os.Stdout, "cancelled %s\n", id)
	return nil
}

func (cc *appContext) getJSON(c *cli.Context, path string, v any) error {
	resp, err := cc.Client.GET(c.Context, cc.BaseURL+path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}

func printRuns(runs []*api.PipelineRun, now time.Time, w io.Writer) {
	tr := tabwriter.NewWriter(w, 6, 6, 4, ' ', 0)
	fmt.Fprintf(tr, "ID\tCOMMIT\tSTATE\tAGE\tREASON\n")
	for _, run := range runs {
		reason := ""
		if run.Reason != "" {
			reason = fmt.Sprintf("%q", run.Reason)
		}
		fmt.Fprintf(tr, "%s\t%s\t%s\t%s\t%s\n", run.ID, shortCommit(run.Trigger.CommitID), runState(run), durationToString(now.Sub(run.CreatedAt)), reason)
	}
	tr.Flush()
}

func printRun(run *api.PipelineRun, w io.Writer) {
	fmt.Fprintf(w, "run %s of %s@%s: %s\n", run.ID, run.Trigger.Branch, shortCommit(run.Trigger.CommitID), runState(run))
	if run.Reason != "" {
		fmt.Fprintf(w, "reason: %s\n", run.Reason)
	}
	for _, warning := range run.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}

	tr := tabwriter.NewWriter(w, 6, 6, 4, ' ', 0)
	if len(run.Stages) > 0 {
		fmt.Fprintf(tr, "\nSTAGE\tSTATUS\tDURATION\tREASON\n")
	}
	for _, rec := range run.Stages {
		took := ""
		if rec.StartedAt != nil && rec.FinishedAt != nil {
			took = rec.FinishedAt.Sub(*rec.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tr, "%s\t%s\t%s\t%s\n", rec.Stage, rec.Status, took, rec.Reason)
	}
	if len(run.Results) > 0 {
		fmt.Fprintf(tr, "\nSERVICE\tRESULT\tDIGEST\tERROR\n")
	}
	for _, res := range run.Results {
		fmt.Fprintf(tr, "%s\t%s\t%s\t%s\n", res.Service, res.Result, shortDigest(res.Digest.String()), res.Error)
	}
	tr.Flush()
}

func runState(run *api.PipelineRun) string {
	if run.State == api.RunFailed && run.FailedStage != "" {
		return fmt.Sprintf("%s (%s)", run.State, run.FailedStage)
	}
	return string(run.State)
}

func shortCommit(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}

func shortDigest(d string) string {
	d = strings.TrimPrefix(d, "sha256:")
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
