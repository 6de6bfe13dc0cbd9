// Package pipeline drives Pipeline Runs: build every service, publish every
// image, then have the host reconcile to the new images.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/api"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/concurrency"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/failure"
	pmetrics "github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/metrics"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/topology"
)

var (
	ErrIgnoredBranch  = errors.New("trigger is not for the configured branch")
	ErrCancelled      = errors.New("run was cancelled before deploying")
	ErrNotCancellable = errors.New("run can no longer be cancelled")
)

type Builder interface {
	Build(ctx context.Context, sourceDir, platform string, svc *api.Service) (*api.Artifact, error)
}

type Publisher interface {
	Publish(ctx context.Context, art *api.Artifact) (api.ImageRef, error)
}

type Deployer interface {
	Deploy(ctx context.Context, desired *api.DesiredState) (*api.ReconcileReport, error)
}

type RunStore interface {
	Put(ctx context.Context, run *api.PipelineRun) error
	Get(ctx context.Context, id string) (*api.PipelineRun, error)
	List(ctx context.Context, limit int) ([]*api.PipelineRun, error)
}

// Coordinator runs one Pipeline Run at a time. Services are built and
// published concurrently; the stages themselves are strictly sequential.
type Coordinator struct {
	Branch        string
	TopologyFile  string // relative to the checkout
	Parallelism   int    // concurrent builds or pushes, 0 is unlimited
	Source        Source
	Builder       Builder
	Publisher     Publisher
	Deployer      Deployer
	Store         RunStore
	DeployBackoff concurrency.Backoff
	Logger        log.Logger

	initOnce sync.Once
	sem      chan struct{}
	mu       sync.Mutex
	active   map[string]*activeRun
}

type activeRun struct {
	cancel    context.CancelFunc
	cancelled bool
	deploying bool
}

func (c *Coordinator) init() {
	c.initOnce.Do(func() {
		c.sem = make(chan struct{}, 1)
		c.active = map[string]*activeRun{}
	})
}

// Accepts reports whether a trigger is for the configured branch.
func (c *Coordinator) Accepts(trigger api.Trigger) bool {
	return trigger.Branch == c.Branch && trigger.CommitID != ""
}

// Run executes one Pipeline Run for trigger and returns it in its terminal
// state. The returned error is the reason the run failed, if it did.
func (c *Coordinator) Run(ctx context.Context, trigger api.Trigger) (*api.PipelineRun, error) {
	if !c.Accepts(trigger) {
		return nil, ErrIgnoredBranch
	}
	c.init()

	now := time.Now().UTC()
	run := &api.PipelineRun{
		ID:        uuid.Must(uuid.NewRandom()).String(),
		Trigger:   trigger,
		State:     api.RunPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, stage := range api.Stages {
		run.Stages = append(run.Stages, &api.StageRecord{Stage: stage, Status: api.StagePending})
	}
	logger := log.With(c.logger(), "run", run.ID, "commit", trigger.CommitID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.track(run.ID, cancel)
	defer c.untrack(run.ID)

	if err := c.save(ctx, run); err != nil {
		return nil, err
	}

	// runs queue here while another one is in progress
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return c.finish(ctx, logger, run, ErrCancelled)
	}
	defer func() { <-c.sem }()

	logger.Log("msg", "starting pipeline run")
	return c.finish(ctx, logger, run, c.execute(ctx, logger, run))
}

func (c *Coordinator) execute(ctx context.Context, logger log.Logger, run *api.PipelineRun) error {
	var (
		dir  string
		topo *api.Topology
	)

	artifacts := map[string]*api.Artifact{}
	err := c.stage(ctx, logger, run, api.StageBuilding, func(ctx context.Context) error {
		var err error
		if dir, err = c.Source.Checkout(ctx, run.Trigger.CommitID); err != nil {
			return fmt.Errorf("checking out %s: %w", run.Trigger.CommitID, err)
		}
		if topo, err = topology.Load(filepath.Join(dir, c.TopologyFile)); err != nil {
			return &failure.ConfigError{Field: c.TopologyFile, Cause: err}
		}

		return c.each(topo.Services, func(svc *api.Service) error {
			art, err := c.Builder.Build(ctx, dir, topo.Platform, svc)
			if err != nil {
				return failure.InStage(api.StageBuilding, svc.Name, err)
			}
			c.mu.Lock()
			artifacts[svc.Name] = art
			c.mu.Unlock()
			return nil
		})
	})
	if err != nil {
		return err
	}

	images := map[string]api.ImageRef{}
	err = c.stage(ctx, logger, run, api.StagePublishing, func(ctx context.Context) error {
		return c.each(topo.Services, func(svc *api.Service) error {
			ref, err := c.Publisher.Publish(ctx, artifacts[svc.Name])
			if err != nil {
				return failure.InStage(api.StagePublishing, svc.Name, err)
			}
			c.mu.Lock()
			images[svc.Name] = ref
			c.mu.Unlock()
			return nil
		})
	})
	for _, svc := range topo.Services {
		if ref, ok := images[svc.Name]; ok {
			run.Images = append(run.Images, ref)
		}
	}
	if err != nil {
		return err
	}

	if !c.startDeploying(run.ID) {
		return ErrCancelled
	}
	// a started pass always runs to completion
	ctx = context.WithoutCancel(ctx)

	return c.stage(ctx, logger, run, api.StageDeploying, func(ctx context.Context) error {
		desired := &api.DesiredState{Commit: run.Trigger.CommitID, Topology: topo, Images: images}

		var report *api.ReconcileReport
		err := concurrency.Retry(ctx, c.DeployBackoff, isUnreachable, func(attempt int) error {
			var err error
			report, err = c.Deployer.Deploy(ctx, desired)
			if err != nil {
				logger.Log("msg", "deploy attempt failed", "stage", api.StageDeploying, "attempt", attempt, "err", err)
			}
			return err
		})
		if err != nil {
			return failure.InStage(api.StageDeploying, "", err)
		}

		run.Results = report.Results
		return c.judge(logger, topo, run, report)
	})
}

// judge fails the run when a service that others depend on did not
// converge. Failures of leaf services become warnings.
func (c *Coordinator) judge(logger log.Logger, topo *api.Topology, run *api.PipelineRun, report *api.ReconcileReport) error {
	var errs []error
	for _, res := range report.Failures() {
		cause := fmt.Errorf("%s: %s", res.Result, res.Error)
		if res.Result == api.ResultBlocked || len(topology.Dependents(topo, res.Service)) > 0 {
			errs = append(errs, failure.InStage(api.StageDeploying, res.Service, cause))
			continue
		}
		run.Warnings = append(run.Warnings, fmt.Sprintf("%s: %s", res.Service, cause))
		logger.Log("msg", "service did not converge", "stage", api.StageDeploying, "service", res.Service, "result", res.Result, "err", res.Error)
	}
	return errors.Join(errs...)
}

// stage runs fn as the given stage, recording its status and timing.
func (c *Coordinator) stage(ctx context.Context, logger log.Logger, run *api.PipelineRun, stage api.Stage, fn func(context.Context) error) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}

	rec := run.StageRecord(stage)
	start := time.Now().UTC()
	rec.Status = api.StageRunning
	rec.StartedAt = &start
	run.State = api.RunState(stage)
	if err := c.save(ctx, run); err != nil {
		return err
	}
	logger.Log("msg", "stage started", "stage", stage)

	err := fn(ctx)
	if ctx.Err() != nil {
		err = ErrCancelled
	}

	end := time.Now().UTC()
	rec.FinishedAt = &end
	if err != nil {
		rec.Status = api.StageFailed
		rec.Reason = err.Error()
		logger.Log("msg", "stage failed", "stage", stage, "err", err)
	} else {
		rec.Status = api.StageSucceeded
		logger.Log("msg", "stage succeeded", "stage", stage)
	}
	stageDuration.With(pmetrics.LabelStage, string(stage), pmetrics.LabelSuccess, fmt.Sprint(err == nil)).Observe(end.Sub(start).Seconds())

	if serr := c.save(ctx, run); serr != nil && err == nil {
		err = serr
	}
	return err
}

// each calls fn for every service concurrently and joins all errors, so
// one failing service does not hide another.
func (c *Coordinator) each(services []*api.Service, fn func(*api.Service) error) error {
	var g errgroup.Group
	if c.Parallelism > 0 {
		g.SetLimit(c.Parallelism)
	}

	errs := make([]error, len(services))
	for i, svc := range services {
		g.Go(func() error {
			errs[i] = fn(svc)
			return errs[i]
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

func (c *Coordinator) finish(ctx context.Context, logger log.Logger, run *api.PipelineRun, err error) (*api.PipelineRun, error) {
	switch {
	case err == nil:
		run.State = api.RunSucceeded
	case errors.Is(err, ErrCancelled):
		run.State = api.RunCancelled
		run.Reason = err.Error()
	default:
		run.State = api.RunFailed
		run.Reason = err.Error()
		for _, rec := range run.Stages {
			if rec.Status == api.StageFailed {
				run.FailedStage = rec.Stage
				break
			}
		}
	}
	runsTotal.With(pmetrics.LabelState, string(run.State)).Add(1)

	if serr := c.save(ctx, run); serr != nil {
		logger.Log("msg", "failed to persist run", "err", serr)
	}
	logger.Log("msg", "pipeline run finished", "state", run.State, "failedStage", run.FailedStage, "warnings", len(run.Warnings))
	return run, err
}

// Cancel stops a run that has not started deploying yet.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	c.init()

	c.mu.Lock()
	a, ok := c.active[id]
	if ok && !a.deploying {
		a.cancelled = true
		a.cancel()
	}
	c.mu.Unlock()

	switch {
	case ok && a.deploying:
		return ErrNotCancellable
	case ok:
		return nil
	}

	if _, err := c.Store.Get(ctx, id); err != nil {
		return err
	}
	return ErrNotCancellable
}

func (c *Coordinator) track(id string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[id] = &activeRun{cancel: cancel}
}

func (c *Coordinator) untrack(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, id)
}

// startDeploying marks the run as no longer cancellable. It returns false
// if the run was cancelled first.
func (c *Coordinator) startDeploying(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	a := c.active[id]
	if a.cancelled {
		return false
	}
	a.deploying = true
	return true
}

func (c *Coordinator) save(ctx context.Context, run *api.PipelineRun) error {
	run.UpdatedAt = time.Now().UTC()
	if err := c.Store.Put(context.WithoutCancel(ctx), run); err != nil {
		return fmt.Errorf("persisting run %s: %w", run.ID, err)
	}
	return nil
}

func (c *Coordinator) logger() log.Logger {
	if c.Logger == nil {
		return log.NewNopLogger()
	}
	return c.Logger
}

func isUnreachable(err error) bool {
	var ru *failure.RuntimeUnreachable
	return errors.As(err, &ru)
}
