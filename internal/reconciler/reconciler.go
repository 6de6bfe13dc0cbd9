// Package reconciler converges the containers on one host to a desired
// state. Passes are serialized by a host lock and each service is rolled
// out only after the services it depends on are live at their desired
// version.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/opencontainers/go-digest"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/api"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/concurrency"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/failure"
	pmetrics "github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/metrics"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/probe"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/runtime"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/topology"
)

type Reconciler struct {
	Runtime   runtime.Runtime
	Checker   probe.Checker
	Auth      runtime.Auth
	Lock      *concurrency.HostLock
	StateFile string // empty keeps the state in memory only
	Timeout   time.Duration
	Interval  time.Duration
	ProbeHost string // defaults to 127.0.0.1
	Logger    log.Logger

	state  concurrency.StateContainer[*api.DeploymentState]
	loaded bool
}

// State returns a copy of the current Deployment State. With a StateFile
// it is read from disk, so passes run by other processes on the host are
// visible.
func (r *Reconciler) State() *api.DeploymentState {
	if r.StateFile != "" {
		if current, err := readState(r.StateFile); err == nil {
			return current
		}
	}
	return r.state.Get().Clone()
}

// Watch notifies after every completed pass.
func (r *Reconciler) Watch(ctx context.Context) <-chan struct{} {
	return r.state.Watch(ctx)
}

// Load reads the persisted Deployment State. Every pass reloads it under
// the host lock.
func (r *Reconciler) Load() error {
	current, err := readState(r.StateFile)
	if err != nil {
		return err
	}
	r.state.Swap(current)
	r.loaded = true
	return nil
}

// Reconcile runs one pass. Once the host lock is held the pass runs to
// completion even if ctx is cancelled. A RuntimeUnreachable error aborts
// the pass; any other per-service failure is reported in the result set.
func (r *Reconciler) Reconcile(ctx context.Context, desired *api.DesiredState) (report *api.ReconcileReport, err error) {
	unlock := func() {}
	if r.Lock != nil {
		if unlock, err = r.Lock.Lock(ctx); err != nil {
			return nil, fmt.Errorf("waiting for host lock: %w", err)
		}
	}
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	begin := time.Now()
	defer func() {
		passDuration.With(pmetrics.LabelSuccess, fmt.Sprint(err == nil)).Observe(time.Since(begin).Seconds())
	}()

	if r.StateFile != "" || !r.loaded {
		if err := r.Load(); err != nil {
			return nil, err
		}
	}

	order, err := topology.Order(desired.Topology)
	if err != nil {
		return nil, &failure.ConfigError{Field: "topology", Cause: err}
	}
	if err := r.Runtime.Ping(ctx); err != nil {
		return nil, err
	}

	p := &pass{
		Reconciler: r,
		logger:     log.With(r.logger(), "commit", desired.Commit),
		report:     &api.ReconcileReport{Commit: desired.Commit, StartedAt: begin.UTC()},
		state:      r.state.Get().Clone(),
		results:    map[string]*api.ServiceResult{},
	}

	err = p.run(ctx, desired, order)
	p.report.FinishedAt = time.Now().UTC()

	// the commit only names the host once every service runs it
	if err == nil && len(p.report.Failures()) == 0 {
		p.state.Commit = desired.Commit
	}

	// whatever converged before a fatal error is still recorded
	if werr := writeState(r.StateFile, p.state); werr != nil && err == nil {
		err = werr
	}
	r.state.Swap(p.state)

	if err != nil {
		return p.report, err
	}
	return p.report, nil
}

// Logs copies the output of the service's primary container to w.
func (r *Reconciler) Logs(ctx context.Context, service, since string, w io.Writer) error {
	instances, err := r.Runtime.List(ctx)
	if err != nil {
		return err
	}

	var found *runtime.Instance
	for i, inst := range instances {
		if inst.Service != service || inst.Role != runtime.RolePrimary {
			continue
		}
		if found == nil || inst.Running {
			found = &instances[i]
		}
	}
	if found == nil {
		return fmt.Errorf("service %q: %w", service, ErrUnknownService)
	}
	return r.Runtime.Logs(ctx, found.ID, since, w)
}

var ErrUnknownService = errors.New("no container for service")

func (r *Reconciler) logger() log.Logger {
	if r.Logger == nil {
		return log.NewNopLogger()
	}
	return r.Logger
}

func (r *Reconciler) probeHost() string {
	if r.ProbeHost == "" {
		return "127.0.0.1"
	}
	return r.ProbeHost
}

// pass holds the bookkeeping of one Reconcile call.
type pass struct {
	*Reconciler
	logger  log.Logger
	report  *api.ReconcileReport
	state   *api.DeploymentState
	results map[string]*api.ServiceResult
}

func (p *pass) run(ctx context.Context, desired *api.DesiredState, order []*api.Service) error {
	existing, err := p.Runtime.List(ctx)
	if err != nil {
		return err
	}

	byService := map[string][]runtime.Instance{}
	for _, inst := range existing {
		if inst.Role == runtime.RoleCandidate {
			// left behind by an interrupted pass
			p.logger.Log("msg", "removing stale candidate", "service", inst.Service, "container", inst.Name)
			if err := p.Runtime.Remove(ctx, inst.ID); err != nil {
				return err
			}
			continue
		}
		byService[inst.Service] = append(byService[inst.Service], inst)
	}

	// resolve every desired image before touching any container
	digests := map[string]digest.Digest{}
	resolveErrs := map[string]error{}
	for _, svc := range order {
		ref, ok := desired.Images[svc.Name]
		if !ok {
			resolveErrs[svc.Name] = fmt.Errorf("no image given for service %q", svc.Name)
			continue
		}
		dgst, err := p.Runtime.Pull(ctx, ref.String(), p.Auth)
		if err != nil {
			if isFatal(err) {
				return err
			}
			resolveErrs[svc.Name] = fmt.Errorf("resolving %s: %w", ref, err)
			continue
		}
		digests[svc.Name] = dgst
	}

	for _, svc := range order {
		logger := log.With(p.logger, "service", svc.Name)
		ref := desired.Images[svc.Name]

		if blocker := p.blockedBy(svc); blocker != "" {
			p.record(logger, svc.Name, api.ResultBlocked, "", fmt.Errorf("dependency %q is not live at its desired version", blocker))
			continue
		}
		if err := resolveErrs[svc.Name]; err != nil {
			p.record(logger, svc.Name, api.ResultFailed, "", err)
			continue
		}

		dgst := digests[svc.Name]
		result, inst, err := p.rollout(ctx, logger, svc, ref, dgst, byService[svc.Name])
		if isFatal(err) {
			p.record(logger, svc.Name, api.ResultFailed, dgst, err)
			return err
		}
		p.record(logger, svc.Name, result, dgst, err)

		if result.OK() && inst != nil {
			p.state.Services[svc.Name] = &api.DeployedService{
				Service:     svc.Name,
				Image:       ref,
				Digest:      dgst,
				ContainerID: inst.ID,
				Port:        svc.Port,
				UpdatedAt:   time.Now().UTC(),
			}
		}
	}

	// orphans go last so nothing still depending on them is disturbed mid-pass
	for service, instances := range byService {
		if desired.Topology.Service(service) != nil {
			continue
		}
		for _, inst := range instances {
			p.logger.Log("msg", "removing orphaned container", "service", service, "container", inst.Name)
			if err := p.Runtime.Remove(ctx, inst.ID); err != nil {
				if isFatal(err) {
					return err
				}
				p.record(p.logger, service, api.ResultFailed, inst.Digest, err)
				continue
			}
		}
		if p.results[service] == nil {
			p.record(p.logger, service, api.ResultRemoved, "", nil)
		}
		delete(p.state.Services, service)
	}
	for service := range p.state.Services {
		if desired.Topology.Service(service) == nil {
			delete(p.state.Services, service)
		}
	}
	return nil
}

// blockedBy returns the first dependency of svc that did not converge.
func (p *pass) blockedBy(svc *api.Service) string {
	for _, dep := range svc.DependsOn {
		res := p.results[dep]
		if res == nil || !res.Result.OK() {
			return dep
		}
	}
	return ""
}

func (p *pass) record(logger log.Logger, service string, result api.RolloutResult, dgst digest.Digest, err error) {
	res := &api.ServiceResult{Service: service, Result: result, Digest: dgst}
	if err != nil {
		res.Error = err.Error()
		logger.Log("msg", "service did not converge", "result", result, "err", err)
	} else {
		logger.Log("msg", "service converged", "result", result, "digest", dgst)
	}
	p.results[service] = res
	p.report.Results = append(p.report.Results, res)
	rollouts.With(pmetrics.LabelService, service, pmetrics.LabelResult, string(result)).Add(1)
}

func isFatal(err error) bool {
	var ru *failure.RuntimeUnreachable
	return errors.As(err, &ru)
}
