package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/api"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/failure"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/runtime"
)

var errNotLive = errors.New("instance did not pass its liveness check")

// rollout brings one service to dgst. The previous instance keeps serving
// until a replacement has proven live: the replacement first runs as a
// candidate on an ephemeral port, then is promoted to the declared port.
func (p *pass) rollout(ctx context.Context, logger log.Logger, svc *api.Service, ref api.ImageRef, dgst digest.Digest, current []runtime.Instance) (api.RolloutResult, *runtime.Instance, error) {
	var (
		match *runtime.Instance
		old   *runtime.Instance
		stale []runtime.Instance
	)
	for i := range current {
		inst := current[i]
		switch {
		case inst.Digest != dgst:
			if inst.Running && old == nil {
				old = &inst
			} else {
				stale = append(stale, inst)
			}
		case match == nil:
			match = &inst
		case inst.Running && !match.Running:
			stale = append(stale, *match)
			match = &inst
		default:
			stale = append(stale, inst)
		}
	}

	// an exited instance at the desired digest is only restarted when
	// nothing else is serving, otherwise it is replaced like any other
	if match != nil && !match.Running && old != nil {
		stale = append(stale, *match)
		match = nil
	}
	if match != nil {
		if old != nil {
			stale = append(stale, *old)
		}
		return p.keep(ctx, logger, svc, match, stale)
	}

	// dead instances only hold on to names and ports
	if err := p.removeAll(ctx, logger, stale); err != nil {
		return api.ResultFailed, nil, err
	}

	spec := runtime.RunSpec{
		Service:       svc.Name,
		Image:         ref.String(),
		Digest:        dgst,
		ContainerPort: svc.InternalPort(),
		Env:           svc.Env,
	}

	if old == nil {
		inst, err := p.start(ctx, logger, svc, spec)
		if err != nil {
			return resultOf(err), nil, err
		}
		return api.ResultStarted, inst, nil
	}
	return p.replace(ctx, logger, svc, spec, old)
}

// keep handles a service already at its desired digest, restarting it if it
// exited.
func (p *pass) keep(ctx context.Context, logger log.Logger, svc *api.Service, inst *runtime.Instance, stale []runtime.Instance) (api.RolloutResult, *runtime.Instance, error) {
	result := api.ResultUnchanged
	if !inst.Running {
		logger.Log("msg", "restarting exited container", "container", inst.Name)
		if err := p.Runtime.Start(ctx, inst.ID); err != nil {
			return api.ResultFailed, nil, err
		}
		fresh, err := p.Runtime.Inspect(ctx, inst.ID)
		if err != nil {
			return api.ResultFailed, nil, err
		}
		if err := p.waitLive(ctx, svc, fresh); err != nil {
			return resultOf(err), nil, err
		}
		inst = &fresh
		result = api.ResultRestarted
	}

	if err := p.removeAll(ctx, logger, stale); err != nil {
		return api.ResultFailed, nil, err
	}
	return result, inst, nil
}

// start runs the first instance of a service directly on its port.
func (p *pass) start(ctx context.Context, logger log.Logger, svc *api.Service, spec runtime.RunSpec) (*runtime.Instance, error) {
	spec.Name = containerName(svc.Name, spec.Digest, "")
	spec.Role = runtime.RolePrimary
	spec.HostPort = svc.Port

	logger.Log("msg", "starting container", "container", spec.Name)
	inst, err := p.Runtime.Run(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := p.waitLive(ctx, svc, inst); err != nil {
		p.discard(ctx, logger, inst)
		return nil, err
	}
	return &inst, nil
}

func (p *pass) replace(ctx context.Context, logger log.Logger, svc *api.Service, spec runtime.RunSpec, old *runtime.Instance) (api.RolloutResult, *runtime.Instance, error) {
	candidate := spec
	candidate.Name = containerName(svc.Name, spec.Digest, runtime.RoleCandidate)
	candidate.Role = runtime.RoleCandidate

	logger.Log("msg", "starting candidate", "container", candidate.Name)
	cand, err := p.Runtime.Run(ctx, candidate)
	if err != nil {
		return api.ResultFailed, nil, err
	}
	if err := p.waitLive(ctx, svc, cand); err != nil {
		p.discard(ctx, logger, cand)
		return resultOf(err), nil, err
	}
	defer p.discard(ctx, logger, cand)

	// the declared port can only be bound once the old instance lets go of it
	logger.Log("msg", "promoting candidate", "old", old.Name)
	if err := p.Runtime.Stop(ctx, old.ID); err != nil {
		return api.ResultFailed, nil, err
	}

	inst, err := p.start(ctx, logger, svc, spec)
	if err != nil {
		logger.Log("msg", "promotion failed, restoring previous container", "container", old.Name, "err", err)
		if rerr := p.Runtime.Start(ctx, old.ID); rerr != nil {
			return api.ResultFailed, nil, fmt.Errorf("%w (restoring previous container: %s)", err, rerr)
		}
		return resultOf(err), nil, err
	}

	if err := p.Runtime.Remove(ctx, old.ID); err != nil {
		logger.Log("msg", "failed to remove previous container", "container", old.Name, "err", err)
	}
	return api.ResultReplaced, inst, nil
}

// waitLive polls until the instance is healthy and answers its probe.
func (p *pass) waitLive(ctx context.Context, svc *api.Service, inst runtime.Instance) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastErr := errNotLive
	for {
		healthy, err := p.Runtime.Healthy(ctx, inst.ID)
		switch {
		case isFatal(err):
			return err
		case err != nil:
			lastErr = err
		case !healthy:
			lastErr = errNotLive
		default:
			if p.Checker == nil {
				return nil
			}
			err := p.Checker.Check(ctx, p.probeHost(), inst.HostPort, svc.Health)
			if err == nil {
				return nil
			}
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return &failure.RolloutTimeout{Service: svc.Name, Timeout: p.Timeout, Cause: lastErr}
		case <-ticker.C:
		}
	}
}

// discard removes a container that is no longer wanted. Errors are only
// logged: the next pass removes leftovers.
func (p *pass) discard(ctx context.Context, logger log.Logger, inst runtime.Instance) {
	if err := p.Runtime.Remove(ctx, inst.ID); err != nil {
		logger.Log("msg", "failed to remove container", "container", inst.Name, "err", err)
	}
}

func (p *pass) removeAll(ctx context.Context, logger log.Logger, instances []runtime.Instance) error {
	for _, inst := range instances {
		logger.Log("msg", "removing superseded container", "container", inst.Name)
		if err := p.Runtime.Remove(ctx, inst.ID); err != nil {
			return err
		}
	}
	return nil
}

func resultOf(err error) api.RolloutResult {
	var rt *failure.RolloutTimeout
	if errors.As(err, &rt) {
		return api.ResultRolloutTimeout
	}
	return api.ResultFailed
}

func containerName(service string, dgst digest.Digest, role string) string {
	id := uuid.Must(uuid.NewRandom()).String()[:8]
	short := dgst.Encoded()
	if len(short) > 12 {
		short = short[:12]
	}
	if role == "" {
		return fmt.Sprintf("%s-%s-%s", service, short, id)
	}
	return fmt.Sprintf("%s-%s-%s-%s", service, role, short, id)
}
