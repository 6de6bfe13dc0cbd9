// Package registry publishes built images under an immutable content tag
// and the mutable latest tag.
package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/docker/docker/errdefs"
	"github.com/go-kit/kit/log"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/api"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/concurrency"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/failure"
	pmetrics "github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/metrics"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/runtime"
)

type Publisher struct {
	Runtime  runtime.Runtime
	Resolver Resolver
	Auth     runtime.Auth
	Backoff  concurrency.Backoff
	Limiter  *RoundTripRateLimiter // optional, shared with the resolver's transport
	Logger   log.Logger
}

// Publish uploads art under its content tag and moves latest to it. An
// existing content tag holding the same content is left alone.
func (p *Publisher) Publish(ctx context.Context, art *api.Artifact) (api.ImageRef, error) {
	logger := log.With(p.logger(), "service", art.Service, "image", art.Image)
	if !api.IsContentTag(art.Image.Tag) {
		return api.ImageRef{}, errors.New("artifact is not addressed by a content tag")
	}

	var existing Remote
	err := p.retry(ctx, art.Service, "looking up "+art.Image.String(), func() error {
		var err error
		existing, err = p.Resolver.Lookup(ctx, art.Image.String())
		return err
	})
	switch {
	case err == nil && existing.Content == art.Digest:
		logger.Log("msg", "content tag already published")
	case err == nil:
		wanted := art.Digest
		found := existing.Content
		if found == "" {
			found = existing.Manifest
		}
		return api.ImageRef{}, &failure.ConflictFailure{Service: art.Service, Tag: art.Image.Tag, Existing: found, Wanted: wanted}
	case errors.Is(err, ErrNotFound):
		if err := p.push(ctx, art.Service, art.Image.String()); err != nil {
			return api.ImageRef{}, err
		}
		logger.Log("msg", "pushed content tag")
	default:
		return api.ImageRef{}, err
	}

	latest := art.Image.WithTag(api.LatestTag)
	if err := p.Runtime.Tag(ctx, art.Image.String(), latest.String()); err != nil {
		return api.ImageRef{}, p.classify(art.Service, "tagging "+latest.String(), err)
	}
	if err := p.push(ctx, art.Service, latest.String()); err != nil {
		return api.ImageRef{}, err
	}
	logger.Log("msg", "moved mutable tag", "tag", api.LatestTag)

	return art.Image, nil
}

func (p *Publisher) push(ctx context.Context, service, ref string) error {
	return p.retry(ctx, service, "pushing "+ref, func() error {
		if p.Limiter != nil {
			if err := p.Limiter.wait(ctx); err != nil {
				return err
			}
		}
		return p.Runtime.Push(ctx, ref, p.Auth)
	})
}

func (p *Publisher) retry(ctx context.Context, service, op string, fn func() error) error {
	return concurrency.Retry(ctx, p.Backoff, failure.Retryable, func(attempt int) error {
		err := fn()
		publishAttempts.With(pmetrics.LabelService, service, pmetrics.LabelSuccess, fmt.Sprint(err == nil || errors.Is(err, ErrNotFound))).Add(1)
		if err == nil || errors.Is(err, ErrNotFound) {
			return err
		}
		err = p.classify(service, op, err)
		p.logger().Log("msg", "registry operation failed", "service", service, "op", op, "attempt", attempt, "err", err)
		return err
	})
}

var (
	authPattern    = regexp.MustCompile(`(?i)(unauthorized|authentication required|access denied|denied:|forbidden|incorrect username or password)`)
	networkPattern = regexp.MustCompile(`(?i)(connection refused|connection reset|no such host|i/o timeout|tls handshake timeout|timeout exceeded|unexpected EOF|network is unreachable|bad gateway|service unavailable|too many requests|toomanyrequests)`)
)

// classify maps an error from the runtime or the registry API onto the
// failure taxonomy.
func (p *Publisher) classify(service, op string, err error) error {
	var (
		ru *failure.RuntimeUnreachable
		ae *authError
		ne *networkError
	)
	switch {
	case errors.As(err, &ru):
		return err
	case errors.As(err, &ae), errdefs.IsUnauthorized(err), errdefs.IsForbidden(err), authPattern.MatchString(err.Error()):
		return &failure.AuthFailure{Service: service, Registry: p.registryHost(), Cause: err}
	case errors.As(err, &ne), errdefs.IsUnavailable(err), errors.Is(err, context.DeadlineExceeded), networkPattern.MatchString(err.Error()):
		return &failure.NetworkFailure{Service: service, Op: op, Cause: err}
	}
	return err
}

func (p *Publisher) registryHost() string {
	if p.Auth.ServerAddress != "" {
		return p.Auth.ServerAddress
	}
	return "registry"
}

func (p *Publisher) logger() log.Logger {
	if p.Logger == nil {
		return log.NewNopLogger()
	}
	return p.Logger
}

// Host returns the registry host of a namespace such as ghcr.io/acme.
func Host(namespace string) string {
	host, _, _ := strings.Cut(namespace, "/")
	if !strings.ContainsAny(host, ".:") && host != "localhost" {
		return "docker.io"
	}
	return host
}
