package registry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/opencontainers/go-digest"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/runtime"
)

// ErrNotFound is returned by a Resolver when the tag does not exist.
var ErrNotFound = errors.New("tag not found in registry")

// Remote describes a tag as the registry sees it.
type Remote struct {
	Manifest digest.Digest // registry manifest digest
	Content  digest.Digest // build input digest recorded in the image labels, may be empty
}

type Resolver interface {
	Lookup(ctx context.Context, ref string) (Remote, error)
}

// RemoteResolver reads tags straight from the registry API.
type RemoteResolver struct {
	Auth      runtime.Auth
	Transport http.RoundTripper
}

func (r *RemoteResolver) Lookup(ctx context.Context, ref string) (Remote, error) {
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return Remote{}, pkgerrors.Wrapf(err, "parsing %s", ref)
	}

	opts := []remote.Option{remote.WithContext(ctx), remote.WithAuth(r.authenticator())}
	if r.Transport != nil {
		opts = append(opts, remote.WithTransport(r.Transport))
	}

	img, err := remote.Image(parsed, opts...)
	if err != nil {
		return Remote{}, translate(err)
	}
	manifest, err := img.Digest()
	if err != nil {
		return Remote{}, translate(err)
	}
	cfg, err := img.ConfigFile()
	if err != nil {
		return Remote{}, translate(err)
	}

	out := Remote{Manifest: digest.Digest(manifest.String())}
	if cfg != nil && cfg.Config.Labels != nil {
		out.Content = digest.Digest(cfg.Config.Labels[runtime.LabelDigest])
	}
	return out, nil
}

func (r *RemoteResolver) authenticator() authn.Authenticator {
	if r.Auth.Username == "" && r.Auth.Password == "" {
		return authn.Anonymous
	}
	return &authn.Basic{Username: r.Auth.Username, Password: r.Auth.Password}
}

// translate maps registry API errors onto ErrNotFound, errAuth and
// errNetwork so the publisher can classify them.
func translate(err error) error {
	var terr *transport.Error
	if errors.As(err, &terr) {
		switch {
		case terr.StatusCode == http.StatusNotFound:
			return ErrNotFound
		case terr.StatusCode == http.StatusUnauthorized, terr.StatusCode == http.StatusForbidden:
			return &authError{err}
		case terr.StatusCode == http.StatusTooManyRequests, terr.StatusCode >= 500:
			return &networkError{err}
		}
		for _, diag := range terr.Errors {
			switch diag.Code {
			case transport.ManifestUnknownErrorCode, transport.NameUnknownErrorCode:
				return ErrNotFound
			case transport.UnauthorizedErrorCode, transport.DeniedErrorCode:
				return &authError{err}
			}
		}
		return err
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return &networkError{err}
	}
	return err
}

type authError struct{ error }

func (e *authError) Unwrap() error { return e.error }

type networkError struct{ error }

func (e *networkError) Unwrap() error { return e.error }

// RateLimiterConfig bounds requests to one registry host.
type RateLimiterConfig struct {
	RPS   float64
	Burst int
	Wait  time.Duration // longest a request may wait for a token
}

// RateLimitedRoundTripper delays requests so they stay within the limit.
func RateLimitedRoundTripper(rt http.RoundTripper, config RateLimiterConfig) *RoundTripRateLimiter {
	if rt == nil {
		rt = http.DefaultTransport
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if config.RPS > 0 {
		limit = rate.Limit(config.RPS)
	}
	return &RoundTripRateLimiter{
		Wait:      config.Wait,
		RL:        rate.NewLimiter(limit, burst),
		Transport: rt,
	}
}

type RoundTripRateLimiter struct {
	Wait      time.Duration
	RL        *rate.Limiter
	Transport http.RoundTripper
}

func (rl *RoundTripRateLimiter) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := rl.wait(r.Context()); err != nil {
		return nil, err
	}
	return rl.Transport.RoundTrip(r)
}

func (rl *RoundTripRateLimiter) wait(ctx context.Context) error {
	if rl.Wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rl.Wait)
		defer cancel()
	}
	return rl.RL.Wait(ctx)
}
