package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/api"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/concurrency"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/failure"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/runtime/runtimetest"
)

type fakeResolver struct {
	mu      sync.Mutex
	tags    map[string]Remote
	errs    []error
	lookups int
}

func (f *fakeResolver) Lookup(ctx context.Context, ref string) (Remote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lookups++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return Remote{}, err
	}
	r, ok := f.tags[ref]
	if !ok {
		return Remote{}, ErrNotFound
	}
	return r, nil
}

func setup(t *testing.T) (*Publisher, *runtimetest.Runtime, *fakeResolver, *api.Artifact) {
	rt := runtimetest.New()
	res := &fakeResolver{tags: map[string]Remote{}}

	dgst := digest.FromString("backend build input")
	art := &api.Artifact{
		Service: "backend",
		Image:   api.ImageRef{Namespace: "ghcr.io/acme", Service: "backend", Tag: api.ContentTag(dgst)},
		Digest:  dgst,
	}
	rt.Images[art.Image.String()] = digest.FromString("image")

	p := &Publisher{
		Runtime:  rt,
		Resolver: res,
		Backoff:  concurrency.Backoff{Attempts: 3, Initial: time.Millisecond, Max: time.Millisecond},
	}
	return p, rt, res, art
}

func TestPublishPushesContentAndLatest(t *testing.T) {
	p, rt, _, art := setup(t)

	ref, err := p.Publish(context.Background(), art)
	require.NoError(t, err)
	assert.Equal(t, art.Image, ref)
	assert.Equal(t, []string{
		"ghcr.io/acme/backend:" + art.Image.Tag,
		"ghcr.io/acme/backend:latest",
	}, rt.Pushes)
	assert.Equal(t, rt.Images[art.Image.String()], rt.Images["ghcr.io/acme/backend:latest"])
}

func TestPublishExistingContentTagIsNoop(t *testing.T) {
	p, rt, res, art := setup(t)
	res.tags[art.Image.String()] = Remote{Manifest: digest.FromString("manifest"), Content: art.Digest}

	_, err := p.Publish(context.Background(), art)
	require.NoError(t, err)
	assert.Equal(t, []string{"ghcr.io/acme/backend:latest"}, rt.Pushes, "only the mutable tag moves")
}

func TestPublishConflict(t *testing.T) {
	p, rt, res, art := setup(t)
	other := digest.FromString("something else")
	res.tags[art.Image.String()] = Remote{Manifest: digest.FromString("manifest"), Content: other}

	_, err := p.Publish(context.Background(), art)
	var cf *failure.ConflictFailure
	require.ErrorAs(t, err, &cf)
	assert.Equal(t, "backend", cf.Service)
	assert.Equal(t, other, cf.Existing)
	assert.Equal(t, art.Digest, cf.Wanted)
	assert.Empty(t, rt.Pushes)
	assert.Equal(t, failure.ExitPublish, failure.ExitCode(err))
}

func TestPublishRetriesTransientNetworkFailure(t *testing.T) {
	p, rt, _, art := setup(t)
	rt.PushErrors[art.Image.String()] = []error{errors.New("dial tcp 10.0.0.1:443: i/o timeout")}

	_, err := p.Publish(context.Background(), art)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"ghcr.io/acme/backend:" + art.Image.Tag,
		"ghcr.io/acme/backend:latest",
	}, rt.Pushes, "each tag pushed exactly once")
}

func TestPublishNetworkFailureExhausted(t *testing.T) {
	p, rt, _, art := setup(t)
	timeout := errors.New("connection refused")
	rt.PushErrors[art.Image.String()] = []error{timeout, timeout, timeout}

	_, err := p.Publish(context.Background(), art)
	var nf *failure.NetworkFailure
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "backend", nf.Service)
	assert.Empty(t, rt.Pushes)
}

func TestPublishAuthFailureNotRetried(t *testing.T) {
	p, rt, res, art := setup(t)
	res.errs = []error{&authError{errors.New("401 Unauthorized")}}

	_, err := p.Publish(context.Background(), art)
	var af *failure.AuthFailure
	require.ErrorAs(t, err, &af)
	assert.Equal(t, 1, res.lookups)
	assert.Empty(t, rt.Pushes)

	p2, rt2, _, art2 := setup(t)
	rt2.PushErrors[art2.Image.String()] = []error{fmt.Errorf("denied: requested access to the resource is denied")}
	_, err = p2.Publish(context.Background(), art2)
	require.ErrorAs(t, err, &af)
	assert.False(t, failure.Retryable(err))
}

func TestPublishRejectsMutableArtifact(t *testing.T) {
	p, _, _, art := setup(t)
	art.Image = art.Image.WithTag(api.LatestTag)

	_, err := p.Publish(context.Background(), art)
	require.Error(t, err)
}

func TestHost(t *testing.T) {
	assert.Equal(t, "ghcr.io", Host("ghcr.io/acme"))
	assert.Equal(t, "localhost:5000", Host("localhost:5000/team"))
	assert.Equal(t, "docker.io", Host("acme"))
}
