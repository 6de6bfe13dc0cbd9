package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/concurrency"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/provision"
)

type flakyHost struct {
	failures int
	calls    int
}

func (f *flakyHost) Ready(ctx context.Context) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("connection refused")
	}
	return nil
}

func TestHostReadinessRetries(t *testing.T) {
	h := &hostReadiness{Backoff: concurrency.Backoff{Attempts: 5}}
	host := &provision.Host{ID: "i-123", Address: "203.0.113.10"}
	fake := &flakyHost{failures: 2}

	require.NoError(t, h.check(context.Background(), host, fake, func() string { return "SHA256:abc" }))
	assert.Equal(t, 3, fake.calls)

	fp, ok := h.Pinned("i-123")
	assert.True(t, ok)
	assert.Equal(t, "SHA256:abc", fp)

	buf := &bytes.Buffer{}
	printHost(host, h, buf)
	assert.Contains(t, buf.String(), `host_key_fingerprint = "SHA256:abc"`)
}

func TestHostReadinessGivesUp(t *testing.T) {
	h := &hostReadiness{Backoff: concurrency.Backoff{Attempts: 2}}
	host := &provision.Host{ID: "i-456"}

	err := h.check(context.Background(), host, &flakyHost{failures: 10}, func() string { return "" })
	assert.ErrorContains(t, err, "i-456 never became ready")
	_, ok := h.Pinned("i-456")
	assert.False(t, ok)
}

func TestPrintActions(t *testing.T) {
	buf := &bytes.Buffer{}
	printActions(nil, buf)
	assert.Equal(t, "no changes\n", buf.String())

	assert.True(t, created([]provision.Action{{Kind: provision.ActionAuthorize}, {Kind: provision.ActionCreateHost}}))
	assert.False(t, created([]provision.Action{{Kind: provision.ActionRevoke}}))
}
