package runtimetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/runtime"
)

func TestBuildImageFollowsContent(t *testing.T) {
	ctx := context.Background()
	rt := New()
	req := func(content string) runtime.BuildRequest {
		return runtime.BuildRequest{
			Service:    "backend",
			ContextDir: "/src/backend",
			Target:     "runtime",
			Labels:     map[string]string{runtime.LabelDigest: content},
		}
	}

	first, err := rt.Build(ctx, req("sha256:aaaa"), nil)
	require.NoError(t, err)
	again, err := rt.Build(ctx, req("sha256:aaaa"), nil)
	require.NoError(t, err)
	changed, err := rt.Build(ctx, req("sha256:bbbb"), nil)
	require.NoError(t, err)

	assert.Equal(t, first, again)
	assert.NotEqual(t, first, changed)
}
