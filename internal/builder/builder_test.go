package builder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/api"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/concurrency"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/failure"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/runtime"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/runtime/runtimetest"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

func newBuilder(t *testing.T, rt *runtimetest.Runtime) *Builder {
	return &Builder{
		Runtime:     rt,
		Namespace:   "ghcr.io/acme",
		ArtifactDir: t.TempDir(),
		Backoff:     concurrency.Backoff{Attempts: 3, Initial: time.Millisecond, Max: time.Millisecond},
	}
}

func TestBuildCachesUnchangedContext(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	writeFiles(t, src, map[string]string{
		"backend/Dockerfile":       "FROM python:3.12 AS build\nFROM python:3.12-slim\n",
		"backend/requirements.txt": "django==5.0\n",
		"backend/manage.py":        "print('hi')\n",
	})

	rt := runtimetest.New()
	b := newBuilder(t, rt)
	svc := &api.Service{Name: "backend", Context: "backend", Target: "runtime", Port: 8000}

	first, err := b.Build(ctx, src, "linux/amd64", svc)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.True(t, api.IsContentTag(first.Image.Tag))
	assert.Equal(t, "ghcr.io/acme/backend:"+api.ContentTag(first.Digest), first.Image.String())
	require.Len(t, rt.Builds, 1)
	assert.Equal(t, "runtime", rt.Builds[0].Target)

	second, err := b.Build(ctx, src, "linux/amd64", svc)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Digest, second.Digest)
	assert.Equal(t, first.ImageID, second.ImageID)
	assert.Len(t, rt.Builds, 1, "second build reused the artifact")

	// lock input change invalidates the cache
	writeFiles(t, src, map[string]string{"backend/requirements.txt": "django==5.1\n"})
	third, err := b.Build(ctx, src, "linux/amd64", svc)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.NotEqual(t, first.Digest, third.Digest)
	assert.Len(t, rt.Builds, 2)
}

func TestBuildMissingDeclaredDependency(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{
		"frontend/package.json": `{"dependencies": {"react": "^18.0.0"}}`,
	})

	rt := runtimetest.New()
	b := newBuilder(t, rt)
	svc := &api.Service{Name: "frontend", Context: "frontend", Port: 3000, BuildRequires: []string{"typescript"}}

	_, err := b.Build(context.Background(), src, "", svc)
	require.Error(t, err)

	var bf *failure.BuildFailure
	require.ErrorAs(t, err, &bf)
	assert.Equal(t, failure.StepDependencies, bf.Step)

	var missing *failure.MissingBuildDependency
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "typescript", missing.Dependency)
	assert.Equal(t, "package.json", missing.Manifest)
	assert.Empty(t, rt.Builds, "nothing was built")
}

func TestBuildMissingToolInOutput(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"frontend/Dockerfile": "FROM node:20\n"})

	rt := runtimetest.New()
	rt.BuildOutput["frontend"] = "Step 5/9 : RUN npm run build\n> tsc -p .\nsh: 1: tsc: not found\n"
	rt.BuildErrors["frontend"] = &runtime.BuildError{Step: "RUN npm run build", Message: "returned a non-zero code: 127"}
	b := newBuilder(t, rt)

	_, err := b.Build(context.Background(), src, "", &api.Service{Name: "frontend", Context: "frontend", Port: 3000})
	var missing *failure.MissingBuildDependency
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "tsc", missing.Dependency)
	assert.Equal(t, failure.ExitBuild, failure.ExitCode(err))
}

func TestBuildCompileFailureIsNotRetried(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"backend/Dockerfile": "FROM golang\n"})

	rt := runtimetest.New()
	rt.BuildErrors["backend"] = &runtime.BuildError{Step: "RUN go build ./...", Message: "exit status 1"}
	b := newBuilder(t, rt)

	_, err := b.Build(context.Background(), src, "", &api.Service{Name: "backend", Context: "backend", Port: 8000})
	var bf *failure.BuildFailure
	require.ErrorAs(t, err, &bf)
	assert.Equal(t, failure.StepCompile, bf.Step)
	assert.Equal(t, "backend", bf.Service)
	assert.Len(t, rt.Builds, 1)
}

func TestBuildNetworkFailureIsRetried(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"backend/Dockerfile": "FROM python\n"})

	rt := runtimetest.New()
	rt.BuildOutput["backend"] = "Step 3/6 : RUN pip install -r requirements.txt\nTemporary failure in name resolution\n"
	rt.BuildErrors["backend"] = &runtime.BuildError{Step: "RUN pip install -r requirements.txt", Message: "exit 1"}
	b := newBuilder(t, rt)

	_, err := b.Build(context.Background(), src, "", &api.Service{Name: "backend", Context: "backend", Port: 8000})
	var nf *failure.NetworkFailure
	require.ErrorAs(t, err, &nf)
	assert.Len(t, rt.Builds, 3, "retried up to the attempt limit")
}

func TestBuildRuntimeUnreachable(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"backend/Dockerfile": "FROM python\n"})

	rt := runtimetest.New()
	rt.Unreachable = true
	b := newBuilder(t, rt)

	_, err := b.Build(context.Background(), src, "", &api.Service{Name: "backend", Context: "backend", Port: 8000})
	var ru *failure.RuntimeUnreachable
	require.True(t, errors.As(err, &ru))
}

func TestStepOf(t *testing.T) {
	assert.Equal(t, failure.StepDependencies, stepOf("RUN npm ci"))
	assert.Equal(t, failure.StepDependencies, stepOf("RUN pip install --no-cache-dir -r requirements.txt"))
	assert.Equal(t, failure.StepCompile, stepOf("RUN npm run build"))
	assert.Equal(t, failure.StepPackage, stepOf("COPY --from=build /app/dist /srv"))
	assert.Equal(t, failure.StepPackage, stepOf(""))
}

func TestCheckManifest(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"package.json":     `{"devDependencies": {"typescript": "^5.4.0"}}`,
		"requirements.txt": "# web\nDjango>=5.0  # framework\ngunicorn[gevent]==21.2\n-r base.txt\n",
		"go.mod":           "module example.com/app\n\ngo 1.22\n\nrequire github.com/pkg/errors v0.9.1\n",
	})

	assert.NoError(t, CheckManifest("svc", dir, nil))
	assert.NoError(t, CheckManifest("svc", dir, []string{"typescript", "django", "gunicorn", "github.com/pkg/errors"}))

	err := CheckManifest("svc", dir, []string{"webpack"})
	var missing *failure.MissingBuildDependency
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "webpack", missing.Dependency)
	assert.Equal(t, "package.json, requirements.txt, go.mod", missing.Manifest)

	err = CheckManifest("svc", t.TempDir(), []string{"typescript"})
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, errNoManifest.Error(), missing.Manifest)
}

func TestContextDigestIgnoresGitDir(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"app.py": "x = 1\n"})
	svc := &api.Service{Name: "backend"}

	before, err := ContextDigest(dir, svc, "")
	require.NoError(t, err)

	writeFiles(t, dir, map[string]string{".git/HEAD": "ref: refs/heads/main\n"})
	after, err := ContextDigest(dir, svc, "")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	other, err := ContextDigest(dir, svc, "linux/arm64")
	require.NoError(t, err)
	assert.NotEqual(t, before, other, "platform is part of the build input")
}

func TestContextDigestFileBoundaries(t *testing.T) {
	svc := &api.Service{Name: "backend"}

	split := t.TempDir()
	writeFiles(t, split, map[string]string{"a": "x", "b": "y"})

	// one file whose content spells out the second file's record
	joined := t.TempDir()
	writeFiles(t, joined, map[string]string{"a": "x\x00b\x00644\x00y"})

	first, err := ContextDigest(split, svc, "")
	require.NoError(t, err)
	second, err := ContextDigest(joined, svc, "")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}
