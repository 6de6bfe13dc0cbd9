// Package builder turns a service's build context into a tagged image.
// Results are cached by the content digest of the build input.
package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/go-kit/kit/log"
	"github.com/opencontainers/go-digest"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/api"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/concurrency"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/failure"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/runtime"
)

type Builder struct {
	Runtime     runtime.Runtime
	Namespace   string
	ArtifactDir string
	Backoff     concurrency.Backoff
	Logger      log.Logger
}

// Build produces the image for svc from the checkout at sourceDir. An
// unchanged build input returns the previous artifact without building.
func (b *Builder) Build(ctx context.Context, sourceDir, platform string, svc *api.Service) (*api.Artifact, error) {
	logger := log.With(b.logger(), "service", svc.Name)
	contextDir := filepath.Join(sourceDir, svc.Context)

	if err := CheckManifest(svc.Name, contextDir, svc.BuildRequires); err != nil {
		return nil, &failure.BuildFailure{Service: svc.Name, Step: failure.StepDependencies, Cause: err}
	}

	dgst, err := ContextDigest(contextDir, svc, platform)
	if err != nil {
		return nil, &failure.BuildFailure{Service: svc.Name, Step: failure.StepPackage, Cause: err}
	}
	ref := api.ImageRef{Namespace: b.Namespace, Service: svc.Name, Tag: api.ContentTag(dgst)}

	if art, ok := b.cached(ctx, svc.Name, dgst, ref); ok {
		logger.Log("msg", "reusing cached artifact", "digest", dgst, "image", ref)
		return art, nil
	}

	logFile, err := b.openBuildLog(svc.Name)
	if err != nil {
		return nil, err
	}
	defer logFile.Close()

	req := runtime.BuildRequest{
		Service:    svc.Name,
		ContextDir: contextDir,
		Dockerfile: svc.Dockerfile,
		Target:     svc.Target,
		Platform:   platform,
		Tags:       []string{ref.String()},
		Labels:     map[string]string{runtime.LabelService: svc.Name, runtime.LabelDigest: dgst.String()},
	}

	var imageID string
	err = concurrency.Retry(ctx, b.Backoff, failure.Retryable, func(attempt int) error {
		tail := &tailBuffer{max: 64 << 10}
		id, err := b.Runtime.Build(ctx, req, io.MultiWriter(logFile, tail))
		if err != nil {
			err = classify(svc.Name, tail.Bytes(), err)
			logger.Log("msg", "build failed", "attempt", attempt, "err", err)
			return err
		}
		imageID = id
		return nil
	})
	if err != nil {
		return nil, err
	}

	art := &api.Artifact{Service: svc.Name, Image: ref, Digest: dgst, ImageID: imageID}
	if err := b.writeRecord(art); err != nil {
		return nil, err
	}
	logger.Log("msg", "built artifact", "digest", dgst, "image", ref)
	return art, nil
}

func (b *Builder) logger() log.Logger {
	if b.Logger == nil {
		return log.NewNopLogger()
	}
	return b.Logger
}

func (b *Builder) recordPath(service string, dgst digest.Digest) string {
	return filepath.Join(b.ArtifactDir, service, fmt.Sprintf("%s-%s.toml", dgst.Algorithm(), dgst.Encoded()))
}

// cached returns the recorded artifact when the image it names is still
// present locally.
func (b *Builder) cached(ctx context.Context, service string, dgst digest.Digest, ref api.ImageRef) (*api.Artifact, bool) {
	art := &api.Artifact{}
	if _, err := toml.DecodeFile(b.recordPath(service, dgst), art); err != nil {
		return nil, false
	}
	if art.Digest != dgst || art.ImageID == "" {
		return nil, false
	}
	if err := b.Runtime.Tag(ctx, art.ImageID, ref.String()); err != nil {
		return nil, false
	}
	art.Image = ref
	art.Cached = true
	return art, true
}

func (b *Builder) writeRecord(art *api.Artifact) error {
	path := b.recordPath(art.Service, art.Digest)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating artifact dir: %w", err)
	}

	buf := &bytes.Buffer{}
	if err := toml.NewEncoder(buf).Encode(art); err != nil {
		return fmt.Errorf("encoding artifact record: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing artifact record: %w", err)
	}
	return os.Rename(tmp, path)
}

func (b *Builder) openBuildLog(service string) (*os.File, error) {
	dir := filepath.Join(b.ArtifactDir, service)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, "build.log"))
	if err != nil {
		return nil, fmt.Errorf("creating build log: %w", err)
	}
	return f, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) Bytes() []byte { return t.buf }

var errNoManifest = errors.New("no dependency manifest found")
