package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/api"
)

func TestDurationToString(t *testing.T) {
	assert.Equal(t, "3d", durationToString(time.Hour*75))
	assert.Equal(t, "5h", durationToString(time.Hour*5+time.Minute))
	assert.Equal(t, "12m", durationToString(time.Minute*12))
	assert.Equal(t, "42s", durationToString(time.Second*42))
}

func TestPrintDeploymentState(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	state := &api.DeploymentState{
		Commit: "0123456789abcdef0123",
		Services: map[string]*api.DeployedService{
			"frontend": {
				Image:       api.ImageRef{Namespace: "ghcr.io/acme", Service: "frontend", Tag: "sha256-aaaa"},
				ContainerID: "c0ffee0123456789abcd",
				Port:        3000,
				UpdatedAt:   now.Add(-time.Minute * 5),
			},
			"backend": {
				Image: api.ImageRef{Namespace: "ghcr.io/acme", Service: "backend", Tag: "sha256-bbbb"},
				Port:  8000,
			},
		},
	}

	buf := &bytes.Buffer{}
	printDeploymentState(state, now, buf)
	out := buf.String()

	assert.Contains(t, out, "commit: 0123456789ab\n")
	assert.Contains(t, out, "c0ffee012345")
	assert.Contains(t, out, "5m")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("backend")), bytes.Index(buf.Bytes(), []byte("frontend")))
}
