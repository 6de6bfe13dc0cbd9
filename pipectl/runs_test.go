package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/api"
)

func TestPrintRuns(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	runs := []*api.PipelineRun{
		{
			ID:          "run-2",
			Trigger:     api.Trigger{CommitID: "fedcba9876543210", Branch: "main"},
			State:       api.RunFailed,
			FailedStage: api.StagePublishing,
			Reason:      "registry rejected credentials",
			CreatedAt:   now.Add(-time.Hour * 3),
		},
		{
			ID:        "run-1",
			Trigger:   api.Trigger{CommitID: "abc", Branch: "main"},
			State:     api.RunSucceeded,
			CreatedAt: now.Add(-time.Hour * 50),
		},
	}

	buf := &bytes.Buffer{}
	printRuns(runs, now, buf)
	out := buf.String()

	assert.Contains(t, out, "fedcba987654 ")
	assert.Contains(t, out, "failed (publishing)")
	assert.Contains(t, out, `"registry rejected credentials"`)
	assert.Contains(t, out, "3h")
	assert.Contains(t, out, "2d")
}

func TestPrintRun(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Second * 90)
	run := &api.PipelineRun{
		ID:       "run-1",
		Trigger:  api.Trigger{CommitID: "abc123", Branch: "main"},
		State:    api.RunSucceeded,
		Warnings: []string{"worker: rollout timed out"},
		Stages: []*api.StageRecord{
			{Stage: api.StageBuilding, Status: api.StageSucceeded, StartedAt: &start, FinishedAt: &end},
		},
		Results: []*api.ServiceResult{
			{Service: "backend", Result: api.ResultReplaced, Digest: "sha256:0123456789abcdef0123"},
		},
	}

	buf := &bytes.Buffer{}
	printRun(run, buf)
	out := buf.String()

	assert.Contains(t, out, "run run-1 of main@abc123: succeeded\n")
	assert.Contains(t, out, "warning: worker: rollout timed out\n")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "0123456789ab")
	assert.NotContains(t, out, "sha256:")
	assert.NotContains(t, out, "reason:")
}
