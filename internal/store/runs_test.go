package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/api"
)

func newRun(id string, created time.Time) *api.PipelineRun {
	return &api.PipelineRun{
		ID:        id,
		Trigger:   api.Trigger{CommitID: "abc123", Branch: "main"},
		State:     api.RunPending,
		Stages:    []*api.StageRecord{{Stage: api.StageBuilding, Status: api.StagePending}},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestRunsPutGet(t *testing.T) {
	ctx := context.Background()
	runs := &Runs{DB: OpenTestDB(t)}
	now := time.Now().UTC().Truncate(time.Millisecond)

	run := newRun("run-1", now)
	require.NoError(t, runs.Put(ctx, run))

	run.State = api.RunBuilding
	run.Stages[0].Status = api.StageRunning
	require.NoError(t, runs.Put(ctx, run))

	got, err := runs.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, api.RunBuilding, got.State)
	assert.Equal(t, api.StageRunning, got.Stages[0].Status)
	assert.True(t, now.Equal(got.CreatedAt))

	_, err = runs.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunsTerminalAreImmutable(t *testing.T) {
	ctx := context.Background()
	runs := &Runs{DB: OpenTestDB(t)}

	run := newRun("run-1", time.Now())
	run.State = api.RunSucceeded
	require.NoError(t, runs.Put(ctx, run))

	run.State = api.RunFailed
	assert.ErrorIs(t, runs.Put(ctx, run), ErrTerminal)

	got, err := runs.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, api.RunSucceeded, got.State)
}

func TestRunsList(t *testing.T) {
	ctx := context.Background()
	runs := &Runs{DB: OpenTestDB(t)}
	base := time.Now().UTC()

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, runs.Put(ctx, newRun(id, base.Add(time.Duration(i)*time.Second))))
	}

	all, err := runs.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})

	limited, err := runs.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, (&Runs{DB: db}).Put(context.Background(), newRun("x", time.Now())))
	require.NoError(t, db.Close())

	// reopening runs no migration twice
	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	got, err := (&Runs{DB: db}).Get(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "x", got.ID)
}
