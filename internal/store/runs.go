package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/api"
)

// timeFormat sorts lexically in time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

var (
	ErrNotFound = errors.New("run not found")
	ErrTerminal = errors.New("run is terminal and can no longer change")
)

// Runs implements the run repository backed by SQLite.
type Runs struct {
	DB *sql.DB
}

// Put inserts or updates a run. Runs that reached a terminal state are
// never overwritten.
func (r *Runs) Put(ctx context.Context, run *api.PipelineRun) error {
	body, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var state string
	err = tx.QueryRowContext(ctx, `SELECT state FROM runs WHERE id = ?`, run.ID).Scan(&state)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read run state: %w", err)
	case api.RunState(state).Terminal():
		return fmt.Errorf("%s: %w", run.ID, ErrTerminal)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, commit_id, branch, state, failed_stage, body, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   state = excluded.state,
		   failed_stage = excluded.failed_stage,
		   body = excluded.body,
		   updated_at = excluded.updated_at`,
		run.ID, run.Trigger.CommitID, run.Trigger.Branch, string(run.State), string(run.FailedStage),
		string(body), run.CreatedAt.UTC().Format(timeFormat), run.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return tx.Commit()
}

func (r *Runs) Get(ctx context.Context, id string) (*api.PipelineRun, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT body FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return run, err
}

// List returns the most recent runs first.
func (r *Runs) List(ctx context.Context, limit int) ([]*api.PipelineRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT body FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*api.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*api.PipelineRun, error) {
	var body string
	if err := s.Scan(&body); err != nil {
		return nil, err
	}
	run := &api.PipelineRun{}
	if err := json.Unmarshal([]byte(body), run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return run, nil
}
