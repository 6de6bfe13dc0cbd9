package api

import "time"

// Trigger is the webhook-shaped source event that starts a Pipeline Run.
type Trigger struct {
	CommitID string `json:"commit_id"`
	Branch   string `json:"branch"`
}

type Stage string

const (
	StageBuilding   Stage = "building"
	StagePublishing Stage = "publishing"
	StageDeploying  Stage = "deploying"
)

// Stages is the fixed order a run moves through.
var Stages = []Stage{StageBuilding, StagePublishing, StageDeploying}

type RunState string

const (
	RunPending    RunState = "pending"
	RunBuilding   RunState = "building"
	RunPublishing RunState = "publishing"
	RunDeploying  RunState = "deploying"
	RunSucceeded  RunState = "succeeded"
	RunFailed     RunState = "failed"
	RunCancelled  RunState = "cancelled"
)

func (s RunState) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
)

type StageRecord struct {
	Stage      Stage       `json:"stage"`
	Status     StageStatus `json:"status"`
	StartedAt  *time.Time  `json:"startedAt,omitempty"`
	FinishedAt *time.Time  `json:"finishedAt,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

// PipelineRun is one execution of the coordinator. It is immutable once its
// State is terminal.
type PipelineRun struct {
	ID          string           `json:"id"`
	Trigger     Trigger          `json:"trigger"`
	State       RunState         `json:"state"`
	FailedStage Stage            `json:"failedStage,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
	Stages      []*StageRecord   `json:"stages"`
	Images      []ImageRef       `json:"images,omitempty"`
	Results     []*ServiceResult `json:"results,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

func (r *PipelineRun) StageRecord(stage Stage) *StageRecord {
	for _, rec := range r.Stages {
		if rec.Stage == stage {
			return rec
		}
	}
	return nil
}
