package runner

import (
	"io"
	"time"

	"pipegate/events"
	"pipegate/runner/storage"
)

// Run, job and step statuses.
const (
	StatusRunning   = "running"
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
	StatusCancelled = "cancelled"
)

// RunResult represents the result of running a workflow
type RunResult struct {
	Status      string        `json:"status"`
	RunID       int           `json:"run_id"`
	Triggered   bool          `json:"triggered"`
	Jobs        []JobResult   `json:"jobs"`
	FailedStage StageKind     `json:"failed_stage,omitempty"`
	FailedStep  string        `json:"failed_step,omitempty"`
	Artifacts   []string      `json:"artifacts,omitempty"`
	Duration    time.Duration `json:"duration"`
	Error       error         `json:"-"`
}

// JobResult is the outcome of one job
type JobResult struct {
	ID       string        `json:"id"`
	Status   string        `json:"status"`
	Steps    []StepResult  `json:"steps"`
	Duration time.Duration `json:"duration"`
}

// StepResult represents the result of executing a single step
type StepResult struct {
	Name        string               `json:"name"`
	Kind        StageKind            `json:"kind"`
	Status      string               `json:"status"`
	Output      string               `json:"output"`
	Annotations []storage.Annotation `json:"annotations,omitempty"`
	Duration    time.Duration        `json:"duration"`
	Error       error                `json:"-"`
}

// RunOptions configures how a workflow is executed
type RunOptions struct {
	Event   Event
	Project string
	Source  string // repository checked out by actions/checkout

	Storage *storage.Storage    // optional run history
	Events  *events.EventBroker // optional live updates
	Stream  io.Writer           // optional live output, e.g. the terminal

	WorkspaceRoot string // parent of per-run workspaces; empty uses the temp dir
	ArtifactRoot  string // job artifacts are copied here; empty disables collection
	KeepWorkspace bool
	Shell         string

	JobFilter string // run only this job (empty = all)
	Force     bool   // run even if the event does not trigger the workflow
}
