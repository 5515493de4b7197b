package storage

import "time"

// Run represents one workflow execution triggered by an event
type Run struct {
	ID          int        `json:"id"`
	Status      string     `json:"status"` // "running", "success", "failed", "cancelled"
	ProjectName string     `json:"project_name"`
	Workflow    string     `json:"workflow"`
	ConfigPath  string     `json:"config_path"`
	Event       string     `json:"event"`
	Branch      string     `json:"branch"`
	SHA         string     `json:"sha"`
	FailedStage string     `json:"failed_stage,omitempty"`
	FailedStep  string     `json:"failed_step,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Duration    *string    `json:"duration,omitempty"`
}

// StepExecution represents execution of a single step
type StepExecution struct {
	ID         int        `json:"id"`
	RunID      int        `json:"run_id"`
	Job        string     `json:"job"`
	Name       string     `json:"name"`
	Kind       string     `json:"kind"`
	Status     string     `json:"status"` // "running", "success", "failed", "skipped"
	Command    string     `json:"command"`
	Output     string     `json:"output"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Duration   *string    `json:"duration,omitempty"`
}

// Annotation is a file/line diagnostic emitted by a step
type Annotation struct {
	ID      int    `json:"id"`
	RunID   int    `json:"run_id"`
	StepID  int    `json:"step_id"`
	Level   string `json:"level"` // "error", "warning", "notice"
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Col     int    `json:"col,omitempty"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
}

// RunFinish carries the terminal fields of a run
type RunFinish struct {
	Status      string
	FailedStage string
	FailedStep  string
	Duration    time.Duration
}

// BranchStatus is the latest run outcome for one project branch
type BranchStatus struct {
	ProjectName string `json:"project_name"`
	Branch      string `json:"branch"`
	Event       string `json:"event"`
	RunID       int    `json:"run_id"`
	Status      string `json:"status"`
	StartedAt   string `json:"started_at"`
}
