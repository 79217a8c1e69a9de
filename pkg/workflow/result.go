package workflow

import "time"

// RunStatus is the final status of a workflow run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	// RunFailedPartial means at least one step failed under the continue
	// policy while independent branches completed.
	RunFailedPartial RunStatus = "failed_partial"
	// RunSkipped means a tracked runner found the partition already complete.
	RunSkipped RunStatus = "skipped"
)

// StepStatus is the per-step outcome within a workflow run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepRecord is the outcome of one step in a workflow run.
type StepRecord struct {
	Name        string         `json:"name"`
	Status      StepStatus     `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Duration    time.Duration  `json:"duration"`
}

// Result carries the outcome of a workflow run.
type Result struct {
	WorkflowName string                `json:"workflow_name"`
	RunID        string                `json:"run_id"`
	Status       RunStatus             `json:"status"`
	Steps        map[string]StepRecord `json:"steps"`
	ErrorStep    string                `json:"error_step,omitempty"`
	Error        string                `json:"error,omitempty"`
	Duration     time.Duration         `json:"duration"`
	Context      Context               `json:"context"`
}

// Failed reports whether the run ended in any failure status.
func (r *Result) Failed() bool {
	return r.Status == RunFailed || r.Status == RunFailedPartial
}
