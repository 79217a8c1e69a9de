package work

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether s is a terminal status. Terminal runs are
// immutable; a late write against a terminal run is discarded.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// transitions maps each status to the set of statuses it may move to.
// Retry is not a transition: it creates a new run linked by RetryOfRunID.
// Failed is reachable from pending and queued for the submission-failure
// path: the executor rejected the run before it ever started.
var transitions = map[Status][]Status{
	StatusPending: {StatusQueued, StatusRunning, StatusFailed, StatusCancelled},
	StatusQueued:  {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// SourceStatuses returns every status from which `to` is reachable. The
// ledger uses this to build the WHERE status IN (...) clause that enforces
// single-writer semantics.
func SourceStatuses(to Status) []Status {
	var sources []Status
	for from, allowed := range transitions {
		for _, t := range allowed {
			if t == to {
				sources = append(sources, from)
				break
			}
		}
	}
	return sources
}

// Record is the durable unit of execution tracking. A record is created by
// the dispatcher and mutated only by the executor that holds it, through
// the ledger.
type Record struct {
	// RunID is globally unique.
	RunID string `json:"run_id"`

	// Spec is the request that produced this run.
	Spec Spec `json:"spec"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Result is the handler's return value on success.
	Result map[string]any `json:"result,omitempty"`

	// Error fields are populated on failure.
	Error         string `json:"error,omitempty"`
	ErrorType     string `json:"error_type,omitempty"`
	ErrorCategory string `json:"error_category,omitempty"`

	// Attempt is 1 for an original run and increments on each retry.
	Attempt int `json:"attempt"`

	// RetryOfRunID links a retry to the failed run it retries.
	RetryOfRunID string `json:"retry_of_run_id,omitempty"`

	// ParentRunID is set when this run is a step within a workflow.
	ParentRunID string `json:"parent_run_id,omitempty"`

	// ExternalRef is the opaque ID returned by the executor.
	ExternalRef string `json:"external_ref,omitempty"`
}

// DurationSeconds derives the run duration from its timestamps.
// Returns 0 until the run has both started and completed.
func (r *Record) DurationSeconds() float64 {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt).Seconds()
}

// Validate checks the record's status invariants: started_at is null iff the
// run has not started, completed_at is non-null iff the run is terminal.
func (r *Record) Validate() error {
	notStarted := r.Status == StatusPending || r.Status == StatusQueued
	if notStarted && r.StartedAt != nil {
		return fmt.Errorf("run %s: started_at set while %s", r.RunID, r.Status)
	}
	if !notStarted && r.StartedAt == nil {
		return fmt.Errorf("run %s: started_at missing while %s", r.RunID, r.Status)
	}
	if r.Status.Terminal() && r.CompletedAt == nil {
		return fmt.Errorf("run %s: completed_at missing in terminal state %s", r.RunID, r.Status)
	}
	if !r.Status.Terminal() && r.CompletedAt != nil {
		return fmt.Errorf("run %s: completed_at set in non-terminal state %s", r.RunID, r.Status)
	}
	if r.Attempt < 1 {
		return fmt.Errorf("run %s: attempt must be >= 1", r.RunID)
	}
	return nil
}
