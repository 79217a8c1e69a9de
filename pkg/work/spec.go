// Package work defines the data model of the execution engine: work specs,
// run records, lifecycle statuses and events.
package work

import (
	"fmt"
	"strings"
)

// Kind identifies the category of work a spec requests.
type Kind string

const (
	KindTask     Kind = "task"
	KindPipeline Kind = "pipeline"
	KindWorkflow Kind = "workflow"
	KindStep     Kind = "step"
)

// ValidKind reports whether k is a known work kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindTask, KindPipeline, KindWorkflow, KindStep:
		return true
	}
	return false
}

// TriggerSource identifies what initiated a submission.
type TriggerSource string

const (
	TriggerAPI      TriggerSource = "api"
	TriggerCLI      TriggerSource = "cli"
	TriggerSchedule TriggerSource = "schedule"
	TriggerWebhook  TriggerSource = "webhook"
	TriggerRetry    TriggerSource = "retry"
	TriggerManual   TriggerSource = "manual"
)

// Spec is the immutable request to perform work. It is the input to the
// dispatcher; everything needed to execute and to deduplicate the request
// travels on it.
type Spec struct {
	// Kind is the work category (task, pipeline, workflow, step).
	Kind Kind `json:"kind"`

	// Name is the handler identifier, dotted (e.g. "finra.otc.ingest").
	Name string `json:"name"`

	// Params are the handler inputs.
	Params map[string]any `json:"params,omitempty"`

	// Metadata carries auxiliary key/value pairs (user, priority, tags).
	Metadata map[string]any `json:"metadata,omitempty"`

	// IdempotencyKey, when set, makes resubmission return the existing run.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// ParentRunID is set for workflow sub-steps.
	ParentRunID string `json:"parent_run_id,omitempty"`

	// TriggerSource records what initiated the submission.
	TriggerSource TriggerSource `json:"trigger_source,omitempty"`
}

// Validate checks structural validity of the spec.
func (s Spec) Validate() error {
	if !ValidKind(s.Kind) {
		return fmt.Errorf("unknown work kind: %q", s.Kind)
	}
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("spec name must not be empty")
	}
	return nil
}

// WithParent returns a copy of the spec with the parent run set.
func (s Spec) WithParent(parentRunID string) Spec {
	s.ParentRunID = parentRunID
	return s
}
