package workflow

import "time"

// Context is the immutable per-run value threaded through a workflow. The
// With* methods return a copy; the receiver is never mutated. Nested maps
// are deep-copied so that outputs accumulated across steps cannot alias.
type Context struct {
	RunID        string                    `json:"run_id"`
	WorkflowName string                    `json:"workflow_name"`
	Params       map[string]any            `json:"params,omitempty"`
	Partition    map[string]any            `json:"partition,omitempty"`
	Outputs      map[string]map[string]any `json:"outputs,omitempty"`
	Metadata     map[string]any            `json:"metadata,omitempty"`
	StartedAt    time.Time                 `json:"started_at"`
	BatchID      string                    `json:"batch_id,omitempty"`
	ExecutionID  string                    `json:"execution_id,omitempty"`
	DryRun       bool                      `json:"dry_run,omitempty"`
}

// NewContext creates the initial context for a workflow run.
func NewContext(runID, workflowName string, params map[string]any) Context {
	return Context{
		RunID:        runID,
		WorkflowName: workflowName,
		Params:       deepCopyMap(params),
		Outputs:      map[string]map[string]any{},
		Metadata:     map[string]any{},
		StartedAt:    time.Now().UTC(),
	}
}

// WithOutput returns a copy with the step's output recorded. Outputs
// accumulate across steps.
func (c Context) WithOutput(stepName string, output map[string]any) Context {
	next := c.clone()
	next.Outputs[stepName] = deepCopyMap(output)
	return next
}

// WithParams returns a copy with params replaced.
func (c Context) WithParams(params map[string]any) Context {
	next := c.clone()
	next.Params = deepCopyMap(params)
	return next
}

// WithMetadata returns a copy with the metadata entry set.
func (c Context) WithMetadata(key string, value any) Context {
	next := c.clone()
	next.Metadata[key] = value
	return next
}

// Output returns the recorded output of a step, if present.
func (c Context) Output(stepName string) (map[string]any, bool) {
	out, ok := c.Outputs[stepName]
	return out, ok
}

// ExprEnv flattens the context into the environment used by choice
// predicates and map item expressions.
func (c Context) ExprEnv() map[string]any {
	return map[string]any{
		"run_id":    c.RunID,
		"workflow":  c.WorkflowName,
		"params":    c.Params,
		"partition": c.Partition,
		"outputs":   c.Outputs,
		"metadata":  c.Metadata,
		"dry_run":   c.DryRun,
	}
}

// clone copies the context with deep copies of every nested map.
func (c Context) clone() Context {
	next := c
	next.Params = deepCopyMap(c.Params)
	next.Partition = deepCopyMap(c.Partition)
	next.Metadata = deepCopyMap(c.Metadata)
	next.Outputs = make(map[string]map[string]any, len(c.Outputs))
	for k, v := range c.Outputs {
		next.Outputs[k] = deepCopyMap(v)
	}
	return next
}

// deepCopyMap recursively copies maps and slices; scalar values are shared.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
