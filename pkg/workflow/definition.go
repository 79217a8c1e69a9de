// Package workflow defines declarative workflow graphs: ordered steps with
// dependencies, error policies and an immutable execution context.
package workflow

import (
	"fmt"
	"time"
)

// StepType identifies how a step executes.
type StepType string

const (
	// StepOperation invokes a registered handler by name.
	StepOperation StepType = "operation"
	// StepLambda invokes an in-process function.
	StepLambda StepType = "lambda"
	// StepChoice branches via a predicate to ThenStep or ElseStep.
	StepChoice StepType = "choice"
	// StepWait delays for a configured duration.
	StepWait StepType = "wait"
	// StepMap fans out over a list with bounded concurrency.
	StepMap StepType = "map"
)

// ErrorPolicy controls what happens when a step fails.
type ErrorPolicy string

const (
	// ErrorStop terminates the workflow, recording the failing step.
	ErrorStop ErrorPolicy = "stop"
	// ErrorContinue skips dependents but continues independent branches.
	ErrorContinue ErrorPolicy = "continue"
	// ErrorDLQ pushes to the dead-letter queue and then stops.
	ErrorDLQ ErrorPolicy = "dlq"
)

// LambdaFunc is an in-process step function.
type LambdaFunc func(ctx Context) (map[string]any, error)

// Step is a node in a workflow DAG.
type Step struct {
	// Name uniquely identifies the step within the workflow.
	Name string `yaml:"name" json:"name"`

	// Type selects the execution strategy. Defaults to operation.
	Type StepType `yaml:"type,omitempty" json:"type,omitempty"`

	// DependsOn lists step names that must complete first.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// Operation is the handler name for operation steps. Defaults to Name.
	Operation string `yaml:"operation,omitempty" json:"operation,omitempty"`

	// Config carries step-specific configuration merged into params.
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`

	// OnError selects the failure policy. Defaults to stop.
	OnError ErrorPolicy `yaml:"on_error,omitempty" json:"on_error,omitempty"`

	// Timeout bounds step execution. Zero means no step-level deadline.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Lambda is the function for lambda steps. Not serializable.
	Lambda LambdaFunc `yaml:"-" json:"-"`

	// Predicate is the expr-lang expression for choice steps, evaluated
	// against the workflow context.
	Predicate string `yaml:"predicate,omitempty" json:"predicate,omitempty"`

	// ThenStep and ElseStep name the branches of a choice step.
	ThenStep string `yaml:"then_step,omitempty" json:"then_step,omitempty"`
	ElseStep string `yaml:"else_step,omitempty" json:"else_step,omitempty"`

	// WaitSeconds is the delay for wait steps.
	WaitSeconds int `yaml:"wait_seconds,omitempty" json:"wait_seconds,omitempty"`

	// ItemsExpr is the expr-lang expression yielding the fan-out list for
	// map steps.
	ItemsExpr string `yaml:"items,omitempty" json:"items,omitempty"`

	// MapOperation is the handler invoked per item by map steps.
	MapOperation string `yaml:"map_operation,omitempty" json:"map_operation,omitempty"`

	// MaxConcurrency bounds map fan-out parallelism. Zero means default.
	MaxConcurrency int `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`
}

// EffectiveType returns the step type with the default applied.
func (s Step) EffectiveType() StepType {
	if s.Type == "" {
		return StepOperation
	}
	return s.Type
}

// EffectiveOperation returns the handler name with the default applied.
func (s Step) EffectiveOperation() string {
	if s.Operation != "" {
		return s.Operation
	}
	return s.Name
}

// EffectivePolicy returns the error policy with the default applied.
func (s Step) EffectivePolicy() ErrorPolicy {
	if s.OnError == "" {
		return ErrorStop
	}
	return s.OnError
}

// ExecutionMode selects how ready steps are scheduled.
type ExecutionMode string

const (
	// ModeSequential runs steps one at a time in DAG order.
	ModeSequential ExecutionMode = "sequential"
	// ModeParallel runs all ready steps concurrently, bounded by MaxConcurrency.
	ModeParallel ExecutionMode = "parallel"
	// ModeAdaptive runs each step as soon as its dependencies complete.
	ModeAdaptive ExecutionMode = "adaptive"
)

// ExecutionPolicy configures DAG scheduling.
type ExecutionPolicy struct {
	Mode           ExecutionMode `yaml:"mode,omitempty" json:"mode,omitempty"`
	MaxConcurrency int           `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`
}

// Workflow is a DAG of named steps. Immutable once registered.
type Workflow struct {
	Name        string          `yaml:"name" json:"name"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	Domain      string          `yaml:"domain,omitempty" json:"domain,omitempty"`
	Version     string          `yaml:"version,omitempty" json:"version,omitempty"`
	Tags        []string        `yaml:"tags,omitempty" json:"tags,omitempty"`
	Steps       []Step          `yaml:"steps" json:"steps"`
	Policy      ExecutionPolicy `yaml:"execution_policy,omitempty" json:"execution_policy,omitempty"`

	// Defaults are merged under submission params.
	Defaults map[string]any `yaml:"defaults,omitempty" json:"defaults,omitempty"`
}

// Step returns the named step, if present.
func (w *Workflow) Step(name string) (Step, bool) {
	for _, s := range w.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// Validate checks structural validity: non-empty name, unique step names,
// dependencies that resolve, and an acyclic graph.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("workflow name must not be empty")
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", w.Name)
	}

	names := make(map[string]bool, len(w.Steps))
	for _, s := range w.Steps {
		if s.Name == "" {
			return fmt.Errorf("workflow %s: step with empty name", w.Name)
		}
		if names[s.Name] {
			return fmt.Errorf("workflow %s: duplicate step %q", w.Name, s.Name)
		}
		names[s.Name] = true
	}

	for _, s := range w.Steps {
		for _, dep := range s.DependsOn {
			if !names[dep] {
				return fmt.Errorf("workflow %s: step %q depends on unknown step %q", w.Name, s.Name, dep)
			}
		}
		switch s.EffectiveType() {
		case StepChoice:
			if s.Predicate == "" {
				return fmt.Errorf("workflow %s: choice step %q has no predicate", w.Name, s.Name)
			}
			if s.ThenStep != "" && !names[s.ThenStep] {
				return fmt.Errorf("workflow %s: choice step %q then_step %q not found", w.Name, s.Name, s.ThenStep)
			}
			if s.ElseStep != "" && !names[s.ElseStep] {
				return fmt.Errorf("workflow %s: choice step %q else_step %q not found", w.Name, s.Name, s.ElseStep)
			}
		case StepWait:
			if s.WaitSeconds <= 0 {
				return fmt.Errorf("workflow %s: wait step %q needs wait_seconds > 0", w.Name, s.Name)
			}
		case StepMap:
			if s.ItemsExpr == "" {
				return fmt.Errorf("workflow %s: map step %q has no items expression", w.Name, s.Name)
			}
			if s.MapOperation == "" {
				return fmt.Errorf("workflow %s: map step %q has no map_operation", w.Name, s.Name)
			}
		case StepLambda:
			if s.Lambda == nil {
				return fmt.Errorf("workflow %s: lambda step %q has no function", w.Name, s.Name)
			}
		}
	}

	if _, err := TopoSort(w.Steps); err != nil {
		return fmt.Errorf("workflow %s: %w", w.Name, err)
	}
	return nil
}

// TopoSort orders steps so that every step appears after its dependencies.
// Returns an error naming a step on the cycle if the graph is cyclic.
// Steps with no dependency relation keep their declaration order.
func TopoSort(steps []Step) ([]Step, error) {
	indegree := make(map[string]int, len(steps))
	byName := make(map[string]Step, len(steps))
	dependents := make(map[string][]string, len(steps))

	for _, s := range steps {
		byName[s.Name] = s
		indegree[s.Name] += 0
		for _, dep := range s.DependsOn {
			indegree[s.Name]++
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	// Kahn's algorithm, seeded in declaration order for determinism.
	var ready []string
	for _, s := range steps {
		if indegree[s.Name] == 0 {
			ready = append(ready, s.Name)
		}
	}

	sorted := make([]Step, 0, len(steps))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		sorted = append(sorted, byName[name])

		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(sorted) != len(steps) {
		for _, s := range steps {
			if indegree[s.Name] > 0 {
				return nil, fmt.Errorf("dependency cycle involving step %q", s.Name)
			}
		}
		return nil, fmt.Errorf("dependency cycle detected")
	}
	return sorted, nil
}
