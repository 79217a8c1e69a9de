// Copyright 2025 The Spine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package engine executes workflow DAGs: dependency scheduling, error
// policies, choice/wait/map steps and per-step lifecycle events.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"golang.org/x/sync/semaphore"

	"github.com/spinehq/spine/internal/executor"
	"github.com/spinehq/spine/internal/ledger"
	"github.com/spinehq/spine/internal/log"
	"github.com/spinehq/spine/internal/registry"
	spineerrors "github.com/spinehq/spine/pkg/errors"
	"github.com/spinehq/spine/pkg/work"
	"github.com/spinehq/spine/pkg/workflow"
)

// defaultMapConcurrency bounds map fan-out when the step does not say.
const defaultMapConcurrency = 4

// dlqMaxRetries is the replay budget for entries the engine parks.
const dlqMaxRetries = 3

// Engine runs workflows. store, bus and dlq may be nil; events and dead
// letters are then skipped.
type Engine struct {
	registry *registry.Registry
	store    *ledger.Store
	bus      executor.Publisher
	dlq      *ledger.DeadLetterRepository
	logger   *slog.Logger
}

// New creates an Engine.
func New(reg *registry.Registry, store *ledger.Store, bus executor.Publisher, dlq *ledger.DeadLetterRepository) *Engine {
	return &Engine{
		registry: reg,
		store:    store,
		bus:      bus,
		dlq:      dlq,
		logger:   log.WithComponent(slog.Default(), "engine"),
	}
}

// StepHook intercepts steps before they run. Returning skip marks the step
// complete without invoking it; the tracked runner uses this for resume.
type StepHook interface {
	BeforeStep(ctx context.Context, step workflow.Step) (skip bool, err error)
}

// Execute runs the workflow to a terminal result. The returned error is
// reserved for structural problems (invalid workflow, cancelled context);
// step failures are reported through the result status.
func (e *Engine) Execute(ctx context.Context, wf *workflow.Workflow, wctx workflow.Context) (*workflow.Result, error) {
	return e.ExecuteWithHook(ctx, wf, wctx, nil)
}

// ExecuteWithHook runs the workflow with a step hook applied.
func (e *Engine) ExecuteWithHook(ctx context.Context, wf *workflow.Workflow, wctx workflow.Context, hook StepHook) (*workflow.Result, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	sorted, err := workflow.TopoSort(wf.Steps)
	if err != nil {
		return nil, err
	}

	r := &run{
		engine:  e,
		wf:      wf,
		hook:    hook,
		wctx:    wctx,
		records: make(map[string]workflow.StepRecord, len(wf.Steps)),
		skipped: map[string]bool{},
		failed:  map[string]bool{},
		logger: e.logger.With(
			slog.String(log.WorkflowKey, wf.Name),
			slog.String(log.RunIDKey, wctx.RunID)),
	}

	start := time.Now()
	switch wf.Policy.Mode {
	case workflow.ModeParallel:
		bound := wf.Policy.MaxConcurrency
		if bound <= 0 {
			bound = len(wf.Steps)
		}
		err = r.runConcurrent(ctx, sorted, bound)
	case workflow.ModeAdaptive:
		err = r.runConcurrent(ctx, sorted, len(wf.Steps))
	default:
		err = r.runSequential(ctx, sorted)
	}
	if err != nil {
		return nil, err
	}

	result := &workflow.Result{
		WorkflowName: wf.Name,
		RunID:        wctx.RunID,
		Steps:        r.records,
		ErrorStep:    r.errStep,
		Duration:     time.Since(start),
		Context:      r.wctx,
	}
	switch {
	case r.stopped:
		result.Status = workflow.RunFailed
		result.Error = r.errMsg
	case len(r.failed) > 0:
		result.Status = workflow.RunFailedPartial
		result.Error = r.errMsg
	default:
		result.Status = workflow.RunCompleted
	}
	return result, nil
}

// run is the mutable state of one workflow execution.
type run struct {
	engine *Engine
	wf     *workflow.Workflow
	hook   StepHook
	logger *slog.Logger

	mu      sync.Mutex
	wctx    workflow.Context
	records map[string]workflow.StepRecord
	skipped map[string]bool
	failed  map[string]bool
	stopped bool
	errStep string
	errMsg  string
}

// runSequential executes steps one at a time in DAG order.
func (r *run) runSequential(ctx context.Context, sorted []workflow.Step) error {
	for _, step := range sorted {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.stopped {
			r.markSkipped(step.Name)
			continue
		}
		r.process(ctx, step)
	}
	return nil
}

// runConcurrent schedules every step whose dependencies have finished, up
// to bound in flight at once.
func (r *run) runConcurrent(ctx context.Context, sorted []workflow.Step, bound int) error {
	indegree := make(map[string]int, len(sorted))
	dependents := make(map[string][]string, len(sorted))
	byName := make(map[string]workflow.Step, len(sorted))
	for _, s := range sorted {
		byName[s.Name] = s
		indegree[s.Name] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	// FIFO ready queue seeded in topological order.
	var ready []string
	for _, s := range sorted {
		if indegree[s.Name] == 0 {
			ready = append(ready, s.Name)
		}
	}

	type finished struct{ name string }
	done := make(chan finished, len(sorted))
	inFlight := 0
	completed := 0

	for completed < len(sorted) {
		// Stop dispatching new steps after a stop-policy failure; drain
		// what is already running.
		if r.isStopped() {
			for len(ready) > 0 {
				r.markSkipped(ready[0])
				ready = ready[1:]
				completed++
			}
		}

		for len(ready) > 0 && inFlight < bound {
			name := ready[0]
			ready = ready[1:]
			inFlight++
			step := byName[name]
			go func() {
				r.process(ctx, step)
				done <- finished{name: step.Name}
			}()
		}

		if inFlight == 0 {
			if completed < len(sorted) && len(ready) == 0 {
				// Remaining steps are unreachable (stopped mid-graph).
				for _, s := range sorted {
					if _, seen := r.record(s.Name); !seen {
						r.markSkipped(s.Name)
						completed++
					}
				}
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-done:
			inFlight--
			completed++
			for _, dep := range dependents[f.name] {
				indegree[dep]--
				if indegree[dep] == 0 {
					ready = append(ready, dep)
				}
			}
		}
	}
	return nil
}

func (r *run) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *run) record(name string) (workflow.StepRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	return rec, ok
}

// process decides whether the step runs or is skipped, runs it, records the
// outcome and applies the error policy.
func (r *run) process(ctx context.Context, step workflow.Step) {
	if r.shouldSkip(step) {
		r.markSkipped(step.Name)
		return
	}

	if r.hook != nil {
		skip, err := r.hook.BeforeStep(ctx, step)
		if err != nil {
			now := time.Now()
			r.recordFailure(ctx, step, workflow.StepRecord{
				Name:        step.Name,
				Status:      workflow.StepFailed,
				Error:       err.Error(),
				StartedAt:   now,
				CompletedAt: now,
			}, err)
			return
		}
		if skip {
			// Already done in a previous run; dependents still proceed.
			now := time.Now()
			r.mu.Lock()
			r.records[step.Name] = workflow.StepRecord{
				Name:        step.Name,
				Status:      workflow.StepCompleted,
				Output:      map[string]any{"resumed": true},
				StartedAt:   now,
				CompletedAt: now,
			}
			r.wctx = r.wctx.WithOutput(step.Name, map[string]any{"resumed": true})
			r.mu.Unlock()
			return
		}
	}

	snapshot := r.snapshot()
	r.emit(ctx, work.EventStepStarted, step.Name, nil)
	started := time.Now()

	output, err := r.invoke(ctx, step, snapshot)
	completedAt := time.Now()

	rec := workflow.StepRecord{
		Name:        step.Name,
		StartedAt:   started,
		CompletedAt: completedAt,
		Duration:    completedAt.Sub(started),
	}

	if err != nil {
		rec.Status = workflow.StepFailed
		rec.Error = err.Error()
		r.recordFailure(ctx, step, rec, err)
		return
	}

	rec.Status = workflow.StepCompleted
	rec.Output = output

	r.mu.Lock()
	r.records[step.Name] = rec
	r.wctx = r.wctx.WithOutput(step.Name, output)
	// A choice step prunes the branch it did not take.
	if step.EffectiveType() == workflow.StepChoice {
		if notTaken, ok := output["not_taken"].(string); ok && notTaken != "" {
			r.skipped[notTaken] = true
		}
	}
	r.mu.Unlock()

	r.emit(ctx, work.EventStepCompleted, step.Name, nil)
}

func (r *run) recordFailure(ctx context.Context, step workflow.Step, rec workflow.StepRecord, cause error) {
	r.mu.Lock()
	r.records[step.Name] = rec
	r.failed[step.Name] = true
	if r.errStep == "" {
		r.errStep = step.Name
		r.errMsg = cause.Error()
	}
	policy := step.EffectivePolicy()
	if policy == workflow.ErrorStop || policy == workflow.ErrorDLQ {
		r.stopped = true
	}
	params := r.wctx.Params
	executionID := r.wctx.ExecutionID
	r.mu.Unlock()

	r.emit(ctx, work.EventStepFailed, step.Name, map[string]any{"error": cause.Error()})
	r.logger.Warn("step failed", slog.String(log.StepKey, step.Name), log.Error(cause))

	if step.EffectivePolicy() == workflow.ErrorDLQ && r.engine.dlq != nil {
		if _, err := r.engine.dlq.Add(context.WithoutCancel(ctx), executionID, r.wf.Name, params, cause.Error(), dlqMaxRetries); err != nil {
			r.logger.Error("failed to add dead letter", log.Error(err))
		}
	}
}

// shouldSkip reports whether the step must not run: a dependency failed or
// was skipped, or a choice pruned it.
func (r *run) shouldSkip(step workflow.Step) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.skipped[step.Name] {
		return true
	}
	for _, dep := range step.DependsOn {
		if r.failed[dep] || r.skipped[dep] {
			return true
		}
	}
	return false
}

func (r *run) markSkipped(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[name]; exists {
		return
	}
	r.skipped[name] = true
	r.records[name] = workflow.StepRecord{Name: name, Status: workflow.StepSkipped}
}

func (r *run) snapshot() workflow.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wctx
}

// invoke runs one step body with its timeout applied.
func (r *run) invoke(ctx context.Context, step workflow.Step, snapshot workflow.Context) (map[string]any, error) {
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	switch step.EffectiveType() {
	case workflow.StepOperation:
		return r.invokeOperation(ctx, step, snapshot)
	case workflow.StepLambda:
		if snapshot.DryRun {
			return map[string]any{"dry_run": true}, nil
		}
		return step.Lambda(snapshot)
	case workflow.StepChoice:
		return r.invokeChoice(step, snapshot)
	case workflow.StepWait:
		return r.invokeWait(ctx, step, snapshot)
	case workflow.StepMap:
		return r.invokeMap(ctx, step, snapshot)
	default:
		return nil, &spineerrors.ValidationError{Field: "type", Message: fmt.Sprintf("unknown step type %q", step.Type)}
	}
}

func (r *run) invokeOperation(ctx context.Context, step workflow.Step, snapshot workflow.Context) (map[string]any, error) {
	if snapshot.DryRun {
		return map[string]any{"dry_run": true, "operation": step.EffectiveOperation()}, nil
	}

	handler, err := r.resolve(step.EffectiveOperation())
	if err != nil {
		return nil, err
	}
	return handler(ctx, stepParams(step, snapshot))
}

// invokeChoice evaluates the predicate and reports which branch was taken.
func (r *run) invokeChoice(step workflow.Step, snapshot workflow.Context) (map[string]any, error) {
	out, err := expr.Eval(step.Predicate, snapshot.ExprEnv())
	if err != nil {
		return nil, fmt.Errorf("choice predicate failed: %w", err)
	}
	truth, ok := out.(bool)
	if !ok {
		return nil, &spineerrors.ValidationError{Field: "predicate", Message: fmt.Sprintf("predicate must evaluate to bool, got %T", out)}
	}

	taken, notTaken := step.ThenStep, step.ElseStep
	if !truth {
		taken, notTaken = step.ElseStep, step.ThenStep
	}
	return map[string]any{"predicate": truth, "taken": taken, "not_taken": notTaken}, nil
}

func (r *run) invokeWait(ctx context.Context, step workflow.Step, snapshot workflow.Context) (map[string]any, error) {
	if snapshot.DryRun {
		return map[string]any{"dry_run": true, "waited_seconds": 0}, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(step.WaitSeconds) * time.Second):
		return map[string]any{"waited_seconds": step.WaitSeconds}, nil
	}
}

// invokeMap fans the map operation out over the evaluated item list with
// bounded concurrency. Item order is preserved in the output.
func (r *run) invokeMap(ctx context.Context, step workflow.Step, snapshot workflow.Context) (map[string]any, error) {
	out, err := expr.Eval(step.ItemsExpr, snapshot.ExprEnv())
	if err != nil {
		return nil, fmt.Errorf("items expression failed: %w", err)
	}
	items, ok := out.([]any)
	if !ok {
		return nil, &spineerrors.ValidationError{Field: "items", Message: fmt.Sprintf("items expression must yield a list, got %T", out)}
	}

	if snapshot.DryRun {
		return map[string]any{"dry_run": true, "count": len(items)}, nil
	}

	handler, err := r.resolve(step.MapOperation)
	if err != nil {
		return nil, err
	}

	bound := step.MaxConcurrency
	if bound <= 0 {
		bound = defaultMapConcurrency
	}
	sem := semaphore.NewWeighted(int64(bound))

	results := make([]any, len(items))
	errs := make([]error, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(i int, item any) {
			defer wg.Done()
			defer sem.Release(1)
			params := stepParams(step, snapshot)
			params["item"] = item
			params["index"] = i
			out, err := handler(ctx, params)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = out
		}(i, item)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("map item %d failed: %w", i, err)
		}
	}
	return map[string]any{"items": results, "count": len(items)}, nil
}

// resolve finds the step's handler: step kind first, then task.
func (r *run) resolve(operation string) (registry.Handler, error) {
	if h, err := r.engine.registry.Get(work.KindStep, operation); err == nil {
		return h, nil
	}
	return r.engine.registry.Get(work.KindTask, operation)
}

// stepParams builds the handler params: run params overlaid with the step
// config, plus accumulated step outputs under "steps".
func stepParams(step workflow.Step, snapshot workflow.Context) map[string]any {
	params := make(map[string]any, len(snapshot.Params)+len(step.Config)+1)
	for k, v := range snapshot.Params {
		params[k] = v
	}
	for k, v := range step.Config {
		params[k] = v
	}
	outputs := make(map[string]any, len(snapshot.Outputs))
	for name, out := range snapshot.Outputs {
		outputs[name] = out
	}
	params["steps"] = outputs
	return params
}

// emit records a step lifecycle event against the run's execution row and
// forwards it to the bus.
func (r *run) emit(ctx context.Context, eventType work.EventType, stepName string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["step"] = stepName

	executionID := r.snapshot().ExecutionID
	if executionID == "" {
		return
	}

	ctx = context.WithoutCancel(ctx)
	var eventID string
	if r.engine.store != nil {
		id, err := r.engine.store.RecordEvent(ctx, executionID, eventType, payload)
		if err != nil {
			r.logger.Error("failed to record step event",
				slog.String(log.StepKey, stepName), log.Error(err))
			return
		}
		eventID = id
	}
	if r.engine.bus != nil {
		r.engine.bus.Publish(work.Event{
			EventID:     eventID,
			ExecutionID: executionID,
			Type:        eventType,
			Timestamp:   time.Now().UTC(),
			Payload:     payload,
		})
	}
}
