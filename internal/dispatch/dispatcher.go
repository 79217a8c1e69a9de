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

// Package dispatch is the single submission path: validation, idempotency,
// run record creation and hand-off to an executor.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/spinehq/spine/internal/executor"
	"github.com/spinehq/spine/internal/ledger"
	"github.com/spinehq/spine/internal/log"
	"github.com/spinehq/spine/internal/registry"
	spineerrors "github.com/spinehq/spine/pkg/errors"
	"github.com/spinehq/spine/pkg/work"
)

// runtimeMetadataKey marks a spec for lazy handler lookup on a remote
// runtime; the registry is not consulted for those.
const runtimeMetadataKey = "runtime"

// Dispatcher validates specs and turns them into tracked runs.
type Dispatcher struct {
	store    *ledger.Store
	registry *registry.Registry
	exec     executor.Executor
	bus      executor.Publisher
	dlq      *ledger.DeadLetterRepository
	rejects  *ledger.RejectRepository
	logger   *slog.Logger
}

// New creates a Dispatcher. bus and dlq may be nil.
func New(store *ledger.Store, reg *registry.Registry, exec executor.Executor, bus executor.Publisher, dlq *ledger.DeadLetterRepository) *Dispatcher {
	return &Dispatcher{
		store:    store,
		registry: reg,
		exec:     exec,
		bus:      bus,
		dlq:      dlq,
		logger:   log.WithComponent(slog.Default(), "dispatcher"),
	}
}

// WithRejects records inadmissible submissions in the reject ledger.
func (d *Dispatcher) WithRejects(rejects *ledger.RejectRepository) *Dispatcher {
	d.rejects = rejects
	return d
}

// Submit validates a spec, applies idempotency, persists the run and hands
// it to the executor. Returns the run id.
func (d *Dispatcher) Submit(ctx context.Context, spec work.Spec) (string, error) {
	if err := spec.Validate(); err != nil {
		d.reject(ctx, spec, "INVALID_SPEC", err)
		return "", err
	}
	if _, lazy := spec.Metadata[runtimeMetadataKey]; !lazy && !d.registry.Has(spec.Kind, spec.Name) {
		err := &spineerrors.NotFoundError{Resource: "handler", ID: string(spec.Kind) + "/" + spec.Name}
		d.reject(ctx, spec, "UNKNOWN_HANDLER", err)
		return "", err
	}

	if spec.IdempotencyKey != "" {
		existing, err := d.store.GetByIdempotencyKey(ctx, spec.IdempotencyKey)
		if err == nil && reusable(existing.Status) {
			d.logger.Info("idempotency hit, returning existing run",
				slog.String(log.RunIDKey, existing.RunID),
				slog.String("idempotency_key", spec.IdempotencyKey))
			return existing.RunID, nil
		}
		if err != nil && !spineerrors.IsNotFound(err) {
			return "", err
		}
	}

	rec := &work.Record{
		RunID:       uuid.NewString(),
		Spec:        spec,
		Status:      work.StatusPending,
		Attempt:     1,
		ParentRunID: spec.ParentRunID,
		CreatedAt:   time.Now().UTC(),
	}
	return d.start(ctx, rec)
}

// start persists the record, emits CREATED and submits to the executor.
func (d *Dispatcher) start(ctx context.Context, rec *work.Record) (string, error) {
	if err := d.store.CreateExecution(ctx, rec); err != nil {
		return "", err
	}
	d.emit(ctx, rec.RunID, work.EventCreated, map[string]any{
		"kind": string(rec.Spec.Kind),
		"name": rec.Spec.Name,
	})

	if _, err := d.exec.Submit(ctx, rec); err != nil {
		// Submission failure is terminal for this run; the record must say so.
		execErr := &ledger.ExecError{
			Message:  err.Error(),
			Type:     fmt.Sprintf("%T", err),
			Category: string(spineerrors.CategoryOf(err)),
		}
		if updErr := d.store.UpdateStatus(context.WithoutCancel(ctx), rec.RunID, work.StatusFailed, nil, execErr); updErr != nil {
			d.logger.Error("failed to mark submission failure",
				slog.String(log.RunIDKey, rec.RunID), log.Error(updErr))
		}
		d.emit(ctx, rec.RunID, work.EventFailed, map[string]any{"error": err.Error()})
		return "", err
	}

	d.logger.Info("run submitted",
		slog.String(log.RunIDKey, rec.RunID),
		slog.String("kind", string(rec.Spec.Kind)),
		slog.String(log.HandlerKey, rec.Spec.Name))
	return rec.RunID, nil
}

// reject appends an inadmissible submission to the reject ledger. Best-effort.
func (d *Dispatcher) reject(ctx context.Context, spec work.Spec, code string, cause error) {
	if d.rejects == nil {
		return
	}
	raw, _ := json.Marshal(spec)
	err := d.rejects.Record(ctx, &ledger.Reject{
		Domain:       "submissions",
		Stage:        "dispatch",
		ReasonCode:   code,
		ReasonDetail: cause.Error(),
		RawJSON:      string(raw),
		RecordKey:    spec.Name,
	})
	if err != nil {
		d.logger.Warn("failed to record reject", log.Error(err))
	}
}

// reusable reports whether an existing run satisfies a duplicate submission.
// Failed-like terminal runs do not; the caller gets a fresh run.
func reusable(s work.Status) bool {
	switch s {
	case work.StatusFailed, work.StatusTimedOut, work.StatusCancelled:
		return false
	default:
		return true
	}
}

// SubmitTask submits a task run.
func (d *Dispatcher) SubmitTask(ctx context.Context, name string, params map[string]any, opts ...SpecOption) (string, error) {
	return d.Submit(ctx, buildSpec(work.KindTask, name, params, opts))
}

// SubmitPipeline submits a pipeline run.
func (d *Dispatcher) SubmitPipeline(ctx context.Context, name string, params map[string]any, opts ...SpecOption) (string, error) {
	return d.Submit(ctx, buildSpec(work.KindPipeline, name, params, opts))
}

// SubmitWorkflow submits a workflow run.
func (d *Dispatcher) SubmitWorkflow(ctx context.Context, name string, params map[string]any, opts ...SpecOption) (string, error) {
	return d.Submit(ctx, buildSpec(work.KindWorkflow, name, params, opts))
}

// SubmitStep submits a single step run.
func (d *Dispatcher) SubmitStep(ctx context.Context, name string, params map[string]any, opts ...SpecOption) (string, error) {
	return d.Submit(ctx, buildSpec(work.KindStep, name, params, opts))
}

// SpecOption customizes a convenience submission.
type SpecOption func(*work.Spec)

// WithIdempotencyKey sets the duplicate-suppression key.
func WithIdempotencyKey(key string) SpecOption {
	return func(s *work.Spec) { s.IdempotencyKey = key }
}

// WithParent links the run to a parent run.
func WithParent(parentRunID string) SpecOption {
	return func(s *work.Spec) { s.ParentRunID = parentRunID }
}

// WithMetadata attaches metadata to the spec.
func WithMetadata(md map[string]any) SpecOption {
	return func(s *work.Spec) { s.Metadata = md }
}

// WithTriggerSource labels how the run was initiated.
func WithTriggerSource(src work.TriggerSource) SpecOption {
	return func(s *work.Spec) { s.TriggerSource = src }
}

func buildSpec(kind work.Kind, name string, params map[string]any, opts []SpecOption) work.Spec {
	spec := work.Spec{Kind: kind, Name: name, Params: params, TriggerSource: work.TriggerAPI}
	for _, opt := range opts {
		opt(&spec)
	}
	return spec
}

// GetRun fetches a run record.
func (d *Dispatcher) GetRun(ctx context.Context, runID string) (*work.Record, error) {
	return d.store.GetExecution(ctx, runID)
}

// ListRuns lists run records by filter.
func (d *Dispatcher) ListRuns(ctx context.Context, f ledger.Filter) ([]*work.Record, error) {
	return d.store.ListExecutions(ctx, f)
}

// GetEvents returns a run's lifecycle events, oldest first.
func (d *Dispatcher) GetEvents(ctx context.Context, runID string) ([]work.Event, error) {
	return d.store.GetEvents(ctx, runID)
}

// GetChildren returns the runs spawned by a parent run.
func (d *Dispatcher) GetChildren(ctx context.Context, runID string) ([]*work.Record, error) {
	return d.store.GetChildren(ctx, runID)
}

// Cancel stops a run that has not reached a terminal state.
func (d *Dispatcher) Cancel(ctx context.Context, runID string) error {
	rec, err := d.store.GetExecution(ctx, runID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return &spineerrors.ConflictError{Resource: "execution", ID: runID, Reason: fmt.Sprintf("run is already %s", rec.Status)}
	}

	ref := rec.ExternalRef
	if ref == "" {
		ref = runID
	}
	d.exec.Cancel(ctx, ref)

	err = d.store.UpdateStatus(ctx, runID, work.StatusCancelled, nil, nil)
	if err != nil {
		if spineerrors.IsConflict(err) {
			// The executor's cancel path already recorded a terminal state.
			cur, getErr := d.store.GetExecution(ctx, runID)
			if getErr == nil && cur.Status.Terminal() {
				return nil
			}
		}
		return err
	}
	d.emit(ctx, runID, work.EventCancelled, nil)
	return nil
}

// Retry creates a new run for a failed one. The source run is never mutated.
func (d *Dispatcher) Retry(ctx context.Context, runID string) (string, error) {
	src, err := d.store.GetExecution(ctx, runID)
	if err != nil {
		return "", err
	}
	if src.Status != work.StatusFailed && src.Status != work.StatusTimedOut {
		return "", &spineerrors.ConflictError{Resource: "execution", ID: runID, Reason: fmt.Sprintf("only failed runs can be retried, run is %s", src.Status)}
	}

	spec := src.Spec
	spec.TriggerSource = work.TriggerRetry
	rec := &work.Record{
		RunID:        uuid.NewString(),
		Spec:         spec,
		Status:       work.StatusPending,
		Attempt:      src.Attempt + 1,
		RetryOfRunID: src.RunID,
		ParentRunID:  src.ParentRunID,
		CreatedAt:    time.Now().UTC(),
	}

	d.emit(ctx, src.RunID, work.EventRetryScheduled, map[string]any{"retry_run_id": rec.RunID})
	return d.start(ctx, rec)
}

// ReplayDeadLetter creates a new run from a dead letter entry and counts the
// attempt against the entry's budget.
func (d *Dispatcher) ReplayDeadLetter(ctx context.Context, dlqID string) (string, error) {
	if d.dlq == nil {
		return "", spineerrors.New(spineerrors.CategoryOrchestration, "dead letter replay is not configured")
	}

	can, err := d.dlq.CanRetry(ctx, dlqID)
	if err != nil {
		return "", err
	}
	if !can {
		return "", &spineerrors.ConflictError{Resource: "dead_letter", ID: dlqID, Reason: "entry is resolved or out of retries"}
	}

	entry, err := d.dlq.Get(ctx, dlqID)
	if err != nil {
		return "", err
	}
	if err := d.dlq.MarkRetryAttempted(ctx, dlqID); err != nil {
		return "", err
	}

	attempt := 1
	var retryOf string
	if entry.ExecutionID != "" {
		if src, err := d.store.GetExecution(ctx, entry.ExecutionID); err == nil {
			attempt = src.Attempt + 1
			retryOf = src.RunID
		}
	}

	rec := &work.Record{
		RunID: uuid.NewString(),
		Spec: work.Spec{
			Kind:          work.KindWorkflow,
			Name:          entry.Workflow,
			Params:        entry.Params,
			TriggerSource: work.TriggerRetry,
		},
		Status:       work.StatusPending,
		Attempt:      attempt,
		RetryOfRunID: retryOf,
		CreatedAt:    time.Now().UTC(),
	}
	return d.start(ctx, rec)
}

func (d *Dispatcher) emit(ctx context.Context, runID string, eventType work.EventType, payload map[string]any) {
	ctx = context.WithoutCancel(ctx)
	eventID, err := d.store.RecordEvent(ctx, runID, eventType, payload)
	if err != nil {
		d.logger.Error("failed to record event",
			slog.String(log.RunIDKey, runID), slog.String(log.EventKey, string(eventType)), log.Error(err))
		return
	}
	if d.bus != nil {
		d.bus.Publish(work.Event{
			EventID:     eventID,
			ExecutionID: runID,
			Type:        eventType,
			Timestamp:   time.Now().UTC(),
			Payload:     payload,
		})
	}
}
