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

// Package executor runs accepted work. Each executor owns the run record's
// transitions from acceptance to a terminal state.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spinehq/spine/internal/ledger"
	"github.com/spinehq/spine/internal/log"
	"github.com/spinehq/spine/internal/registry"
	"github.com/spinehq/spine/internal/resilience"
	spineerrors "github.com/spinehq/spine/pkg/errors"
	"github.com/spinehq/spine/pkg/work"
)

// Executor accepts work and drives it to a terminal state.
type Executor interface {
	// Submit accepts a persisted run record and returns an external ref
	// the caller can use for cancel and status queries.
	Submit(ctx context.Context, rec *work.Record) (string, error)
	// Cancel attempts to stop a submitted run. Returns false when the run
	// already reached a terminal state or the ref is unknown.
	Cancel(ctx context.Context, externalRef string) bool
	// Status reports the run's current status, or nil for an unknown ref.
	Status(ctx context.Context, externalRef string) *work.Status
	// Name identifies the executor strategy.
	Name() string
}

// Publisher posts lifecycle events to interested subscribers. Publishing is
// fire-and-forget.
type Publisher interface {
	Publish(evt work.Event)
}

// Invoker runs one record through its handler and records every transition
// in the ledger. Executors share it.
type Invoker struct {
	store    *ledger.Store
	registry *registry.Registry
	bus      Publisher
	logger   *slog.Logger

	breakers *resilience.Breakers
	retry    resilience.Strategy
}

// NewInvoker creates an Invoker. bus may be nil.
func NewInvoker(store *ledger.Store, reg *registry.Registry, bus Publisher) *Invoker {
	return &Invoker{
		store:    store,
		registry: reg,
		bus:      bus,
		logger:   log.WithComponent(slog.Default(), "executor"),
	}
}

// WithResilience wraps handler invocation in a per-handler circuit breaker
// and a retry policy for transient failures. Either may be nil.
func (inv *Invoker) WithResilience(breakers *resilience.Breakers, strategy resilience.Strategy) *Invoker {
	inv.breakers = breakers
	inv.retry = strategy
	return inv
}

type runIDKey struct{}

// WithRunID stamps the executing run's id on the context so nested
// machinery (the workflow engine, sub-run submission) can link to it.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFrom returns the executing run's id, or empty.
func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// Run transitions the record to running, invokes its handler and records
// the terminal state. A record already cancelled by the time it starts is
// left untouched.
func (inv *Invoker) Run(ctx context.Context, rec *work.Record) error {
	ctx = WithRunID(ctx, rec.RunID)
	logger := inv.logger.With(slog.String(log.RunIDKey, rec.RunID), slog.String(log.HandlerKey, rec.Spec.Name))

	if err := inv.store.UpdateStatus(ctx, rec.RunID, work.StatusRunning, nil, nil); err != nil {
		if spineerrors.IsConflict(err) {
			// Claimed runs arrive already running; anything else (e.g.
			// cancelled while queued) is skipped.
			cur, getErr := inv.store.GetExecution(ctx, rec.RunID)
			if getErr != nil || cur.Status != work.StatusRunning {
				logger.Info("skipping run no longer startable", log.Error(err))
				return err
			}
		} else {
			return err
		}
	}
	inv.emit(ctx, rec.RunID, work.EventStarted, nil)

	handler, err := inv.registry.Get(rec.Spec.Kind, rec.Spec.Name)
	if err != nil {
		inv.finishFailed(ctx, rec.RunID, err)
		return err
	}

	result, err := inv.invoke(ctx, rec.Spec.Name, func(ctx context.Context) (map[string]any, error) {
		return handler(ctx, rec.Spec.Params)
	})
	// Terminal writes must land even when the run's context was cancelled.
	recordCtx := context.WithoutCancel(ctx)
	if err != nil {
		inv.finishFailed(recordCtx, rec.RunID, err)
		return err
	}

	if err := inv.store.UpdateStatus(recordCtx, rec.RunID, work.StatusCompleted, result, nil); err != nil {
		return err
	}
	inv.emit(recordCtx, rec.RunID, work.EventCompleted, nil)
	logger.Info("run completed")
	return nil
}

// invoke runs one handler call through the configured breaker and retry
// policy. Without configuration it calls the handler directly.
func (inv *Invoker) invoke(ctx context.Context, key string, fn func(ctx context.Context) (map[string]any, error)) (map[string]any, error) {
	if inv.breakers == nil && inv.retry == nil {
		return fn(ctx)
	}

	var result map[string]any
	call := func(ctx context.Context) error {
		out, err := fn(ctx)
		if err != nil {
			return err
		}
		result = out
		return nil
	}
	if inv.breakers != nil {
		inner := call
		call = func(ctx context.Context) error {
			_, err := inv.breakers.Execute(key, func() (any, error) { return nil, inner(ctx) })
			return err
		}
	}

	strategy := inv.retry
	if strategy == nil {
		strategy = resilience.NoRetry{}
	}
	if err := resilience.WithRetry(ctx, strategy, call); err != nil {
		return nil, err
	}
	return result, nil
}

// finishFailed records a failed, timed_out or cancelled terminal state.
func (inv *Invoker) finishFailed(ctx context.Context, runID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	status := work.StatusFailed
	event := work.EventFailed
	switch {
	case spineerrors.IsTimeout(cause) || errors.Is(cause, context.DeadlineExceeded):
		status = work.StatusTimedOut
	case errors.Is(cause, context.Canceled):
		status = work.StatusCancelled
		event = work.EventCancelled
	}

	execErr := &ledger.ExecError{
		Message:  cause.Error(),
		Type:     fmt.Sprintf("%T", cause),
		Category: string(spineerrors.CategoryOf(cause)),
	}
	if err := inv.store.UpdateStatus(ctx, runID, status, nil, execErr); err != nil {
		inv.logger.Error("failed to record failure",
			slog.String(log.RunIDKey, runID), log.Error(err))
		return
	}
	inv.emit(ctx, runID, event, map[string]any{"error": cause.Error()})
	inv.logger.Warn("run failed", slog.String(log.RunIDKey, runID), log.Error(cause))
}

// emit persists a lifecycle event and forwards it to the bus.
func (inv *Invoker) emit(ctx context.Context, runID string, eventType work.EventType, payload map[string]any) {
	eventID, err := inv.store.RecordEvent(ctx, runID, eventType, payload)
	if err != nil {
		inv.logger.Error("failed to record event",
			slog.String(log.RunIDKey, runID), slog.String(log.EventKey, string(eventType)), log.Error(err))
		return
	}
	if inv.bus != nil {
		inv.bus.Publish(work.Event{
			EventID:     eventID,
			ExecutionID: runID,
			Type:        eventType,
			Timestamp:   nowUTC(),
			Payload:     payload,
		})
	}
}
