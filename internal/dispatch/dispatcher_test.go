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

package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/spinehq/spine/internal/executor"
	"github.com/spinehq/spine/internal/ledger"
	"github.com/spinehq/spine/internal/registry"
	spineerrors "github.com/spinehq/spine/pkg/errors"
	"github.com/spinehq/spine/pkg/work"
)

func newFixture(t *testing.T) (*ledger.Store, *registry.Registry, *Dispatcher) {
	t.Helper()
	db, err := ledger.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "spine.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := ledger.NewStore(db)
	reg := registry.New()
	inv := executor.NewInvoker(store, reg, nil)
	exec := executor.NewInMemory(inv, store)
	dlq := ledger.NewDeadLetterRepository(db)
	return store, reg, New(store, reg, exec, nil, dlq)
}

func registerEcho(t *testing.T, reg *registry.Registry, kind work.Kind, name string) {
	t.Helper()
	err := reg.Register(kind, name, func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return params, nil
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
}

func TestSubmitTask(t *testing.T) {
	store, reg, d := newFixture(t)
	ctx := context.Background()
	registerEcho(t, reg, work.KindTask, "echo")

	runID, err := d.SubmitTask(ctx, "echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	rec, err := store.GetExecution(ctx, runID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if rec.Status != work.StatusCompleted {
		t.Errorf("expected completed, got %s", rec.Status)
	}

	events, _ := d.GetEvents(ctx, runID)
	if len(events) == 0 || events[0].Type != work.EventCreated {
		t.Errorf("expected CREATED first, got %+v", events)
	}
}

func TestSubmitUnknownHandler(t *testing.T) {
	_, _, d := newFixture(t)
	_, err := d.SubmitTask(context.Background(), "nobody", nil)
	if !spineerrors.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestSubmitInvalidSpec(t *testing.T) {
	_, _, d := newFixture(t)
	_, err := d.Submit(context.Background(), work.Spec{Kind: "job", Name: "x"})
	if !spineerrors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestIdempotencyReturnsExistingRun(t *testing.T) {
	_, reg, d := newFixture(t)
	ctx := context.Background()
	registerEcho(t, reg, work.KindTask, "echo")

	first, err := d.SubmitTask(ctx, "echo", nil, WithIdempotencyKey("dedupe-1"))
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	second, err := d.SubmitTask(ctx, "echo", nil, WithIdempotencyKey("dedupe-1"))
	if err != nil {
		t.Fatalf("second submit failed: %v", err)
	}
	if first != second {
		t.Errorf("expected idempotency hit, got %s and %s", first, second)
	}
}

func TestIdempotencyAllowsRerunAfterFailure(t *testing.T) {
	_, reg, d := newFixture(t)
	ctx := context.Background()

	calls := 0
	err := reg.Register(work.KindTask, "flaky", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("boom")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	first, err := d.SubmitTask(ctx, "flaky", nil, WithIdempotencyKey("dedupe-2"))
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	second, err := d.SubmitTask(ctx, "flaky", nil, WithIdempotencyKey("dedupe-2"))
	if err != nil {
		t.Fatalf("second submit failed: %v", err)
	}
	if first == second {
		t.Error("failed run must not satisfy idempotency")
	}
}

func TestCancelPendingRun(t *testing.T) {
	store, reg, _ := newFixture(t)
	ctx := context.Background()
	registerEcho(t, reg, work.KindTask, "echo")

	// A dispatcher whose executor never starts the run, so it stays pending.
	d := New(store, reg, stuckExecutor{}, nil, nil)
	runID, err := d.SubmitTask(ctx, "echo", nil)
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	if err := d.Cancel(ctx, runID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	rec, _ := store.GetExecution(ctx, runID)
	if rec.Status != work.StatusCancelled {
		t.Errorf("expected cancelled, got %s", rec.Status)
	}

	// Terminal runs are not cancellable.
	if err := d.Cancel(ctx, runID); !spineerrors.IsConflict(err) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

// stuckExecutor accepts work and never runs it.
type stuckExecutor struct{}

func (stuckExecutor) Submit(ctx context.Context, rec *work.Record) (string, error) {
	return rec.RunID, nil
}
func (stuckExecutor) Cancel(ctx context.Context, ref string) bool          { return false }
func (stuckExecutor) Status(ctx context.Context, ref string) *work.Status { return nil }
func (stuckExecutor) Name() string                                        { return "stuck" }

type failingExecutor struct{}

func (failingExecutor) Submit(ctx context.Context, rec *work.Record) (string, error) {
	return "", errors.New("runtime unavailable")
}
func (failingExecutor) Cancel(ctx context.Context, ref string) bool          { return false }
func (failingExecutor) Status(ctx context.Context, ref string) *work.Status { return nil }
func (failingExecutor) Name() string                                        { return "failing" }

func TestSubmitExecutorFailureMarksRunFailed(t *testing.T) {
	store, reg, _ := newFixture(t)
	ctx := context.Background()
	registerEcho(t, reg, work.KindTask, "echo")

	d := New(store, reg, failingExecutor{}, nil, nil)
	_, err := d.SubmitTask(ctx, "echo", nil)
	if err == nil {
		t.Fatal("expected submission error")
	}

	runs, _ := store.ListExecutions(ctx, ledger.Filter{Status: work.StatusFailed})
	if len(runs) != 1 {
		t.Fatalf("expected 1 failed run, got %d", len(runs))
	}
	if runs[0].Error != "runtime unavailable" {
		t.Errorf("expected submission error recorded, got %q", runs[0].Error)
	}
}

func TestRetryCreatesNewRun(t *testing.T) {
	store, reg, d := newFixture(t)
	ctx := context.Background()

	calls := 0
	err := reg.Register(work.KindTask, "flaky", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("boom")
		}
		return map[string]any{"ok": true}, nil
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	srcID, err := d.SubmitTask(ctx, "flaky", nil)
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	src, _ := store.GetExecution(ctx, srcID)
	if src.Status != work.StatusFailed {
		t.Fatalf("expected failed source, got %s", src.Status)
	}

	retryID, err := d.Retry(ctx, srcID)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if retryID == srcID {
		t.Fatal("retry must create a new run")
	}

	retried, _ := store.GetExecution(ctx, retryID)
	if retried.Attempt != 2 {
		t.Errorf("expected attempt 2, got %d", retried.Attempt)
	}
	if retried.RetryOfRunID != srcID {
		t.Errorf("expected retry_of to link source, got %q", retried.RetryOfRunID)
	}
	if retried.Status != work.StatusCompleted {
		t.Errorf("expected retry to complete, got %s", retried.Status)
	}

	// Source is untouched apart from the RETRY_SCHEDULED event.
	src, _ = store.GetExecution(ctx, srcID)
	if src.Status != work.StatusFailed {
		t.Errorf("source must stay failed, got %s", src.Status)
	}
}

func TestRetryRequiresFailedRun(t *testing.T) {
	_, reg, d := newFixture(t)
	ctx := context.Background()
	registerEcho(t, reg, work.KindTask, "echo")

	runID, err := d.SubmitTask(ctx, "echo", nil)
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	if _, err := d.Retry(ctx, runID); !spineerrors.IsConflict(err) {
		t.Fatalf("expected ConflictError for completed run, got %v", err)
	}
}

func TestReplayDeadLetter(t *testing.T) {
	store, reg, d := newFixture(t)
	ctx := context.Background()
	registerEcho(t, reg, work.KindWorkflow, "sync-orders")

	id, err := d.dlq.Add(ctx, "", "sync-orders", map[string]any{"batch": float64(1)}, "boom", 1)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	runID, err := d.ReplayDeadLetter(ctx, id)
	if err != nil {
		t.Fatalf("ReplayDeadLetter failed: %v", err)
	}
	rec, _ := store.GetExecution(ctx, runID)
	if rec.Status != work.StatusCompleted {
		t.Errorf("expected replay to complete, got %s", rec.Status)
	}

	// Budget of 1 is now spent.
	if _, err := d.ReplayDeadLetter(ctx, id); !spineerrors.IsConflict(err) {
		t.Fatalf("expected ConflictError after budget spent, got %v", err)
	}
}

func TestGetChildren(t *testing.T) {
	_, reg, d := newFixture(t)
	ctx := context.Background()
	registerEcho(t, reg, work.KindTask, "child")

	registerEcho(t, reg, work.KindTask, "parent")
	parentID, err := d.SubmitTask(ctx, "parent", nil)
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	childID, err := d.SubmitTask(ctx, "child", nil, WithParent(parentID))
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	children, err := d.GetChildren(ctx, parentID)
	if err != nil {
		t.Fatalf("GetChildren failed: %v", err)
	}
	if len(children) != 1 || children[0].RunID != childID {
		t.Fatalf("expected child %s, got %+v", childID, children)
	}
}

func TestSubmitRecordsRejects(t *testing.T) {
	ctx := context.Background()
	db, err := ledger.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "spine.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := ledger.NewStore(db)
	reg := registry.New()
	inv := executor.NewInvoker(store, reg, nil)
	rejects := ledger.NewRejectRepository(db)
	d := New(store, reg, executor.NewInMemory(inv, store), nil, nil).WithRejects(rejects)

	if _, err := d.Submit(ctx, work.Spec{Kind: "job", Name: "x"}); err == nil {
		t.Fatal("expected validation failure")
	}
	if _, err := d.SubmitTask(ctx, "nobody", nil); err == nil {
		t.Fatal("expected unknown handler failure")
	}

	rows, err := rejects.List(ctx, "submissions", 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rejects, got %d", len(rows))
	}

	counts, err := rejects.CountByReason(ctx, "submissions")
	if err != nil {
		t.Fatalf("CountByReason failed: %v", err)
	}
	if counts["INVALID_SPEC"] != 1 || counts["UNKNOWN_HANDLER"] != 1 {
		t.Errorf("unexpected reject reasons: %v", counts)
	}
}
