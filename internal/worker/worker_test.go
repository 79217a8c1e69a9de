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

package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spinehq/spine/internal/executor"
	"github.com/spinehq/spine/internal/ledger"
	"github.com/spinehq/spine/internal/registry"
	"github.com/spinehq/spine/pkg/work"
)

func newFixture(t *testing.T) (*ledger.Store, *registry.Registry, *executor.Invoker) {
	t.Helper()
	db, err := ledger.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "spine.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := ledger.NewStore(db)
	reg := registry.New()
	return store, reg, executor.NewInvoker(store, reg, nil)
}

func queueRun(t *testing.T, store *ledger.Store, id, name string) {
	t.Helper()
	rec := &work.Record{
		RunID:     id,
		Spec:      work.Spec{Kind: work.KindTask, Name: name},
		Status:    work.StatusQueued,
		Attempt:   1,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateExecution(context.Background(), rec); err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

func TestWorkerProcessesQueuedRuns(t *testing.T) {
	store, reg, inv := newFixture(t)

	var done atomic.Int64
	err := reg.Register(work.KindTask, "count", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		done.Add(1)
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		queueRun(t, store, fmt.Sprintf("run-%d", i), "count")
	}

	w := New(Config{ID: "w-1", PollInterval: 10 * time.Millisecond, BatchSize: 10, MaxWorkers: 2}, store, inv)
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	waitFor(t, 5*time.Second, func() bool { return done.Load() == 3 })
	waitFor(t, 5*time.Second, func() bool {
		runs, err := store.ListExecutions(context.Background(), ledger.Filter{Status: work.StatusCompleted})
		return err == nil && len(runs) == 3
	})
	cancel()

	stats := w.Stats()
	if stats.Processed != 3 || stats.Completed != 3 || stats.Failed != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestWorkerRecordsFailures(t *testing.T) {
	store, reg, inv := newFixture(t)

	err := reg.Register(work.KindTask, "boom", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, errors.New("exploded")
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	queueRun(t, store, "fail-1", "boom")

	w := New(Config{ID: "w-1", PollInterval: 10 * time.Millisecond}, store, inv)
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	waitFor(t, 5*time.Second, func() bool {
		rec, err := store.GetExecution(context.Background(), "fail-1")
		return err == nil && rec.Status == work.StatusFailed
	})
	cancel()

	rec, _ := store.GetExecution(context.Background(), "fail-1")
	if rec.Error != "exploded" {
		t.Errorf("expected error recorded, got %q", rec.Error)
	}
}

func TestTwoWorkersNeverDoubleExecute(t *testing.T) {
	store, reg, inv := newFixture(t)

	var invocations atomic.Int64
	err := reg.Register(work.KindTask, "once", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		invocations.Add(1)
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		queueRun(t, store, fmt.Sprintf("shared-%d", i), "once")
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := New(Config{ID: "w-a", PollInterval: 5 * time.Millisecond, BatchSize: 3}, store, inv)
	b := New(Config{ID: "w-b", PollInterval: 5 * time.Millisecond, BatchSize: 3}, store, inv)
	go a.Run(ctx)
	go b.Run(ctx)

	waitFor(t, 5*time.Second, func() bool {
		runs, err := store.ListExecutions(context.Background(), ledger.Filter{Status: work.StatusCompleted})
		return err == nil && len(runs) == 5
	})
	cancel()

	if invocations.Load() != 5 {
		t.Errorf("expected exactly 5 invocations, got %d", invocations.Load())
	}
}
