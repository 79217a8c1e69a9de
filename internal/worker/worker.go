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

// Package worker polls the ledger for queued runs, claims them atomically
// and executes them. Multiple workers can poll the same ledger; the
// conditional claim prevents double execution.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/spinehq/spine/internal/executor"
	"github.com/spinehq/spine/internal/ledger"
	"github.com/spinehq/spine/internal/log"
	"github.com/spinehq/spine/pkg/work"
)

// Config tunes one worker.
type Config struct {
	// ID identifies the worker in claimed_by.
	ID string
	// PollInterval is the sleep between empty polls.
	PollInterval time.Duration
	// BatchSize caps runs claimed per poll.
	BatchSize int
	// MaxWorkers bounds in-process parallelism.
	MaxWorkers int
}

// Stats is a snapshot of a worker's counters.
type Stats struct {
	Processed int64         `json:"processed"`
	Completed int64         `json:"completed"`
	Failed    int64         `json:"failed"`
	Uptime    time.Duration `json:"uptime"`
}

// Worker is the poll-claim-execute loop.
type Worker struct {
	cfg     Config
	store   *ledger.Store
	invoker *executor.Invoker
	logger  *slog.Logger

	processed atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	started   time.Time

	wg sync.WaitGroup
}

// New creates a Worker.
func New(cfg Config, store *ledger.Store, invoker *executor.Invoker) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	return &Worker{
		cfg:     cfg,
		store:   store,
		invoker: invoker,
		logger:  log.WithComponent(slog.Default(), "worker").With(slog.String("worker_id", cfg.ID)),
	}
}

// Run polls until the context is cancelled, then waits for in-flight runs.
func (w *Worker) Run(ctx context.Context) {
	w.started = time.Now()
	w.logger.Info("worker started",
		slog.Duration("poll_interval", w.cfg.PollInterval),
		slog.Int("batch_size", w.cfg.BatchSize),
		slog.Int("max_workers", w.cfg.MaxWorkers))

	sem := semaphore.NewWeighted(int64(w.cfg.MaxWorkers))
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			w.logger.Info("worker stopped", slog.Int64("processed", w.processed.Load()))
			return
		case <-ticker.C:
			w.poll(ctx, sem)
		}
	}
}

// poll claims up to BatchSize runs and executes each on its own goroutine.
func (w *Worker) poll(ctx context.Context, sem *semaphore.Weighted) {
	claimed, err := w.store.ClaimPending(ctx, w.cfg.ID, w.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("claim failed", log.Error(err))
		}
		return
	}

	for _, rec := range claimed {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		w.wg.Add(1)
		rec := rec
		go func() {
			defer w.wg.Done()
			defer sem.Release(1)
			w.execute(ctx, rec)
		}()
	}
}

func (w *Worker) execute(ctx context.Context, rec *work.Record) {
	w.processed.Add(1)
	if err := w.invoker.Run(ctx, rec); err != nil {
		w.failed.Add(1)
		return
	}
	w.completed.Add(1)
}

// Stats returns a snapshot of the worker's counters.
func (w *Worker) Stats() Stats {
	var uptime time.Duration
	if !w.started.IsZero() {
		uptime = time.Since(w.started)
	}
	return Stats{
		Processed: w.processed.Load(),
		Completed: w.completed.Load(),
		Failed:    w.failed.Load(),
		Uptime:    uptime,
	}
}
