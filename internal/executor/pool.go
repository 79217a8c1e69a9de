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

package executor

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/spinehq/spine/internal/ledger"
	"github.com/spinehq/spine/pkg/work"
)

// Pool runs handlers on background goroutines bounded by a semaphore.
// Submit returns as soon as the record is queued.
type Pool struct {
	invoker *Invoker
	store   *ledger.Store
	sem     *semaphore.Weighted
	base    context.Context

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool creates a Pool with at most size concurrent runs. base bounds the
// lifetime of every run the pool starts.
func NewPool(base context.Context, invoker *Invoker, store *ledger.Store, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		invoker: invoker,
		store:   store,
		sem:     semaphore.NewWeighted(int64(size)),
		base:    base,
		cancels: map[string]context.CancelFunc{},
	}
}

func (e *Pool) Name() string { return "pool" }

// Submit marks the record queued and schedules it. The external ref is the
// run id.
func (e *Pool) Submit(ctx context.Context, rec *work.Record) (string, error) {
	if err := e.store.UpdateStatus(ctx, rec.RunID, work.StatusQueued, nil, nil); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(e.base)
	e.mu.Lock()
	e.cancels[rec.RunID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.cancels, rec.RunID)
			e.mu.Unlock()
		}()

		if err := e.sem.Acquire(runCtx, 1); err != nil {
			e.invoker.finishFailed(e.base, rec.RunID, err)
			return
		}
		defer e.sem.Release(1)

		_ = e.invoker.Run(runCtx, rec)
	}()

	return rec.RunID, nil
}

// Cancel interrupts an in-flight run. Returns false when the run is already
// terminal or unknown.
func (e *Pool) Cancel(ctx context.Context, externalRef string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[externalRef]
	e.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Status reads the run status from the ledger.
func (e *Pool) Status(ctx context.Context, externalRef string) *work.Status {
	rec, err := e.store.GetExecution(ctx, externalRef)
	if err != nil {
		return nil
	}
	return &rec.Status
}

// Wait blocks until every scheduled run has finished. Used during shutdown.
func (e *Pool) Wait() {
	e.wg.Wait()
}
