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
	"time"

	"github.com/spinehq/spine/internal/ledger"
	"github.com/spinehq/spine/pkg/work"
)

func nowUTC() time.Time { return time.Now().UTC() }

// InMemory invokes the handler synchronously on the caller's goroutine.
// Submit returns only after the run reaches a terminal state.
type InMemory struct {
	invoker *Invoker
	store   *ledger.Store
}

// NewInMemory creates an InMemory executor.
func NewInMemory(invoker *Invoker, store *ledger.Store) *InMemory {
	return &InMemory{invoker: invoker, store: store}
}

func (e *InMemory) Name() string { return "in-memory" }

// Submit runs the record to completion. The external ref is the run id.
func (e *InMemory) Submit(ctx context.Context, rec *work.Record) (string, error) {
	// The run error is recorded in the ledger, not surfaced here: a failed
	// handler is still a successful submission.
	_ = e.invoker.Run(ctx, rec)
	return rec.RunID, nil
}

// Cancel always returns false: synchronous runs are terminal by the time a
// caller holds the ref.
func (e *InMemory) Cancel(ctx context.Context, externalRef string) bool {
	return false
}

// Status reads the run status from the ledger.
func (e *InMemory) Status(ctx context.Context, externalRef string) *work.Status {
	rec, err := e.store.GetExecution(ctx, externalRef)
	if err != nil {
		return nil
	}
	return &rec.Status
}
