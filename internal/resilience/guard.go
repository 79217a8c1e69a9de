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

package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/spinehq/spine/internal/ledger"
	"github.com/spinehq/spine/internal/log"
)

// ConcurrencyGuard enforces named mutual exclusion across processes through
// the ledger's concurrency lock table. A background sweep reaps expired rows.
type ConcurrencyGuard struct {
	locks  *ledger.LockRepository
	logger *slog.Logger
}

// NewConcurrencyGuard creates a ConcurrencyGuard.
func NewConcurrencyGuard(locks *ledger.LockRepository) *ConcurrencyGuard {
	return &ConcurrencyGuard{locks: locks, logger: log.WithComponent(slog.Default(), "concurrency-guard")}
}

// Acquire takes the key for an execution. Returns false when another live
// execution holds it.
func (g *ConcurrencyGuard) Acquire(ctx context.Context, key, executionID string, ttl time.Duration) (bool, error) {
	return g.locks.AcquireConcurrencyLock(ctx, key, executionID, ttl)
}

// Release frees the key if the execution holds it. Returns false when the
// execution held nothing, so a double release is visible to the caller.
func (g *ConcurrencyGuard) Release(ctx context.Context, key, executionID string) (bool, error) {
	return g.locks.ReleaseConcurrencyLock(ctx, key, executionID)
}

// Sweep runs cleanup of expired locks until the context is cancelled.
func (g *ConcurrencyGuard) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := g.locks.CleanupExpired(ctx)
			if err != nil {
				g.logger.Error("lock sweep failed", log.Error(err))
				continue
			}
			if n > 0 {
				g.logger.Debug("reaped expired locks", slog.Int64("count", n))
			}
		}
	}
}
