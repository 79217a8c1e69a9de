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

// Package lock coordinates schedule ownership between instances through
// TTL rows in the ledger.
package lock

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/spinehq/spine/internal/ledger"
	"github.com/spinehq/spine/internal/log"
)

// Manager acquires and releases schedule locks on behalf of one instance.
// Re-acquiring a lock the instance already holds refreshes its TTL.
type Manager struct {
	locks      *ledger.LockRepository
	instanceID string
	ttl        time.Duration
	logger     *slog.Logger

	held atomic.Int64
}

// NewManager creates a Manager for the given instance.
func NewManager(locks *ledger.LockRepository, instanceID string, ttl time.Duration) *Manager {
	return &Manager{
		locks:      locks,
		instanceID: instanceID,
		ttl:        ttl,
		logger:     log.WithComponent(slog.Default(), "lock-manager").With(slog.String("instance", instanceID)),
	}
}

// InstanceID returns the identity used for lock ownership.
func (m *Manager) InstanceID() string { return m.instanceID }

// Acquire attempts to take the schedule lock. Returns false when another
// live instance holds it.
func (m *Manager) Acquire(ctx context.Context, scheduleID string) (bool, error) {
	ok, err := m.locks.AcquireScheduleLock(ctx, scheduleID, m.instanceID, m.ttl)
	if err != nil {
		return false, err
	}
	if ok {
		m.held.Add(1)
	}
	return ok, nil
}

// Release frees a lock this instance holds. Returns false when nothing was
// released, typically because the TTL expired and another instance stole
// the lock.
func (m *Manager) Release(ctx context.Context, scheduleID string) (bool, error) {
	released, err := m.locks.ReleaseScheduleLock(ctx, scheduleID, m.instanceID)
	if err != nil {
		return false, err
	}
	if released && m.held.Load() > 0 {
		m.held.Add(-1)
	}
	return released, nil
}

// IsLocked reports whether any live lock exists for the schedule.
func (m *Manager) IsLocked(ctx context.Context, scheduleID string) (bool, error) {
	return m.locks.IsScheduleLocked(ctx, scheduleID)
}

// ActiveLocks returns the number of locks this instance believes it holds.
func (m *Manager) ActiveLocks() int64 { return m.held.Load() }

// CleanupExpired reaps expired lock rows.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := m.locks.CleanupExpired(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Debug("cleaned up expired locks", slog.Int64("count", n))
	}
	return n, nil
}

// ForceReleaseAll drops every schedule lock. Recovery path after a crashed
// instance; normal operation relies on TTL expiry instead.
func (m *Manager) ForceReleaseAll(ctx context.Context) (int64, error) {
	n, err := m.locks.ForceReleaseAll(ctx)
	if err != nil {
		return 0, err
	}
	m.held.Store(0)
	m.logger.Warn("force released all schedule locks", slog.Int64("count", n))
	return n, nil
}
