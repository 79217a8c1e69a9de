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

package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/spinehq/spine/internal/dialect"
)

// LockRepository persists schedule and concurrency locks. Acquisition is a
// single conditional statement per attempt so concurrent instances cannot
// both win.
type LockRepository struct {
	conn Conn
	d    dialect.Dialect
}

// NewLockRepository creates a LockRepository.
func NewLockRepository(db *DB) *LockRepository {
	return &LockRepository{conn: db, d: db.Dialect}
}

// AcquireScheduleLock attempts to take the lock for a schedule. It succeeds
// when no live lock exists or when the caller already holds it; holding
// again refreshes the expiry.
func (r *LockRepository) AcquireScheduleLock(ctx context.Context, scheduleID, instanceID string, ttl time.Duration) (bool, error) {
	now := timeNow()
	expires := now.Add(ttl)

	// Steal expired locks and refresh our own in one statement.
	update := fmt.Sprintf(
		"UPDATE core_schedule_locks SET locked_by = %s, locked_at = %s, expires_at = %s WHERE schedule_id = %s AND (expires_at <= %s OR locked_by = %s)",
		r.d.Placeholder(1), r.d.Placeholder(2), r.d.Placeholder(3), r.d.Placeholder(4), r.d.Placeholder(5), r.d.Placeholder(6))
	res, err := r.conn.ExecContext(ctx, update,
		instanceID, timestamp(now), timestamp(expires), scheduleID, timestamp(now), instanceID)
	if err != nil {
		return false, fmt.Errorf("failed to update schedule lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	insert := r.d.InsertOrIgnore("core_schedule_locks",
		[]string{"schedule_id", "locked_by", "locked_at", "expires_at"},
		[]string{"schedule_id"})
	res, err = r.conn.ExecContext(ctx, insert,
		scheduleID, instanceID, timestamp(now), timestamp(expires))
	if err != nil {
		return false, fmt.Errorf("failed to insert schedule lock: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseScheduleLock releases a lock held by the given instance. Returns
// true iff a row was deleted; releasing a lock the instance does not hold
// is a no-op returning false.
func (r *LockRepository) ReleaseScheduleLock(ctx context.Context, scheduleID, instanceID string) (bool, error) {
	query := fmt.Sprintf("DELETE FROM core_schedule_locks WHERE schedule_id = %s AND locked_by = %s",
		r.d.Placeholder(1), r.d.Placeholder(2))
	res, err := r.conn.ExecContext(ctx, query, scheduleID, instanceID)
	if err != nil {
		return false, fmt.Errorf("failed to release schedule lock: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// IsScheduleLocked reports whether a live lock exists for the schedule.
func (r *LockRepository) IsScheduleLocked(ctx context.Context, scheduleID string) (bool, error) {
	query := fmt.Sprintf(
		"SELECT COUNT(*) FROM core_schedule_locks WHERE schedule_id = %s AND expires_at > %s",
		r.d.Placeholder(1), r.d.Placeholder(2))
	var count int
	if err := r.conn.QueryRowContext(ctx, query, scheduleID, timestamp(timeNow())).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check schedule lock: %w", err)
	}
	return count > 0, nil
}

// CleanupExpired removes all schedule and concurrency locks past expiry.
// Returns the number of rows removed.
func (r *LockRepository) CleanupExpired(ctx context.Context) (int64, error) {
	now := timestamp(timeNow())
	var total int64
	for _, table := range []string{"core_schedule_locks", "core_concurrency_locks"} {
		query := fmt.Sprintf("DELETE FROM %s WHERE expires_at <= %s", table, r.d.Placeholder(1))
		res, err := r.conn.ExecContext(ctx, query, now)
		if err != nil {
			return total, fmt.Errorf("failed to cleanup %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// ForceReleaseAll drops every schedule lock regardless of holder or expiry.
// Operator escape hatch after a crashed instance.
func (r *LockRepository) ForceReleaseAll(ctx context.Context) (int64, error) {
	res, err := r.conn.ExecContext(ctx, "DELETE FROM core_schedule_locks")
	if err != nil {
		return 0, fmt.Errorf("failed to force release locks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// AcquireConcurrencyLock takes a named mutual-exclusion key for an
// execution. Expired holders are evicted first.
func (r *LockRepository) AcquireConcurrencyLock(ctx context.Context, key, executionID string, ttl time.Duration) (bool, error) {
	now := timeNow()

	evict := fmt.Sprintf("DELETE FROM core_concurrency_locks WHERE lock_key = %s AND expires_at <= %s",
		r.d.Placeholder(1), r.d.Placeholder(2))
	if _, err := r.conn.ExecContext(ctx, evict, key, timestamp(now)); err != nil {
		return false, fmt.Errorf("failed to evict expired lock: %w", err)
	}

	insert := r.d.InsertOrIgnore("core_concurrency_locks",
		[]string{"lock_key", "execution_id", "acquired_at", "expires_at"},
		[]string{"lock_key"})
	res, err := r.conn.ExecContext(ctx, insert,
		key, executionID, timestamp(now), timestamp(now.Add(ttl)))
	if err != nil {
		return false, fmt.Errorf("failed to insert concurrency lock: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseConcurrencyLock releases a key held by the given execution. Returns
// true iff a row was deleted.
func (r *LockRepository) ReleaseConcurrencyLock(ctx context.Context, key, executionID string) (bool, error) {
	query := fmt.Sprintf("DELETE FROM core_concurrency_locks WHERE lock_key = %s AND execution_id = %s",
		r.d.Placeholder(1), r.d.Placeholder(2))
	res, err := r.conn.ExecContext(ctx, query, key, executionID)
	if err != nil {
		return false, fmt.Errorf("failed to release concurrency lock: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
