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
	"testing"
	"time"
)

func TestScheduleLockExclusion(t *testing.T) {
	db := openTestDB(t)
	repo := NewLockRepository(db)
	ctx := context.Background()

	ok, err := repo.AcquireScheduleLock(ctx, "sched-1", "instance-a", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !ok {
		t.Fatal("expected first acquisition to succeed")
	}

	ok, err = repo.AcquireScheduleLock(ctx, "sched-1", "instance-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if ok {
		t.Fatal("expected second instance to be blocked")
	}

	locked, err := repo.IsScheduleLocked(ctx, "sched-1")
	if err != nil {
		t.Fatalf("IsScheduleLocked failed: %v", err)
	}
	if !locked {
		t.Error("expected schedule to be locked")
	}
}

func TestScheduleLockReacquireRefreshes(t *testing.T) {
	db := openTestDB(t)
	repo := NewLockRepository(db)
	ctx := context.Background()

	if ok, _ := repo.AcquireScheduleLock(ctx, "sched-2", "instance-a", time.Minute); !ok {
		t.Fatal("expected first acquisition to succeed")
	}
	// Same holder re-acquires and extends the TTL.
	ok, err := repo.AcquireScheduleLock(ctx, "sched-2", "instance-a", time.Minute)
	if err != nil {
		t.Fatalf("re-acquire failed: %v", err)
	}
	if !ok {
		t.Fatal("expected holder to re-acquire its own lock")
	}
}

func TestScheduleLockStealsExpired(t *testing.T) {
	db := openTestDB(t)
	repo := NewLockRepository(db)
	ctx := context.Background()

	if ok, _ := repo.AcquireScheduleLock(ctx, "sched-3", "instance-a", -time.Second); !ok {
		t.Fatal("expected acquisition to succeed")
	}
	// The negative TTL means the lock is already expired.
	ok, err := repo.AcquireScheduleLock(ctx, "sched-3", "instance-b", time.Minute)
	if err != nil {
		t.Fatalf("steal failed: %v", err)
	}
	if !ok {
		t.Fatal("expected expired lock to be stolen")
	}
}

func TestScheduleLockRelease(t *testing.T) {
	db := openTestDB(t)
	repo := NewLockRepository(db)
	ctx := context.Background()

	if ok, _ := repo.AcquireScheduleLock(ctx, "sched-4", "instance-a", time.Minute); !ok {
		t.Fatal("expected acquisition to succeed")
	}

	// Releasing someone else's lock is a no-op returning false.
	released, err := repo.ReleaseScheduleLock(ctx, "sched-4", "instance-b")
	if err != nil {
		t.Fatalf("foreign release failed: %v", err)
	}
	if released {
		t.Fatal("foreign release must not report a deletion")
	}
	if locked, _ := repo.IsScheduleLocked(ctx, "sched-4"); !locked {
		t.Fatal("foreign release should not drop the lock")
	}

	released, err = repo.ReleaseScheduleLock(ctx, "sched-4", "instance-a")
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if !released {
		t.Fatal("holder release should report a deletion")
	}
	if locked, _ := repo.IsScheduleLocked(ctx, "sched-4"); locked {
		t.Fatal("expected lock released")
	}

	// Releasing an already-released lock returns false.
	released, err = repo.ReleaseScheduleLock(ctx, "sched-4", "instance-a")
	if err != nil {
		t.Fatalf("double release failed: %v", err)
	}
	if released {
		t.Fatal("double release must return false")
	}
}

func TestScheduleLockExpiryBoundary(t *testing.T) {
	db := openTestDB(t)
	repo := NewLockRepository(db)
	ctx := context.Background()

	fixed := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	timeNow = func() time.Time { return fixed }
	defer func() { timeNow = func() time.Time { return time.Now().UTC() } }()

	// A zero TTL puts expires_at exactly at now.
	if ok, _ := repo.AcquireScheduleLock(ctx, "sched-7", "instance-a", 0); !ok {
		t.Fatal("expected acquisition to succeed")
	}
	locked, err := repo.IsScheduleLocked(ctx, "sched-7")
	if err != nil {
		t.Fatalf("IsScheduleLocked failed: %v", err)
	}
	if locked {
		t.Error("a lock expiring exactly now must read as unheld")
	}
	// And it is stealable at the boundary.
	if ok, _ := repo.AcquireScheduleLock(ctx, "sched-7", "instance-b", time.Minute); !ok {
		t.Error("expected boundary-expired lock to be stolen")
	}
}

func TestCleanupExpiredLocks(t *testing.T) {
	db := openTestDB(t)
	repo := NewLockRepository(db)
	ctx := context.Background()

	if ok, _ := repo.AcquireScheduleLock(ctx, "sched-5", "instance-a", -time.Second); !ok {
		t.Fatal("expected acquisition to succeed")
	}
	if ok, _ := repo.AcquireScheduleLock(ctx, "sched-6", "instance-a", time.Minute); !ok {
		t.Fatal("expected acquisition to succeed")
	}

	n, err := repo.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired lock removed, got %d", n)
	}
	if locked, _ := repo.IsScheduleLocked(ctx, "sched-6"); !locked {
		t.Error("live lock should survive cleanup")
	}
}

func TestForceReleaseAll(t *testing.T) {
	db := openTestDB(t)
	repo := NewLockRepository(db)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if ok, _ := repo.AcquireScheduleLock(ctx, id, "instance-a", time.Minute); !ok {
			t.Fatalf("expected acquisition of %s to succeed", id)
		}
	}

	n, err := repo.ForceReleaseAll(ctx)
	if err != nil {
		t.Fatalf("ForceReleaseAll failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 released, got %d", n)
	}
}

func TestConcurrencyLock(t *testing.T) {
	db := openTestDB(t)
	repo := NewLockRepository(db)
	ctx := context.Background()

	ok, err := repo.AcquireConcurrencyLock(ctx, "report:daily", "run-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !ok {
		t.Fatal("expected first acquisition to succeed")
	}

	if ok, _ := repo.AcquireConcurrencyLock(ctx, "report:daily", "run-2", time.Minute); ok {
		t.Fatal("expected second run to be blocked on the same key")
	}
	// Different key is independent.
	if ok, _ := repo.AcquireConcurrencyLock(ctx, "report:weekly", "run-2", time.Minute); !ok {
		t.Fatal("expected different key to acquire")
	}

	released, err := repo.ReleaseConcurrencyLock(ctx, "report:daily", "run-1")
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if !released {
		t.Fatal("holder release should report a deletion")
	}
	if released, _ := repo.ReleaseConcurrencyLock(ctx, "report:daily", "run-1"); released {
		t.Fatal("double release must return false")
	}
	if ok, _ := repo.AcquireConcurrencyLock(ctx, "report:daily", "run-2", time.Minute); !ok {
		t.Fatal("expected acquisition after release")
	}
}
