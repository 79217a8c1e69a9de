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

package lock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spinehq/spine/internal/ledger"
)

func newTestManagers(t *testing.T) (*Manager, *Manager) {
	t.Helper()
	db, err := ledger.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "spine.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	locks := ledger.NewLockRepository(db)
	return NewManager(locks, "instance-a", time.Minute), NewManager(locks, "instance-b", time.Minute)
}

func TestManagerExclusion(t *testing.T) {
	a, b := newTestManagers(t)
	ctx := context.Background()

	ok, err := a.Acquire(ctx, "sched-1")
	if err != nil || !ok {
		t.Fatalf("first acquire failed: %v %v", ok, err)
	}
	ok, err = b.Acquire(ctx, "sched-1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if ok {
		t.Fatal("second instance must be blocked")
	}

	locked, err := b.IsLocked(ctx, "sched-1")
	if err != nil || !locked {
		t.Fatalf("expected locked, got %v %v", locked, err)
	}
	if a.ActiveLocks() != 1 {
		t.Errorf("expected 1 active lock, got %d", a.ActiveLocks())
	}
}

func TestManagerReacquireAndRelease(t *testing.T) {
	a, b := newTestManagers(t)
	ctx := context.Background()

	if ok, _ := a.Acquire(ctx, "sched-2"); !ok {
		t.Fatal("acquire failed")
	}
	// Holder refreshes its own lock.
	if ok, _ := a.Acquire(ctx, "sched-2"); !ok {
		t.Fatal("holder must re-acquire its own lock")
	}

	released, err := a.Release(ctx, "sched-2")
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if !released {
		t.Fatal("release of a held lock should report a deletion")
	}
	if ok, _ := b.Acquire(ctx, "sched-2"); !ok {
		t.Fatal("expected acquisition after release")
	}
}

func TestManagerDoubleReleaseReturnsFalse(t *testing.T) {
	a, _ := newTestManagers(t)
	ctx := context.Background()

	for _, id := range []string{"sched-3", "sched-4"} {
		if ok, _ := a.Acquire(ctx, id); !ok {
			t.Fatalf("acquire %s failed", id)
		}
	}

	if released, err := a.Release(ctx, "sched-3"); err != nil || !released {
		t.Fatalf("first release: released=%v err=%v", released, err)
	}
	released, err := a.Release(ctx, "sched-3")
	if err != nil {
		t.Fatalf("double release failed: %v", err)
	}
	if released {
		t.Fatal("releasing an already-released lock must return false")
	}
	// The no-op release must not decrement the held count a second time.
	if a.ActiveLocks() != 1 {
		t.Errorf("expected 1 active lock, got %d", a.ActiveLocks())
	}
}

func TestManagerReleaseAfterStealDoesNotDecrement(t *testing.T) {
	db, err := ledger.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "spine.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	locks := ledger.NewLockRepository(db)
	ctx := context.Background()

	// Instance a's lock expires immediately; b steals it.
	a := NewManager(locks, "instance-a", -time.Second)
	b := NewManager(locks, "instance-b", time.Minute)
	if ok, _ := a.Acquire(ctx, "sched-1"); !ok {
		t.Fatal("acquire failed")
	}
	if ok, _ := b.Acquire(ctx, "sched-1"); !ok {
		t.Fatal("steal failed")
	}

	released, err := a.Release(ctx, "sched-1")
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if released {
		t.Fatal("releasing a stolen lock must return false")
	}
	if locked, _ := b.IsLocked(ctx, "sched-1"); !locked {
		t.Error("the thief's lock must survive the stale release")
	}
}

func TestManagerForceReleaseAll(t *testing.T) {
	a, b := newTestManagers(t)
	ctx := context.Background()

	for _, id := range []string{"x", "y"} {
		if ok, _ := a.Acquire(ctx, id); !ok {
			t.Fatalf("acquire %s failed", id)
		}
	}

	n, err := b.ForceReleaseAll(ctx)
	if err != nil {
		t.Fatalf("ForceReleaseAll failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 released, got %d", n)
	}
	if ok, _ := b.Acquire(ctx, "x"); !ok {
		t.Error("expected acquisition after force release")
	}
}
