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

	spineerrors "github.com/spinehq/spine/pkg/errors"
)

func TestDeadLetterLifecycle(t *testing.T) {
	db := openTestDB(t)
	repo := NewDeadLetterRepository(db)
	ctx := context.Background()

	id, err := repo.Add(ctx, "run-1", "sync-orders", map[string]any{"batch": 7}, "upstream timeout", 2)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	dl, err := repo.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if dl.Workflow != "sync-orders" || dl.RetryCount != 0 || dl.MaxRetries != 2 {
		t.Errorf("entry did not round-trip: %+v", dl)
	}
	if dl.Resolved() {
		t.Error("new entry should not be resolved")
	}

	// Two retries allowed, then exhausted.
	for i := 0; i < 2; i++ {
		can, err := repo.CanRetry(ctx, id)
		if err != nil {
			t.Fatalf("CanRetry failed: %v", err)
		}
		if !can {
			t.Fatalf("expected retry %d to be allowed", i+1)
		}
		if err := repo.MarkRetryAttempted(ctx, id); err != nil {
			t.Fatalf("MarkRetryAttempted failed: %v", err)
		}
	}
	can, err := repo.CanRetry(ctx, id)
	if err != nil {
		t.Fatalf("CanRetry failed: %v", err)
	}
	if can {
		t.Fatal("expected retry budget exhausted")
	}

	if err := repo.Resolve(ctx, id, "operator"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	dl, _ = repo.Get(ctx, id)
	if !dl.Resolved() || dl.ResolvedBy != "operator" {
		t.Errorf("expected resolved entry, got %+v", dl)
	}

	// Resolving twice conflicts, as does retrying a resolved entry.
	if err := repo.Resolve(ctx, id, "operator"); !spineerrors.IsConflict(err) {
		t.Fatalf("expected ConflictError on double resolve, got %v", err)
	}
	if err := repo.MarkRetryAttempted(ctx, id); !spineerrors.IsConflict(err) {
		t.Fatalf("expected ConflictError on resolved retry, got %v", err)
	}
}

func TestDeadLetterList(t *testing.T) {
	db := openTestDB(t)
	repo := NewDeadLetterRepository(db)
	ctx := context.Background()

	open1, err := repo.Add(ctx, "", "a", nil, "x", 3)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	resolved, err := repo.Add(ctx, "", "b", nil, "y", 3)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := repo.Resolve(ctx, resolved, "operator"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	openOnly, err := repo.List(ctx, false, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(openOnly) != 1 || openOnly[0].ID != open1 {
		t.Fatalf("expected only open entry, got %+v", openOnly)
	}

	all, err := repo.List(ctx, true, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
}

func TestDeadLetterGetMissing(t *testing.T) {
	db := openTestDB(t)
	repo := NewDeadLetterRepository(db)

	if _, err := repo.Get(context.Background(), "missing"); !spineerrors.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}
