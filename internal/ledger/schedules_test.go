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

	spineerrors "github.com/spinehq/spine/pkg/errors"
)

func newTestSchedule(name string, next time.Time) *Schedule {
	return &Schedule{
		Name:            name,
		TargetType:      "workflow",
		TargetName:      "nightly-report",
		Type:            ScheduleInterval,
		IntervalSeconds: 300,
		Enabled:         true,
		NextRunAt:       &next,
		Params:          map[string]any{"day": "today"},
	}
}

func TestScheduleCreateAndGet(t *testing.T) {
	db := openTestDB(t)
	repo := NewScheduleRepository(db)
	ctx := context.Background()

	s := newTestSchedule("nightly", time.Now().UTC().Add(time.Hour))
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if s.ScheduleID == "" {
		t.Fatal("expected assigned schedule id")
	}

	got, err := repo.Get(ctx, s.ScheduleID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name != "nightly" || got.IntervalSeconds != 300 || !got.Enabled {
		t.Errorf("schedule did not round-trip: %+v", got)
	}
	if got.Params["day"] != "today" {
		t.Errorf("params did not round-trip: %v", got.Params)
	}

	byName, err := repo.GetByName(ctx, "nightly")
	if err != nil {
		t.Fatalf("GetByName failed: %v", err)
	}
	if byName.ScheduleID != s.ScheduleID {
		t.Errorf("GetByName returned wrong schedule: %s", byName.ScheduleID)
	}
}

func TestScheduleValidate(t *testing.T) {
	tests := []struct {
		name     string
		schedule Schedule
		wantErr  bool
	}{
		{"valid cron", Schedule{Name: "a", TargetName: "t", Type: ScheduleCron, CronExpression: "0 * * * *"}, false},
		{"valid interval", Schedule{Name: "a", TargetName: "t", Type: ScheduleInterval, IntervalSeconds: 60}, false},
		{"missing name", Schedule{TargetName: "t", Type: ScheduleCron, CronExpression: "0 * * * *"}, true},
		{"missing target", Schedule{Name: "a", Type: ScheduleCron, CronExpression: "0 * * * *"}, true},
		{"cron without expression", Schedule{Name: "a", TargetName: "t", Type: ScheduleCron}, true},
		{"interval without seconds", Schedule{Name: "a", TargetName: "t", Type: ScheduleInterval}, true},
		{"unknown type", Schedule{Name: "a", TargetName: "t", Type: "hourly"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schedule.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetDueSchedules(t *testing.T) {
	db := openTestDB(t)
	repo := NewScheduleRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	due := newTestSchedule("due", now.Add(-time.Minute))
	future := newTestSchedule("future", now.Add(time.Hour))
	disabled := newTestSchedule("disabled", now.Add(-time.Minute))
	disabled.Enabled = false
	for _, s := range []*Schedule{due, future, disabled} {
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	got, err := repo.GetDue(ctx, now)
	if err != nil {
		t.Fatalf("GetDue failed: %v", err)
	}
	if len(got) != 1 || got[0].Name != "due" {
		t.Fatalf("expected only the due schedule, got %+v", got)
	}
}

func TestUpdateAfterDispatch(t *testing.T) {
	db := openTestDB(t)
	repo := NewScheduleRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	s := newTestSchedule("advance", now.Add(-time.Minute))
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	next := now.Add(5 * time.Minute)
	if err := repo.UpdateAfterDispatch(ctx, s.ScheduleID, now, &next); err != nil {
		t.Fatalf("UpdateAfterDispatch failed: %v", err)
	}

	got, _ := repo.Get(ctx, s.ScheduleID)
	if got.LastRunAt == nil {
		t.Fatal("expected last_run_at to be set")
	}
	if got.NextRunAt == nil || got.NextRunAt.Before(now) {
		t.Errorf("next_run_at not advanced: %v", got.NextRunAt)
	}

	// Advanced schedule is no longer due.
	dueNow, err := repo.GetDue(ctx, now)
	if err != nil {
		t.Fatalf("GetDue failed: %v", err)
	}
	if len(dueNow) != 0 {
		t.Errorf("expected no due schedules, got %d", len(dueNow))
	}
}

func TestScheduleSetEnabledAndDelete(t *testing.T) {
	db := openTestDB(t)
	repo := NewScheduleRepository(db)
	ctx := context.Background()

	s := newTestSchedule("toggle", time.Now().UTC())
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := repo.SetEnabled(ctx, s.ScheduleID, false); err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}
	got, _ := repo.Get(ctx, s.ScheduleID)
	if got.Enabled {
		t.Error("expected schedule disabled")
	}

	if err := repo.Delete(ctx, s.ScheduleID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := repo.Get(ctx, s.ScheduleID); !spineerrors.IsNotFound(err) {
		t.Fatalf("expected NotFoundError after delete, got %v", err)
	}
	if err := repo.SetEnabled(ctx, s.ScheduleID, true); !spineerrors.IsNotFound(err) {
		t.Fatalf("expected NotFoundError on missing schedule, got %v", err)
	}
}
