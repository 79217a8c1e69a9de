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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spinehq/spine/internal/dialect"
	spineerrors "github.com/spinehq/spine/pkg/errors"
)

// ScheduleType distinguishes cron expressions from fixed intervals.
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
)

// Schedule is a recurring trigger for a task, pipeline or workflow.
type Schedule struct {
	ScheduleID      string         `json:"schedule_id"`
	Name            string         `json:"name"`
	TargetType      string         `json:"target_type"`
	TargetName      string         `json:"target_name"`
	Type            ScheduleType   `json:"schedule_type"`
	CronExpression  string         `json:"cron_expression,omitempty"`
	IntervalSeconds int            `json:"interval_seconds,omitempty"`
	Enabled         bool           `json:"enabled"`
	NextRunAt       *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty"`
	Params          map[string]any `json:"params,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Validate checks the schedule is well formed.
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return &spineerrors.ValidationError{Field: "name", Message: "schedule name is required"}
	}
	if s.TargetName == "" {
		return &spineerrors.ValidationError{Field: "target_name", Message: "schedule target is required"}
	}
	switch s.Type {
	case ScheduleCron:
		if s.CronExpression == "" {
			return &spineerrors.ValidationError{Field: "cron_expression", Message: "cron schedules require an expression"}
		}
	case ScheduleInterval:
		if s.IntervalSeconds <= 0 {
			return &spineerrors.ValidationError{Field: "interval_seconds", Message: "interval schedules require a positive interval", Suggestion: "set interval_seconds to at least 1"}
		}
	default:
		return &spineerrors.ValidationError{Field: "schedule_type", Message: fmt.Sprintf("unknown schedule type %q", s.Type)}
	}
	return nil
}

const scheduleColumns = `schedule_id, name, target_type, target_name, schedule_type,
	cron_expression, interval_seconds, enabled, next_run_at, last_run_at, params, created_at`

// ScheduleRepository persists schedules.
type ScheduleRepository struct {
	conn Conn
	d    dialect.Dialect
}

// NewScheduleRepository creates a ScheduleRepository.
func NewScheduleRepository(db *DB) *ScheduleRepository {
	return &ScheduleRepository{conn: db, d: db.Dialect}
}

// Create persists a new schedule. The caller supplies next_run_at; an empty
// ScheduleID is assigned.
func (r *ScheduleRepository) Create(ctx context.Context, s *Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.ScheduleID == "" {
		s.ScheduleID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = timeNow()
	}

	params, err := marshalJSON(s.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule params: %w", err)
	}

	query := fmt.Sprintf("INSERT INTO core_schedules (%s) VALUES (%s)",
		scheduleColumns, r.d.Placeholders(12))
	_, err = r.conn.ExecContext(ctx, query,
		s.ScheduleID, s.Name, s.TargetType, s.TargetName, string(s.Type),
		nullString(s.CronExpression), s.IntervalSeconds, boolToInt(s.Enabled),
		formatTime(s.NextRunAt), formatTime(s.LastRunAt), params, timestamp(s.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

// Get fetches a schedule by id.
func (r *ScheduleRepository) Get(ctx context.Context, id string) (*Schedule, error) {
	query := fmt.Sprintf("SELECT %s FROM core_schedules WHERE schedule_id = %s",
		scheduleColumns, r.d.Placeholder(1))
	s, err := scanSchedule(r.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &spineerrors.NotFoundError{Resource: "schedule", ID: id}
	}
	return s, err
}

// GetByName fetches a schedule by its unique name.
func (r *ScheduleRepository) GetByName(ctx context.Context, name string) (*Schedule, error) {
	query := fmt.Sprintf("SELECT %s FROM core_schedules WHERE name = %s",
		scheduleColumns, r.d.Placeholder(1))
	s, err := scanSchedule(r.conn.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &spineerrors.NotFoundError{Resource: "schedule", ID: name}
	}
	return s, err
}

// List returns all schedules ordered by name.
func (r *ScheduleRepository) List(ctx context.Context) ([]*Schedule, error) {
	query := fmt.Sprintf("SELECT %s FROM core_schedules ORDER BY name ASC", scheduleColumns)
	rows, err := r.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// GetDue returns enabled schedules whose next_run_at is at or before now,
// oldest first.
func (r *ScheduleRepository) GetDue(ctx context.Context, now time.Time) ([]*Schedule, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM core_schedules WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= %s ORDER BY next_run_at ASC",
		scheduleColumns, r.d.Placeholder(1))
	rows, err := r.conn.QueryContext(ctx, query, timestamp(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query due schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// SetEnabled toggles a schedule on or off.
func (r *ScheduleRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	query := fmt.Sprintf("UPDATE core_schedules SET enabled = %s WHERE schedule_id = %s",
		r.d.Placeholder(1), r.d.Placeholder(2))
	res, err := r.conn.ExecContext(ctx, query, boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &spineerrors.NotFoundError{Resource: "schedule", ID: id}
	}
	return nil
}

// UpdateAfterDispatch records a fire and advances next_run_at. A nil next
// disables further firing until the schedule is updated.
func (r *ScheduleRepository) UpdateAfterDispatch(ctx context.Context, id string, ranAt time.Time, next *time.Time) error {
	query := fmt.Sprintf("UPDATE core_schedules SET last_run_at = %s, next_run_at = %s WHERE schedule_id = %s",
		r.d.Placeholder(1), r.d.Placeholder(2), r.d.Placeholder(3))
	res, err := r.conn.ExecContext(ctx, query, timestamp(ranAt), formatTime(next), id)
	if err != nil {
		return fmt.Errorf("failed to update schedule after dispatch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &spineerrors.NotFoundError{Resource: "schedule", ID: id}
	}
	return nil
}

// Delete removes a schedule and its lock row.
func (r *ScheduleRepository) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf("DELETE FROM core_schedules WHERE schedule_id = %s", r.d.Placeholder(1))
	res, err := r.conn.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &spineerrors.NotFoundError{Resource: "schedule", ID: id}
	}
	lockQuery := fmt.Sprintf("DELETE FROM core_schedule_locks WHERE schedule_id = %s", r.d.Placeholder(1))
	if _, err := r.conn.ExecContext(ctx, lockQuery, id); err != nil {
		return fmt.Errorf("failed to delete schedule lock: %w", err)
	}
	return nil
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var s Schedule
	var scheduleType string
	var cronExpr, nextRun, lastRun, params sql.NullString
	var interval sql.NullInt64
	var enabled int
	var createdAt string

	err := row.Scan(&s.ScheduleID, &s.Name, &s.TargetType, &s.TargetName, &scheduleType,
		&cronExpr, &interval, &enabled, &nextRun, &lastRun, &params, &createdAt)
	if err != nil {
		return nil, err
	}

	s.Type = ScheduleType(scheduleType)
	s.CronExpression = cronExpr.String
	s.IntervalSeconds = int(interval.Int64)
	s.Enabled = enabled != 0
	s.CreatedAt = parseTime(createdAt)
	if nextRun.Valid {
		t := parseTime(nextRun.String)
		s.NextRunAt = &t
	}
	if lastRun.Valid {
		t := parseTime(lastRun.String)
		s.LastRunAt = &t
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &s.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal schedule params: %w", err)
		}
	}
	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
