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
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/spinehq/spine/internal/dialect"
	spineerrors "github.com/spinehq/spine/pkg/errors"
	"github.com/spinehq/spine/pkg/work"
)

// executionColumns is the column list shared by every execution query.
const executionColumns = `id, kind, workflow, params, metadata, status, lane, trigger_source,
	parent_execution_id, retry_of_execution_id, attempt, external_ref, claimed_by,
	created_at, started_at, completed_at, result, error, error_type, error_category, idempotency_key`

// ExecError carries structured failure information for a status update.
type ExecError struct {
	Message  string
	Type     string
	Category string
}

// Filter narrows ListExecutions.
type Filter struct {
	Status   work.Status
	Kind     work.Kind
	Name     string
	ParentID string
	Limit    int
	Offset   int
}

// Store is the ledger's execution and event repository.
type Store struct {
	conn Conn
	d    dialect.Dialect
}

// NewStore creates a Store over the given database.
func NewStore(db *DB) *Store {
	return &Store{conn: db, d: db.Dialect}
}

// NewStoreConn creates a Store over an explicit connection, letting tests
// run against a transaction.
func NewStoreConn(conn Conn, d dialect.Dialect) *Store {
	return &Store{conn: conn, d: d}
}

// CreateExecution persists a new run record.
func (s *Store) CreateExecution(ctx context.Context, rec *work.Record) error {
	params, err := marshalJSON(rec.Spec.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	metadata, err := marshalJSON(rec.Spec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	result, err := marshalJSON(rec.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO core_executions (%s) VALUES (%s)`,
		executionColumns, s.d.Placeholders(21))

	_, err = s.conn.ExecContext(ctx, query,
		rec.RunID, string(rec.Spec.Kind), rec.Spec.Name, params, metadata,
		string(rec.Status), nil, nullString(string(rec.Spec.TriggerSource)),
		nullString(rec.ParentRunID), nullString(rec.RetryOfRunID), rec.Attempt,
		nullString(rec.ExternalRef), nil,
		timestamp(rec.CreatedAt), formatTime(rec.StartedAt), formatTime(rec.CompletedAt),
		result, nullString(rec.Error), nullString(rec.ErrorType), nullString(rec.ErrorCategory),
		nullString(rec.Spec.IdempotencyKey),
	)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// GetExecution retrieves a run record by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*work.Record, error) {
	query := fmt.Sprintf("SELECT %s FROM core_executions WHERE id = %s",
		executionColumns, s.d.Placeholder(1))

	rec, err := scanExecution(s.conn.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &spineerrors.NotFoundError{Resource: "execution", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return rec, nil
}

// GetByIdempotencyKey returns the most recent execution created with the
// given idempotency key, or a NotFoundError.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*work.Record, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM core_executions WHERE idempotency_key = %s ORDER BY created_at DESC LIMIT 1",
		executionColumns, s.d.Placeholder(1))

	rec, err := scanExecution(s.conn.QueryRowContext(ctx, query, key))
	if err == sql.ErrNoRows {
		return nil, &spineerrors.NotFoundError{Resource: "execution", ID: "idempotency_key=" + key}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution by idempotency key: %w", err)
	}
	return rec, nil
}

// UpdateStatus transitions an execution's status. The UPDATE is conditional
// on the current status being a legal source for the target, which enforces
// single-writer semantics: a second writer's update matches zero rows and
// returns a ConflictError.
func (s *Store) UpdateStatus(ctx context.Context, id string, to work.Status, result map[string]any, execErr *ExecError) error {
	sources := work.SourceStatuses(to)
	if len(sources) == 0 {
		return &spineerrors.ConflictError{Resource: "execution", ID: id,
			Reason: fmt.Sprintf("no legal transition into %s", to)}
	}

	now := timeNow()
	sets := []string{"status = " + s.d.Placeholder(1)}
	args := []any{string(to)}
	idx := 2

	if to == work.StatusRunning {
		sets = append(sets, fmt.Sprintf("started_at = COALESCE(started_at, %s)", s.d.Placeholder(idx)))
		args = append(args, timestamp(now))
		idx++
	}
	if to.Terminal() {
		// Cancelling a pending run skips running; stamp started_at too so
		// the timestamp invariants hold.
		sets = append(sets,
			fmt.Sprintf("started_at = COALESCE(started_at, %s)", s.d.Placeholder(idx)),
			fmt.Sprintf("completed_at = %s", s.d.Placeholder(idx+1)))
		args = append(args, timestamp(now), timestamp(now))
		idx += 2
	}
	if result != nil {
		data, err := marshalJSON(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		sets = append(sets, fmt.Sprintf("result = %s", s.d.Placeholder(idx)))
		args = append(args, data)
		idx++
	}
	if execErr != nil {
		sets = append(sets,
			fmt.Sprintf("error = %s", s.d.Placeholder(idx)),
			fmt.Sprintf("error_type = %s", s.d.Placeholder(idx+1)),
			fmt.Sprintf("error_category = %s", s.d.Placeholder(idx+2)))
		args = append(args, execErr.Message, nullString(execErr.Type), nullString(execErr.Category))
		idx += 3
	}

	conds := make([]string, len(sources))
	for i, src := range sources {
		conds[i] = s.d.Placeholder(idx)
		args = append(args, string(src))
		idx++
	}

	query := fmt.Sprintf("UPDATE core_executions SET %s WHERE status IN (%s) AND id = %s",
		strings.Join(sets, ", "), strings.Join(conds, ", "), s.d.Placeholder(idx))
	args = append(args, id)

	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return &spineerrors.ConflictError{Resource: "execution", ID: id,
			Reason: fmt.Sprintf("illegal transition to %s", to)}
	}
	return nil
}

// SetExternalRef records the executor's opaque reference for a run.
func (s *Store) SetExternalRef(ctx context.Context, id, ref string) error {
	query := fmt.Sprintf("UPDATE core_executions SET external_ref = %s WHERE id = %s",
		s.d.Placeholder(1), s.d.Placeholder(2))
	_, err := s.conn.ExecContext(ctx, query, ref, id)
	if err != nil {
		return fmt.Errorf("failed to set external ref: %w", err)
	}
	return nil
}

// ClaimPending atomically claims up to limit pending executions for a
// worker, transitioning them to running. Safe under concurrent pollers: the
// per-row conditional UPDATE means a row claimed by another worker is
// skipped, never double-executed.
func (s *Store) ClaimPending(ctx context.Context, workerID string, limit int) ([]*work.Record, error) {
	query := fmt.Sprintf(
		"SELECT id FROM core_executions WHERE status = %s ORDER BY created_at ASC LIMIT %d",
		s.d.Placeholder(1), limit)

	rows, err := s.conn.QueryContext(ctx, query, string(work.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to poll pending executions: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan pending id: %w", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending ids: %w", err)
	}

	claim := fmt.Sprintf(
		"UPDATE core_executions SET status = %s, claimed_by = %s, started_at = %s WHERE id = %s AND status = %s",
		s.d.Placeholder(1), s.d.Placeholder(2), s.d.Placeholder(3), s.d.Placeholder(4), s.d.Placeholder(5))

	var claimed []*work.Record
	for _, id := range candidates {
		res, err := s.conn.ExecContext(ctx, claim,
			string(work.StatusRunning), workerID, timestamp(timeNow()), id, string(work.StatusPending))
		if err != nil {
			return claimed, fmt.Errorf("failed to claim execution %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue // another worker won the race
		}
		rec, err := s.GetExecution(ctx, id)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, rec)
	}
	return claimed, nil
}

// ListExecutions lists executions matching the filter, newest first.
func (s *Store) ListExecutions(ctx context.Context, f Filter) ([]*work.Record, error) {
	query := fmt.Sprintf("SELECT %s FROM core_executions WHERE 1=1", executionColumns)
	var args []any
	idx := 1

	if f.Status != "" {
		query += fmt.Sprintf(" AND status = %s", s.d.Placeholder(idx))
		args = append(args, string(f.Status))
		idx++
	}
	if f.Kind != "" {
		query += fmt.Sprintf(" AND kind = %s", s.d.Placeholder(idx))
		args = append(args, string(f.Kind))
		idx++
	}
	if f.Name != "" {
		query += fmt.Sprintf(" AND workflow = %s", s.d.Placeholder(idx))
		args = append(args, f.Name)
		idx++
	}
	if f.ParentID != "" {
		query += fmt.Sprintf(" AND parent_execution_id = %s", s.d.Placeholder(idx))
		args = append(args, f.ParentID)
		idx++
	}

	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var records []*work.Record
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountExecutions returns the number of executions matching the filter,
// ignoring limit and offset.
func (s *Store) CountExecutions(ctx context.Context, f Filter) (int, error) {
	query := "SELECT COUNT(*) FROM core_executions WHERE 1=1"
	var args []any
	idx := 1

	if f.Status != "" {
		query += fmt.Sprintf(" AND status = %s", s.d.Placeholder(idx))
		args = append(args, string(f.Status))
		idx++
	}
	if f.Kind != "" {
		query += fmt.Sprintf(" AND kind = %s", s.d.Placeholder(idx))
		args = append(args, string(f.Kind))
		idx++
	}
	if f.Name != "" {
		query += fmt.Sprintf(" AND workflow = %s", s.d.Placeholder(idx))
		args = append(args, f.Name)
		idx++
	}
	if f.ParentID != "" {
		query += fmt.Sprintf(" AND parent_execution_id = %s", s.d.Placeholder(idx))
		args = append(args, f.ParentID)
	}

	var count int
	if err := s.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return count, nil
}

// GetChildren returns the sub-runs of a parent execution, oldest first.
func (s *Store) GetChildren(ctx context.Context, parentID string) ([]*work.Record, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM core_executions WHERE parent_execution_id = %s ORDER BY created_at ASC",
		executionColumns, s.d.Placeholder(1))

	rows, err := s.conn.QueryContext(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get children: %w", err)
	}
	defer rows.Close()

	var records []*work.Record
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RecordEvent appends a lifecycle event for an execution.
func (s *Store) RecordEvent(ctx context.Context, executionID string, eventType work.EventType, payload map[string]any) (string, error) {
	data, err := marshalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event payload: %w", err)
	}

	eventID := uuid.NewString()
	query := fmt.Sprintf(
		"INSERT INTO core_execution_events (id, execution_id, event_type, timestamp, data) VALUES (%s)",
		s.d.Placeholders(5))
	_, err = s.conn.ExecContext(ctx, query, eventID, executionID, string(eventType), timestamp(timeNow()), data)
	if err != nil {
		return "", fmt.Errorf("failed to record event: %w", err)
	}
	return eventID, nil
}

// GetEvents returns all events for an execution in emission order.
func (s *Store) GetEvents(ctx context.Context, executionID string) ([]work.Event, error) {
	query := fmt.Sprintf(
		"SELECT id, execution_id, event_type, timestamp, data FROM core_execution_events WHERE execution_id = %s ORDER BY timestamp ASC, id ASC",
		s.d.Placeholder(1))

	rows, err := s.conn.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var events []work.Event
	for rows.Next() {
		var ev work.Event
		var evType, ts string
		var data sql.NullString
		if err := rows.Scan(&ev.EventID, &ev.ExecutionID, &evType, &ts, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Type = work.EventType(evType)
		ev.Timestamp = parseTime(ts)
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &ev.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PurgeTerminalOlderThan deletes terminal executions (and their events)
// created more than the given number of days ago. Returns deleted rows.
func (s *Store) PurgeTerminalOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := timestamp(timeNow().AddDate(0, 0, -days))

	evq := fmt.Sprintf(`DELETE FROM core_execution_events WHERE execution_id IN (
		SELECT id FROM core_executions WHERE created_at < %s AND status IN (%s))`,
		s.d.Placeholder(1), s.terminalPlaceholders(2))
	args := append([]any{cutoff}, terminalArgs()...)
	if _, err := s.conn.ExecContext(ctx, evq, args...); err != nil {
		return 0, fmt.Errorf("failed to purge events: %w", err)
	}

	exq := fmt.Sprintf("DELETE FROM core_executions WHERE created_at < %s AND status IN (%s)",
		s.d.Placeholder(1), s.terminalPlaceholders(2))
	res, err := s.conn.ExecContext(ctx, exq, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge executions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PurgeEventsOlderThan deletes events recorded more than the given number of
// days ago regardless of run status. Event retention may be shorter than
// execution retention.
func (s *Store) PurgeEventsOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := timestamp(timeNow().AddDate(0, 0, -days))
	query := fmt.Sprintf("DELETE FROM core_execution_events WHERE timestamp < %s", s.d.Placeholder(1))
	res, err := s.conn.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) terminalPlaceholders(start int) string {
	parts := make([]string, 4)
	for i := range parts {
		parts[i] = s.d.Placeholder(start + i)
	}
	return strings.Join(parts, ", ")
}

func terminalArgs() []any {
	return []any{
		string(work.StatusCompleted), string(work.StatusFailed),
		string(work.StatusCancelled), string(work.StatusTimedOut),
	}
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanExecution maps a core_executions row to a work.Record.
func scanExecution(row rowScanner) (*work.Record, error) {
	var rec work.Record
	var kind, workflowName, status string
	var params, metadata, lane, triggerSource, parentID, retryOf sql.NullString
	var externalRef, claimedBy, startedAt, completedAt sql.NullString
	var result, errMsg, errType, errCategory, idemKey sql.NullString
	var createdAt string

	err := row.Scan(
		&rec.RunID, &kind, &workflowName, &params, &metadata, &status, &lane, &triggerSource,
		&parentID, &retryOf, &rec.Attempt, &externalRef, &claimedBy,
		&createdAt, &startedAt, &completedAt,
		&result, &errMsg, &errType, &errCategory, &idemKey,
	)
	if err != nil {
		return nil, err
	}

	rec.Spec = work.Spec{
		Kind: work.Kind(kind),
		Name: workflowName,
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &rec.Spec.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &rec.Spec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if triggerSource.Valid {
		rec.Spec.TriggerSource = work.TriggerSource(triggerSource.String)
	}
	if idemKey.Valid {
		rec.Spec.IdempotencyKey = idemKey.String
	}
	if parentID.Valid {
		rec.ParentRunID = parentID.String
		rec.Spec.ParentRunID = parentID.String
	}
	if retryOf.Valid {
		rec.RetryOfRunID = retryOf.String
	}
	if externalRef.Valid {
		rec.ExternalRef = externalRef.String
	}

	rec.Status = work.Status(status)
	rec.CreatedAt = parseTime(createdAt)
	if startedAt.Valid {
		t := parseTime(startedAt.String)
		rec.StartedAt = &t
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		rec.CompletedAt = &t
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &rec.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	if errMsg.Valid {
		rec.Error = errMsg.String
	}
	if errType.Valid {
		rec.ErrorType = errType.String
	}
	if errCategory.Valid {
		rec.ErrorCategory = errCategory.String
	}

	return &rec, nil
}

// marshalJSON serializes a map for storage; nil maps store as NULL.
func marshalJSON(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
