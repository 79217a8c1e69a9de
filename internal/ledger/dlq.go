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

// DeadLetter is a failed unit of work parked for later replay.
type DeadLetter struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Workflow    string         `json:"workflow"`
	Params      map[string]any `json:"params,omitempty"`
	Error       string         `json:"error,omitempty"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	CreatedAt   time.Time      `json:"created_at"`
	LastRetryAt *time.Time     `json:"last_retry_at,omitempty"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy  string         `json:"resolved_by,omitempty"`
}

// Resolved reports whether the entry has been closed out.
func (d *DeadLetter) Resolved() bool { return d.ResolvedAt != nil }

const deadLetterColumns = `id, execution_id, workflow, params, error,
	retry_count, max_retries, created_at, last_retry_at, resolved_at, resolved_by`

// DeadLetterRepository persists dead letters.
type DeadLetterRepository struct {
	conn Conn
	d    dialect.Dialect
}

// NewDeadLetterRepository creates a DeadLetterRepository.
func NewDeadLetterRepository(db *DB) *DeadLetterRepository {
	return &DeadLetterRepository{conn: db, d: db.Dialect}
}

// Add parks a failed unit of work. Returns the entry id.
func (r *DeadLetterRepository) Add(ctx context.Context, executionID, workflow string, params map[string]any, cause string, maxRetries int) (string, error) {
	id := uuid.NewString()
	paramsJSON, err := marshalJSON(params)
	if err != nil {
		return "", fmt.Errorf("failed to marshal dead letter params: %w", err)
	}

	query := fmt.Sprintf(
		"INSERT INTO core_dead_letters (id, execution_id, workflow, params, error, retry_count, max_retries, created_at) VALUES (%s)",
		r.d.Placeholders(8))
	_, err = r.conn.ExecContext(ctx, query,
		id, nullString(executionID), workflow, paramsJSON, nullString(cause), 0, maxRetries, timestamp(timeNow()))
	if err != nil {
		return "", fmt.Errorf("failed to add dead letter: %w", err)
	}
	return id, nil
}

// Get fetches an entry by id.
func (r *DeadLetterRepository) Get(ctx context.Context, id string) (*DeadLetter, error) {
	query := fmt.Sprintf("SELECT %s FROM core_dead_letters WHERE id = %s",
		deadLetterColumns, r.d.Placeholder(1))
	dl, err := scanDeadLetter(r.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &spineerrors.NotFoundError{Resource: "dead_letter", ID: id}
	}
	return dl, err
}

// CanRetry reports whether the entry is unresolved and under its retry budget.
func (r *DeadLetterRepository) CanRetry(ctx context.Context, id string) (bool, error) {
	dl, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return !dl.Resolved() && dl.RetryCount < dl.MaxRetries, nil
}

// MarkRetryAttempted increments the retry counter and stamps the attempt.
func (r *DeadLetterRepository) MarkRetryAttempted(ctx context.Context, id string) error {
	query := fmt.Sprintf(
		"UPDATE core_dead_letters SET retry_count = retry_count + 1, last_retry_at = %s WHERE id = %s AND resolved_at IS NULL",
		r.d.Placeholder(1), r.d.Placeholder(2))
	res, err := r.conn.ExecContext(ctx, query, timestamp(timeNow()), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &spineerrors.ConflictError{Resource: "dead_letter", ID: id, Reason: "entry is resolved or missing"}
	}
	return nil
}

// Resolve closes an entry. Resolving twice is a conflict.
func (r *DeadLetterRepository) Resolve(ctx context.Context, id, resolvedBy string) error {
	query := fmt.Sprintf(
		"UPDATE core_dead_letters SET resolved_at = %s, resolved_by = %s WHERE id = %s AND resolved_at IS NULL",
		r.d.Placeholder(1), r.d.Placeholder(2), r.d.Placeholder(3))
	res, err := r.conn.ExecContext(ctx, query, timestamp(timeNow()), resolvedBy, id)
	if err != nil {
		return fmt.Errorf("failed to resolve dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &spineerrors.ConflictError{Resource: "dead_letter", ID: id, Reason: "entry is already resolved or missing"}
	}
	return nil
}

// List returns entries, optionally including resolved ones, newest first.
func (r *DeadLetterRepository) List(ctx context.Context, includeResolved bool, limit int) ([]*DeadLetter, error) {
	query := fmt.Sprintf("SELECT %s FROM core_dead_letters", deadLetterColumns)
	if !includeResolved {
		query += " WHERE resolved_at IS NULL"
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := r.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []*DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, dl)
	}
	return entries, rows.Err()
}

// PurgeResolvedOlderThan removes resolved entries past the retention window.
func (r *DeadLetterRepository) PurgeResolvedOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := timestamp(timeNow().AddDate(0, 0, -days))
	query := fmt.Sprintf(
		"DELETE FROM core_dead_letters WHERE resolved_at IS NOT NULL AND resolved_at < %s",
		r.d.Placeholder(1))
	res, err := r.conn.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead letters: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanDeadLetter(row rowScanner) (*DeadLetter, error) {
	var dl DeadLetter
	var executionID, params, cause, lastRetry, resolvedAt, resolvedBy sql.NullString
	var createdAt string

	err := row.Scan(&dl.ID, &executionID, &dl.Workflow, &params, &cause,
		&dl.RetryCount, &dl.MaxRetries, &createdAt, &lastRetry, &resolvedAt, &resolvedBy)
	if err != nil {
		return nil, err
	}

	dl.ExecutionID = executionID.String
	dl.Error = cause.String
	dl.ResolvedBy = resolvedBy.String
	dl.CreatedAt = parseTime(createdAt)
	if lastRetry.Valid {
		t := parseTime(lastRetry.String)
		dl.LastRetryAt = &t
	}
	if resolvedAt.Valid {
		t := parseTime(resolvedAt.String)
		dl.ResolvedAt = &t
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &dl.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter params: %w", err)
		}
	}
	return &dl, nil
}
