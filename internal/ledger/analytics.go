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
	"github.com/spinehq/spine/pkg/work"
)

// Stats aggregates execution counts over a window.
type Stats struct {
	WindowHours int            `json:"window_hours"`
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
}

// ExecutionRepository answers analytical queries over the execution table.
type ExecutionRepository struct {
	conn Conn
	d    dialect.Dialect
}

// NewExecutionRepository creates an ExecutionRepository.
func NewExecutionRepository(db *DB) *ExecutionRepository {
	return &ExecutionRepository{conn: db, d: db.Dialect}
}

// Stats returns execution counts by status for the trailing window.
func (r *ExecutionRepository) Stats(ctx context.Context, hours int) (*Stats, error) {
	cutoff := timestamp(timeNow().Add(-time.Duration(hours) * time.Hour))
	query := fmt.Sprintf(
		"SELECT status, COUNT(*) FROM core_executions WHERE created_at >= %s GROUP BY status",
		r.d.Placeholder(1))

	rows, err := r.conn.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{WindowHours: hours, ByStatus: map[string]int{}}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	return stats, rows.Err()
}

// StaleExecutions returns runs stuck in running longer than the threshold.
func (r *ExecutionRepository) StaleExecutions(ctx context.Context, threshold time.Duration) ([]*work.Record, error) {
	cutoff := timestamp(timeNow().Add(-threshold))
	query := fmt.Sprintf(
		"SELECT %s FROM core_executions WHERE status = %s AND started_at < %s ORDER BY started_at ASC",
		executionColumns, r.d.Placeholder(1), r.d.Placeholder(2))

	rows, err := r.conn.QueryContext(ctx, query, string(work.StatusRunning), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale executions: %w", err)
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

// RecentFailures returns the most recent failed runs within the window.
func (r *ExecutionRepository) RecentFailures(ctx context.Context, hours, limit int) ([]*work.Record, error) {
	cutoff := timestamp(timeNow().Add(-time.Duration(hours) * time.Hour))
	query := fmt.Sprintf(
		"SELECT %s FROM core_executions WHERE status = %s AND created_at >= %s ORDER BY created_at DESC LIMIT %d",
		executionColumns, r.d.Placeholder(1), r.d.Placeholder(2), limit)

	rows, err := r.conn.QueryContext(ctx, query, string(work.StatusFailed), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent failures: %w", err)
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
