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
	"fmt"
)

// migration is a numbered DDL unit. Migrations apply in ascending order;
// applied numbers are recorded in _migrations and never re-run.
type migration struct {
	number int
	name   string
	ddl    []string
}

// Timestamps are ISO-8601 UTC strings; JSON columns accept any serialized
// map. TEXT storage keeps the DDL portable across backends.
var migrations = []migration{
	{
		number: 1,
		name:   "core_executions",
		ddl: []string{
			`CREATE TABLE IF NOT EXISTS core_executions (
				id TEXT PRIMARY KEY,
				kind TEXT NOT NULL,
				workflow TEXT NOT NULL,
				params TEXT,
				metadata TEXT,
				status TEXT NOT NULL,
				lane TEXT,
				trigger_source TEXT,
				parent_execution_id TEXT,
				retry_of_execution_id TEXT,
				attempt INTEGER NOT NULL DEFAULT 1,
				external_ref TEXT,
				claimed_by TEXT,
				created_at TEXT NOT NULL,
				started_at TEXT,
				completed_at TEXT,
				result TEXT,
				error TEXT,
				error_type TEXT,
				error_category TEXT,
				idempotency_key TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_executions_status_created ON core_executions(status, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_executions_idempotency ON core_executions(idempotency_key)`,
			`CREATE INDEX IF NOT EXISTS idx_executions_parent ON core_executions(parent_execution_id)`,
		},
	},
	{
		number: 2,
		name:   "core_execution_events",
		ddl: []string{
			`CREATE TABLE IF NOT EXISTS core_execution_events (
				id TEXT PRIMARY KEY,
				execution_id TEXT NOT NULL,
				event_type TEXT NOT NULL,
				timestamp TEXT NOT NULL,
				data TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_events_execution ON core_execution_events(execution_id)`,
		},
	},
	{
		number: 3,
		name:   "core_schedules",
		ddl: []string{
			`CREATE TABLE IF NOT EXISTS core_schedules (
				schedule_id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				target_type TEXT NOT NULL,
				target_name TEXT NOT NULL,
				schedule_type TEXT NOT NULL,
				cron_expression TEXT,
				interval_seconds INTEGER,
				enabled INTEGER NOT NULL DEFAULT 1,
				next_run_at TEXT,
				last_run_at TEXT,
				params TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_schedules_due ON core_schedules(enabled, next_run_at)`,
		},
	},
	{
		number: 4,
		name:   "core_locks",
		ddl: []string{
			`CREATE TABLE IF NOT EXISTS core_schedule_locks (
				schedule_id TEXT PRIMARY KEY,
				locked_by TEXT NOT NULL,
				locked_at TEXT NOT NULL,
				expires_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS core_concurrency_locks (
				lock_key TEXT PRIMARY KEY,
				execution_id TEXT NOT NULL,
				acquired_at TEXT NOT NULL,
				expires_at TEXT NOT NULL
			)`,
		},
	},
	{
		number: 5,
		name:   "core_dead_letters",
		ddl: []string{
			`CREATE TABLE IF NOT EXISTS core_dead_letters (
				id TEXT PRIMARY KEY,
				execution_id TEXT,
				workflow TEXT NOT NULL,
				params TEXT,
				error TEXT,
				retry_count INTEGER NOT NULL DEFAULT 0,
				max_retries INTEGER NOT NULL DEFAULT 3,
				created_at TEXT NOT NULL,
				last_retry_at TEXT,
				resolved_at TEXT,
				resolved_by TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_dead_letters_resolved ON core_dead_letters(resolved_at, created_at)`,
		},
	},
	{
		number: 6,
		name:   "core_manifest",
		ddl: []string{
			`CREATE TABLE IF NOT EXISTS core_manifest (
				domain TEXT NOT NULL,
				partition_key TEXT NOT NULL,
				stage TEXT NOT NULL,
				recorded_at TEXT NOT NULL,
				PRIMARY KEY (domain, partition_key, stage)
			)`,
		},
	},
	{
		number: 7,
		name:   "core_rejects",
		ddl: []string{
			`CREATE TABLE IF NOT EXISTS core_rejects (
				domain TEXT NOT NULL,
				partition_key TEXT,
				stage TEXT,
				reason_code TEXT NOT NULL,
				reason_detail TEXT,
				raw_json TEXT,
				record_key TEXT,
				source_locator TEXT,
				line_number INTEGER,
				execution_id TEXT,
				batch_id TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_rejects_domain ON core_rejects(domain, created_at)`,
		},
	},
}

// Migrate applies pending migrations in ascending order. Applied numbers
// are recorded in the _migrations table.
func Migrate(ctx context.Context, db *DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS _migrations (
		number INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create _migrations table: %w", err)
	}

	for _, m := range migrations {
		var applied int
		q := fmt.Sprintf("SELECT COUNT(*) FROM _migrations WHERE number = %s", db.Dialect.Placeholder(1))
		if err := db.QueryRowContext(ctx, q, m.number).Scan(&applied); err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to check migration %d: %w", m.number, err)
		}
		if applied > 0 {
			continue
		}

		for _, ddl := range m.ddl {
			if _, err := db.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("migration %d (%s) failed: %w", m.number, m.name, err)
			}
		}

		ins := fmt.Sprintf("INSERT INTO _migrations (number, name, applied_at) VALUES (%s)", db.Dialect.Placeholders(3))
		if _, err := db.ExecContext(ctx, ins, m.number, m.name, timestamp(timeNow())); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.number, err)
		}
	}

	return nil
}
