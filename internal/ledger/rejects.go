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
	"time"

	"github.com/spinehq/spine/internal/dialect"
)

// Reject is a record that failed validation during processing. The table is
// append-only: rejects are never updated or replayed in place.
type Reject struct {
	Domain        string    `json:"domain"`
	PartitionKey  string    `json:"partition_key,omitempty"`
	Stage         string    `json:"stage,omitempty"`
	ReasonCode    string    `json:"reason_code"`
	ReasonDetail  string    `json:"reason_detail,omitempty"`
	RawJSON       string    `json:"raw_json,omitempty"`
	RecordKey     string    `json:"record_key,omitempty"`
	SourceLocator string    `json:"source_locator,omitempty"`
	LineNumber    int       `json:"line_number,omitempty"`
	ExecutionID   string    `json:"execution_id,omitempty"`
	BatchID       string    `json:"batch_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// RejectRepository appends and reads reject rows.
type RejectRepository struct {
	conn Conn
	d    dialect.Dialect
}

// NewRejectRepository creates a RejectRepository.
func NewRejectRepository(db *DB) *RejectRepository {
	return &RejectRepository{conn: db, d: db.Dialect}
}

// Record appends a reject.
func (r *RejectRepository) Record(ctx context.Context, rej *Reject) error {
	if rej.Domain == "" || rej.ReasonCode == "" {
		return fmt.Errorf("reject requires domain and reason_code")
	}
	if rej.CreatedAt.IsZero() {
		rej.CreatedAt = timeNow()
	}

	query := fmt.Sprintf(
		"INSERT INTO core_rejects (domain, partition_key, stage, reason_code, reason_detail, raw_json, record_key, source_locator, line_number, execution_id, batch_id, created_at) VALUES (%s)",
		r.d.Placeholders(12))
	_, err := r.conn.ExecContext(ctx, query,
		rej.Domain, nullString(rej.PartitionKey), nullString(rej.Stage),
		rej.ReasonCode, nullString(rej.ReasonDetail), nullString(rej.RawJSON),
		nullString(rej.RecordKey), nullString(rej.SourceLocator), rej.LineNumber,
		nullString(rej.ExecutionID), nullString(rej.BatchID), timestamp(rej.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record reject: %w", err)
	}
	return nil
}

// List returns rejects for a domain, newest first.
func (r *RejectRepository) List(ctx context.Context, domain string, limit int) ([]*Reject, error) {
	query := fmt.Sprintf(
		"SELECT domain, partition_key, stage, reason_code, reason_detail, raw_json, record_key, source_locator, line_number, execution_id, batch_id, created_at FROM core_rejects WHERE domain = %s ORDER BY created_at DESC",
		r.d.Placeholder(1))
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := r.conn.QueryContext(ctx, query, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to list rejects: %w", err)
	}
	defer rows.Close()

	var rejects []*Reject
	for rows.Next() {
		rej, err := scanReject(rows)
		if err != nil {
			return nil, err
		}
		rejects = append(rejects, rej)
	}
	return rejects, rows.Err()
}

// CountByReason returns reject counts grouped by reason code for a domain.
func (r *RejectRepository) CountByReason(ctx context.Context, domain string) (map[string]int, error) {
	query := fmt.Sprintf(
		"SELECT reason_code, COUNT(*) FROM core_rejects WHERE domain = %s GROUP BY reason_code",
		r.d.Placeholder(1))
	rows, err := r.conn.QueryContext(ctx, query, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to count rejects: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var code string
		var count int
		if err := rows.Scan(&code, &count); err != nil {
			return nil, fmt.Errorf("failed to scan reject count: %w", err)
		}
		counts[code] = count
	}
	return counts, rows.Err()
}

func scanReject(row rowScanner) (*Reject, error) {
	var rej Reject
	var partitionKey, stage, detail, rawJSON, recordKey, locator, executionID, batchID sql.NullString
	var lineNumber sql.NullInt64
	var createdAt string

	err := row.Scan(&rej.Domain, &partitionKey, &stage, &rej.ReasonCode, &detail,
		&rawJSON, &recordKey, &locator, &lineNumber, &executionID, &batchID, &createdAt)
	if err != nil {
		return nil, err
	}

	rej.PartitionKey = partitionKey.String
	rej.Stage = stage.String
	rej.ReasonDetail = detail.String
	rej.RawJSON = rawJSON.String
	rej.RecordKey = recordKey.String
	rej.SourceLocator = locator.String
	rej.LineNumber = int(lineNumber.Int64)
	rej.ExecutionID = executionID.String
	rej.BatchID = batchID.String
	rej.CreatedAt = parseTime(createdAt)
	return &rej, nil
}
