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
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spinehq/spine/internal/dialect"
)

// ManifestRepository records which stages have completed for a
// (domain, partition) pair. Recording is idempotent, so a resumed run can
// replay its stage markers without error.
type ManifestRepository struct {
	conn Conn
	d    dialect.Dialect
}

// NewManifestRepository creates a ManifestRepository.
func NewManifestRepository(db *DB) *ManifestRepository {
	return &ManifestRepository{conn: db, d: db.Dialect}
}

// PartitionKey renders a partition map as a canonical string: keys sorted,
// values JSON-encoded. Equal maps always produce equal keys.
func PartitionKey(partition map[string]any) string {
	if len(partition) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(partition))
	for k := range partition {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kj, _ := json.Marshal(k)
		vj, _ := json.Marshal(partition[k])
		b.Write(kj)
		b.WriteByte(':')
		b.Write(vj)
	}
	b.WriteByte('}')
	return b.String()
}

// RecordStage marks a stage complete for the partition. Re-recording an
// existing stage is a no-op.
func (r *ManifestRepository) RecordStage(ctx context.Context, domain string, partition map[string]any, stage string) error {
	query := r.d.InsertOrIgnore("core_manifest",
		[]string{"domain", "partition_key", "stage", "recorded_at"},
		[]string{"domain", "partition_key", "stage"})
	_, err := r.conn.ExecContext(ctx, query,
		domain, PartitionKey(partition), stage, timestamp(timeNow()))
	if err != nil {
		return fmt.Errorf("failed to record stage: %w", err)
	}
	return nil
}

// HasStage reports whether a stage was recorded for the partition.
func (r *ManifestRepository) HasStage(ctx context.Context, domain string, partition map[string]any, stage string) (bool, error) {
	query := fmt.Sprintf(
		"SELECT COUNT(*) FROM core_manifest WHERE domain = %s AND partition_key = %s AND stage = %s",
		r.d.Placeholder(1), r.d.Placeholder(2), r.d.Placeholder(3))
	var count int
	err := r.conn.QueryRowContext(ctx, query, domain, PartitionKey(partition), stage).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check stage: %w", err)
	}
	return count > 0, nil
}

// Stages returns all recorded stages for the partition in recording order.
func (r *ManifestRepository) Stages(ctx context.Context, domain string, partition map[string]any) ([]string, error) {
	query := fmt.Sprintf(
		"SELECT stage FROM core_manifest WHERE domain = %s AND partition_key = %s ORDER BY recorded_at ASC, stage ASC",
		r.d.Placeholder(1), r.d.Placeholder(2))
	rows, err := r.conn.QueryContext(ctx, query, domain, PartitionKey(partition))
	if err != nil {
		return nil, fmt.Errorf("failed to query stages: %w", err)
	}
	defer rows.Close()

	var stages []string
	for rows.Next() {
		var stage string
		if err := rows.Scan(&stage); err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}
		stages = append(stages, stage)
	}
	return stages, rows.Err()
}

// ClearPartition removes every stage marker for the partition, forcing the
// next tracked run to start over.
func (r *ManifestRepository) ClearPartition(ctx context.Context, domain string, partition map[string]any) (int64, error) {
	query := fmt.Sprintf("DELETE FROM core_manifest WHERE domain = %s AND partition_key = %s",
		r.d.Placeholder(1), r.d.Placeholder(2))
	res, err := r.conn.ExecContext(ctx, query, domain, PartitionKey(partition))
	if err != nil {
		return 0, fmt.Errorf("failed to clear partition: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
