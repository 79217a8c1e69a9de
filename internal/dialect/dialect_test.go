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

package dialect

import (
	"strings"
	"testing"
)

func TestGet(t *testing.T) {
	for _, name := range []string{"sqlite", "postgres", "mysql", "db2", "oracle"} {
		d, err := Get(name)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", name, err)
		}
		if d.Name() != name {
			t.Errorf("Name() = %s, want %s", d.Name(), name)
		}
	}
	if d, err := Get("PostgreS"); err != nil || d.Name() != "postgres" {
		t.Errorf("lookup should be case-insensitive, got %v, %v", d, err)
	}
	if _, err := Get("cockroach"); err == nil {
		t.Error("unknown dialect should fail")
	}
}

func TestPlaceholders(t *testing.T) {
	tests := []struct {
		dialect string
		single  string
		triple  string
	}{
		{"sqlite", "?", "?, ?, ?"},
		{"mysql", "?", "?, ?, ?"},
		{"db2", "?", "?, ?, ?"},
		{"postgres", "$2", "$1, $2, $3"},
		{"oracle", ":2", ":1, :2, :3"},
	}
	for _, tt := range tests {
		t.Run(tt.dialect, func(t *testing.T) {
			d, _ := Get(tt.dialect)
			if got := d.Placeholder(2); got != tt.single {
				t.Errorf("Placeholder(2) = %q, want %q", got, tt.single)
			}
			if got := d.Placeholders(3); got != tt.triple {
				t.Errorf("Placeholders(3) = %q, want %q", got, tt.triple)
			}
		})
	}

	d, _ := Get("sqlite")
	if got := d.Placeholders(0); got != "" {
		t.Errorf("Placeholders(0) = %q", got)
	}
}

func TestInterval(t *testing.T) {
	tests := []struct {
		dialect string
		want    string
	}{
		{"sqlite", "'+30 seconds'"},
		{"postgres", "INTERVAL '30 seconds'"},
		{"mysql", "INTERVAL 30 SECOND"},
		{"oracle", "INTERVAL '30' SECOND"},
		{"db2", "30 SECONDS"},
	}
	for _, tt := range tests {
		t.Run(tt.dialect, func(t *testing.T) {
			d, _ := Get(tt.dialect)
			if got := d.Interval(30, Seconds); got != tt.want {
				t.Errorf("Interval = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUpsert(t *testing.T) {
	cols := []string{"lock_id", "holder", "expires_at"}
	keys := []string{"lock_id"}

	t.Run("sqlite", func(t *testing.T) {
		d, _ := Get("sqlite")
		got := d.Upsert("schedule_locks", cols, keys)
		want := "INSERT INTO schedule_locks (lock_id, holder, expires_at) VALUES (?, ?, ?) " +
			"ON CONFLICT (lock_id) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at"
		if got != want {
			t.Errorf("Upsert =\n%q\nwant\n%q", got, want)
		}
	})

	t.Run("postgres uses numbered placeholders", func(t *testing.T) {
		d, _ := Get("postgres")
		got := d.Upsert("schedule_locks", cols, keys)
		if !strings.Contains(got, "VALUES ($1, $2, $3)") || !strings.Contains(got, "ON CONFLICT (lock_id)") {
			t.Errorf("Upsert = %q", got)
		}
	})

	t.Run("mysql uses on duplicate key", func(t *testing.T) {
		d, _ := Get("mysql")
		got := d.Upsert("schedule_locks", cols, keys)
		if !strings.Contains(got, "ON DUPLICATE KEY UPDATE holder = VALUES(holder)") {
			t.Errorf("Upsert = %q", got)
		}
	})

	t.Run("db2 merges via sysdummy1", func(t *testing.T) {
		d, _ := Get("db2")
		got := d.Upsert("schedule_locks", cols, keys)
		for _, frag := range []string{
			"MERGE INTO schedule_locks dst",
			"FROM SYSIBM.SYSDUMMY1",
			"dst.lock_id = src.lock_id",
			"WHEN MATCHED THEN UPDATE SET dst.holder = src.holder",
			"WHEN NOT MATCHED THEN INSERT (lock_id, holder, expires_at) VALUES (src.lock_id, src.holder, src.expires_at)",
		} {
			if !strings.Contains(got, frag) {
				t.Errorf("Upsert missing %q:\n%s", frag, got)
			}
		}
	})

	t.Run("oracle merges via dual", func(t *testing.T) {
		d, _ := Get("oracle")
		got := d.Upsert("schedule_locks", cols, keys)
		if !strings.Contains(got, "FROM dual") || !strings.Contains(got, ":1 AS lock_id") {
			t.Errorf("Upsert = %q", got)
		}
	})
}

func TestInsertOrIgnore(t *testing.T) {
	cols := []string{"run_id", "status"}
	keys := []string{"run_id"}

	tests := []struct {
		dialect string
		frag    string
	}{
		{"sqlite", "INSERT OR IGNORE INTO runs (run_id, status) VALUES (?, ?)"},
		{"postgres", "ON CONFLICT (run_id) DO NOTHING"},
		{"mysql", "INSERT IGNORE INTO runs"},
		{"db2", "WHEN NOT MATCHED THEN INSERT"},
		{"oracle", "WHEN NOT MATCHED THEN INSERT"},
	}
	for _, tt := range tests {
		t.Run(tt.dialect, func(t *testing.T) {
			d, _ := Get(tt.dialect)
			got := d.InsertOrIgnore("runs", cols, keys)
			if !strings.Contains(got, tt.frag) {
				t.Errorf("InsertOrIgnore = %q, missing %q", got, tt.frag)
			}
		})
	}

	// Insert-or-ignore merges must not carry an update branch.
	for _, name := range []string{"db2", "oracle"} {
		d, _ := Get(name)
		if got := d.InsertOrIgnore("runs", cols, keys); strings.Contains(got, "WHEN MATCHED") {
			t.Errorf("%s InsertOrIgnore should not update: %q", name, got)
		}
	}
}

func TestInsertOrIgnoreCompositeKey(t *testing.T) {
	// A composite unique key must appear in full in the conflict target, or
	// the merge matches unrelated rows and silently drops inserts.
	cols := []string{"domain", "partition_key", "stage", "recorded_at"}
	keys := []string{"domain", "partition_key", "stage"}

	for _, name := range []string{"db2", "oracle"} {
		t.Run(name, func(t *testing.T) {
			d, _ := Get(name)
			got := d.InsertOrIgnore("core_manifest", cols, keys)
			for _, frag := range []string{
				"dst.domain = src.domain",
				"dst.partition_key = src.partition_key",
				"dst.stage = src.stage",
			} {
				if !strings.Contains(got, frag) {
					t.Errorf("match clause missing %q:\n%s", frag, got)
				}
			}
			if strings.Contains(got, "dst.recorded_at = src.recorded_at") {
				t.Errorf("non-key column leaked into the match clause:\n%s", got)
			}
		})
	}

	t.Run("postgres", func(t *testing.T) {
		d, _ := Get("postgres")
		got := d.InsertOrIgnore("core_manifest", cols, keys)
		if !strings.Contains(got, "ON CONFLICT (domain, partition_key, stage) DO NOTHING") {
			t.Errorf("conflict target incomplete:\n%s", got)
		}
	})
}
