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

// Package dialect generates backend-specific SQL so that the ledger stays
// portable across SQLite, PostgreSQL, MySQL, DB2 and Oracle. Repositories
// accept a Dialect and never hard-code placeholder or upsert syntax.
package dialect

import (
	"fmt"
	"strings"
)

// Unit is a time unit accepted by Interval.
type Unit string

const (
	Seconds Unit = "seconds"
	Minutes Unit = "minutes"
	Hours   Unit = "hours"
	Days    Unit = "days"
)

// Dialect generates backend-specific SQL fragments.
type Dialect interface {
	// Name returns the dialect identifier ("sqlite", "postgres", ...).
	Name() string

	// Placeholder returns the parameter placeholder for 1-based position i.
	Placeholder(i int) string

	// Placeholders returns n comma-separated placeholders starting at
	// position 1.
	Placeholders(n int) string

	// Now returns the expression for the current UTC timestamp.
	Now() string

	// Interval returns an interval expression for n units, usable in
	// timestamp arithmetic appropriate to the backend.
	Interval(n int, unit Unit) string

	// InsertOrIgnore returns a single-statement insert that is a no-op when
	// a row with the same keyCols already exists. keyCols must cover the
	// table's full unique key; dialects whose conflict target is implicit
	// (SQLite, MySQL) may ignore it.
	InsertOrIgnore(table string, cols, keyCols []string) string

	// Upsert returns a single-statement insert-or-update keyed on keyCols.
	Upsert(table string, cols, keyCols []string) string
}

var registry = map[string]Dialect{
	"sqlite":   &sqliteDialect{},
	"postgres": &postgresDialect{},
	"mysql":    &mysqlDialect{},
	"db2":      &db2Dialect{},
	"oracle":   &oracleDialect{},
}

// Get returns the singleton dialect for the given name.
func Get(name string) (Dialect, error) {
	d, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown dialect: %q", name)
	}
	return d, nil
}

// questionPlaceholders renders "?, ?, ..." for dialects using positional ?.
func questionPlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// numberedPlaceholders renders "$1, $2, ..." or ":1, :2, ...".
func numberedPlaceholders(prefix string, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("%s%d", prefix, i+1)
	}
	return strings.Join(parts, ", ")
}

func nonKeyCols(cols, keyCols []string) []string {
	keys := make(map[string]bool, len(keyCols))
	for _, k := range keyCols {
		keys[k] = true
	}
	var out []string
	for _, c := range cols {
		if !keys[c] {
			out = append(out, c)
		}
	}
	return out
}
