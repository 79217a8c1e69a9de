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
	"fmt"
	"strings"
)

// DB2 and Oracle have no ON CONFLICT clause; both express upserts as a
// single-statement MERGE against a one-row dummy table.

type db2Dialect struct{}

func (d *db2Dialect) Name() string { return "db2" }

func (d *db2Dialect) Placeholder(i int) string { return "?" }

func (d *db2Dialect) Placeholders(n int) string { return questionPlaceholders(n) }

func (d *db2Dialect) Now() string { return "CURRENT TIMESTAMP" }

func (d *db2Dialect) Interval(n int, unit Unit) string {
	return fmt.Sprintf("%d %s", n, strings.ToUpper(string(unit)))
}

func (d *db2Dialect) InsertOrIgnore(table string, cols, keyCols []string) string {
	return mergeStatement(d, table, cols, keyCols, false)
}

func (d *db2Dialect) Upsert(table string, cols, keyCols []string) string {
	return mergeStatement(d, table, cols, keyCols, true)
}

type oracleDialect struct{}

func (d *oracleDialect) Name() string { return "oracle" }

func (d *oracleDialect) Placeholder(i int) string { return fmt.Sprintf(":%d", i) }

func (d *oracleDialect) Placeholders(n int) string { return numberedPlaceholders(":", n) }

func (d *oracleDialect) Now() string { return "SYSTIMESTAMP" }

func (d *oracleDialect) Interval(n int, unit Unit) string {
	u := strings.ToUpper(strings.TrimSuffix(string(unit), "s"))
	return fmt.Sprintf("INTERVAL '%d' %s", n, u)
}

func (d *oracleDialect) InsertOrIgnore(table string, cols, keyCols []string) string {
	return mergeStatement(d, table, cols, keyCols, false)
}

func (d *oracleDialect) Upsert(table string, cols, keyCols []string) string {
	return mergeStatement(d, table, cols, keyCols, true)
}

// mergeStatement builds a single-statement MERGE upsert for dialects without
// ON CONFLICT support. With update=false the match branch is omitted and the
// statement behaves as insert-or-ignore.
func mergeStatement(d Dialect, table string, cols, keyCols []string, update bool) string {
	srcCols := make([]string, len(cols))
	onConds := make([]string, len(keyCols))
	insertVals := make([]string, len(cols))

	for i, c := range cols {
		srcCols[i] = fmt.Sprintf("%s AS %s", d.Placeholder(i+1), c)
		insertVals[i] = "src." + c
	}
	for i, k := range keyCols {
		onConds[i] = fmt.Sprintf("dst.%s = src.%s", k, k)
	}

	dummy := "SYSIBM.SYSDUMMY1"
	if d.Name() == "oracle" {
		dummy = "dual"
	}
	stmt := fmt.Sprintf("MERGE INTO %s dst USING (SELECT %s FROM %s) src ON (%s)",
		table, strings.Join(srcCols, ", "), dummy, strings.Join(onConds, " AND "))

	if update {
		updates := make([]string, 0, len(cols))
		for _, c := range nonKeyCols(cols, keyCols) {
			updates = append(updates, fmt.Sprintf("dst.%s = src.%s", c, c))
		}
		if len(updates) > 0 {
			stmt += " WHEN MATCHED THEN UPDATE SET " + strings.Join(updates, ", ")
		}
	}

	stmt += fmt.Sprintf(" WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)",
		strings.Join(cols, ", "), strings.Join(insertVals, ", "))
	return stmt
}
