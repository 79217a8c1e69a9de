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

type mysqlDialect struct{}

func (d *mysqlDialect) Name() string { return "mysql" }

func (d *mysqlDialect) Placeholder(i int) string { return "?" }

func (d *mysqlDialect) Placeholders(n int) string { return questionPlaceholders(n) }

func (d *mysqlDialect) Now() string { return "UTC_TIMESTAMP()" }

func (d *mysqlDialect) Interval(n int, unit Unit) string {
	// MySQL interval units are singular and upper-case.
	u := strings.ToUpper(strings.TrimSuffix(string(unit), "s"))
	return fmt.Sprintf("INTERVAL %d %s", n, u)
}

func (d *mysqlDialect) InsertOrIgnore(table string, cols, keyCols []string) string {
	return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), d.Placeholders(len(cols)))
}

func (d *mysqlDialect) Upsert(table string, cols, keyCols []string) string {
	updates := make([]string, 0, len(cols))
	for _, c := range nonKeyCols(cols, keyCols) {
		updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", c, c))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		table, strings.Join(cols, ", "), d.Placeholders(len(cols)),
		strings.Join(updates, ", "))
}
