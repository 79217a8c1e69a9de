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

type sqliteDialect struct{}

func (d *sqliteDialect) Name() string { return "sqlite" }

func (d *sqliteDialect) Placeholder(i int) string { return "?" }

func (d *sqliteDialect) Placeholders(n int) string { return questionPlaceholders(n) }

func (d *sqliteDialect) Now() string { return "datetime('now')" }

// Interval returns a datetime modifier, e.g. "'+30 seconds'". Usable as
// datetime('now', <modifier>).
func (d *sqliteDialect) Interval(n int, unit Unit) string {
	return fmt.Sprintf("'+%d %s'", n, unit)
}

func (d *sqliteDialect) InsertOrIgnore(table string, cols, keyCols []string) string {
	return fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), d.Placeholders(len(cols)))
}

func (d *sqliteDialect) Upsert(table string, cols, keyCols []string) string {
	updates := make([]string, 0, len(cols))
	for _, c := range nonKeyCols(cols, keyCols) {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), d.Placeholders(len(cols)),
		strings.Join(keyCols, ", "), strings.Join(updates, ", "))
}
