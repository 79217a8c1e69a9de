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

type postgresDialect struct{}

func (d *postgresDialect) Name() string { return "postgres" }

func (d *postgresDialect) Placeholder(i int) string { return fmt.Sprintf("$%d", i) }

func (d *postgresDialect) Placeholders(n int) string { return numberedPlaceholders("$", n) }

func (d *postgresDialect) Now() string { return "NOW() AT TIME ZONE 'UTC'" }

func (d *postgresDialect) Interval(n int, unit Unit) string {
	return fmt.Sprintf("INTERVAL '%d %s'", n, unit)
}

func (d *postgresDialect) InsertOrIgnore(table string, cols, keyCols []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		table, strings.Join(cols, ", "), d.Placeholders(len(cols)),
		strings.Join(keyCols, ", "))
}

func (d *postgresDialect) Upsert(table string, cols, keyCols []string) string {
	updates := make([]string, 0, len(cols))
	for _, c := range nonKeyCols(cols, keyCols) {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), d.Placeholders(len(cols)),
		strings.Join(keyCols, ", "), strings.Join(updates, ", "))
}
