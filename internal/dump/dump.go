// Copyright 2024 The Cockroach Authors
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

// Package dump renders the internal state of a table for debugging and for
// invariant failure messages.
package dump

import (
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
)

// Table accumulates rows describing the slots of a hash table.
type Table struct {
	title  string
	header []string
	rows   [][]string
}

// New returns a Table with the given summary line and column headers.
func New(title string, header ...string) *Table {
	return &Table{title: title, header: header}
}

// Row appends a row. Values are formatted with %v.
func (t *Table) Row(values ...interface{}) {
	row := make([]string, len(t.header))
	for i := range row {
		if i < len(values) {
			row[i] = fmt.Sprint(values[i])
		}
	}
	t.rows = append(t.rows, row)
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// String renders the summary line followed by the table.
func (t *Table) String() string {
	var buf strings.Builder
	buf.WriteString(t.title)
	buf.WriteString("\n")
	w := tablewriter.NewWriter(&buf)
	w.SetHeader(t.header)
	w.SetAutoFormatHeaders(false)
	w.SetAutoWrapText(false)
	w.SetBorder(false)
	w.SetColumnSeparator(" ")
	w.SetAlignment(tablewriter.ALIGN_LEFT)
	w.AppendBulk(t.rows)
	w.Render()
	return buf.String()
}
