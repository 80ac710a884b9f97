// Copyright 2025 The Sandcastle Authors
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

package engine

import (
	"context"
	"encoding/csv"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/sandcastle-hq/sandcastle/pkg/policy"
	"github.com/sandcastle-hq/sandcastle/pkg/storage"
	"github.com/sandcastle-hq/sandcastle/pkg/workflow"
)

// writeCSVOutput appends a step's output to a CSV file in blob storage.
// new_file mode writes one file per run; append mode shares a file and
// only writes the header when the file is created.
func writeCSVOutput(ctx context.Context, blobs storage.Backend, cfg *workflow.CSVOutputConfig, runID, stepID string, output any) error {
	if blobs == nil {
		return fmt.Errorf("csv_output configured but no storage backend available")
	}

	rows := csvRows(output)
	if len(rows) == 0 {
		return nil
	}
	columns := csvColumns(rows)

	var key string
	switch cfg.Mode {
	case "append":
		name := cfg.Filename
		if name == "" {
			name = stepID + ".csv"
		}
		key = path.Join(cfg.Directory, name)
	default: // new_file
		key = path.Join(cfg.Directory, runID+"-"+stepID+".csv")
	}

	existing, found, err := blobs.Read(ctx, key)
	if err != nil {
		return fmt.Errorf("reading csv file %s: %w", key, err)
	}

	var b strings.Builder
	w := csv.NewWriter(&b)
	if !found {
		if err := w.Write(columns); err != nil {
			return err
		}
	}
	for _, row := range rows {
		record := make([]string, len(columns))
		for i, col := range columns {
			if v, ok := row[col]; ok {
				record[i] = policy.ValueToText(v)
			}
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	return blobs.Write(ctx, key, existing+b.String())
}

// csvRows normalizes an output value into CSV rows: a map is one row, a
// list of maps is many, and anything else becomes a single-column row.
func csvRows(output any) []map[string]any {
	switch v := output.(type) {
	case map[string]any:
		return []map[string]any{v}
	case []any:
		var rows []map[string]any
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				rows = append(rows, m)
			} else {
				rows = append(rows, map[string]any{"value": item})
			}
		}
		return rows
	case nil:
		return nil
	default:
		return []map[string]any{{"value": v}}
	}
}

// csvColumns unions the row keys, sorted for stable output.
func csvColumns(rows []map[string]any) []string {
	seen := map[string]bool{}
	for _, row := range rows {
		for k := range row {
			seen[k] = true
		}
	}
	columns := make([]string, 0, len(seen))
	for k := range seen {
		columns = append(columns, k)
	}
	sort.Strings(columns)
	return columns
}
