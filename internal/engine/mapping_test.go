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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandcastle-hq/sandcastle/pkg/storage"
	"github.com/sandcastle-hq/sandcastle/pkg/workflow"
)

func TestMapInput(t *testing.T) {
	rc := workflow.NewRunContext("run-1", map[string]any{
		"subject": "tides",
		"count":   3,
	})
	rc.SetOutput("research", map[string]any{"summary": "the moon does it"})

	tests := []struct {
		name    string
		mapping map[string]string
		want    map[string]any
	}{
		{
			name:    "nil mapping passes input through",
			mapping: nil,
			want:    map[string]any{"subject": "tides", "count": 3},
		},
		{
			name: "jq over input and steps",
			mapping: map[string]string{
				"topic":   ".input.subject",
				"context": ".steps.research.summary",
			},
			want: map[string]any{
				"topic":   "tides",
				"context": "the moon does it",
			},
		},
		{
			name: "template expression",
			mapping: map[string]string{
				"headline": "about {input.subject}",
			},
			want: map[string]any{"headline": "about tides"},
		},
		{
			name: "missing path yields nil",
			mapping: map[string]string{
				"ghost": ".input.missing",
			},
			want: map[string]any{"ghost": nil},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mapInput(tt.mapping, rc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMapInputInvalidExpression(t *testing.T) {
	rc := workflow.NewRunContext("run-1", nil)
	_, err := mapInput(map[string]string{"x": ".input["}, rc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid mapping expression")
}

func TestMapOutput(t *testing.T) {
	childOutputs := map[string]any{
		"summary": "short version",
		"scores":  []any{0.9, 0.7},
	}

	got, err := mapOutput(nil, childOutputs)
	require.NoError(t, err)
	assert.Equal(t, childOutputs, got)

	got, err = mapOutput(map[string]string{
		"text":  ".outputs.summary",
		"first": ".outputs.scores[0]",
		"label": "fixed",
	}, childOutputs)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"text":  "short version",
		"first": 0.9,
		"label": "fixed",
	}, got)
}

func TestWriteCSVOutputNewFile(t *testing.T) {
	ctx := context.Background()
	blobs, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	cfg := &workflow.CSVOutputConfig{Directory: "reports", Mode: "new_file"}
	output := []any{
		map[string]any{"name": "alpha", "score": 0.9},
		map[string]any{"name": "beta"},
	}
	require.NoError(t, writeCSVOutput(ctx, blobs, cfg, "run-1", "rank", output))

	content, found, err := blobs.Read(ctx, "reports/run-1-rank.csv")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "name,score\nalpha,0.9\nbeta,\n", content)
}

func TestWriteCSVOutputAppendSharedFile(t *testing.T) {
	ctx := context.Background()
	blobs, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	cfg := &workflow.CSVOutputConfig{Directory: "reports", Mode: "append"}
	require.NoError(t, writeCSVOutput(ctx, blobs, cfg, "run-1", "rank", map[string]any{"name": "alpha"}))
	require.NoError(t, writeCSVOutput(ctx, blobs, cfg, "run-2", "rank", map[string]any{"name": "beta"}))

	content, found, err := blobs.Read(ctx, "reports/rank.csv")
	require.NoError(t, err)
	require.True(t, found)
	// Header once, one row per run.
	assert.Equal(t, "name\nalpha\nbeta\n", content)
}

func TestWriteCSVOutputScalar(t *testing.T) {
	ctx := context.Background()
	blobs, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	cfg := &workflow.CSVOutputConfig{Directory: "out", Mode: "new_file"}
	require.NoError(t, writeCSVOutput(ctx, blobs, cfg, "run-1", "note", "plain text"))

	content, _, err := blobs.Read(ctx, "out/run-1-note.csv")
	require.NoError(t, err)
	assert.Equal(t, "value\nplain text\n", content)
}
