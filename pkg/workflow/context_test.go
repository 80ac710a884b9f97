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

package workflow

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForItemDerivedInput(t *testing.T) {
	root := NewRunContext("run-1", map[string]any{"topic": "go"})

	derived := root.ForItem("alpha", 2)
	assert.Equal(t, "run-1", derived.RunID)
	assert.Equal(t, "go", derived.Input["topic"])
	assert.Equal(t, "alpha", derived.Input["_item"])
	assert.Equal(t, 2, derived.Input["_index"])

	// The root input is untouched.
	_, ok := root.Input["_item"]
	assert.False(t, ok)
}

func TestForItemSharesRunState(t *testing.T) {
	root := NewRunContext("run-1", nil)
	root.SetOutput("fetch", []any{"x", "y"})

	derived := root.ForItem("x", 0)

	out, ok := derived.Output("fetch")
	require.True(t, ok)
	assert.Equal(t, []any{"x", "y"}, out)

	v, ok := derived.Lookup("steps.fetch.output.1")
	require.True(t, ok)
	assert.Equal(t, "y", v)

	// Writes through the derived context land on the root.
	derived.SetOutput("child", "done")
	got, ok := root.Output("child")
	require.True(t, ok)
	assert.Equal(t, "done", got)

	derived.AddCost(0.02)
	derived.AddCost(0.03)
	assert.InDelta(t, 0.05, root.TotalCost(), 1e-9)

	// Deriving from a derived context still shares the root state.
	grandchild := derived.ForItem("y", 1)
	grandchild.SetOutput("deep", 1)
	_, ok = root.Output("deep")
	assert.True(t, ok)
}

func TestForItemConcurrentSiblings(t *testing.T) {
	root := NewRunContext("run-1", nil)
	root.SetOutput("seed", "value")

	const items = 8
	const rounds = 200

	var wg sync.WaitGroup
	for i := 0; i < items; i++ {
		derived := root.ForItem(i, i)
		wg.Add(1)
		go func(i int, rc *RunContext) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				if _, ok := rc.Output("seed"); !ok {
					t.Error("seed output missing")
					return
				}
				rc.Lookup("steps.seed.output")
				rc.Outputs()
				rc.AddCost(0.001)
			}
		}(i, derived)
	}
	// A sibling step in the same stage writes while the fan-out reads.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for r := 0; r < rounds; r++ {
			root.SetOutput(fmt.Sprintf("sibling-%d", r%4), r)
		}
	}()
	wg.Wait()

	assert.InDelta(t, float64(items*rounds)*0.001, root.TotalCost(), 1e-6)
}
