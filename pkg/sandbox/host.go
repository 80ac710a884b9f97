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

package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/sandcastle-hq/sandcastle/pkg/errors"
)

// defaultRunnerBinary is the runner launched for host executions.
const defaultRunnerBinary = "sandcastle-runner"

// Host executes prompts as local subprocesses. Development only: it gives
// no resource isolation beyond the OS process boundary.
type Host struct {
	// RunnerPath overrides the runner binary location
	RunnerPath string
}

// NewHost creates a host-process backend.
func NewHost(runnerPath string) *Host {
	if runnerPath == "" {
		runnerPath = defaultRunnerBinary
	}
	return &Host{RunnerPath: runnerPath}
}

// Name implements Backend.
func (h *Host) Name() string { return "host" }

// Health verifies the runner binary is resolvable.
func (h *Host) Health(_ context.Context) error {
	if _, err := exec.LookPath(h.RunnerPath); err != nil {
		return &errors.ConfigError{
			Key:    "sandbox.runner",
			Reason: fmt.Sprintf("runner binary %q not found", h.RunnerPath),
			Cause:  err,
		}
	}
	return nil
}

// Stream launches the runner with the request in the environment and
// decodes its stdout as an event stream.
func (h *Host) Stream(ctx context.Context, req Request, model ModelInfo) (<-chan Event, error) {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding sandbox request: %w", err)
	}

	cmd := exec.CommandContext(ctx, h.RunnerPath)
	cmd.Env = append(os.Environ(), runnerEnv(string(reqJSON), model, envLookup(model.BaseURLEnv))...)
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening runner stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, &errors.ProviderError{
			Provider: model.Provider,
			Message:  fmt.Sprintf("starting runner: %s", err.Error()),
			Cause:    err,
		}
	}

	return decodeEvents(ctx, stdout, func() {
		// Collect the process; a non-zero exit after a clean result
		// event is already reflected in the stream.
		_ = cmd.Wait()
	}), nil
}
