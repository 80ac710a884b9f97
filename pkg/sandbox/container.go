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
	"strings"

	"github.com/sandcastle-hq/sandcastle/pkg/errors"
)

// defaultContainerImage runs prompts in a local container.
const defaultContainerImage = "sandcastle/runner:latest"

// Container executes prompts inside a local OCI container.
type Container struct {
	// Image is the runner image
	Image string

	// Engine is the container CLI (docker or podman)
	Engine string
}

// NewContainer creates a container backend.
func NewContainer(image, engine string) *Container {
	if image == "" {
		image = defaultContainerImage
	}
	if engine == "" {
		engine = "docker"
	}
	return &Container{Image: image, Engine: engine}
}

// Name implements Backend.
func (c *Container) Name() string { return "container" }

// Health verifies the container engine is reachable.
func (c *Container) Health(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.Engine, "info", "--format", "{{.ServerVersion}}")
	if out, err := cmd.CombinedOutput(); err != nil {
		return &errors.ConfigError{
			Key:    "sandbox.container",
			Reason: fmt.Sprintf("%s not available: %s", c.Engine, strings.TrimSpace(string(out))),
			Cause:  err,
		}
	}
	return nil
}

// Stream runs the image with the request environment and decodes stdout.
// The container is removed when it exits; cancellation kills it through
// the process group.
func (c *Container) Stream(ctx context.Context, req Request, model ModelInfo) (<-chan Event, error) {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding sandbox request: %w", err)
	}

	args := []string{"run", "--rm", "--network", "host"}
	for _, kv := range runnerEnv(string(reqJSON), model, envLookup(model.BaseURLEnv)) {
		args = append(args, "-e", kv)
	}
	args = append(args, c.Image)

	cmd := exec.CommandContext(ctx, c.Engine, args...)
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening container stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, &errors.ProviderError{
			Provider: model.Provider,
			Message:  fmt.Sprintf("starting container: %s", err.Error()),
			Cause:    err,
		}
	}

	return decodeEvents(ctx, stdout, func() { _ = cmd.Wait() }), nil
}
