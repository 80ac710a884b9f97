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
	"github.com/sandcastle-hq/sandcastle/pkg/errors"
)

// BackendKind selects a sandbox backend implementation.
type BackendKind string

const (
	KindCloud     BackendKind = "cloud"
	KindContainer BackendKind = "container"
	KindHost      BackendKind = "host"
	KindEdge      BackendKind = "edge"
)

// BackendConfig configures backend construction.
type BackendConfig struct {
	// Kind selects cloud, container, host, or edge
	Kind BackendKind `yaml:"kind"`

	// SandstormURL is the cloud service endpoint (kind=cloud)
	SandstormURL string `yaml:"sandstorm_url,omitempty"`

	// Token authenticates cloud and edge backends
	Token string `yaml:"token,omitempty"`

	// RunnerPath overrides the host runner binary (kind=host)
	RunnerPath string `yaml:"runner_path,omitempty"`

	// Image and Engine configure the container backend
	Image  string `yaml:"image,omitempty"`
	Engine string `yaml:"engine,omitempty"`

	// EdgeEndpoint is the edge worker URL (kind=edge)
	EdgeEndpoint string `yaml:"edge_endpoint,omitempty"`
}

// NewBackend constructs the backend selected by the configuration.
func NewBackend(cfg BackendConfig) (Backend, error) {
	switch cfg.Kind {
	case KindCloud:
		if cfg.SandstormURL == "" {
			return nil, &errors.ConfigError{Key: "sandbox.sandstorm_url", Reason: "required for cloud backend"}
		}
		return NewCloud(cfg.SandstormURL, cfg.Token), nil
	case KindContainer:
		return NewContainer(cfg.Image, cfg.Engine), nil
	case KindHost, "":
		return NewHost(cfg.RunnerPath), nil
	case KindEdge:
		if cfg.EdgeEndpoint == "" {
			return nil, &errors.ConfigError{Key: "sandbox.edge_endpoint", Reason: "required for edge backend"}
		}
		return NewEdge(cfg.EdgeEndpoint, cfg.Token), nil
	default:
		return nil, &errors.ConfigError{
			Key:    "sandbox.kind",
			Reason: "unknown backend kind " + string(cfg.Kind),
		}
	}
}
