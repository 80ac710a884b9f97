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

// Package config loads daemon configuration from a YAML file and the
// environment. Environment variables take precedence over file values;
// an empty path means environment-plus-defaults only.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sandcastle-hq/sandcastle/pkg/errors"
	"github.com/sandcastle-hq/sandcastle/pkg/sandbox"
	"github.com/sandcastle-hq/sandcastle/pkg/storage"
)

// Config is the complete daemon configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Store   StoreConfig   `yaml:"store"`
	Storage StorageConfig `yaml:"storage"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Engine  EngineConfig  `yaml:"engine"`
	Daemon  DaemonConfig  `yaml:"daemon"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is trace, debug, info, warn, or error (default info)
	Level string `yaml:"level,omitempty"`

	// Format is json or text (default json)
	Format string `yaml:"format,omitempty"`
}

// StoreConfig configures the SQLite run store.
type StoreConfig struct {
	// Path is the database file location
	Path string `yaml:"path,omitempty"`

	// WAL enables write-ahead-log journaling
	WAL bool `yaml:"wal,omitempty"`
}

// StorageConfig selects the blob backend.
type StorageConfig struct {
	// Backend is local or s3 (default local)
	Backend string `yaml:"backend,omitempty"`

	// BaseDir roots the local backend
	BaseDir string `yaml:"base_dir,omitempty"`

	// S3 configures the s3 backend
	S3 storage.S3Config `yaml:"s3,omitempty"`
}

// SandboxConfig configures the sandbox backend and runtime.
type SandboxConfig struct {
	// Backend selects and configures the execution backend
	Backend sandbox.BackendConfig `yaml:"backend,omitempty"`

	// MaxConcurrent caps simultaneous sandbox executions
	MaxConcurrent int `yaml:"max_concurrent,omitempty"`
}

// EngineConfig tunes workflow execution.
type EngineConfig struct {
	// MaxDepth bounds sub-workflow recursion
	MaxDepth int `yaml:"max_depth,omitempty"`

	// SweepInterval is how often expired approvals are resolved
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty"`

	// WebhookRatePerSecond caps outbound webhook posts; 0 disables the cap
	WebhookRatePerSecond float64 `yaml:"webhook_rate_per_second,omitempty"`

	// CachePurgeInterval is how often expired step-cache entries are removed
	CachePurgeInterval time.Duration `yaml:"cache_purge_interval,omitempty"`
}

// DaemonConfig configures the long-running process.
type DaemonConfig struct {
	// Workers caps concurrent workflow runs
	Workers int `yaml:"workers,omitempty"`

	// WorkflowsDir is scanned for workflow YAML files
	WorkflowsDir string `yaml:"workflows_dir,omitempty"`

	// DrainTimeout bounds the wait for active runs during shutdown
	DrainTimeout time.Duration `yaml:"drain_timeout,omitempty"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Path: "sandcastle.db",
			WAL:  true,
		},
		Storage: StorageConfig{
			Backend: "local",
			BaseDir: "data/storage",
		},
		Sandbox: SandboxConfig{
			MaxConcurrent: 5,
		},
		Engine: EngineConfig{
			MaxDepth:           3,
			SweepInterval:      time.Minute,
			CachePurgeInterval: 10 * time.Minute,
		},
		Daemon: DaemonConfig{
			Workers:      4,
			WorkflowsDir: "workflows",
			DrainTimeout: 30 * time.Second,
		},
	}
}

// Load reads configuration from an optional YAML file, fills defaults,
// and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &errors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to read %s", path),
				Cause:  err,
			}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to parse %s", path),
				Cause:  err,
			}
		}
		cfg.applyDefaults()
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults restores defaults for zero values left by minimal files.
func (c *Config) applyDefaults() {
	defaults := Default()
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Store.Path == "" {
		c.Store.Path = defaults.Store.Path
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = defaults.Storage.Backend
	}
	if c.Storage.BaseDir == "" {
		c.Storage.BaseDir = defaults.Storage.BaseDir
	}
	if c.Sandbox.MaxConcurrent == 0 {
		c.Sandbox.MaxConcurrent = defaults.Sandbox.MaxConcurrent
	}
	if c.Engine.MaxDepth == 0 {
		c.Engine.MaxDepth = defaults.Engine.MaxDepth
	}
	if c.Engine.SweepInterval == 0 {
		c.Engine.SweepInterval = defaults.Engine.SweepInterval
	}
	if c.Engine.CachePurgeInterval == 0 {
		c.Engine.CachePurgeInterval = defaults.Engine.CachePurgeInterval
	}
	if c.Daemon.Workers == 0 {
		c.Daemon.Workers = defaults.Daemon.Workers
	}
	if c.Daemon.WorkflowsDir == "" {
		c.Daemon.WorkflowsDir = defaults.Daemon.WorkflowsDir
	}
	if c.Daemon.DrainTimeout == 0 {
		c.Daemon.DrainTimeout = defaults.Daemon.DrainTimeout
	}
}

// loadFromEnv applies environment variable overrides.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("SANDCASTLE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("SANDCASTLE_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("SANDCASTLE_DB_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("SANDCASTLE_DB_WAL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Store.WAL = b
		}
	}
	if v := os.Getenv("SANDCASTLE_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("SANDCASTLE_STORAGE_DIR"); v != "" {
		c.Storage.BaseDir = v
	}
	if v := os.Getenv("SANDCASTLE_S3_BUCKET"); v != "" {
		c.Storage.S3.Bucket = v
	}
	if v := os.Getenv("SANDCASTLE_S3_REGION"); v != "" {
		c.Storage.S3.Region = v
	}
	if v := os.Getenv("SANDCASTLE_S3_ENDPOINT"); v != "" {
		c.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("SANDSTORM_URL"); v != "" {
		c.Sandbox.Backend.Kind = sandbox.KindCloud
		c.Sandbox.Backend.SandstormURL = v
	}
	if v := os.Getenv("SANDSTORM_TOKEN"); v != "" {
		c.Sandbox.Backend.Token = v
	}
	if v := os.Getenv("SANDCASTLE_SANDBOX_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Sandbox.MaxConcurrent = n
		}
	}
	if v := os.Getenv("SANDCASTLE_MAX_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Engine.MaxDepth = n
		}
	}
	if v := os.Getenv("SANDCASTLE_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Engine.SweepInterval = d
		}
	}
	if v := os.Getenv("SANDCASTLE_WEBHOOK_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			c.Engine.WebhookRatePerSecond = f
		}
	}
	if v := os.Getenv("SANDCASTLE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Daemon.Workers = n
		}
	}
	if v := os.Getenv("SANDCASTLE_WORKFLOWS_DIR"); v != "" {
		c.Daemon.WorkflowsDir = v
	}
	if v := os.Getenv("SANDCASTLE_DRAIN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Daemon.DrainTimeout = d
		}
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "local":
		if c.Storage.BaseDir == "" {
			return &errors.ConfigError{Key: "storage.base_dir", Reason: "required for local backend"}
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return &errors.ConfigError{Key: "storage.s3.bucket", Reason: "required for s3 backend"}
		}
	default:
		return &errors.ConfigError{
			Key:    "storage.backend",
			Reason: fmt.Sprintf("unknown backend %q", c.Storage.Backend),
		}
	}
	if c.Daemon.Workers < 1 {
		return &errors.ConfigError{Key: "daemon.workers", Reason: "must be at least 1"}
	}
	if c.Engine.MaxDepth < 1 {
		return &errors.ConfigError{Key: "engine.max_depth", Reason: "must be at least 1"}
	}
	return nil
}
