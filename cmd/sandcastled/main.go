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

// Command sandcastled runs the Sandcastle workflow daemon: it loads
// workflow definitions, executes submitted runs through the sandbox
// runtime, and sweeps approval timeouts.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sandcastle-hq/sandcastle/internal/config"
	"github.com/sandcastle-hq/sandcastle/internal/daemon"
	"github.com/sandcastle-hq/sandcastle/internal/log"
	"github.com/sandcastle-hq/sandcastle/pkg/workflow"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sandcastled",
		Short: "Sandcastle workflow execution daemon",
		Long: `sandcastled executes YAML-defined LLM workflows: it plans steps into
dependency stages, runs them in sandboxes with retries and policies,
pauses at approval gates, and persists every run to SQLite.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: environment only)")

	cmd.AddCommand(newServeCommand(&configPath))
	cmd.AddCommand(newValidateCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newServeCommand(configPath *string) *cobra.Command {
	var (
		workflowsDir string
		dbPath       string
		workers      int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if workflowsDir != "" {
				cfg.Daemon.WorkflowsDir = workflowsDir
			}
			if dbPath != "" {
				cfg.Store.Path = dbPath
			}
			if workers > 0 {
				cfg.Daemon.Workers = workers
			}

			// Env-derived settings (SANDCASTLE_DEBUG source logging) come
			// from FromEnv; level and format follow the loaded config.
			logCfg := log.FromEnv()
			logCfg.Level = cfg.Log.Level
			logCfg.Format = log.Format(cfg.Log.Format)
			logger := log.New(logCfg)
			slog.SetDefault(logger)
			logger.Info("starting sandcastled", "version", version, "commit", commit)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := daemon.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return d.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&workflowsDir, "workflows-dir", "", "Directory of workflow YAML files")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path")
	cmd.Flags().IntVar(&workers, "workers", 0, "Concurrent run workers")
	return cmd
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.yaml>...",
		Short: "Parse and validate workflow files without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var failed bool
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
					failed = true
					continue
				}
				def, err := workflow.Parse(data)
				if err == nil {
					_, err = workflow.BuildPlan(def, nil)
				}
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
					failed = true
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s, %d steps)\n", path, def.Name, len(def.Steps))
			}
			if failed {
				return fmt.Errorf("validation failed")
			}
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sandcastled %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
