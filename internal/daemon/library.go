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

package daemon

import (
	"context"
	goerrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sandcastle-hq/sandcastle/internal/store"
	"github.com/sandcastle-hq/sandcastle/pkg/errors"
	"github.com/sandcastle-hq/sandcastle/pkg/workflow"
)

// Library resolves workflow names to definitions. The promoted production
// version in the store wins; a YAML file in the workflows directory is
// the fallback for workflows that were never published.
type Library struct {
	store *store.Store
	dir   string
}

// NewLibrary creates a library over the store and workflows directory.
func NewLibrary(st *store.Store, dir string) *Library {
	return &Library{store: st, dir: dir}
}

// Lookup returns the definition for a workflow name.
func (l *Library) Lookup(name string) (*workflow.Definition, error) {
	if l.store != nil {
		ver, err := l.store.ProductionVersion(context.Background(), name)
		if err == nil {
			return workflow.Parse([]byte(ver.Content))
		}
		var notFound *errors.NotFoundError
		if !goerrors.As(err, &notFound) {
			return nil, err
		}
	}
	return l.lookupFile(name)
}

func (l *Library) lookupFile(name string) (*workflow.Definition, error) {
	if l.dir == "" {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: name}
	}
	for _, ext := range []string{".yaml", ".yml"} {
		data, err := os.ReadFile(filepath.Join(l.dir, name+ext))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		return workflow.Parse(data)
	}
	return nil, &errors.NotFoundError{Resource: "workflow", ID: name}
}

// Publish stores a workflow definition as a new version and promotes it
// to production. Content identical to the current production version is
// a no-op.
func (l *Library) Publish(ctx context.Context, data []byte) (*store.WorkflowVersion, bool, error) {
	def, err := workflow.Parse(data)
	if err != nil {
		return nil, false, err
	}
	if def.Name == "" {
		return nil, false, &errors.ValidationError{
			Field:   "name",
			Message: "workflow has no name",
		}
	}

	checksum := def.Checksum()
	current, err := l.store.ProductionVersion(ctx, def.Name)
	if err == nil && current.Checksum == checksum {
		return current, false, nil
	}
	var notFound *errors.NotFoundError
	if err != nil && !goerrors.As(err, &notFound) {
		return nil, false, err
	}

	ver, err := l.store.CreateVersion(ctx, def.Name, string(data), checksum)
	if err != nil {
		return nil, false, err
	}
	if err := l.store.PromoteVersion(ctx, def.Name, ver.Version); err != nil {
		return nil, false, err
	}
	ver.Status = store.VersionProduction
	return ver, true, nil
}

// SyncDir publishes every workflow file in the workflows directory.
// Files that fail to parse are reported together; valid files still
// publish.
func (l *Library) SyncDir(ctx context.Context) error {
	if l.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(l.dir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, _, err := l.Publish(ctx, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return goerrors.Join(errs...)
}
