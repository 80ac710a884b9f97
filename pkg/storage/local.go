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

package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sandcastle-hq/sandcastle/pkg/errors"
)

// Local stores blobs as files under a base directory. Every resolved path
// must stay inside the base; traversal attempts are rejected.
type Local struct {
	baseDir string
}

// NewLocal creates a filesystem backend rooted at baseDir, creating the
// directory if needed.
func NewLocal(baseDir string) (*Local, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, &errors.ConfigError{Key: "storage.base_dir", Reason: "cannot resolve path", Cause: err}
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, &errors.ConfigError{Key: "storage.base_dir", Reason: "cannot create directory", Cause: err}
	}
	return &Local{baseDir: abs}, nil
}

// resolve maps a key to an absolute path inside the base directory.
func (l *Local) resolve(key string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	path = filepath.Clean(path)
	if path != l.baseDir && !strings.HasPrefix(path, l.baseDir+string(filepath.Separator)) {
		return "", &errors.ValidationError{
			Field:      "key",
			Message:    fmt.Sprintf("key %q escapes the storage root", key),
			Suggestion: "use a relative path without .. segments",
		}
	}
	return path, nil
}

// Read returns the blob value, with ok=false for missing keys.
func (l *Local) Read(_ context.Context, key string) (string, bool, error) {
	path, err := l.resolve(key)
	if err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading %s: %w", key, err)
	}
	return string(data), true, nil
}

// Write stores the blob, creating parent directories as needed.
func (l *Local) Write(_ context.Context, key, value string) error {
	path, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating parent of %s: %w", key, err)
	}
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// List returns all keys under the prefix, sorted ascending.
func (l *Local) List(_ context.Context, prefix string) ([]string, error) {
	if _, err := l.resolve(prefix); err != nil {
		return nil, err
	}
	var keys []string
	err := filepath.Walk(l.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(l.baseDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes the blob; deleting a missing key is not an error.
func (l *Local) Delete(_ context.Context, key string) error {
	path, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}
