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

// Package storage provides the key-to-blob backend used to externalize
// large prompts and persist final run outputs. Two implementations share
// one contract: a local filesystem rooted at a base directory and an
// S3-compatible object store.
package storage

import "context"

// Backend is a key-to-blob store.
//
// Read reports absence through the ok result instead of an error; callers
// decide what a missing key means. List returns keys sorted ascending.
type Backend interface {
	Read(ctx context.Context, key string) (value string, ok bool, err error)
	Write(ctx context.Context, key, value string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}
