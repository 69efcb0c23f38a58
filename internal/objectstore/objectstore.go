// Copyright 2025 Google LLC
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

// Package objectstore defines the external object-store collaborator: a
// blocking, eventually-consistent key/value HTTP service. Authentication,
// encryption, and compression of payloads belong to the concrete client
// (internal/objectstore/gcs) and are out of scope for the engine.
package objectstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Lookup and FetchToFile when key does not
// exist in the store.
var ErrNotFound = errors.New("objectstore: key not found")

// Store is the capability-set required of the object-store client. Every
// method may block and may fail with a transient or permanent error; the
// reconciler is the only caller that retries.
type Store interface {
	// List returns every key with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Lookup returns the current version tag for key without transferring
	// its payload, or ErrNotFound if key does not exist.
	Lookup(ctx context.Context, key string) (versionTag string, err error)

	// FetchToFile downloads the current payload for key to the local file
	// at path, overwriting it, and returns the version tag observed.
	FetchToFile(ctx context.Context, key, path string) (versionTag string, err error)

	// StoreFromFile uploads the contents of the local file at path as the
	// payload for key and returns the new version tag.
	StoreFromFile(ctx context.Context, key, path string) (versionTag string, err error)

	// Delete removes key. Deleting a key that does not exist is not an
	// error; truncate's remote cleanup is best-effort.
	Delete(ctx context.Context, key string) error
}
