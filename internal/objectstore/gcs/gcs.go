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

// Package gcs adapts a Google Cloud Storage bucket to the
// internal/objectstore.Store contract. It is the only package in this
// module that imports cloud.google.com/go/storage; everything above it
// speaks in terms of keys, paths and version tags.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/s3qlfs/engine/internal/objectstore"
)

// Store adapts a single GCS bucket to objectstore.Store. The object
// generation number (Attrs.Generation, formatted as decimal) is used as
// the version tag, matching the precondition fields the rest of the
// teacher's gcsproxy package keys its consistency checks on.
type Store struct {
	bucket *storage.BucketHandle
}

// New wraps an already-opened bucket handle. Callers are expected to build
// the *storage.Client with whatever credentials/options their deployment
// needs (service account key, ADC, emulator endpoint) and pass in
// client.Bucket(name).
func New(bucket *storage.BucketHandle) *Store {
	return &Store{bucket: bucket}
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	var out []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs: list %q: %w", prefix, err)
		}
		out = append(out, attrs.Name)
	}
	return out, nil
}

func (s *Store) Lookup(ctx context.Context, key string) (string, error) {
	attrs, err := s.bucket.Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return "", objectstore.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("gcs: lookup %q: %w", key, err)
	}
	return generationTag(attrs.Generation), nil
}

func (s *Store) FetchToFile(ctx context.Context, key, path string) (string, error) {
	obj := s.bucket.Object(key)
	r, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return "", objectstore.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("gcs: open reader for %q: %w", key, err)
	}
	defer r.Close()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("gcs: open local file %q: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("gcs: download %q: %w", key, err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("gcs: sync local file %q: %w", path, err)
	}

	return generationTag(r.Attrs.Generation), nil
}

func (s *Store) StoreFromFile(ctx context.Context, key, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("gcs: open local file %q: %w", path, err)
	}
	defer f.Close()

	obj := s.bucket.Object(key)
	w := obj.NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return "", fmt.Errorf("gcs: upload %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs: finalize upload %q: %w", key, err)
	}

	return generationTag(w.Attrs().Generation), nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.bucket.Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs: delete %q: %w", key, err)
	}
	return nil
}

func generationTag(generation int64) string {
	return fmt.Sprintf("%d", generation)
}

var _ objectstore.Store = (*Store)(nil)
