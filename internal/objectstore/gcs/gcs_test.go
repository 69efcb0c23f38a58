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

package gcs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fsouza/fake-gcs-server/fakestorage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s3qlfs/engine/internal/objectstore"
)

const testBucket = "s3qlfs-test-bucket"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	server, err := fakestorage.NewServerWithOptions(fakestorage.Options{
		InitialObjects: []fakestorage.Object{},
		Scheme:         "http",
	})
	require.NoError(t, err)
	t.Cleanup(server.Stop)

	require.NoError(t, server.Client().Bucket(testBucket).Create(context.Background(), "", nil))

	return New(server.Client().Bucket(testBucket))
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	dir := t.TempDir()

	src := filepath.Join(dir, "upload.bin")
	require.NoError(t, os.WriteFile(src, []byte("block payload"), 0o600))

	tag, err := store.StoreFromFile(ctx, "s3ql_1-0", src)
	require.NoError(t, err)
	assert.NotEmpty(t, tag)

	lookedUp, err := store.Lookup(ctx, "s3ql_1-0")
	require.NoError(t, err)
	assert.Equal(t, tag, lookedUp)

	dst := filepath.Join(dir, "download.bin")
	fetchedTag, err := store.FetchToFile(ctx, "s3ql_1-0", dst)
	require.NoError(t, err)
	assert.Equal(t, tag, fetchedTag)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "block payload", string(got))
}

func TestStoreLookupMissing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Lookup(ctx, "s3ql_9-0")
	assert.ErrorIs(t, err, objectstore.ErrNotFound)
}

func TestStoreFetchMissing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.FetchToFile(ctx, "s3ql_9-0", filepath.Join(t.TempDir(), "out.bin"))
	assert.ErrorIs(t, err, objectstore.ErrNotFound)
}

func TestStoreDeleteMissingIsNotError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	assert.NoError(t, store.Delete(ctx, "s3ql_9-0"))
}

func TestStoreList(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o600))

	_, err := store.StoreFromFile(ctx, "s3ql_1-0", src)
	require.NoError(t, err)
	_, err = store.StoreFromFile(ctx, "s3ql_1-65536", src)
	require.NoError(t, err)
	_, err = store.StoreFromFile(ctx, "s3ql_2-0", src)
	require.NoError(t, err)

	keys, err := store.List(ctx, "s3ql_1-")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s3ql_1-0", "s3ql_1-65536"}, keys)
}
