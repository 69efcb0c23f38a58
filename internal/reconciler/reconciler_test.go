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

package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s3qlfs/engine/clock"
	"github.com/s3qlfs/engine/internal/metrics"
	"github.com/s3qlfs/engine/internal/objectstore"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

// advancingClock wraps a SimulatedClock and advances it by whatever
// duration After is asked to wait, so a retry loop under test runs to
// completion without the test itself needing to race real wall time.
type advancingClock struct {
	mu  sync.Mutex
	sim *clock.SimulatedClock
}

func newAdvancingClock() *advancingClock {
	return &advancingClock{sim: clock.NewSimulatedClock(time.Unix(0, 0))}
}

func (c *advancingClock) Now() time.Time { return c.sim.Now() }

func (c *advancingClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.sim.After(d)
	c.sim.AdvanceTime(d)
	return ch
}

var _ clock.Clock = (*advancingClock)(nil)

func TestFetchReturnsImmediatelyWhenNoExpectedTag(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemory()
	src := filepath.Join(t.TempDir(), "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o600))
	tag, err := store.StoreFromFile(ctx, "s3ql_1-0", src)
	require.NoError(t, err)

	r := New(store, newAdvancingClock(), Config{})
	dst := filepath.Join(t.TempDir(), "dst.bin")
	got, err := r.Fetch(ctx, "s3ql_1-0", dst, "")
	require.NoError(t, err)
	assert.Equal(t, tag, got)
}

func TestFetchConvergesAfterRetries(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemory()
	src := filepath.Join(t.TempDir(), "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("v1"), 0o600))
	_, err := store.StoreFromFile(ctx, "s3ql_1-0", src)
	require.NoError(t, err)

	store.SetPropagationDelay("s3ql_1-0", 3)
	require.NoError(t, os.WriteFile(src, []byte("v2"), 0o600))
	newTag, err := store.StoreFromFile(ctx, "s3ql_1-0", src)
	require.NoError(t, err)

	r := New(store, newAdvancingClock(), Config{InitialDelay: time.Millisecond, Multiplier: 1.5, Timeout: time.Second})
	dst := filepath.Join(t.TempDir(), "dst.bin")
	got, err := r.Fetch(ctx, "s3ql_1-0", dst, newTag)
	require.NoError(t, err)
	assert.Equal(t, newTag, got)

	contents, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(contents))
}

func TestFetchTimesOutWhenNeverConverges(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemory()
	src := filepath.Join(t.TempDir(), "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("v1"), 0o600))
	_, err := store.StoreFromFile(ctx, "s3ql_1-0", src)
	require.NoError(t, err)

	store.SetPropagationDelay("s3ql_1-0", 1_000_000)
	newTag, err := store.StoreFromFile(ctx, "s3ql_1-0", src)
	require.NoError(t, err)

	r := New(store, newAdvancingClock(), Config{InitialDelay: time.Millisecond, Multiplier: 1.5, Timeout: 50 * time.Millisecond})
	dst := filepath.Join(t.TempDir(), "dst.bin")
	_, err = r.Fetch(ctx, "s3ql_1-0", dst, newTag)
	require.ErrorIs(t, err, ErrPropagationTimeout)
}

func TestStoreUploadsAndReturnsTag(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemory()
	r := New(store, newAdvancingClock(), Config{})

	src := filepath.Join(t.TempDir(), "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o600))

	tag, err := r.Store(ctx, "s3ql_1-0", src)
	require.NoError(t, err)
	assert.NotEmpty(t, tag)

	lookedUp, err := store.Lookup(ctx, "s3ql_1-0")
	require.NoError(t, err)
	assert.Equal(t, tag, lookedUp)
}

func TestDeleteIsBestEffort(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemory()
	r := New(store, newAdvancingClock(), Config{})

	assert.NoError(t, r.Delete(ctx, "s3ql_9-0"))
}

func TestSetMetricsRecordsRetriesTimeoutsAndBytes(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemory()
	src := filepath.Join(t.TempDir(), "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("v1"), 0o600))
	_, err := store.StoreFromFile(ctx, "s3ql_1-0", src)
	require.NoError(t, err)

	store.SetPropagationDelay("s3ql_1-0", 3)
	require.NoError(t, os.WriteFile(src, []byte("v2"), 0o600))
	newTag, err := store.StoreFromFile(ctx, "s3ql_1-0", src)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	r := New(store, newAdvancingClock(), Config{InitialDelay: time.Millisecond, Multiplier: 1.5, Timeout: time.Second})
	r.SetMetrics(m)

	dst := filepath.Join(t.TempDir(), "dst.bin")
	_, err = r.Fetch(ctx, "s3ql_1-0", dst, newTag)
	require.NoError(t, err)

	assert.Equal(t, 3.0, counterValue(t, m.ReconcilerRetriesTotal))
	assert.Equal(t, 0.0, counterValue(t, m.ReconcilerTimeoutsTotal))
	assert.Equal(t, 2.0, counterValue(t, m.BytesDownloaded))

	uploadSrc := filepath.Join(t.TempDir(), "up.bin")
	require.NoError(t, os.WriteFile(uploadSrc, []byte("data!"), 0o600))
	_, err = r.Store(ctx, "s3ql_2-0", uploadSrc)
	require.NoError(t, err)
	assert.Equal(t, 5.0, counterValue(t, m.BytesUploaded))
}

func TestSetMetricsRecordsTimeout(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemory()
	src := filepath.Join(t.TempDir(), "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("v1"), 0o600))
	_, err := store.StoreFromFile(ctx, "s3ql_1-0", src)
	require.NoError(t, err)

	store.SetPropagationDelay("s3ql_1-0", 1_000_000)
	newTag, err := store.StoreFromFile(ctx, "s3ql_1-0", src)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	r := New(store, newAdvancingClock(), Config{InitialDelay: time.Millisecond, Multiplier: 1.5, Timeout: 50 * time.Millisecond})
	r.SetMetrics(m)

	dst := filepath.Join(t.TempDir(), "dst.bin")
	_, err = r.Fetch(ctx, "s3ql_1-0", dst, newTag)
	require.ErrorIs(t, err, ErrPropagationTimeout)
	assert.Equal(t, 1.0, counterValue(t, m.ReconcilerTimeoutsTotal))
}
