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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestNewRegistersEveryMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 10)
}

func TestCacheHitAndMissIncrement(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.CacheHit()
	m.CacheHit()
	m.CacheMiss()

	assert.Equal(t, 2.0, counterValue(t, m.CacheHitsTotal))
	assert.Equal(t, 1.0, counterValue(t, m.CacheMissesTotal))
}

func TestEvictionDecrementsBytesInUse(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetCacheBytesInUse(1000)
	m.Eviction(400)

	assert.Equal(t, 1.0, counterValue(t, m.EvictionsTotal))
	assert.Equal(t, 600.0, gaugeValue(t, m.CacheBytesInUse))
}

func TestReconcilerCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ReconcilerRetry()
	m.ReconcilerRetry()
	m.ReconcilerTimeout()

	assert.Equal(t, 2.0, counterValue(t, m.ReconcilerRetriesTotal))
	assert.Equal(t, 1.0, counterValue(t, m.ReconcilerTimeoutsTotal))
}

func TestByteCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.AddBytesUploaded(1024)
	m.AddBytesDownloaded(2048)

	assert.Equal(t, 1024.0, counterValue(t, m.BytesUploaded))
	assert.Equal(t, 2048.0, counterValue(t, m.BytesDownloaded))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CacheHit()
		m.CacheMiss()
		m.Eviction(10)
		m.SetCacheBytesInUse(10)
		m.ReconcilerRetry()
		m.ReconcilerTimeout()
		m.ObserveFetchDuration(0.1)
		m.ObserveStoreDuration(0.1)
		m.AddBytesUploaded(1)
		m.AddBytesDownloaded(1)
	})
}
