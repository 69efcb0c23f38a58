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

// Package metrics tracks Prometheus metrics for the block cache and the
// remote reconciler. All metrics use the s3qlfs_ prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every counter, gauge and histogram the engine reports. A
// nil *Metrics is safe to call methods on (every method checks for nil),
// so components can be built without a registerer in tests.
type Metrics struct {
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
	EvictionsTotal   prometheus.Counter
	CacheBytesInUse  prometheus.Gauge

	ReconcilerRetriesTotal  prometheus.Counter
	ReconcilerTimeoutsTotal prometheus.Counter
	ReconcilerFetchDuration prometheus.Histogram
	ReconcilerStoreDuration prometheus.Histogram

	BytesUploaded   prometheus.Counter
	BytesDownloaded prometheus.Counter
}

// New creates the engine's metrics and registers them against reg.
// Panics if registration fails (expected only during initialization, the
// same convention the rest of this module's dependency graph uses for its
// own Prometheus metric sets).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "s3qlfs_cache_hits_total",
			Help: "Total block cache hits in open_block.",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "s3qlfs_cache_misses_total",
			Help: "Total block cache misses in open_block.",
		}),
		EvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "s3qlfs_cache_evictions_total",
			Help: "Total cache entries evicted to stay within the byte budget.",
		}),
		CacheBytesInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "s3qlfs_cache_bytes_in_use",
			Help: "Sum of cached entry sizes currently on local disk.",
		}),
		ReconcilerRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "s3qlfs_reconciler_retries_total",
			Help: "Total backoff retries issued while waiting for the object store to converge.",
		}),
		ReconcilerTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "s3qlfs_reconciler_timeouts_total",
			Help: "Total propagation timeouts, each of which marks the filesystem damaged.",
		}),
		ReconcilerFetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "s3qlfs_reconciler_fetch_duration_seconds",
			Help:    "Time spent in Reconciler.Fetch, including retries.",
			Buckets: prometheus.DefBuckets,
		}),
		ReconcilerStoreDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "s3qlfs_reconciler_store_duration_seconds",
			Help:    "Time spent in Reconciler.Store.",
			Buckets: prometheus.DefBuckets,
		}),
		BytesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "s3qlfs_bytes_uploaded_total",
			Help: "Total payload bytes uploaded to the object store.",
		}),
		BytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "s3qlfs_bytes_downloaded_total",
			Help: "Total payload bytes downloaded from the object store.",
		}),
	}

	reg.MustRegister(
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.EvictionsTotal,
		m.CacheBytesInUse,
		m.ReconcilerRetriesTotal,
		m.ReconcilerTimeoutsTotal,
		m.ReconcilerFetchDuration,
		m.ReconcilerStoreDuration,
		m.BytesUploaded,
		m.BytesDownloaded,
	)

	return m
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheMissesTotal.Inc()
}

func (m *Metrics) Eviction(freedBytes int64) {
	if m == nil {
		return
	}
	m.EvictionsTotal.Inc()
	m.CacheBytesInUse.Sub(float64(freedBytes))
}

func (m *Metrics) SetCacheBytesInUse(bytes int64) {
	if m == nil {
		return
	}
	m.CacheBytesInUse.Set(float64(bytes))
}

func (m *Metrics) ReconcilerRetry() {
	if m == nil {
		return
	}
	m.ReconcilerRetriesTotal.Inc()
}

func (m *Metrics) ReconcilerTimeout() {
	if m == nil {
		return
	}
	m.ReconcilerTimeoutsTotal.Inc()
}

func (m *Metrics) ObserveFetchDuration(seconds float64) {
	if m == nil {
		return
	}
	m.ReconcilerFetchDuration.Observe(seconds)
}

func (m *Metrics) ObserveStoreDuration(seconds float64) {
	if m == nil {
		return
	}
	m.ReconcilerStoreDuration.Observe(seconds)
}

func (m *Metrics) AddBytesUploaded(n int) {
	if m == nil {
		return
	}
	m.BytesUploaded.Add(float64(n))
}

func (m *Metrics) AddBytesDownloaded(n int) {
	if m == nil {
		return
	}
	m.BytesDownloaded.Add(float64(n))
}
