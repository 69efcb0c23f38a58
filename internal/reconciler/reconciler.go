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

// Package reconciler moves block payloads between local disk and the
// object store under an eventual-consistency model. A fetch that observes
// a stale generation retries with bounded exponential backoff rather than
// failing the caller immediately; a fetch that never converges surfaces
// ErrPropagationTimeout so the engine can mark the filesystem damaged.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/googleapis/gax-go/v2"

	"github.com/s3qlfs/engine/clock"
	"github.com/s3qlfs/engine/internal/metrics"
	"github.com/s3qlfs/engine/internal/objectstore"
)

// ErrPropagationTimeout is returned by Fetch when the object store's
// reported version tag never converges with the expected tag before
// Config.Timeout elapses.
var ErrPropagationTimeout = errors.New("reconciler: propagation timeout waiting for object store to converge")

// Config controls the backoff loop Fetch uses when the store's observed
// generation does not match what the catalog expects: a 10ms initial delay,
// ×1.5 growth, and a 30s ceiling on cumulative wait.
type Config struct {
	InitialDelay time.Duration
	Multiplier   float64
	Timeout      time.Duration
}

// DefaultConfig returns the reconciler's default backoff parameters.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 10 * time.Millisecond,
		Multiplier:   1.5,
		Timeout:      30 * time.Second,
	}
}

// Reconciler fetches and stores block payloads against a Store, using clk
// for its retry loop so tests can drive it deterministically.
type Reconciler struct {
	store objectstore.Store
	clk   clock.Clock
	cfg   Config
	m     *metrics.Metrics
}

// New builds a Reconciler against store. Passing a zero Config selects
// DefaultConfig.
func New(store objectstore.Store, clk clock.Clock, cfg Config) *Reconciler {
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = DefaultConfig().InitialDelay
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = DefaultConfig().Multiplier
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Reconciler{store: store, clk: clk, cfg: cfg}
}

// SetMetrics attaches m so Fetch and Store report retry counts, timeout
// counts, transfer durations, and transferred bytes. A Reconciler with no
// metrics attached (the zero value, nil) records nothing.
func (r *Reconciler) SetMetrics(m *metrics.Metrics) {
	r.m = m
}

// Fetch downloads key's payload to localPath and returns the version tag
// observed. If expectedTag is non-empty and the initial fetch disagrees
// with it, Fetch polls Lookup (cheap: no payload transfer) with bounded
// exponential backoff (a gax.Backoff seeded from Config) until the
// tags agree, then re-fetches the payload once more and returns. If the
// cumulative wait exceeds Config.Timeout first, it returns
// ErrPropagationTimeout.
func (r *Reconciler) Fetch(ctx context.Context, key, localPath, expectedTag string) (string, error) {
	start := r.clk.Now()

	tag, err := r.store.FetchToFile(ctx, key, localPath)
	if err != nil {
		return "", fmt.Errorf("reconciler: fetch %q: %w", key, err)
	}
	if expectedTag == "" || tag == expectedTag {
		return r.finishFetch(localPath, tag, start), nil
	}

	backoff := gax.Backoff{
		Initial:    r.cfg.InitialDelay,
		Max:        r.cfg.Timeout,
		Multiplier: r.cfg.Multiplier,
	}
	deadline := start.Add(r.cfg.Timeout)

	for {
		if !r.clk.Now().Before(deadline) {
			r.m.ReconcilerTimeout()
			return "", fmt.Errorf("%w: key=%q expected=%q last-observed=%q", ErrPropagationTimeout, key, expectedTag, tag)
		}

		r.m.ReconcilerRetry()
		delay := backoff.Pause()
		if remaining := deadline.Sub(r.clk.Now()); delay > remaining {
			delay = remaining
		}
		select {
		case <-r.clk.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}

		tag, err = r.store.Lookup(ctx, key)
		if err != nil {
			return "", fmt.Errorf("reconciler: lookup %q: %w", key, err)
		}
		if tag == expectedTag {
			tag, err = r.store.FetchToFile(ctx, key, localPath)
			if err != nil {
				return "", fmt.Errorf("reconciler: fetch %q: %w", key, err)
			}
			return r.finishFetch(localPath, tag, start), nil
		}
	}
}

// finishFetch records the fetch's duration and transferred bytes once tag
// has converged, and returns tag unchanged for the caller's convenience.
func (r *Reconciler) finishFetch(localPath, tag string, start time.Time) string {
	r.m.ObserveFetchDuration(r.clk.Now().Sub(start).Seconds())
	if info, statErr := os.Stat(localPath); statErr == nil {
		r.m.AddBytesDownloaded(int(info.Size()))
	}
	return tag
}

// Store uploads the payload at localPath as key and returns the new
// version tag. There is no convergence check on store: the tag it returns
// is authoritative for what the engine just wrote, by definition.
func (r *Reconciler) Store(ctx context.Context, key, localPath string) (string, error) {
	start := r.clk.Now()
	tag, err := r.store.StoreFromFile(ctx, key, localPath)
	if err != nil {
		return "", fmt.Errorf("reconciler: store %q: %w", key, err)
	}
	r.m.ObserveStoreDuration(r.clk.Now().Sub(start).Seconds())
	if info, statErr := os.Stat(localPath); statErr == nil {
		r.m.AddBytesUploaded(int(info.Size()))
	}
	return tag, nil
}

// Delete issues a best-effort remote delete of key, used by truncate.
func (r *Reconciler) Delete(ctx context.Context, key string) error {
	return r.store.Delete(ctx, key)
}
