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

// Package keylock implements a process-wide registry granting exclusive
// access to a named object (an S3-style key) for the duration of a critical
// section.
//
// This is the Go rendering of the single-condvar design from
// s3ql/file.py's lock_s3key/unlock_s3key: one mutex guards a set of
// currently-held keys, and a condition variable broadcasts every release so
// waiters can re-check the set. It is coarser than a sharded per-key mutex
// table, but it matches the source's semantics exactly and keeps the
// registry itself trivially correct (DESIGN NOTES, option (b)).
package keylock

import "sync"

// Registry grants exclusive, non-reentrant access to string-keyed critical
// sections. The zero value is not usable; use New.
type Registry struct {
	mu     sync.Mutex
	cond   *sync.Cond
	locked map[string]struct{}
}

// New returns an empty registry.
func New() *Registry {
	r := &Registry{
		locked: make(map[string]struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Lock blocks until no other caller holds key, then marks it held.
//
// Lock is not reentrant: a goroutine that calls Lock while already holding
// key will deadlock against itself. Callers must never nest key-lock
// acquisitions (see the engine's deadlock-avoidance invariant).
func (r *Registry) Lock(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		if _, held := r.locked[key]; !held {
			r.locked[key] = struct{}{}
			return
		}
		r.cond.Wait()
	}
}

// Unlock releases key and wakes all waiters so they can re-check which keys
// are still held.
//
// Unlocking a key that is not held is a programming error and panics, to
// surface the bug immediately rather than silently corrupting lock state.
func (r *Registry) Unlock(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.locked[key]; !held {
		panic("keylock: unlock of key not held: " + key)
	}
	delete(r.locked, key)
	r.cond.Broadcast()
}

// Held reports whether key is currently locked by some caller. Intended for
// tests and invariant checks; racy with concurrent Lock/Unlock by design.
func (r *Registry) Held(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, held := r.locked[key]
	return held
}
