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

package objectstore

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
)

type entry struct {
	payload []byte
	tag     string
}

// Memory is an in-process Store with an injectable propagation delay,
// standing in for a real eventually-consistent object store in tests. A
// freshly stored generation is held as "pending" and every subsequent
// Lookup or FetchToFile call for that key counts down a per-key delay
// before the store "converges" and starts returning the new generation —
// this is what lets tests drive convergence-after-N-retries and
// never-converges-within-timeout scenarios.
type Memory struct {
	mu         sync.Mutex
	current    map[string]entry
	pending    map[string]entry
	delayCalls map[string]int // remaining Lookup/FetchToFile calls before pending becomes current
	nextTagNum uint64
}

// NewMemory returns an empty store. By default every StoreFromFile is
// visible immediately (delay 0); use SetPropagationDelay to simulate a
// store that takes N additional lookups to converge.
func NewMemory() *Memory {
	return &Memory{
		current:    make(map[string]entry),
		pending:    make(map[string]entry),
		delayCalls: make(map[string]int),
	}
}

// SetPropagationDelay configures the store so that the next StoreFromFile
// for key will not be visible to Lookup/FetchToFile until calls further
// Lookup/FetchToFile calls have occurred. Pass a very large calls value to
// simulate a store that never converges.
func (m *Memory) SetPropagationDelay(key string, calls int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delayCalls[key] = calls
}

func (m *Memory) nextTag() string {
	m.nextTagNum++
	return strconv.FormatUint(m.nextTagNum, 10)
}

// maybeConverge must be called with m.mu held. It counts this call toward
// the configured delay and, once exhausted, promotes the pending
// generation to current.
func (m *Memory) maybeConverge(key string) {
	pending, hasPending := m.pending[key]
	if !hasPending {
		return
	}
	remaining := m.delayCalls[key]
	if remaining > 0 {
		m.delayCalls[key] = remaining - 1
		return
	}
	m.current[key] = pending
	delete(m.pending, key)
	delete(m.delayCalls, key)
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for k := range m.current {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *Memory) Lookup(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.maybeConverge(key)
	e, ok := m.current[key]
	if !ok {
		return "", ErrNotFound
	}
	return e.tag, nil
}

func (m *Memory) FetchToFile(_ context.Context, key, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.maybeConverge(key)
	e, ok := m.current[key]
	if !ok {
		return "", ErrNotFound
	}
	if err := os.WriteFile(path, e.payload, 0o600); err != nil {
		return "", err
	}
	return e.tag, nil
}

func (m *Memory) StoreFromFile(_ context.Context, key, path string) (string, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tag := m.nextTag()
	e := entry{payload: payload, tag: tag}
	if m.delayCalls[key] > 0 {
		m.pending[key] = e
	} else {
		m.current[key] = e
		delete(m.pending, key)
	}
	return tag, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.current, key)
	delete(m.pending, key)
	delete(m.delayCalls, key)
	return nil
}

var _ Store = (*Memory)(nil)
