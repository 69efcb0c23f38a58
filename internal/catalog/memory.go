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

package catalog

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Catalog backed by a map and guarded by a single
// mutex. It is not meant to survive process restarts; it exists for tests
// and for small/ephemeral mounts. WithTx's isolation is simply "hold the
// mutex for the duration of fn".
type Memory struct {
	mu      sync.Mutex
	objects map[string]ObjectRow
	inodes  map[uint64]InodeRow
	damaged bool
}

// NewMemory returns an empty in-memory catalog. Callers should seed
// NewMemory().SeedInode for every inode the filesystem binding creates,
// mirroring the fact that inode creation belongs to the catalog/metadata
// layer, not the engine.
func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string]ObjectRow),
		inodes:  make(map[uint64]InodeRow),
	}
}

// SeedInode installs an inode row, as the (external) catalog would have
// done on file creation.
func (m *Memory) SeedInode(row InodeRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inodes[row.ID] = row
}

func (m *Memory) GetObject(_ context.Context, key string) (ObjectRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.objects[key]
	if !ok {
		return ObjectRow{}, ErrNotFound
	}
	return row, nil
}

func (m *Memory) PutObject(_ context.Context, row ObjectRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[row.S3Key] = row
	return nil
}

func (m *Memory) SetDirty(_ context.Context, key string, dirty bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.objects[key]
	if !ok {
		return ErrNotFound
	}
	row.Dirty = dirty
	m.objects[key] = row
	return nil
}

func (m *Memory) SetETag(_ context.Context, key, etag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.objects[key]
	if !ok {
		return ErrNotFound
	}
	row.ETag = etag
	m.objects[key] = row
	return nil
}

func (m *Memory) DeleteObject(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *Memory) ObjectsByInode(_ context.Context, inode uint64) ([]ObjectRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ObjectRow
	for _, row := range m.objects {
		if row.Inode == inode {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *Memory) HasObjectPastOffset(_ context.Context, inode uint64, offset int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.objects {
		if row.Inode == inode && row.Offset > offset {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) CachedEntries(_ context.Context) ([]ObjectRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ObjectRow
	for _, row := range m.objects {
		if row.Open {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *Memory) GetInode(_ context.Context, id uint64) (InodeRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.inodes[id]
	if !ok {
		return InodeRow{}, ErrNotFound
	}
	return row, nil
}

func (m *Memory) UpdateInodeSize(_ context.Context, id uint64, size int64, ctime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.inodes[id]
	if !ok {
		return ErrNotFound
	}
	row.Size = size
	row.Ctime = ctime
	m.inodes[id] = row
	return nil
}

func (m *Memory) UpdateInodeTimes(_ context.Context, id uint64, atime, mtime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.inodes[id]
	if !ok {
		return ErrNotFound
	}
	if !atime.IsZero() {
		row.Atime = atime
	}
	if !mtime.IsZero() {
		row.Mtime = mtime
	}
	m.inodes[id] = row
	return nil
}

func (m *Memory) Damaged(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.damaged, nil
}

func (m *Memory) MarkDamaged(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.damaged = true
	return nil
}

func (m *Memory) ResetOpenState(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, row := range m.objects {
		row.Open = false
		m.objects[k] = row
	}
	return nil
}

func (m *Memory) WithTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memoryTx{m: m})
}

// memoryTx implements Tx against the already-locked Memory catalog.
type memoryTx struct {
	m *Memory
}

func (t *memoryTx) ObjectsAtOrPast(_ context.Context, inode uint64, minOffset int64) ([]ObjectRow, error) {
	var out []ObjectRow
	for _, row := range t.m.objects {
		if row.Inode == inode && row.Offset >= minOffset {
			out = append(out, row)
		}
	}
	return out, nil
}

func (t *memoryTx) DeleteObject(_ context.Context, key string) error {
	delete(t.m.objects, key)
	return nil
}

var _ Catalog = (*Memory)(nil)
