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

// Package cache maintains a bounded-size local mirror of object payloads
// with LRU eviction. Every exported method assumes the caller already
// holds the key lock for the block in question (internal/keylock);
// eviction is the one operation that acquires a key lock of its own, for a
// victim distinct from whatever the caller is holding, and only ever one
// at a time.
//
// Per the catalog package's contract, a catalog row never carries a live
// file descriptor. This package keeps the only in-process record of which
// local files are open, in handles, guarded by its own mutex distinct from
// any key lock.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	fallocate "github.com/detailyang/go-fallocate"

	"github.com/s3qlfs/engine/clock"
	"github.com/s3qlfs/engine/internal/addr"
	"github.com/s3qlfs/engine/internal/catalog"
	"github.com/s3qlfs/engine/internal/keylock"
	"github.com/s3qlfs/engine/internal/metrics"
	"github.com/s3qlfs/engine/internal/reconciler"
)

// Cache is the block cache. dir holds one file per cached block, named by
// addr.EscapeFilename(key); budget bounds the sum of cached entry sizes
// that EvictUntilFree will tolerate.
type Cache struct {
	dir    string
	budget int64

	cat   catalog.Catalog
	recon *reconciler.Reconciler
	locks *keylock.Registry
	clk   clock.Clock
	m     *metrics.Metrics

	bytesInUse int64

	mu      sync.Mutex
	handles map[string]*os.File
}

// New builds a Cache rooted at dir with the given byte budget. locks must
// be the same registry the engine uses to guard per-key critical sections;
// EvictUntilFree acquires it for its victim.
func New(dir string, budget int64, cat catalog.Catalog, recon *reconciler.Reconciler, locks *keylock.Registry, clk clock.Clock) *Cache {
	return &Cache{
		dir:     dir,
		budget:  budget,
		cat:     cat,
		recon:   recon,
		locks:   locks,
		clk:     clk,
		handles: make(map[string]*os.File),
	}
}

// SetMetrics attaches m so OpenBlock, evictOne, and size changes report
// cache hit/miss counts, eviction counts, and bytes-in-use. A Cache with no
// metrics attached (the zero value, nil) records nothing.
func (c *Cache) SetMetrics(m *metrics.Metrics) {
	c.m = m
}

func (c *Cache) adjustBytesInUse(delta int64) {
	v := atomic.AddInt64(&c.bytesInUse, delta)
	c.m.SetCacheBytesInUse(v)
}

func (c *Cache) localPath(key string) string {
	return filepath.Join(c.dir, addr.EscapeFilename(key))
}

func (c *Cache) handle(key string) (*os.File, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.handles[key]
	return f, ok
}

func (c *Cache) setHandle(key string, f *os.File) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles[key] = f
}

func (c *Cache) clearHandle(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, key)
}

// OpenBlock implements open_block(key, create). The caller must hold
// key's key lock. hit reports whether the block already had a payload
// (either already open, or fetched here); it is false on a cache miss
// with create == false and also when the block was newly created here.
func (c *Cache) OpenBlock(ctx context.Context, key string, inode uint64, offset, blockSize int64, create bool) (f *os.File, row catalog.ObjectRow, hit bool, err error) {
	now := c.clk.Now()

	if f, ok := c.handle(key); ok {
		row, err = c.cat.GetObject(ctx, key)
		if err != nil {
			return nil, catalog.ObjectRow{}, false, fmt.Errorf("cache: reload open entry %q: %w", key, err)
		}
		row.Atime = now
		if err = c.cat.PutObject(ctx, row); err != nil {
			return nil, catalog.ObjectRow{}, false, fmt.Errorf("cache: touch atime for %q: %w", key, err)
		}
		c.m.CacheHit()
		return f, row, true, nil
	}

	row, err = c.cat.GetObject(ctx, key)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		c.m.CacheMiss()
		if !create {
			return nil, catalog.ObjectRow{}, false, nil
		}
		return c.createBlock(ctx, key, inode, offset, blockSize, now)
	case err != nil:
		return nil, catalog.ObjectRow{}, false, fmt.Errorf("cache: lookup %q: %w", key, err)
	default:
		c.m.CacheMiss()
		return c.fetchBlock(ctx, key, row, now)
	}
}

// createBlock allocates a new, empty local file for a block that has no
// catalog row yet, as open_block(key, create=true) requires when the
// block does not exist remotely. The file is preallocated to blockSize on
// platforms where fallocate is supported, purely to reduce fragmentation;
// its logical size stays zero until a write extends it.
func (c *Cache) createBlock(ctx context.Context, key string, inode uint64, offset, blockSize int64, now time.Time) (*os.File, catalog.ObjectRow, bool, error) {
	path := c.localPath(key)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, catalog.ObjectRow{}, false, fmt.Errorf("cache: create local file for %q: %w", key, err)
	}
	if blockSize > 0 {
		_ = fallocate.Fallocate(f, 0, blockSize) // best-effort; absence of support is not an error
	}

	row := catalog.ObjectRow{
		S3Key:  key,
		Inode:  inode,
		Offset: offset,
		Open:   true,
		Dirty:  true,
		Size:   0,
		Atime:  now,
	}
	if err := c.cat.PutObject(ctx, row); err != nil {
		f.Close()
		os.Remove(path)
		return nil, catalog.ObjectRow{}, false, fmt.Errorf("cache: insert row for %q: %w", key, err)
	}
	c.setHandle(key, f)
	return f, row, false, nil
}

// fetchBlock brings a block that exists in the catalog, but is not
// currently open locally, onto local disk via the reconciler, and opens
// it.
func (c *Cache) fetchBlock(ctx context.Context, key string, row catalog.ObjectRow, now time.Time) (*os.File, catalog.ObjectRow, bool, error) {
	path := c.localPath(key)
	tag, err := c.recon.Fetch(ctx, key, path, row.ETag)
	if err != nil {
		if errors.Is(err, reconciler.ErrPropagationTimeout) {
			if markErr := c.cat.MarkDamaged(ctx); markErr != nil {
				return nil, catalog.ObjectRow{}, false, fmt.Errorf("cache: mark damaged after %w: %v", err, markErr)
			}
		}
		return nil, catalog.ObjectRow{}, false, fmt.Errorf("cache: fetch %q: %w", key, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, catalog.ObjectRow{}, false, fmt.Errorf("cache: open fetched file for %q: %w", key, err)
	}

	row.Open = true
	row.ETag = tag
	row.Atime = now
	if err := c.cat.PutObject(ctx, row); err != nil {
		f.Close()
		return nil, catalog.ObjectRow{}, false, fmt.Errorf("cache: update row for %q: %w", key, err)
	}
	c.setHandle(key, f)
	c.adjustBytesInUse(row.Size)
	return f, row, true, nil
}

// MarkDirty sets the dirty flag for key. The caller must hold key's key
// lock and must already have an open entry (enforced by returning
// catalog.ErrNotFound otherwise).
func (c *Cache) MarkDirty(ctx context.Context, key string) error {
	if err := c.cat.SetDirty(ctx, key, true); err != nil {
		return fmt.Errorf("cache: mark dirty %q: %w", key, err)
	}
	return nil
}

// SetSize updates the size column of key's cache entry to reflect the new
// end-of-file position of its local file.
func (c *Cache) SetSize(ctx context.Context, key string, size int64) error {
	row, err := c.cat.GetObject(ctx, key)
	if err != nil {
		return fmt.Errorf("cache: set size for %q: %w", key, err)
	}
	delta := size - row.Size
	row.Size = size
	if err := c.cat.PutObject(ctx, row); err != nil {
		return fmt.Errorf("cache: set size for %q: %w", key, err)
	}
	c.adjustBytesInUse(delta)
	return nil
}

// Handle returns the locally open file for key, if the engine currently
// believes it is cached. Exposed for fsync, which must sync the file
// without taking key's key lock.
func (c *Cache) Handle(key string) (*os.File, bool) {
	return c.handle(key)
}

// LocalPath returns the local cache file path for key.
func (c *Cache) LocalPath(key string) string {
	return c.localPath(key)
}

// EvictUntilFree evicts cached entries, smallest atime first, until the
// sum of cached entry sizes plus bytesNeeded fits within budget, or there
// is nothing left to evict. Each candidate's key lock is acquired before
// eviction proceeds, and the entry is re-checked under that lock since it
// may have been dropped or flushed by its owner between selection and
// acquisition.
func (c *Cache) EvictUntilFree(ctx context.Context, bytesNeeded int64) error {
	for {
		entries, err := c.cat.CachedEntries(ctx)
		if err != nil {
			return fmt.Errorf("cache: list cached entries: %w", err)
		}

		var total int64
		for _, e := range entries {
			total += e.Size
		}
		if total+bytesNeeded <= c.budget || len(entries) == 0 {
			return nil
		}

		victim := pickVictim(entries)
		if err := c.evictOne(ctx, victim.S3Key); err != nil {
			return err
		}
	}
}

// pickVictim returns the entry with the smallest atime, breaking ties by
// key so that eviction order is deterministic within one process.
func pickVictim(entries []catalog.ObjectRow) catalog.ObjectRow {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Atime.Equal(entries[j].Atime) {
			return entries[i].Atime.Before(entries[j].Atime)
		}
		return entries[i].S3Key < entries[j].S3Key
	})
	return entries[0]
}

func (c *Cache) evictOne(ctx context.Context, key string) error {
	c.locks.Lock(key)
	defer c.locks.Unlock(key)

	row, err := c.cat.GetObject(ctx, key)
	if errors.Is(err, catalog.ErrNotFound) || !row.Open {
		// Flushed, dropped, or never really there: nothing to evict here,
		// caller's loop will re-select.
		return nil
	}
	if err != nil {
		return fmt.Errorf("cache: reload victim %q: %w", key, err)
	}

	if f, ok := c.handle(key); ok {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("cache: fsync victim %q before eviction: %w", key, err)
		}
		// Clear the handle before closing it so a concurrent Fsync (which
		// takes no key lock) cannot look it up via Handle and call Sync on
		// an already-closed file.
		c.clearHandle(key)
		if err := f.Close(); err != nil {
			return fmt.Errorf("cache: close victim %q before eviction: %w", key, err)
		}
	}

	if row.Dirty {
		tag, err := c.recon.Store(ctx, key, c.localPath(key))
		if err != nil {
			return fmt.Errorf("cache: upload victim %q during eviction: %w", key, err)
		}
		row.ETag = tag
		row.Dirty = false
	}

	if err := os.Remove(c.localPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cache: unlink victim %q: %w", key, err)
	}

	row.Open = false
	if err := c.cat.PutObject(ctx, row); err != nil {
		return fmt.Errorf("cache: update evicted row %q: %w", key, err)
	}
	c.adjustBytesInUse(-row.Size)
	if c.m != nil {
		c.m.EvictionsTotal.Inc()
	}
	return nil
}

// Drop closes and unlinks key's local file, if any, and removes its
// catalog row outright. The caller must hold key's key lock; truncate is
// the only caller.
func (c *Cache) Drop(ctx context.Context, key string) error {
	if f, ok := c.handle(key); ok {
		if err := f.Close(); err != nil {
			return fmt.Errorf("cache: close dropped entry %q: %w", key, err)
		}
		c.clearHandle(key)
	}
	if row, err := c.cat.GetObject(ctx, key); err == nil {
		c.adjustBytesInUse(-row.Size)
	}
	if err := os.Remove(c.localPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cache: unlink dropped entry %q: %w", key, err)
	}
	if err := c.cat.DeleteObject(ctx, key); err != nil {
		return fmt.Errorf("cache: delete row for dropped entry %q: %w", key, err)
	}
	return nil
}
