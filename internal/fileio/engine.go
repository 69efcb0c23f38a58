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

// Package fileio implements the per-open-file operations the filesystem
// binding drives: read, write, truncate, fsync, flush, release, fgetattr.
// It composes the key-lock registry, the block cache, the remote
// reconciler and the metadata catalog; it holds no state of its own
// beyond its collaborators and the configuration (block size, key
// derivation) fixed at mount.
package fileio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/s3qlfs/engine/clock"
	"github.com/s3qlfs/engine/internal/addr"
	"github.com/s3qlfs/engine/internal/cache"
	"github.com/s3qlfs/engine/internal/catalog"
	"github.com/s3qlfs/engine/internal/keylock"
	"github.com/s3qlfs/engine/internal/reconciler"
)

// Engine implements the seven per-open-file operations. One Engine serves an
// entire mount; per-file state (the current path used for key derivation
// under legacy, non-obfuscated keying) is passed into each call rather
// than held on an object, since the catalog — not this package — owns
// inode identity and lifetime.
type Engine struct {
	blockSize int64
	keyFunc   addr.KeyFunc

	cat   catalog.Catalog
	cache *cache.Cache
	recon *reconciler.Reconciler
	locks *keylock.Registry
	clk   clock.Clock
}

// New builds an Engine. keyFunc should be addr.Key for obfuscate_keys=true
// mounts (the default) or addr.PathKey for the legacy, discouraged
// pathname-embedding scheme.
func New(blockSize int64, keyFunc addr.KeyFunc, cat catalog.Catalog, blockCache *cache.Cache, recon *reconciler.Reconciler, locks *keylock.Registry, clk clock.Clock) *Engine {
	return &Engine{
		blockSize: blockSize,
		keyFunc:   keyFunc,
		cat:       cat,
		cache:     blockCache,
		recon:     recon,
		locks:     locks,
		clk:       clk,
	}
}

// ErrDamaged is returned by every operation except the no-op Release once
// the catalog's damaged flag has been set (by a propagation timeout during
// fetchBlock), until an
// offline consistency check clears it. The flag is sticky across the whole
// mount, not just the operation that tripped it.
var ErrDamaged = errors.New("fileio: filesystem marked damaged")

func (e *Engine) checkDamaged(ctx context.Context) error {
	damaged, err := e.cat.Damaged(ctx)
	if err != nil {
		return fmt.Errorf("fileio: check damaged flag: %w", err)
	}
	if damaged {
		return ErrDamaged
	}
	return nil
}

// Read implements read(length, offset) -> bytes. buf is sized to the
// caller's requested length; Read clamps the effective read to the
// containing block and reports how many of buf's leading bytes it filled.
// Reads never cross a block boundary, and both a cache miss and a local
// file shorter than the requested position are reported as n == the
// clamped length with buf zero-filled (a sparse hole), not as an error.
func (e *Engine) Read(ctx context.Context, inode uint64, path string, offset int64, buf []byte) (n int, err error) {
	if err := e.checkDamaged(ctx); err != nil {
		return 0, err
	}
	if offset < 0 {
		return 0, fmt.Errorf("fileio: negative read offset %d", offset)
	}
	block, blockOffset := addr.Of(inode, offset, e.blockSize)
	length := int64(len(buf))
	if maxlen := block.End(e.blockSize) - offset; length > maxlen {
		length = maxlen
	}
	buf = buf[:length]
	for i := range buf {
		buf[i] = 0
	}

	key := e.keyFunc(block, path)
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	f, _, hit, err := e.cache.OpenBlock(ctx, key, inode, block.BlockStart, e.blockSize, false)
	if err != nil {
		return 0, err
	}

	if hit {
		info, statErr := f.Stat()
		if statErr != nil {
			return 0, fmt.Errorf("fileio: stat %q: %w", key, statErr)
		}
		if blockOffset >= info.Size() {
			n = len(buf) // seek lands short: sparse hole, already zero-filled
		} else {
			got, readErr := f.ReadAt(buf, blockOffset)
			if readErr != nil && !errors.Is(readErr, io.EOF) {
				return 0, fmt.Errorf("fileio: read %q: %w", key, readErr)
			}
			n = got
		}
	} else {
		n = len(buf) // cache miss: sparse hole, already zero-filled
	}

	if err := e.cat.UpdateInodeTimes(ctx, inode, e.clk.Now(), time.Time{}); err != nil {
		return n, fmt.Errorf("fileio: update atime for inode %d: %w", inode, err)
	}
	return n, nil
}

// Write implements write(buffer, offset) -> written_count. At most one
// block is touched per call.
func (e *Engine) Write(ctx context.Context, inode uint64, path string, offset int64, buf []byte) (written int, err error) {
	if err := e.checkDamaged(ctx); err != nil {
		return 0, err
	}
	if offset < 0 {
		return 0, fmt.Errorf("fileio: negative write offset %d", offset)
	}
	block, blockOffset := addr.Of(inode, offset, e.blockSize)
	maxwrite := block.End(e.blockSize) - offset
	if int64(len(buf)) > maxwrite {
		buf = buf[:maxwrite]
	}

	key := e.keyFunc(block, path)
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	f, _, _, err := e.cache.OpenBlock(ctx, key, inode, block.BlockStart, e.blockSize, true)
	if err != nil {
		return 0, err
	}

	written, err = f.WriteAt(buf, blockOffset)
	if err != nil {
		return written, fmt.Errorf("fileio: write %q: %w", key, err)
	}

	info, err := f.Stat()
	if err != nil {
		return written, fmt.Errorf("fileio: stat %q after write: %w", key, err)
	}
	if err := e.cache.SetSize(ctx, key, info.Size()); err != nil {
		return written, err
	}

	hasHigher, err := e.cat.HasObjectPastOffset(ctx, inode, block.BlockStart)
	if err != nil {
		return written, fmt.Errorf("fileio: check higher blocks for inode %d: %w", inode, err)
	}
	if !hasHigher {
		newInodeSize := block.BlockStart + info.Size()
		if err := e.cat.UpdateInodeSize(ctx, inode, newInodeSize, e.clk.Now()); err != nil {
			return written, fmt.Errorf("fileio: update size for inode %d: %w", inode, err)
		}
	}

	if err := e.cache.MarkDirty(ctx, key); err != nil {
		return written, err
	}
	if err := e.cat.UpdateInodeTimes(ctx, inode, time.Time{}, e.clk.Now()); err != nil {
		return written, fmt.Errorf("fileio: update mtime for inode %d: %w", inode, err)
	}

	return written, nil
}

// Truncate implements truncate(new_length).
func (e *Engine) Truncate(ctx context.Context, inode uint64, path string, newLength int64) error {
	if err := e.checkDamaged(ctx); err != nil {
		return err
	}
	if newLength < 0 {
		return fmt.Errorf("fileio: negative truncate length %d", newLength)
	}

	removed, err := e.dropBlocksAtOrPast(ctx, inode, newLength)
	if err != nil {
		return err
	}
	for _, row := range removed {
		e.locks.Lock(row.S3Key)
		if err := e.cache.Drop(ctx, row.S3Key); err != nil {
			e.locks.Unlock(row.S3Key)
			return err
		}
		_ = e.recon.Delete(ctx, row.S3Key) // best-effort remote cleanup
		e.locks.Unlock(row.S3Key)
	}

	if newLength > 0 {
		return e.truncateFinalBlock(ctx, inode, path, newLength)
	}

	if err := e.cat.UpdateInodeSize(ctx, inode, newLength, e.clk.Now()); err != nil {
		return fmt.Errorf("fileio: update size for inode %d: %w", inode, err)
	}
	if err := e.cat.UpdateInodeTimes(ctx, inode, time.Time{}, e.clk.Now()); err != nil {
		return fmt.Errorf("fileio: update mtime for inode %d: %w", inode, err)
	}
	return nil
}

// dropBlocksAtOrPast atomically reads and deletes every catalog row for
// inode with offset >= newLength, inside one catalog transaction, so a
// concurrent writer cannot resurrect a block between the read and the
// delete.
func (e *Engine) dropBlocksAtOrPast(ctx context.Context, inode uint64, newLength int64) ([]catalog.ObjectRow, error) {
	var removed []catalog.ObjectRow
	err := e.cat.WithTx(ctx, func(tx catalog.Tx) error {
		rows, err := tx.ObjectsAtOrPast(ctx, inode, newLength)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := tx.DeleteObject(ctx, row.S3Key); err != nil {
				return err
			}
		}
		removed = rows
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fileio: truncate transaction for inode %d: %w", inode, err)
	}
	return removed, nil
}

// truncateFinalBlock handles the block straddling newLength-1: the last
// block that should still exist after truncation. If it does not exist
// yet (the file is being extended into what was previously a hole or past
// EOF), it is created and a single zero byte is written at its last valid
// position, materializing a sparse tail on local disk. Otherwise its local
// file is truncated to the new length within the block.
//
// The inode size and mtime catalog updates happen here, before the key
// lock acquired below is released, so a concurrent write to this same
// block cannot land between the unlock and a stale size update clobbering
// it.
func (e *Engine) truncateFinalBlock(ctx context.Context, inode uint64, path string, newLength int64) error {
	block, blockOffset := addr.Of(inode, newLength-1, e.blockSize)
	localLen := blockOffset + 1

	key := e.keyFunc(block, path)
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	f, _, hit, err := e.cache.OpenBlock(ctx, key, inode, block.BlockStart, e.blockSize, true)
	if err != nil {
		return err
	}

	if !hit {
		if _, err := f.WriteAt([]byte{0}, blockOffset); err != nil {
			return fmt.Errorf("fileio: materialize sparse tail for %q: %w", key, err)
		}
		if err := e.cache.MarkDirty(ctx, key); err != nil {
			return err
		}
	} else {
		if err := f.Truncate(localLen); err != nil {
			return fmt.Errorf("fileio: truncate local file for %q: %w", key, err)
		}
		if err := e.cache.MarkDirty(ctx, key); err != nil {
			return err
		}
	}
	if err := e.cache.SetSize(ctx, key, localLen); err != nil {
		return err
	}

	now := e.clk.Now()
	if err := e.cat.UpdateInodeSize(ctx, inode, newLength, now); err != nil {
		return fmt.Errorf("fileio: update size for inode %d: %w", inode, err)
	}
	if err := e.cat.UpdateInodeTimes(ctx, inode, time.Time{}, now); err != nil {
		return fmt.Errorf("fileio: update mtime for inode %d: %w", inode, err)
	}
	return nil
}

// Fsync implements fsync(dataonly) (dataonly is accepted but ignored:
// metadata is always synced through the catalog as it is mutated, so
// there is nothing extra a metadata-only fsync would skip). Fsync does
// NOT take any key lock: clearing the dirty flag before the upload, rather
// than after, is what keeps this safe (see syncOneBlock).
func (e *Engine) Fsync(ctx context.Context, inode uint64, _ bool) error {
	if err := e.checkDamaged(ctx); err != nil {
		return err
	}
	rows, err := e.cat.ObjectsByInode(ctx, inode)
	if err != nil {
		return fmt.Errorf("fileio: list blocks for inode %d: %w", inode, err)
	}
	for _, row := range rows {
		if !row.Dirty {
			continue
		}
		if err := e.syncOneBlock(ctx, row.S3Key); err != nil {
			return err
		}
	}
	return nil
}

// syncOneBlock clears dirty, fsyncs the local file, and uploads it,
// mirroring the ordering s3ql's file.py fsync uses: the dirty flag is
// cleared before the upload starts, so a concurrent writer that lands
// under the block's key lock while the upload is in flight re-dirties it
// and guarantees a later fsync re-uploads the newer content. Clearing dirty
// after the upload would let such an interleaved write be lost.
func (e *Engine) syncOneBlock(ctx context.Context, key string) error {
	if err := e.cat.SetDirty(ctx, key, false); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil // dropped concurrently; nothing to sync
		}
		return fmt.Errorf("fileio: clear dirty for %q: %w", key, err)
	}

	if f, ok := e.cache.Handle(key); ok {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("fileio: fsync local file for %q: %w", key, err)
		}
	}

	tag, err := e.recon.Store(ctx, key, e.cache.LocalPath(key))
	if err != nil {
		return err
	}
	if err := e.cat.SetETag(ctx, key, tag); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("fileio: record etag for %q: %w", key, err)
	}
	return nil
}

// Flush implements flush: equivalent to fsync(false), invoked on close so
// write errors can still be reported to the application.
func (e *Engine) Flush(ctx context.Context, inode uint64) error {
	return e.Fsync(ctx, inode, false)
}

// Release implements release: a no-op. Local cache state outlives the
// open file descriptor; eviction and truncate are what actually reclaim
// it.
func (e *Engine) Release(context.Context, uint64) error {
	return nil
}

// Fgetattr implements fgetattr: delegates entirely to the catalog.
func (e *Engine) Fgetattr(ctx context.Context, inode uint64) (catalog.InodeRow, error) {
	if err := e.checkDamaged(ctx); err != nil {
		return catalog.InodeRow{}, err
	}
	return e.cat.GetInode(ctx, inode)
}
