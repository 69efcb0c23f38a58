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

// Package catalog defines the metadata-catalog interface the engine
// consumes: a transactional key/value store exposing the s3_objects and
// inodes tables. The engine treats the catalog as an external
// collaborator; this package only defines the contract and ships two
// implementations (memory, for tests and small mounts, and badger, for a
// real embedded transactional store).
//
// Per DESIGN NOTES "Catalog ownership of fd", the catalog never stores a
// live file descriptor. ObjectRow.Open records only whether the block is
// currently believed to be open on local disk; the engine keeps the actual
// *os.File in an in-memory map (see internal/cache) and resets Open to
// false for every row at startup.
package catalog

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get-style methods when the row does not exist.
var ErrNotFound = errors.New("catalog: row not found")

// ObjectRow is one row of the s3_objects table.
type ObjectRow struct {
	S3Key string
	Inode uint64
	Offset int64 // block-aligned
	// Open records whether the engine currently believes this block has an
	// open local cache file. It is advisory bookkeeping only; restored to
	// false for every row on process startup (see Catalog.ResetOpenState).
	Open bool
	Dirty bool
	Size  int64
	Atime time.Time
	// ETag is the last-known remote version tag, or "" if the block has
	// never been synced to the object store (e.g. a freshly created,
	// still-dirty block).
	ETag string
}

// InodeRow is the subset of the inodes table the engine mutates. id,
// creation, and all other attributes belong to the catalog/external
// collaborators; the engine only ever updates size/atime/mtime/ctime.
type InodeRow struct {
	ID    uint64
	Size  int64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// Tx is a catalog transaction scope. It is used exactly once, by truncate,
// to atomically read and then delete every row at or past a byte offset:
// the read and delete must happen without another writer's operation
// interleaving, or a concurrent writer could resurrect a block between the
// two steps.
type Tx interface {
	// ObjectsAtOrPast returns every s3_objects row for inode with
	// Offset >= minOffset.
	ObjectsAtOrPast(ctx context.Context, inode uint64, minOffset int64) ([]ObjectRow, error)

	// DeleteObject removes a single s3_objects row by key.
	DeleteObject(ctx context.Context, key string) error
}

// Catalog is the metadata-catalog contract the engine requires.
type Catalog interface {
	// GetObject returns the row for key, or ErrNotFound if it does not
	// exist.
	GetObject(ctx context.Context, key string) (ObjectRow, error)

	// PutObject inserts or replaces the row for row.S3Key.
	PutObject(ctx context.Context, row ObjectRow) error

	// SetDirty sets only the dirty column for key, leaving every other
	// column untouched. fsync relies on this being a targeted update
	// rather than a whole-row replacement: fsync runs without the key
	// lock held, so a concurrent write under the key lock
	// may be updating Size/Atime/Open at the same time, and a whole-row
	// write from fsync would otherwise risk clobbering it.
	SetDirty(ctx context.Context, key string, dirty bool) error

	// SetETag sets only the etag column for key, for the same reason as
	// SetDirty.
	SetETag(ctx context.Context, key, etag string) error

	// DeleteObject removes the row for key, if any.
	DeleteObject(ctx context.Context, key string) error

	// ObjectsByInode returns every s3_objects row belonging to inode,
	// in no particular order.
	ObjectsByInode(ctx context.Context, inode uint64) ([]ObjectRow, error)

	// HasObjectPastOffset reports whether any s3_objects row for inode has
	// Offset strictly greater than offset. Used by write to decide whether
	// the inode's size should move.
	HasObjectPastOffset(ctx context.Context, inode uint64, offset int64) (bool, error)

	// CachedEntries returns every row currently believed to have an open
	// local file (Open == true), across all inodes. Used by eviction to
	// pick an LRU victim.
	CachedEntries(ctx context.Context) ([]ObjectRow, error)

	// GetInode returns the inode row for id.
	GetInode(ctx context.Context, id uint64) (InodeRow, error)

	// UpdateInodeSize sets size and bumps ctime for inode id.
	UpdateInodeSize(ctx context.Context, id uint64, size int64, ctime time.Time) error

	// UpdateInodeTimes advisorily updates atime and/or mtime; a zero
	// time.Time for either argument leaves that field unchanged. Last
	// writer wins; these columns are advisory.
	UpdateInodeTimes(ctx context.Context, id uint64, atime, mtime time.Time) error

	// Damaged reports the sticky filesystem-damaged bit.
	Damaged(ctx context.Context) (bool, error)

	// MarkDamaged sets the sticky filesystem-damaged bit. It is never
	// cleared by the engine; only an offline consistency check does that.
	MarkDamaged(ctx context.Context) error

	// WithTx runs fn inside a transaction scope satisfying Tx.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// ResetOpenState clears Open on every s3_objects row. Must be called
	// once at mount time, before any engine operation runs, because a live
	// fd cannot survive a process restart.
	ResetOpenState(ctx context.Context) error
}
