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

// Package badger is an embedded, transactional implementation of
// catalog.Catalog backed by github.com/dgraph-io/badger/v4 — grounded in
// marmos91/dittofs's pkg/metadata/badger store, which persists its own
// filesystem metadata the same way: one value per logical row, keyed by a
// deterministic byte-string prefix, mutated inside db.Update transactions.
//
// Object rows are indexed twice: once by their s3_objects primary key (the
// object key itself) and once by (inode, offset) so that ObjectsByInode,
// HasObjectPastOffset, and the truncate transaction's ObjectsAtOrPast can
// range-scan instead of touching every row in the store.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/s3qlfs/engine/internal/catalog"
)

const (
	prefixObject    = "obj/"       // obj/<s3key>                      -> json(ObjectRow)
	prefixObjIndex  = "objidx/"    // objidx/<inode BE64><offset BE64>/<s3key> -> s3key
	prefixInode     = "inode/"     // inode/<id>                       -> json(InodeRow)
	keyDamagedFlag  = "sys/damaged"
)

// Store is a Badger-backed catalog.Catalog.
type Store struct {
	db *badger.DB
}

// Open opens (creating if necessary) a Badger database at dir and returns a
// Store backed by it. Callers are responsible for calling Close.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger.Open: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying Badger database.
func (s *Store) Close() error {
	return s.db.Close()
}

func objectKey(s3key string) []byte {
	return []byte(prefixObject + s3key)
}

func objectIndexKey(inode uint64, offset int64, s3key string) []byte {
	var buf [8 + 8]byte
	binary.BigEndian.PutUint64(buf[0:8], inode)
	binary.BigEndian.PutUint64(buf[8:16], uint64(offset))
	return append([]byte(prefixObjIndex), append(buf[:], []byte("/"+s3key)...)...)
}

func objectIndexPrefix(inode uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], inode)
	return append([]byte(prefixObjIndex), buf[:]...)
}

func inodeKey(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return append([]byte(prefixInode), buf[:]...)
}

func (s *Store) GetObject(_ context.Context, key string) (catalog.ObjectRow, error) {
	var row catalog.ObjectRow
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(objectKey(key))
		if err == badger.ErrKeyNotFound {
			return catalog.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &row)
		})
	})
	return row, err
}

func (s *Store) PutObject(_ context.Context, row catalog.ObjectRow) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putObjectTxn(txn, row)
	})
}

// putObjectTxn writes row and its secondary index entry, replacing any
// stale index entry left by a prior row at the same key with a different
// offset (which should not happen in practice since a block's offset is
// immutable once a row is created, but kept here for safety).
func putObjectTxn(txn *badger.Txn, row catalog.ObjectRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	old, err := getObjectTxn(txn, row.S3Key)
	switch {
	case err == nil && (old.Inode != row.Inode || old.Offset != row.Offset):
		if err := txn.Delete(objectIndexKey(old.Inode, old.Offset, old.S3Key)); err != nil {
			return err
		}
	case err != nil && err != catalog.ErrNotFound:
		return err
	}
	if err := txn.Set(objectKey(row.S3Key), data); err != nil {
		return err
	}
	return txn.Set(objectIndexKey(row.Inode, row.Offset, row.S3Key), []byte(row.S3Key))
}

func deleteObjectTxn(txn *badger.Txn, row catalog.ObjectRow) error {
	if err := txn.Delete(objectKey(row.S3Key)); err != nil {
		return err
	}
	return txn.Delete(objectIndexKey(row.Inode, row.Offset, row.S3Key))
}

func (s *Store) SetDirty(_ context.Context, key string, dirty bool) error {
	return s.db.Update(func(txn *badger.Txn) error {
		row, err := getObjectTxn(txn, key)
		if err != nil {
			return err
		}
		row.Dirty = dirty
		return putObjectTxn(txn, row)
	})
}

func (s *Store) SetETag(_ context.Context, key, etag string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		row, err := getObjectTxn(txn, key)
		if err != nil {
			return err
		}
		row.ETag = etag
		return putObjectTxn(txn, row)
	})
}

func (s *Store) DeleteObject(ctx context.Context, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		row, err := getObjectTxn(txn, key)
		if err == catalog.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return deleteObjectTxn(txn, row)
	})
}

func getObjectTxn(txn *badger.Txn, key string) (catalog.ObjectRow, error) {
	var row catalog.ObjectRow
	item, err := txn.Get(objectKey(key))
	if err == badger.ErrKeyNotFound {
		return row, catalog.ErrNotFound
	}
	if err != nil {
		return row, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &row)
	})
	return row, err
}

func (s *Store) ObjectsByInode(_ context.Context, inode uint64) ([]catalog.ObjectRow, error) {
	var out []catalog.ObjectRow
	err := s.db.View(func(txn *badger.Txn) error {
		rows, err := scanByInode(txn, inode, 0)
		out = rows
		return err
	})
	return out, err
}

func (s *Store) HasObjectPastOffset(_ context.Context, inode uint64, offset int64) (bool, error) {
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		rows, err := scanByInode(txn, inode, offset+1)
		if err != nil {
			return err
		}
		found = len(rows) > 0
		return nil
	})
	return found, err
}

// scanByInode range-scans the (inode, offset) secondary index for rows
// with Offset >= minOffset, then resolves each to its full row.
func scanByInode(txn *badger.Txn, inode uint64, minOffset int64) ([]catalog.ObjectRow, error) {
	prefix := objectIndexPrefix(inode)

	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var out []catalog.ObjectRow
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var s3key string
		if err := it.Item().Value(func(val []byte) error {
			s3key = string(val)
			return nil
		}); err != nil {
			return nil, err
		}
		row, err := getObjectTxn(txn, s3key)
		if err == catalog.ErrNotFound {
			continue // index entry stale (deleted concurrently); skip.
		}
		if err != nil {
			return nil, err
		}
		if row.Offset >= minOffset {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *Store) CachedEntries(_ context.Context) ([]catalog.ObjectRow, error) {
	var out []catalog.ObjectRow
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixObject)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var row catalog.ObjectRow
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				return err
			}
			if row.Open {
				out = append(out, row)
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) GetInode(_ context.Context, id uint64) (catalog.InodeRow, error) {
	var row catalog.InodeRow
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(inodeKey(id))
		if err == badger.ErrKeyNotFound {
			return catalog.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &row)
		})
	})
	return row, err
}

// PutInode installs or overwrites an inode row. Exposed for the filesystem
// binding/catalog owner to seed rows on inode creation; the engine never
// creates inodes itself.
func (s *Store) PutInode(_ context.Context, row catalog.InodeRow) error {
	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return txn.Set(inodeKey(row.ID), data)
	})
}

func (s *Store) UpdateInodeSize(_ context.Context, id uint64, size int64, ctime time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		row, err := getInodeTxn(txn, id)
		if err != nil {
			return err
		}
		row.Size = size
		row.Ctime = ctime
		return putInodeTxn(txn, row)
	})
}

func (s *Store) UpdateInodeTimes(_ context.Context, id uint64, atime, mtime time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		row, err := getInodeTxn(txn, id)
		if err != nil {
			return err
		}
		if !atime.IsZero() {
			row.Atime = atime
		}
		if !mtime.IsZero() {
			row.Mtime = mtime
		}
		return putInodeTxn(txn, row)
	})
}

func getInodeTxn(txn *badger.Txn, id uint64) (catalog.InodeRow, error) {
	var row catalog.InodeRow
	item, err := txn.Get(inodeKey(id))
	if err == badger.ErrKeyNotFound {
		return row, catalog.ErrNotFound
	}
	if err != nil {
		return row, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &row)
	})
	return row, err
}

func putInodeTxn(txn *badger.Txn, row catalog.InodeRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return txn.Set(inodeKey(row.ID), data)
}

func (s *Store) Damaged(_ context.Context) (bool, error) {
	damaged := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyDamagedFlag))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			damaged = len(val) == 1 && val[0] == 1
			return nil
		})
	})
	return damaged, err
}

func (s *Store) MarkDamaged(_ context.Context) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyDamagedFlag), []byte{1})
	})
}

func (s *Store) ResetOpenState(_ context.Context) error {
	return s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixObject)
		var stale []catalog.ObjectRow
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var row catalog.ObjectRow
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				return err
			}
			if row.Open {
				row.Open = false
				stale = append(stale, row)
			}
		}
		for _, row := range stale {
			if err := putObjectTxn(txn, row); err != nil {
				return err
			}
		}
		return nil
	})
}

// badgerTx adapts an in-flight *badger.Txn to catalog.Tx for the duration
// of a single WithTx call.
type badgerTx struct {
	txn *badger.Txn
}

func (t *badgerTx) ObjectsAtOrPast(_ context.Context, inode uint64, minOffset int64) ([]catalog.ObjectRow, error) {
	return scanByInode(t.txn, inode, minOffset)
}

func (t *badgerTx) DeleteObject(_ context.Context, key string) error {
	row, err := getObjectTxn(t.txn, key)
	if err == catalog.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return deleteObjectTxn(t.txn, row)
}

func (s *Store) WithTx(ctx context.Context, fn func(catalog.Tx) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	})
}

var _ catalog.Catalog = (*Store)(nil)
