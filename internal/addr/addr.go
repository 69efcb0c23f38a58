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

// Package addr computes the block address of a byte offset and the object
// key and local cache filename derived from it. It is pure and stateless.
package addr

import (
	"strconv"
	"strings"
)

// Block is the (inode, block-aligned offset) pair that uniquely identifies a
// block.
type Block struct {
	Inode      uint64
	BlockStart int64
}

// Of computes the block address containing byte offset o, and the
// intra-block offset of o within that block.
//
// REQUIRES: blockSize > 0
func Of(inode uint64, o int64, blockSize int64) (b Block, blockOffset int64) {
	if blockSize <= 0 {
		panic("addr: non-positive block size")
	}
	index := o / blockSize
	b = Block{Inode: inode, BlockStart: index * blockSize}
	blockOffset = o - b.BlockStart
	return
}

// End returns the byte offset one past the last byte addressable in b.
func (b Block) End(blockSize int64) int64 {
	return b.BlockStart + blockSize
}

// KeyFunc derives an object-store key for a block. The obfuscated form
// (Key) is the default and the only one new mounts should use; PathKey is
// kept for filesystems that were mounted with obfuscate_keys=false before
// that option was discouraged (SPEC_FULL.md, Supplemented Features).
type KeyFunc func(b Block, path string) string

// Key derives the default, obfuscated object key from the inode number and
// block offset alone: "s3ql_<inode>-<offset>". This is the only key
// derivation that should be used for newly created filesystems.
func Key(b Block, _ string) string {
	return "s3ql_" + strconv.FormatUint(b.Inode, 10) + "-" + strconv.FormatInt(b.BlockStart, 10)
}

// PathKey derives a legacy, path-embedding object key of the form
// "s3ql_<path>-<offset>". Discouraged: two different inodes can collide if
// a path is reused after rename/unlink, and the key grows with the path.
// Present only for compatibility with filesystems mounted with
// obfuscate_keys=false before this option was deprecated.
func PathKey(b Block, path string) string {
	return "s3ql_" + path + "-" + strconv.FormatInt(b.BlockStart, 10)
}

// EscapeFilename renders an object key safe for use as a single path
// component in the local cache directory: "~" is doubled and "/" becomes
// "~s". Unlike the source's `key[1:].replace("~","~~").replace("/","~")`,
// under which "/~" and "~/" both become "~~~", this is a true bijection
// (UnescapeFilename inverts it for every input, including keys that
// themselves start with "~" or contain sequences of "~").
func EscapeFilename(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch r {
		case '~':
			b.WriteString("~~")
		case '/':
			b.WriteString("~s")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// UnescapeFilename inverts EscapeFilename. It panics if name was not
// produced by EscapeFilename (a trailing unpaired "~", or a "~" followed
// by anything other than "~" or "s", is malformed).
func UnescapeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	runes := []rune(name)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '~' {
			b.WriteRune(r)
			continue
		}
		if i+1 >= len(runes) {
			panic("addr: malformed escaped filename " + strconv.Quote(name))
		}
		i++
		switch runes[i] {
		case '~':
			b.WriteByte('~')
		case 's':
			b.WriteByte('/')
		default:
			panic("addr: malformed escaped filename " + strconv.Quote(name))
		}
	}
	return b.String()
}
