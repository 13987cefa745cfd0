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

// Package overlay implements the per-mount write layer of a source-control
// backed virtual filesystem: the inode catalog, the materialized file
// content store, the inode number allocator, the consistency checker, and
// the facade that ties them together behind an I/O lifecycle gate.
package overlay

import "bytes"

// InodeNumber identifies an entry within a single overlay. It is never
// zero; RootInodeNumber is reserved for the mount's root directory.
type InodeNumber uint64

// RootInodeNumber is the inode number of the mount's root directory. It
// exists for the lifetime of the overlay and is never reclaimed.
const RootInodeNumber InodeNumber = 1

// ObjectID is an opaque, variable-length content address produced by the
// backing source-control store. The overlay never interprets it beyond
// byte-equality.
type ObjectID []byte

// Equal reports whether two object identifiers are byte-identical. The
// overlay never assumes that distinct identifiers imply distinct content,
// nor the converse.
func (o ObjectID) Equal(other ObjectID) bool {
	return bytes.Equal(o, other)
}

// Unix mode type bits. Only the type bits are authoritative for
// classification; permission bits are advisory once an entry exists.
const (
	ModeTypeMask      uint32 = 0170000
	ModeTypeRegular   uint32 = 0100000
	ModeTypeDirectory uint32 = 0040000
	ModeTypeSymlink   uint32 = 0120000
)

// EntryMode is the initial mode of a directory entry: permission bits plus
// the type bits that classify it as a file, directory, or symlink.
type EntryMode uint32

func (m EntryMode) IsDir() bool     { return uint32(m)&ModeTypeMask == ModeTypeDirectory }
func (m EntryMode) IsRegular() bool { return uint32(m)&ModeTypeMask == ModeTypeRegular }
func (m EntryMode) IsSymlink() bool { return uint32(m)&ModeTypeMask == ModeTypeSymlink }

// DirEntry is one child of a directory.
//
// Invariant: ObjectID is non-empty if and only if the entry is not
// materialized. A materialized file has its bytes recorded in the content
// store; a materialized directory has its children recorded in the
// catalog.
type DirEntry struct {
	Name        string
	Mode        EntryMode
	InodeNumber InodeNumber
	ObjectID    ObjectID
}

// Materialized reports whether the entry's contents have diverged from
// the source-control object they started from.
func (e DirEntry) Materialized() bool {
	return len(e.ObjectID) == 0
}

// SetMaterialized clears the entry's object identifier, marking it as
// having diverged from source control.
func (e *DirEntry) SetMaterialized() {
	e.ObjectID = nil
}

// SetDematerialized restores the entry's object identifier, marking it as
// identical to that source-control object again.
func (e *DirEntry) SetDematerialized(id ObjectID) {
	e.ObjectID = id
}

// Clone returns a deep copy of the entry, so callers may mutate a loaded
// DirectoryContents without aliasing the caller's slices.
func (e DirEntry) Clone() DirEntry {
	c := e
	if e.ObjectID != nil {
		c.ObjectID = append(ObjectID(nil), e.ObjectID...)
	}
	return c
}
