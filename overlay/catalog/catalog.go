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

// Package catalog implements C1, the inode catalog: a persistent mapping
// from inode number to serialized directory contents, with interchangeable
// backends presented behind a single capability interface.
package catalog

import "github.com/overlayfs/overlay/overlay"

// Catalog is the C1 public contract. Every backend (in-memory, table,
// filesystem, and the buffered decorator wrapping either) implements it
// identically; the facade holds a Catalog value and never switches on its
// dynamic type.
type Catalog interface {
	// Initialize opens the store. If a cleanly persisted next-inode-number
	// exists it is returned with ok=true; otherwise ok=false signals the
	// facade to run fsck.
	Initialize(createIfMissing bool) (next overlay.InodeNumber, ok bool, err error)
	// Close persists next (if non-nil) and releases resources. Idempotent.
	Close(next *overlay.InodeNumber) error

	LoadDirectory(inode overlay.InodeNumber) (*overlay.DirectoryContents, bool, error)
	// LoadRaw returns inode's serialized record exactly as persisted, even
	// when it no longer decodes, for fsck to archive a corrupt blob into
	// lost+found verbatim.
	LoadRaw(inode overlay.InodeNumber) ([]byte, bool, error)
	SaveDirectory(inode overlay.InodeNumber, dir *overlay.DirectoryContents) error
	HasDirectory(inode overlay.InodeNumber) bool
	RemoveDirectory(inode overlay.InodeNumber) error
	// LoadAndRemoveDirectory atomically removes inode's record, returning
	// what was stored there (used by the reclamation worker).
	LoadAndRemoveDirectory(inode overlay.InodeNumber) (*overlay.DirectoryContents, bool, error)

	// SupportsSemanticOps reports whether AddChild/RemoveChild/RenameChild
	// are implemented natively; when false, the facade falls back to
	// whole-directory load/mutate/save.
	SupportsSemanticOps() bool
	AddChild(parent overlay.InodeNumber, entry overlay.DirEntry) error
	RemoveChild(parent overlay.InodeNumber, name string) error
	RenameChild(srcParent, dstParent overlay.InodeNumber, srcName, dstName string) error

	// Maintenance is invoked periodically by the reclamation worker; a
	// backend may compact or checkpoint here.
	Maintenance() error

	// ListInodes enumerates every inode with a directory record, for
	// fsck's orphan-detection pass. Order is unspecified.
	ListInodes() ([]overlay.InodeNumber, error)
}
