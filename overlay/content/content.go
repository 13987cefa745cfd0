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

// Package content implements C2, the file content store: a persistent
// mapping from inode number to the byte contents of a materialized file.
package content

import (
	"github.com/overlayfs/overlay/overlay"
)

// Stat mirrors the subset of file metadata the overlay tracks for a
// materialized file. It is a type alias for overlay.FileStat (rather
// than its own struct) so that every Handle implementation here also
// satisfies overlay.FileHandle, letting the facade (package overlay,
// which cannot import this package without an import cycle) hold this
// package's handles directly.
type Stat = overlay.FileStat

// IoVec is one scattered range passed to Handle.Pwrite; an alias for the
// same reason as Stat.
type IoVec = overlay.FileIoVec

// Handle is the uniform surface over a materialized file's bytes. Some
// variants (the filesystem-backed store) hand out a real OS file
// descriptor; others (the table-backed store) serve I/O by rewriting a
// database row and have no descriptor to hand out. Both are modeled as
// this single tagged-variant interface; an operation a given variant
// cannot support returns overlay.ErrUnimplemented rather than aborting.
type Handle = overlay.FileHandle

// Store is the C2 public contract.
type Store interface {
	CreateFile(inode overlay.InodeNumber, initial []byte) (Handle, error)
	// OpenFile verifies the stored integrity header before returning a
	// handle; a header mismatch yields overlay.ErrCorrupt, and a missing
	// backing record yields overlay.ErrNotFound.
	OpenFile(inode overlay.InodeNumber) (Handle, error)
	OpenFileUnchecked(inode overlay.InodeNumber) (Handle, error)
	HasFile(inode overlay.InodeNumber) bool
	RemoveFile(inode overlay.InodeNumber) error
	// ReadRaw returns the stored record exactly as persisted, integrity
	// header included, for fsck to archive a possibly corrupt file into
	// lost+found without interpreting it.
	ReadRaw(inode overlay.InodeNumber) ([]byte, error)
	Close() error

	// ListInodes enumerates every inode with a materialized body, for
	// fsck's orphan-detection pass. Order is unspecified.
	ListInodes() ([]overlay.InodeNumber, error)
}
