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

package overlay

import "time"

// FileStat mirrors the subset of file metadata the overlay tracks for a
// materialized file. overlay/content.Stat is a type alias for this type
// (rather than a separate struct) so that a content.Store's handles
// satisfy FileHandle below without overlay/content importing this
// package's consumer — the facade lives in this same package and cannot
// import overlay/content, which itself imports this package for
// InodeNumber and the error constructors.
type FileStat struct {
	Size  int64
	Mtime time.Time
}

// FileIoVec mirrors overlay/content.IoVec for the same reason.
type FileIoVec struct {
	Data   []byte
	Offset int64
}

// FileHandle is the facade's view of a C2 handle: every method
// overlay/content.Handle declares, restated here using FileStat/FileIoVec
// so that a *content.FsBackend or *content.TableBackend handle value
// satisfies this interface structurally without this package importing
// overlay/content.
type FileHandle interface {
	Stat() (FileStat, error)
	Pread(buf []byte, offset int64) (int, error)
	Pwrite(iovecs []FileIoVec) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Truncate(size int64) error
	Fsync() error
	Fdatasync() error
	Fallocate(offset, length int64) error
	ReadAll() ([]byte, error)
	Close() error
}

// CatalogBackend is the facade's view of C1, restated here so the facade
// does not need to import overlay/catalog (which imports this package).
// Every concrete catalog backend satisfies both overlay/catalog.Catalog
// and this interface, since this interface is overlay/catalog.Catalog
// without LoadRaw.
type CatalogBackend interface {
	Initialize(createIfMissing bool) (next InodeNumber, ok bool, err error)
	Close(next *InodeNumber) error
	LoadDirectory(inode InodeNumber) (*DirectoryContents, bool, error)
	SaveDirectory(inode InodeNumber, dir *DirectoryContents) error
	HasDirectory(inode InodeNumber) bool
	RemoveDirectory(inode InodeNumber) error
	LoadAndRemoveDirectory(inode InodeNumber) (*DirectoryContents, bool, error)
	SupportsSemanticOps() bool
	AddChild(parent InodeNumber, entry DirEntry) error
	RemoveChild(parent InodeNumber, name string) error
	RenameChild(srcParent, dstParent InodeNumber, srcName, dstName string) error
	Maintenance() error
	ListInodes() ([]InodeNumber, error)
}

// ContentBackend is the facade's view of C2, for the same reason.
type ContentBackend interface {
	CreateFile(inode InodeNumber, initial []byte) (FileHandle, error)
	OpenFile(inode InodeNumber) (FileHandle, error)
	OpenFileUnchecked(inode InodeNumber) (FileHandle, error)
	HasFile(inode InodeNumber) bool
	RemoveFile(inode InodeNumber) error
	Close() error
	ListInodes() ([]InodeNumber, error)
}

// FsckFunc runs a full C4 consistency-check pass and returns the
// corrected next-inode-number. The facade's Initialize invokes it when
// the catalog reports no cleanly persisted next-inode-number; the caller
// supplies it already bound to a concrete overlay/fsck.Checker (built
// over the same catalog/content backends) so this package never needs to
// import overlay/fsck, which itself imports this package.
type FsckFunc func() (next InodeNumber, err error)
