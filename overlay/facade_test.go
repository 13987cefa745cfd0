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

package overlay_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/overlayfs/overlay/overlay"
)

// fakeCatalog and fakeContent are minimal in-package-test-local
// implementations of overlay.CatalogBackend/ContentBackend, so this
// package's tests exercise the facade through its narrowest possible
// dependency surface without reaching into overlay/catalog or
// overlay/content (which would import this package and cycle).
type fakeCatalog struct {
	dirs map[overlay.InodeNumber]*overlay.DirectoryContents
	next overlay.InodeNumber
}

func newFakeCatalog() *fakeCatalog {
	root := overlay.NewDirectoryContents(true)
	return &fakeCatalog{dirs: map[overlay.InodeNumber]*overlay.DirectoryContents{overlay.RootInodeNumber: root}, next: overlay.RootInodeNumber + 1}
}

func (c *fakeCatalog) Initialize(createIfMissing bool) (overlay.InodeNumber, bool, error) {
	return c.next, true, nil
}
func (c *fakeCatalog) Close(next *overlay.InodeNumber) error { return nil }
func (c *fakeCatalog) LoadDirectory(inode overlay.InodeNumber) (*overlay.DirectoryContents, bool, error) {
	d, ok := c.dirs[inode]
	return d, ok, nil
}
func (c *fakeCatalog) SaveDirectory(inode overlay.InodeNumber, dir *overlay.DirectoryContents) error {
	c.dirs[inode] = dir
	return nil
}
func (c *fakeCatalog) HasDirectory(inode overlay.InodeNumber) bool {
	_, ok := c.dirs[inode]
	return ok
}
func (c *fakeCatalog) RemoveDirectory(inode overlay.InodeNumber) error {
	delete(c.dirs, inode)
	return nil
}
func (c *fakeCatalog) LoadAndRemoveDirectory(inode overlay.InodeNumber) (*overlay.DirectoryContents, bool, error) {
	d, ok := c.dirs[inode]
	delete(c.dirs, inode)
	return d, ok, nil
}
func (c *fakeCatalog) SupportsSemanticOps() bool { return false }
func (c *fakeCatalog) AddChild(parent overlay.InodeNumber, entry overlay.DirEntry) error {
	return nil
}
func (c *fakeCatalog) RemoveChild(parent overlay.InodeNumber, name string) error { return nil }
func (c *fakeCatalog) RenameChild(srcParent, dstParent overlay.InodeNumber, srcName, dstName string) error {
	return nil
}
func (c *fakeCatalog) Maintenance() error { return nil }
func (c *fakeCatalog) ListInodes() ([]overlay.InodeNumber, error) {
	inodes := make([]overlay.InodeNumber, 0, len(c.dirs))
	for i := range c.dirs {
		inodes = append(inodes, i)
	}
	return inodes, nil
}

type fakeHandle struct {
	data []byte
}

func (h *fakeHandle) Stat() (overlay.FileStat, error) {
	return overlay.FileStat{Size: int64(len(h.data)), Mtime: time.Unix(0, 0)}, nil
}
func (h *fakeHandle) Pread(buf []byte, offset int64) (int, error) {
	if offset >= int64(len(h.data)) {
		return 0, nil
	}
	return copy(buf, h.data[offset:]), nil
}
func (h *fakeHandle) Pwrite(iovecs []overlay.FileIoVec) (int, error) {
	n := 0
	for _, v := range iovecs {
		end := v.Offset + int64(len(v.Data))
		if end > int64(len(h.data)) {
			grown := make([]byte, end)
			copy(grown, h.data)
			h.data = grown
		}
		copy(h.data[v.Offset:end], v.Data)
		n += len(v.Data)
	}
	return n, nil
}
func (h *fakeHandle) Seek(offset int64, whence int) (int64, error) { return 0, overlay.ErrUnimplemented }
func (h *fakeHandle) Truncate(size int64) error {
	if size <= int64(len(h.data)) {
		h.data = h.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, h.data)
	h.data = grown
	return nil
}
func (h *fakeHandle) Fsync() error     { return nil }
func (h *fakeHandle) Fdatasync() error { return nil }
func (h *fakeHandle) Fallocate(offset, length int64) error {
	want := offset + length
	if want > int64(len(h.data)) {
		grown := make([]byte, want)
		copy(grown, h.data)
		h.data = grown
	}
	return nil
}
func (h *fakeHandle) ReadAll() ([]byte, error) { return h.data, nil }
func (h *fakeHandle) Close() error             { return nil }

type fakeContent struct {
	files map[overlay.InodeNumber]*fakeHandle
}

func newFakeContent() *fakeContent {
	return &fakeContent{files: make(map[overlay.InodeNumber]*fakeHandle)}
}

func (c *fakeContent) CreateFile(inode overlay.InodeNumber, initial []byte) (overlay.FileHandle, error) {
	h := &fakeHandle{data: append([]byte(nil), initial...)}
	c.files[inode] = h
	return h, nil
}
func (c *fakeContent) OpenFile(inode overlay.InodeNumber) (overlay.FileHandle, error) {
	h, ok := c.files[inode]
	if !ok {
		return nil, overlay.ErrNotFound
	}
	return h, nil
}
func (c *fakeContent) OpenFileUnchecked(inode overlay.InodeNumber) (overlay.FileHandle, error) {
	return c.OpenFile(inode)
}
func (c *fakeContent) HasFile(inode overlay.InodeNumber) bool {
	_, ok := c.files[inode]
	return ok
}
func (c *fakeContent) RemoveFile(inode overlay.InodeNumber) error {
	delete(c.files, inode)
	return nil
}
func (c *fakeContent) Close() error { return nil }
func (c *fakeContent) ListInodes() ([]overlay.InodeNumber, error) {
	inodes := make([]overlay.InodeNumber, 0, len(c.files))
	for i := range c.files {
		inodes = append(inodes, i)
	}
	return inodes, nil
}

func newTestOverlay(t *testing.T) (*overlay.Overlay, *fakeCatalog, *fakeContent) {
	t.Helper()
	cat := newFakeCatalog()
	content := newFakeContent()
	o := overlay.Create(t.TempDir(), true, cat, content, false, nil)
	require.NoError(t, o.Initialize(true, nil))
	t.Cleanup(func() { _ = o.Close() })
	return o, cat, content
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	o, _, _ := newTestOverlay(t)

	inode := o.AllocateInodeNumber()
	f, err := o.CreateFile(inode, []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	root, err := o.LoadOverlayDir(overlay.RootInodeNumber)
	require.NoError(t, err)
	require.NoError(t, o.AddChild(overlay.RootInodeNumber, overlay.DirEntry{
		Name: "hello.txt", Mode: overlay.EntryMode(overlay.ModeTypeRegular | 0644), InodeNumber: inode,
	}, root))

	loaded, err := o.LoadOverlayDir(overlay.RootInodeNumber)
	require.NoError(t, err)
	entry, ok := loaded.Get("hello.txt")
	require.True(t, ok)
	require.Equal(t, inode, entry.InodeNumber)

	opened, err := o.Open(inode)
	require.NoError(t, err)
	data, err := opened.ReadAll()
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestRecursivelyRemoveOverlayDirReclaimsSubtree(t *testing.T) {
	o, cat, content := newTestOverlay(t)

	dirInode := o.AllocateInodeNumber()
	fileInode := o.AllocateInodeNumber()
	require.NoError(t, cat.SaveDirectory(dirInode, overlay.NewDirectoryContents(true)))
	_, err := content.CreateFile(fileInode, []byte("doomed"))
	require.NoError(t, err)

	dirContents := overlay.NewDirectoryContents(true)
	require.NoError(t, dirContents.Add(overlay.DirEntry{
		Name: "child.txt", Mode: overlay.EntryMode(overlay.ModeTypeRegular), InodeNumber: fileInode,
	}))
	require.NoError(t, cat.SaveDirectory(dirInode, dirContents))

	require.NoError(t, o.RecursivelyRemoveOverlayDir(dirInode))
	<-o.FlushPendingAsync()

	require.False(t, o.HasOverlayDir(dirInode))
	require.False(t, o.HasOverlayFile(fileInode))
}

func TestRenameChildSameParentWithDistinctCopies(t *testing.T) {
	o, cat, _ := newTestOverlay(t)

	root := overlay.NewDirectoryContents(true)
	require.NoError(t, root.Add(overlay.DirEntry{
		Name: "old.txt", Mode: overlay.EntryMode(overlay.ModeTypeRegular | 0644), InodeNumber: 2,
	}))
	require.NoError(t, cat.SaveDirectory(overlay.RootInodeNumber, root))

	// Callers may legitimately pass two separately loaded copies; the
	// stale source name must not survive the rewrite.
	src := root.Clone()
	dst := root.Clone()
	require.NoError(t, o.RenameChild(overlay.RootInodeNumber, overlay.RootInodeNumber, "old.txt", "new.txt", src, dst))

	loaded, err := o.LoadOverlayDir(overlay.RootInodeNumber)
	require.NoError(t, err)
	require.Equal(t, 1, loaded.Len())
	_, ok := loaded.Get("old.txt")
	require.False(t, ok)
	entry, ok := loaded.Get("new.txt")
	require.True(t, ok)
	require.Equal(t, overlay.InodeNumber(2), entry.InodeNumber)
}

func TestRenameChildAcrossParents(t *testing.T) {
	o, cat, _ := newTestOverlay(t)

	srcDir := overlay.NewDirectoryContents(true)
	require.NoError(t, srcDir.Add(overlay.DirEntry{
		Name: "moving.txt", Mode: overlay.EntryMode(overlay.ModeTypeRegular | 0644), InodeNumber: 5,
	}))
	require.NoError(t, cat.SaveDirectory(2, srcDir))
	dstDir := overlay.NewDirectoryContents(true)
	require.NoError(t, cat.SaveDirectory(3, dstDir))

	require.NoError(t, o.RenameChild(2, 3, "moving.txt", "moved.txt", srcDir, dstDir))

	loadedSrc, err := o.LoadOverlayDir(2)
	require.NoError(t, err)
	require.Equal(t, 0, loadedSrc.Len())
	loadedDst, err := o.LoadOverlayDir(3)
	require.NoError(t, err)
	entry, ok := loadedDst.Get("moved.txt")
	require.True(t, ok)
	require.Equal(t, overlay.InodeNumber(5), entry.InodeNumber)
}

func TestCloseRejectsSubsequentIO(t *testing.T) {
	o, _, _ := newTestOverlay(t)
	require.NoError(t, o.Close())

	_, err := o.LoadOverlayDir(overlay.RootInodeNumber)
	require.ErrorIs(t, err, overlay.ErrClosed)
}

// blockingCatalog lets a test hold a SaveDirectory call open until
// released, to race Close against in-flight I/O.
type blockingCatalog struct {
	*fakeCatalog
	enter   chan struct{}
	release chan struct{}
}

func (c *blockingCatalog) SaveDirectory(inode overlay.InodeNumber, dir *overlay.DirectoryContents) error {
	close(c.enter)
	<-c.release
	return c.fakeCatalog.SaveDirectory(inode, dir)
}

func TestCloseBlocksUntilInFlightSaveFinishes(t *testing.T) {
	cat := &blockingCatalog{
		fakeCatalog: newFakeCatalog(),
		enter:       make(chan struct{}),
		release:     make(chan struct{}),
	}
	content := newFakeContent()
	o := overlay.Create(t.TempDir(), true, cat, content, false, nil)
	require.NoError(t, o.Initialize(true, nil))

	saveDone := make(chan error, 1)
	go func() {
		saveDone <- o.SaveOverlayDir(overlay.RootInodeNumber, overlay.NewDirectoryContents(true))
	}()
	<-cat.enter // the save is now inside the backend, guard held

	closeDone := make(chan struct{})
	go func() {
		_ = o.Close()
		close(closeDone)
	}()

	select {
	case <-closeDone:
		t.Fatal("Close returned while a save was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(cat.release)
	require.NoError(t, <-saveDone)
	select {
	case <-closeDone:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the in-flight save finished")
	}

	err := o.SaveOverlayDir(overlay.RootInodeNumber, overlay.NewDirectoryContents(true))
	require.ErrorIs(t, err, overlay.ErrClosed)
}

func TestAppleDoubleEntriesAreFilteredOnLoad(t *testing.T) {
	cat := newFakeCatalog()
	content := newFakeContent()
	o := overlay.Create(t.TempDir(), true, cat, content, true, nil)
	require.NoError(t, o.Initialize(true, nil))
	defer o.Close()

	root := overlay.NewDirectoryContents(true)
	require.NoError(t, root.Add(overlay.DirEntry{Name: "real.txt", Mode: overlay.EntryMode(overlay.ModeTypeRegular), InodeNumber: 2}))
	require.NoError(t, root.Add(overlay.DirEntry{Name: "._real.txt", Mode: overlay.EntryMode(overlay.ModeTypeRegular), InodeNumber: 3}))
	require.NoError(t, cat.SaveDirectory(overlay.RootInodeNumber, root))

	loaded, err := o.LoadOverlayDir(overlay.RootInodeNumber)
	require.NoError(t, err)
	require.Equal(t, 1, loaded.Len())
	_, ok := loaded.Get("._real.txt")
	require.False(t, ok)
}

func TestHadCleanStartupReflectsFsckInvocation(t *testing.T) {
	cat := newFakeCatalog()
	content := newFakeContent()
	o := overlay.Create(t.TempDir(), true, cat, content, false, nil)
	ran := false
	require.NoError(t, o.Initialize(true, func() (overlay.InodeNumber, error) {
		ran = true
		return overlay.RootInodeNumber + 1, nil
	}))
	defer o.Close()
	require.True(t, o.HadCleanStartup())
	require.False(t, ran) // fakeCatalog.Initialize always reports ok=true
}
