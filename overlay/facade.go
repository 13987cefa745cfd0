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

import (
	"context"
	"strings"
	"sync"
	"time"
	"weak"

	"github.com/overlayfs/overlay/internal/logger"
	"github.com/overlayfs/overlay/overlay/stats"
	"golang.org/x/sys/unix"
)

// Overlay is C5, the facade: the top-level object the mount talks to. It
// owns the catalog (C1) and content store (C2), gates every operation
// against close through an IOGate, and runs a dedicated reclamation
// worker for recursive deletes, maintenance, and flush barriers.
//
// Overlay never imports overlay/catalog, overlay/content, or
// overlay/fsck directly: each of those packages imports this one for
// InodeNumber, DirectoryContents, and the error constructors, so the
// reverse import would cycle. Instead this package defines its own
// CatalogBackend/ContentBackend/FsckFunc views (handle.go); a concrete
// overlay is assembled by a caller that imports both sides (see
// overlay/bootstrap).
type Overlay struct {
	localDir          string
	caseSensitive     bool
	filterAppleDouble bool

	catalog CatalogBackend
	content ContentBackend
	metrics *stats.Metrics

	allocator *InodeAllocator
	gate      *IOGate
	worker    *reclaimWorker

	strictInvariants bool

	mu              sync.Mutex
	initErr         error
	hadCleanStartup bool
}

// Create constructs an overlay over an already-open catalog and content
// store. It does not itself perform I/O; call Initialize before issuing
// any other operation. metrics may be nil when nothing exports them.
func Create(localDir string, caseSensitive bool, catalog CatalogBackend, content ContentBackend, filterAppleDouble bool, metrics *stats.Metrics) *Overlay {
	o := &Overlay{
		localDir:          localDir,
		caseSensitive:     caseSensitive,
		filterAppleDouble: filterAppleDouble,
		catalog:           catalog,
		content:           content,
		metrics:           metrics,
		gate:              NewIOGate(),
	}
	o.worker = newReclaimWorker(o)
	return o
}

// Initialize opens the catalog and, if it reports no cleanly persisted
// next-inode-number, runs fsck via fsckFn (which may be nil in tests that
// know the overlay is already consistent, e.g. a freshly created empty
// one). The work happens on the reclamation worker's goroutine, per the
// design note that initialization must never block the caller's thread
// directly; Initialize itself blocks until that work completes, which is
// the natural synchronous call shape for this one-time startup step —
// ongoing operations that must not block use FlushPendingAsync instead.
func (o *Overlay) Initialize(createIfMissing bool, fsckFn FsckFunc) error {
	done := o.worker.enqueueInitialize(func() {
		next, ok, err := o.catalog.Initialize(createIfMissing)
		if err != nil {
			o.initErr = NewIoError("Initialize", 0, err)
			return
		}
		if ok {
			o.allocator = NewInodeAllocator(next)
			o.hadCleanStartup = true
			return
		}
		o.hadCleanStartup = false
		if fsckFn == nil {
			o.allocator = NewInodeAllocator(RootInodeNumber + 1)
			return
		}
		logger.Infof("overlay: no clean next-inode-number persisted; running fsck")
		n, err := fsckFn()
		if err != nil {
			o.initErr = NewIoError("Initialize", 0, err)
			return
		}
		o.allocator = NewInodeAllocator(n)
	})
	<-done

	o.mu.Lock()
	err := o.initErr
	o.mu.Unlock()
	return err
}

// SetStrictInvariants controls what a panic inside the background worker
// does: in strict (debug) mode it is re-raised and aborts the process; in
// release mode it is recovered and logged, and the worker keeps running.
// Call before Initialize.
func (o *Overlay) SetStrictInvariants(strict bool) {
	o.strictInvariants = strict
}

// HadCleanStartup reports whether Initialize found a cleanly persisted
// next-inode-number, as opposed to having to run fsck.
func (o *Overlay) HadCleanStartup() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hadCleanStartup
}

// StatFS reports free/used bytes of the filesystem backing localDir, a
// read-only diagnostic surface carried over from the original
// implementation's statFs(); it touches no overlay state.
func (o *Overlay) StatFS() (free, used uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(o.localDir, &st); err != nil {
		return 0, 0, NewIoError("StatFS", 0, err)
	}
	total := st.Blocks * uint64(st.Bsize)
	free = st.Bfree * uint64(st.Bsize)
	return free, total - free, nil
}

// Close is idempotent: it closes the I/O gate (which blocks until every
// in-flight request at the moment of the transition has finished),
// stops the reclamation worker, and releases the catalog/content store.
func (o *Overlay) Close() error {
	o.gate.Close()
	o.worker.stop()

	var next *InodeNumber
	if o.allocator != nil {
		n := o.allocator.Peek()
		next = &n
	}
	err := o.catalog.Close(next)
	if cerr := o.content.Close(); err == nil {
		err = cerr
	}
	return err
}

// AllocateInodeNumber returns a fresh inode number. It does not require
// an I/O guard: the allocator is a lock-free atomic independent of the
// catalog/content store, and allocating one does not touch either.
func (o *Overlay) AllocateInodeNumber() InodeNumber {
	if o.allocator == nil {
		panic("overlay: AllocateInodeNumber called before Initialize")
	}
	return o.allocator.Allocate()
}

// GetMaxInodeNumber returns the highest inode number issued so far.
func (o *Overlay) GetMaxInodeNumber() InodeNumber {
	if o.allocator == nil {
		panic("overlay: GetMaxInodeNumber called before Initialize")
	}
	return o.allocator.GetMaxInodeNumber()
}

func (o *Overlay) acquire() (*IOGuard, error) {
	return o.gate.Acquire()
}

// recordDirOp and recordFileOp feed the per-operation counters and
// latency histograms; both are no-ops when no metrics were configured.
func (o *Overlay) recordDirOp(op string, start time.Time, err error) {
	o.metrics.RecordDirOp(context.Background(), op, outcomeOf(err), time.Since(start))
}

func (o *Overlay) recordFileOp(op string, start time.Time, err error) {
	o.metrics.RecordFileOp(context.Background(), op, outcomeOf(err), time.Since(start))
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// LoadOverlayDir returns inode's directory contents, or an empty
// directory if it has none (absence is not an error). AppleDouble
// entries are filtered out of the result when configured, and if any
// were dropped the directory is rewritten immediately without them.
func (o *Overlay) LoadOverlayDir(inode InodeNumber) (_ *DirectoryContents, err error) {
	guard, err := o.acquire()
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	start := time.Now()
	defer func() { o.recordDirOp("load", start, err) }()

	dir, ok, err := o.catalog.LoadDirectory(inode)
	if err != nil {
		return nil, err
	}
	if !ok {
		return NewDirectoryContents(o.caseSensitive), nil
	}

	if o.filterAppleDouble {
		if filtered, changed := dropAppleDouble(dir, o.caseSensitive); changed {
			if err := o.catalog.SaveDirectory(inode, filtered); err != nil {
				logger.Warnf("overlay: rewriting %d after dropping AppleDouble entries: %v", inode, err)
			}
			return filtered, nil
		}
	}
	return dir, nil
}

// dropAppleDouble returns a copy of dir with every "._"-prefixed entry
// removed, and whether anything was actually dropped.
func dropAppleDouble(dir *DirectoryContents, caseSensitive bool) (*DirectoryContents, bool) {
	changed := false
	out := NewDirectoryContents(caseSensitive)
	for _, e := range dir.Entries() {
		if strings.HasPrefix(e.Name, "._") {
			changed = true
			continue
		}
		_ = out.Add(e.Clone())
	}
	if !changed {
		return dir, false
	}
	return out, true
}

// SaveOverlayDir atomically replaces inode's directory record.
func (o *Overlay) SaveOverlayDir(inode InodeNumber, dir *DirectoryContents) error {
	guard, err := o.acquire()
	if err != nil {
		return err
	}
	defer guard.Release()
	start := time.Now()
	err = o.catalog.SaveDirectory(inode, dir)
	o.recordDirOp("save", start, err)
	return err
}

// HasOverlayDir reports whether inode has a directory record.
func (o *Overlay) HasOverlayDir(inode InodeNumber) bool {
	guard, err := o.acquire()
	if err != nil {
		return false
	}
	defer guard.Release()
	return o.catalog.HasDirectory(inode)
}

// HasOverlayFile reports whether inode has a materialized file body.
func (o *Overlay) HasOverlayFile(inode InodeNumber) bool {
	guard, err := o.acquire()
	if err != nil {
		return false
	}
	defer guard.Release()
	return o.content.HasFile(inode)
}

// AddChild adds entry to full (the parent's already-loaded contents) and
// persists it, preferring the catalog's semantic AddChild when supported.
// Propagating materialization further up the ancestor chain beyond
// parent is the caller's responsibility: that requires walking the
// in-memory inode cache, which design notes exclude from this component.
func (o *Overlay) AddChild(parent InodeNumber, entry DirEntry, full *DirectoryContents) (err error) {
	guard, err := o.acquire()
	if err != nil {
		return err
	}
	defer guard.Release()
	start := time.Now()
	defer func() { o.recordDirOp("add_child", start, err) }()

	if err := full.Add(entry); err != nil {
		return err
	}
	if o.catalog.SupportsSemanticOps() {
		if err := o.catalog.AddChild(parent, entry); err != nil {
			return err
		}
		return nil
	}
	return o.catalog.SaveDirectory(parent, full)
}

// RemoveChild removes name from full and persists the result.
func (o *Overlay) RemoveChild(parent InodeNumber, name string, full *DirectoryContents) (err error) {
	guard, err := o.acquire()
	if err != nil {
		return err
	}
	defer guard.Release()
	start := time.Now()
	defer func() { o.recordDirOp("remove_child", start, err) }()

	full.Remove(name)
	if o.catalog.SupportsSemanticOps() {
		return o.catalog.RemoveChild(parent, name)
	}
	return o.catalog.SaveDirectory(parent, full)
}

// RemoveChildren empties full (every child is removed from the parent's
// directory record in one call) and persists the result.
func (o *Overlay) RemoveChildren(parent InodeNumber, full *DirectoryContents) error {
	guard, err := o.acquire()
	if err != nil {
		return err
	}
	defer guard.Release()

	names := make([]string, 0, full.Len())
	for _, e := range full.Entries() {
		names = append(names, e.Name)
	}
	for _, name := range names {
		full.Remove(name)
	}
	if o.catalog.SupportsSemanticOps() {
		for _, name := range names {
			if err := o.catalog.RemoveChild(parent, name); err != nil {
				return err
			}
		}
		return nil
	}
	return o.catalog.SaveDirectory(parent, full)
}

// RenameChild moves srcName out of srcContents and into dstContents as
// dstName, persisting both directories. When srcParent == dstParent the
// rename is applied to srcContents alone (dstContents is ignored), so
// the result is correct whether the caller passes the same object twice
// or two loaded copies.
func (o *Overlay) RenameChild(srcParent, dstParent InodeNumber, srcName, dstName string, srcContents, dstContents *DirectoryContents) (err error) {
	guard, err := o.acquire()
	if err != nil {
		return err
	}
	defer guard.Release()
	start := time.Now()
	defer func() { o.recordDirOp("rename_child", start, err) }()

	if srcParent == dstParent {
		if _, ok := srcContents.Get(srcName); !ok {
			return NewErr(KindNotFound, "RenameChild", srcParent, nil)
		}
		if err := srcContents.Rename(srcName, dstName); err != nil {
			return err
		}
		if o.catalog.SupportsSemanticOps() {
			return o.catalog.RenameChild(srcParent, dstParent, srcName, dstName)
		}
		return o.catalog.SaveDirectory(srcParent, srcContents)
	}

	entry, ok := srcContents.Remove(srcName)
	if !ok {
		return NewErr(KindNotFound, "RenameChild", srcParent, nil)
	}
	entry.Name = dstName
	if err := dstContents.Add(entry); err != nil {
		return err
	}

	if o.catalog.SupportsSemanticOps() {
		return o.catalog.RenameChild(srcParent, dstParent, srcName, dstName)
	}
	if err := o.catalog.SaveDirectory(srcParent, srcContents); err != nil {
		return err
	}
	return o.catalog.SaveDirectory(dstParent, dstContents)
}

// RemoveOverlayFile removes inode's materialized file body. Idempotent
// on an absent inode.
func (o *Overlay) RemoveOverlayFile(inode InodeNumber) (err error) {
	guard, err := o.acquire()
	if err != nil {
		return err
	}
	defer guard.Release()
	start := time.Now()
	err = o.content.RemoveFile(inode)
	o.recordFileOp("remove", start, err)
	return err
}

// RemoveOverlayDir removes inode's directory record directly, without
// touching its children. Idempotent on an absent inode. Callers that
// want the subtree reclaimed should use RecursivelyRemoveOverlayDir
// instead.
func (o *Overlay) RemoveOverlayDir(inode InodeNumber) error {
	guard, err := o.acquire()
	if err != nil {
		return err
	}
	defer guard.Release()
	return o.catalog.RemoveDirectory(inode)
}

// RecursivelyRemoveOverlayDir loads inode's contents, removes its own
// record, and enqueues the loaded contents on the reclamation worker for
// background removal. It returns as soon as inode's own record is gone;
// the rest of the subtree disappears asynchronously. Call
// FlushPendingAsync to wait for that to finish.
func (o *Overlay) RecursivelyRemoveOverlayDir(inode InodeNumber) error {
	guard, err := o.acquire()
	if err != nil {
		return err
	}
	defer guard.Release()

	contents, ok, err := o.catalog.LoadAndRemoveDirectory(inode)
	if err != nil {
		return err
	}
	if ok && contents != nil {
		o.worker.enqueueReclaim(contents)
	}
	return nil
}

// FlushPendingAsync returns a channel that is closed once every
// reclamation request enqueued before this call has been processed. It
// never blocks the caller.
func (o *Overlay) FlushPendingAsync() <-chan struct{} {
	return o.worker.enqueueFlush()
}

// Maintenance enqueues a maintenance request (the catalog's periodic
// compact/checkpoint hook) on the reclamation worker.
func (o *Overlay) Maintenance() {
	o.worker.enqueueMaintenance()
}

// Open verifies inode's integrity header and returns a handle. A header
// mismatch fails with ErrCorrupt; a missing backing record fails with
// ErrNotFound.
func (o *Overlay) Open(inode InodeNumber) (*OverlayFile, error) {
	guard, err := o.acquire()
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	start := time.Now()
	h, err := o.content.OpenFile(inode)
	o.recordFileOp("open", start, err)
	if err != nil {
		return nil, err
	}
	return o.wrapFile(inode, h), nil
}

// OpenUnchecked returns a handle without verifying the integrity header,
// for callers (such as fsck) that need to inspect a possibly corrupt
// file.
func (o *Overlay) OpenUnchecked(inode InodeNumber) (*OverlayFile, error) {
	guard, err := o.acquire()
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	h, err := o.content.OpenFileUnchecked(inode)
	if err != nil {
		return nil, err
	}
	return o.wrapFile(inode, h), nil
}

// CreateFile materializes inode with the given initial bytes.
func (o *Overlay) CreateFile(inode InodeNumber, initial []byte) (*OverlayFile, error) {
	guard, err := o.acquire()
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	start := time.Now()
	h, err := o.content.CreateFile(inode, initial)
	o.recordFileOp("create", start, err)
	if err != nil {
		return nil, err
	}
	return o.wrapFile(inode, h), nil
}

func (o *Overlay) wrapFile(inode InodeNumber, h FileHandle) *OverlayFile {
	p := weak.Make(o)
	return &OverlayFile{owner: &p, gate: o.gate, inode: inode, handle: h}
}

// OverlayFile is the handle wrapper named in the design notes: it holds
// a weak reference back to the owning overlay (so a file descriptor kept
// open past Close does not keep the whole overlay, and its catalog/
// content store, reachable) and acquires a fresh I/O request guard on
// every call. If the overlay has already been garbage collected, or has
// been closed, every method fails with ErrClosed.
type OverlayFile struct {
	owner  *weak.Pointer[Overlay]
	gate   *IOGate
	inode  InodeNumber
	handle FileHandle
}

func (f *OverlayFile) guard() (*IOGuard, error) {
	if f.owner.Value() == nil {
		return nil, ErrClosed
	}
	return f.gate.Acquire()
}

func (f *OverlayFile) Stat() (FileStat, error) {
	g, err := f.guard()
	if err != nil {
		return FileStat{}, err
	}
	defer g.Release()
	return f.handle.Stat()
}

func (f *OverlayFile) Pread(buf []byte, offset int64) (int, error) {
	g, err := f.guard()
	if err != nil {
		return 0, err
	}
	defer g.Release()
	return f.handle.Pread(buf, offset)
}

func (f *OverlayFile) Pwrite(iovecs []FileIoVec) (int, error) {
	g, err := f.guard()
	if err != nil {
		return 0, err
	}
	defer g.Release()
	return f.handle.Pwrite(iovecs)
}

func (f *OverlayFile) Seek(offset int64, whence int) (int64, error) {
	g, err := f.guard()
	if err != nil {
		return 0, err
	}
	defer g.Release()
	return f.handle.Seek(offset, whence)
}

func (f *OverlayFile) Truncate(size int64) error {
	g, err := f.guard()
	if err != nil {
		return err
	}
	defer g.Release()
	return f.handle.Truncate(size)
}

func (f *OverlayFile) Fsync() error {
	g, err := f.guard()
	if err != nil {
		return err
	}
	defer g.Release()
	return f.handle.Fsync()
}

func (f *OverlayFile) Fdatasync() error {
	g, err := f.guard()
	if err != nil {
		return err
	}
	defer g.Release()
	return f.handle.Fdatasync()
}

func (f *OverlayFile) Fallocate(offset, length int64) error {
	g, err := f.guard()
	if err != nil {
		return err
	}
	defer g.Release()
	return f.handle.Fallocate(offset, length)
}

func (f *OverlayFile) ReadAll() ([]byte, error) {
	g, err := f.guard()
	if err != nil {
		return nil, err
	}
	defer g.Release()
	return f.handle.ReadAll()
}

func (f *OverlayFile) Close() error {
	g, err := f.guard()
	if err != nil {
		return err
	}
	defer g.Release()
	return f.handle.Close()
}
