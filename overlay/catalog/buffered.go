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

package catalog

import (
	"sync"

	"github.com/overlayfs/overlay/overlay"
)

// bufferedEntry is one pending write held in the in-memory buffer.
type bufferedEntry struct {
	dir     *overlay.DirectoryContents // nil means "removed"
	present bool
}

// Buffered wraps any Catalog backend with a bounded in-memory write
// buffer: SaveDirectory/RemoveDirectory return as soon as the write lands
// in the buffer; a background flusher goroutine drains it into the
// underlying backend. Reads consult the buffer first so a load issued
// right after a save always observes it, even though durability may lag.
//
// A write being flushed moves from pending to inflight and stays visible
// to reads there until the underlying store has durably accepted it;
// removing it from the readable set any earlier would open a window in
// which a load right after a save finds the record in neither map nor
// the underlying store. At most one flush per inode runs at a time: a
// newer pending write for an inode whose older value is still inflight
// waits its turn, preserving per-inode write order.
type Buffered struct {
	underlying Catalog
	budget     int64

	mu        sync.Mutex
	cond      *sync.Cond
	pending   map[overlay.InodeNumber]bufferedEntry
	inflight  map[overlay.InodeNumber]bufferedEntry
	used      int64
	stopped   bool
	flusherWg sync.WaitGroup
}

// NewBuffered starts the flusher goroutine and returns a ready-to-use
// decorator. bufferSizeBytes is the byte budget pending writes may
// accumulate before the flusher starts draining; 0 disables coalescing
// and flushes every write as soon as it lands.
func NewBuffered(underlying Catalog, bufferSizeBytes int64) *Buffered {
	b := &Buffered{
		underlying: underlying,
		budget:     bufferSizeBytes,
		pending:    make(map[overlay.InodeNumber]bufferedEntry),
		inflight:   make(map[overlay.InodeNumber]bufferedEntry),
	}
	b.cond = sync.NewCond(&b.mu)
	b.flusherWg.Add(1)
	go b.run()
	return b
}

func entrySize(dir *overlay.DirectoryContents) int64 {
	if dir == nil {
		return 0
	}
	return int64(len(overlay.EncodeDirectory(dir)))
}

// flushDueLocked reports whether the flusher should start draining: the
// buffer has crossed its byte budget, or coalescing is disabled, or the
// decorator is shutting down with writes still pending.
func (b *Buffered) flushDueLocked() bool {
	if len(b.pending) == 0 {
		return false
	}
	return b.stopped || b.budget <= 0 || b.used >= b.budget
}

func (b *Buffered) run() {
	defer b.flusherWg.Done()
	b.mu.Lock()
	for {
		for !b.stopped && !b.flushDueLocked() {
			b.cond.Wait()
		}
		if b.stopped && len(b.pending) == 0 {
			b.mu.Unlock()
			return
		}
		inode, entry, ok := b.takeOneLocked()
		if !ok {
			// Every pending record is being flushed by a Flush caller;
			// completeFlush will wake us when a slot frees up.
			b.cond.Wait()
			continue
		}
		b.mu.Unlock()
		b.flushOne(inode, entry)
		b.completeFlush(inode)
		b.mu.Lock()
	}
}

// takeOneLocked moves one pending write into the inflight set, skipping
// inodes that already have a flush in progress so writes to the same
// inode reach the underlying store in the order they were issued.
func (b *Buffered) takeOneLocked() (overlay.InodeNumber, bufferedEntry, bool) {
	for inode, entry := range b.pending {
		if _, busy := b.inflight[inode]; busy {
			continue
		}
		delete(b.pending, inode)
		b.used -= entrySize(entry.dir)
		b.inflight[inode] = entry
		return inode, entry, true
	}
	return 0, bufferedEntry{}, false
}

// completeFlush retires an inflight write once the underlying store has
// accepted it, and wakes anyone waiting on the slot (the flusher, or a
// Flush call draining toward empty).
func (b *Buffered) completeFlush(inode overlay.InodeNumber) {
	b.mu.Lock()
	delete(b.inflight, inode)
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *Buffered) flushOne(inode overlay.InodeNumber, entry bufferedEntry) {
	if !entry.present {
		return
	}
	if entry.dir == nil {
		_ = b.underlying.RemoveDirectory(inode)
		return
	}
	_ = b.underlying.SaveDirectory(inode, entry.dir)
}

func (b *Buffered) Initialize(createIfMissing bool) (overlay.InodeNumber, bool, error) {
	return b.underlying.Initialize(createIfMissing)
}

func (b *Buffered) Close(next *overlay.InodeNumber) error {
	if err := b.Flush(); err != nil {
		return err
	}
	b.mu.Lock()
	b.stopped = true
	b.cond.Broadcast()
	b.mu.Unlock()
	b.flusherWg.Wait()
	return b.underlying.Close(next)
}

// Flush blocks until every write buffered before this call has been
// durably persisted by the underlying backend, including any write
// another thread is flushing at the moment of the call.
func (b *Buffered) Flush() error {
	b.mu.Lock()
	for {
		if inode, entry, ok := b.takeOneLocked(); ok {
			b.mu.Unlock()
			b.flushOne(inode, entry)
			b.completeFlush(inode)
			b.mu.Lock()
			continue
		}
		if len(b.pending) == 0 && len(b.inflight) == 0 {
			b.mu.Unlock()
			return nil
		}
		b.cond.Wait()
	}
}

// bufferedLocked returns the freshest buffered write for inode, pending
// first (it is always newer than an inflight one for the same inode).
func (b *Buffered) bufferedLocked(inode overlay.InodeNumber) (bufferedEntry, bool) {
	if e, ok := b.pending[inode]; ok {
		return e, true
	}
	e, ok := b.inflight[inode]
	return e, ok
}

func (b *Buffered) LoadDirectory(inode overlay.InodeNumber) (*overlay.DirectoryContents, bool, error) {
	b.mu.Lock()
	if e, ok := b.bufferedLocked(inode); ok {
		b.mu.Unlock()
		if e.dir == nil {
			return nil, false, nil
		}
		return e.dir.Clone(), true, nil
	}
	b.mu.Unlock()
	return b.underlying.LoadDirectory(inode)
}

func (b *Buffered) LoadRaw(inode overlay.InodeNumber) ([]byte, bool, error) {
	b.mu.Lock()
	if e, ok := b.bufferedLocked(inode); ok {
		b.mu.Unlock()
		if e.dir == nil {
			return nil, false, nil
		}
		return overlay.EncodeDirectory(e.dir), true, nil
	}
	b.mu.Unlock()
	return b.underlying.LoadRaw(inode)
}

func (b *Buffered) SaveDirectory(inode overlay.InodeNumber, dir *overlay.DirectoryContents) error {
	clone := dir.Clone()
	b.mu.Lock()
	if old, ok := b.pending[inode]; ok {
		b.used -= entrySize(old.dir)
	}
	b.pending[inode] = bufferedEntry{dir: clone, present: true}
	b.used += entrySize(clone)
	b.cond.Signal()
	b.mu.Unlock()
	return nil
}

func (b *Buffered) HasDirectory(inode overlay.InodeNumber) bool {
	b.mu.Lock()
	if e, ok := b.bufferedLocked(inode); ok {
		b.mu.Unlock()
		return e.dir != nil
	}
	b.mu.Unlock()
	return b.underlying.HasDirectory(inode)
}

func (b *Buffered) RemoveDirectory(inode overlay.InodeNumber) error {
	b.mu.Lock()
	if old, ok := b.pending[inode]; ok {
		b.used -= entrySize(old.dir)
	}
	b.pending[inode] = bufferedEntry{dir: nil, present: true}
	b.cond.Signal()
	b.mu.Unlock()
	return nil
}

func (b *Buffered) LoadAndRemoveDirectory(inode overlay.InodeNumber) (*overlay.DirectoryContents, bool, error) {
	dir, ok, err := b.LoadDirectory(inode)
	if err != nil || !ok {
		return dir, ok, err
	}
	if err := b.RemoveDirectory(inode); err != nil {
		return nil, false, err
	}
	return dir, true, nil
}

func (b *Buffered) SupportsSemanticOps() bool { return false }

func (b *Buffered) AddChild(parent overlay.InodeNumber, entry overlay.DirEntry) error {
	return overlay.NewErr(overlay.KindUnimplemented, "AddChild", parent, nil)
}

func (b *Buffered) RemoveChild(parent overlay.InodeNumber, name string) error {
	return overlay.NewErr(overlay.KindUnimplemented, "RemoveChild", parent, nil)
}

func (b *Buffered) RenameChild(srcParent, dstParent overlay.InodeNumber, srcName, dstName string) error {
	return overlay.NewErr(overlay.KindUnimplemented, "RenameChild", srcParent, nil)
}

func (b *Buffered) Maintenance() error { return b.underlying.Maintenance() }

// ListInodes merges the underlying store's inodes with whatever is still
// only in the write buffer, so a caller always sees an inode that was
// just saved even if it hasn't been flushed yet.
func (b *Buffered) ListInodes() ([]overlay.InodeNumber, error) {
	underlying, err := b.underlying.ListInodes()
	if err != nil {
		return nil, err
	}
	set := make(map[overlay.InodeNumber]bool, len(underlying))
	for _, i := range underlying {
		set[i] = true
	}
	b.mu.Lock()
	for inode, e := range b.inflight {
		if e.dir == nil {
			delete(set, inode)
			continue
		}
		set[inode] = true
	}
	for inode, e := range b.pending {
		if e.dir == nil {
			delete(set, inode)
			continue
		}
		set[inode] = true
	}
	b.mu.Unlock()
	result := make([]overlay.InodeNumber, 0, len(set))
	for i := range set {
		result = append(result, i)
	}
	return result, nil
}
