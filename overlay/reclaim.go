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
	"sync"

	"github.com/overlayfs/overlay/common"
	"github.com/overlayfs/overlay/internal/logger"
)

// reclaimRequestKind tags the variants the reclamation worker drains.
type reclaimRequestKind int

const (
	reqReclaim reclaimRequestKind = iota
	reqFlush
	reqMaintenance
	reqInitialize
)

type reclaimRequest struct {
	kind reclaimRequestKind

	// reqReclaim
	contents *DirectoryContents

	// reqFlush
	done chan struct{}

	// reqInitialize
	initFn func()
}

// reclaimWorker is the facade's single dedicated background thread: it
// drains a mutex+condvar-guarded queue of deferred work (recursive
// subtree reclamation, maintenance, and flush barriers), and also runs
// Initialize (including fsck, when needed) so that slow startup work
// never blocks the caller's thread.
type reclaimWorker struct {
	owner *Overlay

	mu      sync.Mutex
	cond    *sync.Cond
	queue   common.Queue[reclaimRequest]
	stopped bool
	doneCh  chan struct{}
}

func newReclaimWorker(owner *Overlay) *reclaimWorker {
	w := &reclaimWorker{
		owner:  owner,
		queue:  common.NewRingQueue[reclaimRequest](),
		doneCh: make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

func (w *reclaimWorker) enqueue(req reclaimRequest) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.queue.Push(req)
	w.owner.metrics.SetPendingReclaims(int64(w.queue.Len()))
	w.cond.Signal()
}

// enqueueReclaim schedules the given subtree contents for best-effort
// background removal.
func (w *reclaimWorker) enqueueReclaim(contents *DirectoryContents) {
	w.enqueue(reclaimRequest{kind: reqReclaim, contents: contents})
}

// enqueueFlush returns a channel closed once every request enqueued
// before this call has been processed.
func (w *reclaimWorker) enqueueFlush() <-chan struct{} {
	done := make(chan struct{})
	w.enqueue(reclaimRequest{kind: reqFlush, done: done})
	return done
}

func (w *reclaimWorker) enqueueMaintenance() {
	w.enqueue(reclaimRequest{kind: reqMaintenance})
}

func (w *reclaimWorker) enqueueInitialize(fn func()) <-chan struct{} {
	done := make(chan struct{})
	w.enqueue(reclaimRequest{kind: reqInitialize, initFn: func() { fn(); close(done) }})
	return done
}

func (w *reclaimWorker) stop() {
	w.mu.Lock()
	w.stopped = true
	w.cond.Broadcast()
	w.mu.Unlock()
	<-w.doneCh
}

func (w *reclaimWorker) run() {
	defer close(w.doneCh)
	for {
		w.mu.Lock()
		for w.queue.IsEmpty() && !w.stopped {
			w.cond.Wait()
		}
		if w.queue.IsEmpty() && w.stopped {
			w.mu.Unlock()
			return
		}
		req := w.queue.Pop()
		w.owner.metrics.SetPendingReclaims(int64(w.queue.Len()))
		w.mu.Unlock()

		w.process(req)
	}
}

// process handles one request. Best-effort reclamation semantics apply:
// failures are logged and swallowed, and a panic from request handling
// never escapes past this one request's boundary.
func (w *reclaimWorker) process(req reclaimRequest) {
	defer func() {
		if r := recover(); r != nil {
			if w.owner.strictInvariants {
				panic(r)
			}
			logger.Errorf("reclaim worker: recovered from panic processing request kind %d: %v", req.kind, r)
		}
	}()

	switch req.kind {
	case reqReclaim:
		w.reclaim(req.contents)
	case reqFlush:
		close(req.done)
	case reqMaintenance:
		if err := w.owner.catalog.Maintenance(); err != nil {
			logger.Warnf("reclaim worker: maintenance: %v", err)
		}
	case reqInitialize:
		req.initFn()
	}
}

// reclaim processes one subtree: every file child is scheduled for a
// best-effort removal from C2; every directory child is removed and
// loaded from C1, and its own contents are pushed back onto this same
// queue so deep trees are processed breadth-first without recursion
// blowing the goroutine's stack.
func (w *reclaimWorker) reclaim(contents *DirectoryContents) {
	if contents == nil {
		return
	}
	removed := int64(0)
	for _, e := range contents.Entries() {
		if e.Mode.IsDir() {
			child, ok, err := w.owner.catalog.LoadAndRemoveDirectory(e.InodeNumber)
			if err != nil {
				logger.Warnf("reclaim: loading subtree at inode %d: %v", e.InodeNumber, err)
				continue
			}
			removed++
			if ok && child != nil {
				w.enqueueReclaim(child)
			}
			continue
		}
		if e.Materialized() {
			if err := w.owner.content.RemoveFile(e.InodeNumber); err != nil {
				logger.Warnf("reclaim: removing file at inode %d: %v", e.InodeNumber, err)
				continue
			}
			removed++
		}
	}
	w.owner.metrics.RecordReclaimed(context.Background(), removed)
}
