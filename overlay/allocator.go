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

import "sync/atomic"

// InodeAllocator is C3: an atomic, monotonic source of inode numbers,
// recoverable across restarts via the value C1 persists on clean
// shutdown or C4 recomputes after an unclean one.
type InodeAllocator struct {
	next atomic.Uint64
}

// NewInodeAllocator seeds the allocator so the next call to Allocate
// returns nextValue. nextValue must be at least RootInodeNumber+1.
func NewInodeAllocator(nextValue InodeNumber) *InodeAllocator {
	a := &InodeAllocator{}
	a.next.Store(uint64(nextValue))
	return a
}

// Allocate returns a fresh, never-before-issued inode number. Overflow of
// the 64-bit counter is not handled: practical exhaustion is assumed to
// be impossible.
func (a *InodeAllocator) Allocate() InodeNumber {
	n := a.next.Add(1) - 1
	if n == 0 {
		panic("overlay: inode allocator produced inode number 0")
	}
	return InodeNumber(n)
}

// Peek returns the next value Allocate would return, without consuming
// it. Used by Close to persist the current allocator state.
func (a *InodeAllocator) Peek() InodeNumber {
	return InodeNumber(a.next.Load())
}

// GetMaxInodeNumber returns next-1: the highest inode number issued so
// far, or RootInodeNumber if none have been allocated beyond the root.
func (a *InodeAllocator) GetMaxInodeNumber() InodeNumber {
	return InodeNumber(a.next.Load() - 1)
}

// ObserveAtLeast advances the allocator so that future allocations never
// collide with an inode number already observed in the catalog or
// content store (used by fsck repair).
func (a *InodeAllocator) ObserveAtLeast(observed InodeNumber) {
	want := uint64(observed) + 1
	for {
		cur := a.next.Load()
		if cur >= want {
			return
		}
		if a.next.CompareAndSwap(cur, want) {
			return
		}
	}
}
