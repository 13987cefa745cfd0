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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInodeAllocator_MonotonicFromSeed(t *testing.T) {
	a := NewInodeAllocator(RootInodeNumber + 1)
	assert.Equal(t, InodeNumber(2), a.Allocate())
	assert.Equal(t, InodeNumber(3), a.Allocate())
	assert.Equal(t, InodeNumber(4), a.Allocate())
	assert.Equal(t, InodeNumber(4), a.GetMaxInodeNumber())
	assert.Equal(t, InodeNumber(5), a.Peek())
}

func TestInodeAllocator_ObserveAtLeastNeverMovesBackward(t *testing.T) {
	a := NewInodeAllocator(10)
	a.ObserveAtLeast(5)
	assert.Equal(t, InodeNumber(10), a.Peek())
	a.ObserveAtLeast(20)
	assert.Equal(t, InodeNumber(21), a.Peek())
}

func TestInodeAllocator_ConcurrentAllocationsAreUnique(t *testing.T) {
	a := NewInodeAllocator(2)
	const n = 1000
	results := make(chan InodeNumber, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- a.Allocate()
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[InodeNumber]bool, n)
	for inode := range results {
		require.False(t, seen[inode], "inode %d issued twice", inode)
		require.NotZero(t, inode)
		seen[inode] = true
	}
	require.Len(t, seen, n)
	assert.Equal(t, InodeNumber(n+1), a.GetMaxInodeNumber())
}
