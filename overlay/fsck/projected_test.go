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

package fsck

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/overlayfs/overlay/overlay"
	"github.com/overlayfs/overlay/overlay/catalog"
	"github.com/overlayfs/overlay/overlay/content"
)

func testAllocator(start overlay.InodeNumber) func() overlay.InodeNumber {
	next := start
	return func() overlay.InodeNumber {
		n := next
		next++
		return n
	}
}

func reconcileFixture(t *testing.T) (*Checker, *catalog.MemoryBackend, *content.MemoryBackend) {
	t.Helper()
	cat := catalog.NewMemoryBackend(true)
	store := content.NewMemoryBackend()
	c := NewChecker(cat, store, Options{CaseSensitive: true, RepairRoot: t.TempDir()})
	return c, cat, store
}

func TestReconcile_FullEntryWinsOverObjectID(t *testing.T) {
	c, cat, _ := reconcileFixture(t)

	root := overlay.NewDirectoryContents(true)
	require.NoError(t, root.Add(overlay.DirEntry{
		Name: "edited.txt", Mode: overlay.EntryMode(overlay.ModeTypeRegular | 0644),
		InodeNumber: 2, ObjectID: overlay.ObjectID("old"),
	}))
	require.NoError(t, cat.SaveDirectory(overlay.RootInodeNumber, root))

	disk := []DiskEntry{{Name: "edited.txt", Mode: overlay.EntryMode(overlay.ModeTypeRegular | 0644), State: DiskFull}}
	changes, err := c.Reconcile(disk, nil, testAllocator(10))
	require.NoError(t, err)
	require.Equal(t, 1, changes)

	dir, ok, err := cat.LoadDirectory(overlay.RootInodeNumber)
	require.NoError(t, err)
	require.True(t, ok)
	entry, ok := dir.Get("edited.txt")
	require.True(t, ok)
	require.True(t, entry.Materialized())
	require.Equal(t, overlay.InodeNumber(2), entry.InodeNumber)
}

func TestReconcile_TombstoneDropsSubtreeRecursively(t *testing.T) {
	c, cat, store := reconcileFixture(t)

	root := overlay.NewDirectoryContents(true)
	require.NoError(t, root.Add(overlay.DirEntry{
		Name: "gone", Mode: overlay.EntryMode(overlay.ModeTypeDirectory | 0755), InodeNumber: 2,
	}))
	require.NoError(t, cat.SaveDirectory(overlay.RootInodeNumber, root))

	sub := overlay.NewDirectoryContents(true)
	require.NoError(t, sub.Add(overlay.DirEntry{
		Name: "leaf.txt", Mode: overlay.EntryMode(overlay.ModeTypeRegular | 0644), InodeNumber: 3,
	}))
	require.NoError(t, cat.SaveDirectory(2, sub))
	h, err := store.CreateFile(3, []byte("bytes"))
	require.NoError(t, err)
	require.NoError(t, h.Close())

	disk := []DiskEntry{{Name: "gone", Mode: overlay.EntryMode(overlay.ModeTypeDirectory | 0755), State: DiskTombstone}}
	_, err = c.Reconcile(disk, nil, testAllocator(10))
	require.NoError(t, err)

	dir, ok, err := cat.LoadDirectory(overlay.RootInodeNumber)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, dir.Len())
	require.False(t, cat.HasDirectory(2))
	require.False(t, store.HasFile(3))
}

func TestReconcile_AbsentEntriesFollowSourceControl(t *testing.T) {
	c, cat, _ := reconcileFixture(t)

	root := overlay.NewDirectoryContents(true)
	require.NoError(t, root.Add(overlay.DirEntry{
		Name: "stale.txt", Mode: overlay.EntryMode(overlay.ModeTypeRegular | 0644),
		InodeNumber: 2, ObjectID: overlay.ObjectID("old-id"),
	}))
	require.NoError(t, root.Add(overlay.DirEntry{
		Name: "vanished.txt", Mode: overlay.EntryMode(overlay.ModeTypeRegular | 0644),
		InodeNumber: 3, ObjectID: overlay.ObjectID("dead-id"),
	}))
	require.NoError(t, cat.SaveDirectory(overlay.RootInodeNumber, root))

	list := func(path string) ([]SCMChild, error) {
		if path != "" {
			return nil, nil
		}
		return []SCMChild{
			{Name: "stale.txt", Mode: overlay.EntryMode(overlay.ModeTypeRegular | 0644), ID: overlay.ObjectID("new-id")},
			{Name: "added.txt", Mode: overlay.EntryMode(overlay.ModeTypeRegular | 0644), ID: overlay.ObjectID("added-id")},
		}, nil
	}

	_, err := c.Reconcile(nil, list, testAllocator(10))
	require.NoError(t, err)

	dir, ok, err := cat.LoadDirectory(overlay.RootInodeNumber)
	require.NoError(t, err)
	require.True(t, ok)

	stale, ok := dir.Get("stale.txt")
	require.True(t, ok)
	require.True(t, stale.ObjectID.Equal(overlay.ObjectID("new-id")))

	_, ok = dir.Get("vanished.txt")
	require.False(t, ok)

	added, ok := dir.Get("added.txt")
	require.True(t, ok)
	require.True(t, added.ObjectID.Equal(overlay.ObjectID("added-id")))
	require.Equal(t, overlay.InodeNumber(10), added.InodeNumber)
}

func TestReconcile_RenamedPlaceholderBecomesMaterialized(t *testing.T) {
	c, cat, _ := reconcileFixture(t)
	require.NoError(t, cat.SaveDirectory(overlay.RootInodeNumber, overlay.NewDirectoryContents(true)))

	disk := []DiskEntry{{Name: "moved.txt", Mode: overlay.EntryMode(overlay.ModeTypeRegular | 0644), State: DiskRenamedPlaceholder}}
	_, err := c.Reconcile(disk, nil, testAllocator(20))
	require.NoError(t, err)

	dir, ok, err := cat.LoadDirectory(overlay.RootInodeNumber)
	require.NoError(t, err)
	require.True(t, ok)
	entry, ok := dir.Get("moved.txt")
	require.True(t, ok)
	require.True(t, entry.Materialized())
	require.Equal(t, overlay.InodeNumber(20), entry.InodeNumber)
}

func TestReconcile_PlaceholderAlignedWithSourceControl(t *testing.T) {
	c, cat, _ := reconcileFixture(t)
	require.NoError(t, cat.SaveDirectory(overlay.RootInodeNumber, overlay.NewDirectoryContents(true)))

	list := func(path string) ([]SCMChild, error) {
		return []SCMChild{{Name: "proj.txt", Mode: overlay.EntryMode(overlay.ModeTypeRegular | 0644), ID: overlay.ObjectID("proj-id")}}, nil
	}
	disk := []DiskEntry{{Name: "proj.txt", Mode: overlay.EntryMode(overlay.ModeTypeRegular | 0644), State: DiskPlaceholder}}
	_, err := c.Reconcile(disk, list, testAllocator(30))
	require.NoError(t, err)

	dir, ok, err := cat.LoadDirectory(overlay.RootInodeNumber)
	require.NoError(t, err)
	require.True(t, ok)
	entry, ok := dir.Get("proj.txt")
	require.True(t, ok)
	require.False(t, entry.Materialized())
	require.True(t, entry.ObjectID.Equal(overlay.ObjectID("proj-id")))
}
