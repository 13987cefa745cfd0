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

package bootstrap

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/overlayfs/overlay/overlay"
	"github.com/overlayfs/overlay/cfg"
)

func testConfig(dir string, variant cfg.CatalogVariant) *cfg.Config {
	c := &cfg.Config{
		Overlay: cfg.GetDefaultOverlayConfig(),
		Logging: cfg.GetDefaultLoggingConfig(),
	}
	c.Overlay.LocalDirectory = cfg.ResolvedPath(dir)
	c.Overlay.CatalogVariant = variant
	c.Overlay.FilterAppleDouble = false
	return c
}

// The create-persist-reopen-read lifecycle: entries and their order
// survive a clean shutdown, and the allocator resumes past the highest
// issued number.
func TestOpen_CreatePersistReopenRead(t *testing.T) {
	for _, variant := range []cfg.CatalogVariant{cfg.CatalogFilesystem, cfg.CatalogTable} {
		t.Run(string(variant), func(t *testing.T) {
			c := testConfig(t.TempDir(), variant)

			mount, err := Open(c, true)
			require.NoError(t, err)
			o := mount.Overlay

			require.Equal(t, overlay.InodeNumber(2), o.AllocateInodeNumber())
			require.Equal(t, overlay.InodeNumber(3), o.AllocateInodeNumber())
			require.Equal(t, overlay.InodeNumber(4), o.AllocateInodeNumber())

			root := overlay.NewDirectoryContents(true)
			require.NoError(t, root.Add(overlay.DirEntry{
				Name: "a", Mode: overlay.EntryMode(overlay.ModeTypeDirectory | 0755), InodeNumber: 2,
			}))
			require.NoError(t, root.Add(overlay.DirEntry{
				Name: "b", Mode: overlay.EntryMode(overlay.ModeTypeRegular | 0644), InodeNumber: 3,
				ObjectID: overlay.ObjectID("0123012301230123"),
			}))
			require.NoError(t, o.SaveOverlayDir(overlay.RootInodeNumber, root))
			require.NoError(t, o.SaveOverlayDir(2, overlay.NewDirectoryContents(true)))
			require.NoError(t, o.Close())

			reopened, err := Open(c, false)
			require.NoError(t, err)
			defer reopened.Overlay.Close()

			require.True(t, reopened.Overlay.HadCleanStartup())
			loaded, err := reopened.Overlay.LoadOverlayDir(overlay.RootInodeNumber)
			require.NoError(t, err)
			require.Equal(t, 2, loaded.Len())
			require.Equal(t, "a", loaded.Entries()[0].Name)
			require.Equal(t, "b", loaded.Entries()[1].Name)
			require.True(t, loaded.Entries()[1].ObjectID.Equal(overlay.ObjectID("0123012301230123")))

			empty, err := reopened.Overlay.LoadOverlayDir(2)
			require.NoError(t, err)
			require.Equal(t, 0, empty.Len())

			require.Equal(t, overlay.InodeNumber(4), reopened.Overlay.GetMaxInodeNumber())
		})
	}
}

// Unclean shutdown: the process dies without Close, so no
// next-inode-number marker is persisted; reopening runs fsck, which
// recovers the allocator from the highest inode observed anywhere.
func TestOpen_UncleanShutdownRecoversMaxInode(t *testing.T) {
	dir := t.TempDir()
	c := testConfig(dir, cfg.CatalogFilesystem)

	mount, err := Open(c, true)
	require.NoError(t, err)
	o := mount.Overlay

	for want := overlay.InodeNumber(2); want <= 7; want++ {
		require.Equal(t, want, o.AllocateInodeNumber())
	}
	root := overlay.NewDirectoryContents(true)
	require.NoError(t, root.Add(overlay.DirEntry{
		Name: "d", Mode: overlay.EntryMode(overlay.ModeTypeDirectory | 0755), InodeNumber: 4,
	}))
	require.NoError(t, root.Add(overlay.DirEntry{
		Name: "f", Mode: overlay.EntryMode(overlay.ModeTypeRegular | 0644), InodeNumber: 7,
		ObjectID: overlay.ObjectID("beef"),
	}))
	require.NoError(t, o.SaveOverlayDir(overlay.RootInodeNumber, root))
	require.NoError(t, o.SaveOverlayDir(4, overlay.NewDirectoryContents(true)))
	// Drop the overlay without Close: nothing persists the allocator.

	reopened, err := Open(c, false)
	require.NoError(t, err)
	defer reopened.Overlay.Close()

	require.False(t, reopened.Overlay.HadCleanStartup())
	require.Equal(t, overlay.InodeNumber(7), reopened.Overlay.GetMaxInodeNumber())
}

// Buffered catalog: a save is visible to an immediate load even though
// durability lags behind the flusher.
func TestOpen_BufferedWritesAreImmediatelyVisible(t *testing.T) {
	c := testConfig(t.TempDir(), cfg.CatalogFilesystem)
	c.Overlay.Buffered = true
	c.Overlay.BufferSizeBytes = 1

	mount, err := Open(c, true)
	require.NoError(t, err)
	defer mount.Overlay.Close()
	o := mount.Overlay

	for inode := overlay.InodeNumber(2); inode <= 21; inode++ {
		d := overlay.NewDirectoryContents(true)
		require.NoError(t, d.Add(overlay.DirEntry{
			Name:        fmt.Sprintf("child-%d", inode),
			Mode:        overlay.EntryMode(overlay.ModeTypeRegular | 0644),
			InodeNumber: inode + 100,
		}))
		require.NoError(t, o.SaveOverlayDir(inode, d))

		loaded, err := o.LoadOverlayDir(inode)
		require.NoError(t, err)
		require.Equal(t, 1, loaded.Len())
		_, ok := loaded.Get(fmt.Sprintf("child-%d", inode))
		require.True(t, ok)
	}
}

// The in-memory variant opens and serves operations, trading all
// durability away; a fresh Open starts from an empty root every time.
func TestOpen_InMemoryVariant(t *testing.T) {
	c := testConfig(t.TempDir(), cfg.CatalogInMemory)
	c.Overlay.UnsafeInMemory = true

	mount, err := Open(c, true)
	require.NoError(t, err)
	defer mount.Overlay.Close()

	loaded, err := mount.Overlay.LoadOverlayDir(overlay.RootInodeNumber)
	require.NoError(t, err)
	require.Equal(t, 0, loaded.Len())
	require.False(t, mount.Overlay.HadCleanStartup())
}
