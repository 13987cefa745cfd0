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
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/overlayfs/overlay/overlay"
)

// FsBackend is the filesystem-backed C1 variant named in spec.md §4.1:
// each inode's directory record is a small file under a sharded
// directory tree, appropriate wherever the host filesystem handles many
// small files cheaply.
type FsBackend struct {
	root          string
	caseSensitive bool
	nextPath      string
}

// NewFsBackend opens (creating if missing) the sharded catalog tree
// rooted at dir/catalog.
func NewFsBackend(dir string, caseSensitive bool) (*FsBackend, error) {
	root := filepath.Join(dir, "catalog")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating catalog root %s: %w", root, err)
	}
	return &FsBackend{
		root:          root,
		caseSensitive: caseSensitive,
		nextPath:      filepath.Join(dir, "next_inode_number"),
	}, nil
}

// shard spreads records across 256 subdirectories keyed by the inode's
// low byte; sequentially allocated inodes land in rotating shards
// instead of piling into one directory.
func (b *FsBackend) shard(inode overlay.InodeNumber) string {
	return fmt.Sprintf("%02x", byte(inode))
}

func (b *FsBackend) path(inode overlay.InodeNumber) string {
	return filepath.Join(b.root, b.shard(inode), fmt.Sprintf("%d", inode))
}

func (b *FsBackend) Initialize(createIfMissing bool) (overlay.InodeNumber, bool, error) {
	data, err := os.ReadFile(b.nextPath)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, overlay.NewIoError("Initialize", 0, err)
	}
	var next uint64
	if _, err := fmt.Sscanf(string(data), "%d", &next); err != nil {
		return 0, false, nil // corrupt marker: treat as unclean shutdown, fsck will recompute
	}
	// The marker is removed once read: its presence means "persisted on a
	// clean shutdown", and it must not be mistaken for clean on the next
	// unclean one.
	_ = os.Remove(b.nextPath)
	return overlay.InodeNumber(next), true, nil
}

func (b *FsBackend) Close(next *overlay.InodeNumber) error {
	if next == nil {
		return nil
	}
	tmp := b.nextPath + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("%d", uint64(*next))), 0o644); err != nil {
		return overlay.NewIoError("Close", 0, err)
	}
	if err := os.Rename(tmp, b.nextPath); err != nil {
		return overlay.NewIoError("Close", 0, err)
	}
	return nil
}

func (b *FsBackend) LoadDirectory(inode overlay.InodeNumber) (*overlay.DirectoryContents, bool, error) {
	data, err := os.ReadFile(b.path(inode))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, overlay.NewIoError("LoadDirectory", inode, err)
	}
	d, err := overlay.DecodeDirectory(data, b.caseSensitive)
	if err != nil {
		return nil, false, overlay.NewErr(overlay.KindCorruptOverlay, "LoadDirectory", inode, err)
	}
	return d, true, nil
}

// LoadRaw returns the record file's bytes verbatim, without decoding.
func (b *FsBackend) LoadRaw(inode overlay.InodeNumber) ([]byte, bool, error) {
	data, err := os.ReadFile(b.path(inode))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, overlay.NewIoError("LoadRaw", inode, err)
	}
	return data, true, nil
}

// SaveDirectory atomically replaces the single record for inode via
// write-to-temp-then-rename, the usual way to get atomic single-file
// replace on a POSIX filesystem.
func (b *FsBackend) SaveDirectory(inode overlay.InodeNumber, dir *overlay.DirectoryContents) error {
	shardDir := filepath.Join(b.root, b.shard(inode))
	if err := os.MkdirAll(shardDir, 0o755); err != nil {
		return overlay.NewIoError("SaveDirectory", inode, err)
	}
	tmp := filepath.Join(shardDir, fmt.Sprintf("%d.%s.tmp", inode, uuid.NewString()))
	data := overlay.EncodeDirectory(dir)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return overlay.NewIoError("SaveDirectory", inode, err)
	}
	if err := os.Rename(tmp, b.path(inode)); err != nil {
		os.Remove(tmp)
		return overlay.NewIoError("SaveDirectory", inode, err)
	}
	return nil
}

func (b *FsBackend) HasDirectory(inode overlay.InodeNumber) bool {
	_, err := os.Stat(b.path(inode))
	return err == nil
}

func (b *FsBackend) RemoveDirectory(inode overlay.InodeNumber) error {
	err := os.Remove(b.path(inode))
	if err != nil && !os.IsNotExist(err) {
		return overlay.NewIoError("RemoveDirectory", inode, err)
	}
	return nil
}

func (b *FsBackend) LoadAndRemoveDirectory(inode overlay.InodeNumber) (*overlay.DirectoryContents, bool, error) {
	d, ok, err := b.LoadDirectory(inode)
	if err != nil || !ok {
		return d, ok, err
	}
	if err := b.RemoveDirectory(inode); err != nil {
		return nil, false, err
	}
	return d, true, nil
}

// SupportsSemanticOps reports false: each mutation requires rewriting the
// whole per-inode file, so the facade falls back to load/mutate/save.
func (b *FsBackend) SupportsSemanticOps() bool { return false }

func (b *FsBackend) AddChild(parent overlay.InodeNumber, entry overlay.DirEntry) error {
	return overlay.NewErr(overlay.KindUnimplemented, "AddChild", parent, nil)
}

func (b *FsBackend) RemoveChild(parent overlay.InodeNumber, name string) error {
	return overlay.NewErr(overlay.KindUnimplemented, "RemoveChild", parent, nil)
}

func (b *FsBackend) RenameChild(srcParent, dstParent overlay.InodeNumber, srcName, dstName string) error {
	return overlay.NewErr(overlay.KindUnimplemented, "RenameChild", srcParent, nil)
}

func (b *FsBackend) Maintenance() error { return nil }

// ListInodes walks the sharded tree and returns every inode with a
// directory record, for fsck's orphan-detection pass.
func (b *FsBackend) ListInodes() ([]overlay.InodeNumber, error) {
	var inodes []overlay.InodeNumber
	shards, err := os.ReadDir(b.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, overlay.NewIoError("ListInodes", 0, err)
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(b.root, shard.Name()))
		if err != nil {
			return nil, overlay.NewIoError("ListInodes", 0, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			n, err := strconv.ParseUint(e.Name(), 10, 64)
			if err != nil {
				continue // temp/rename-in-flight file, not a record
			}
			inodes = append(inodes, overlay.InodeNumber(n))
		}
	}
	return inodes, nil
}
