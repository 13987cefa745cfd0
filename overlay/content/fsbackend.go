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

package content

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/overlayfs/overlay/overlay"
	"github.com/overlayfs/overlay/common"
	"golang.org/x/sys/unix"
)

// FsBackend is the filesystem-backed C2 variant: each inode's body lives
// in its own small file under a sharded directory tree keyed by the low
// byte of the inode number, so sequentially allocated inodes spread
// across 256 directories rather than piling into one.
type FsBackend struct {
	root string
}

// NewFsBackend opens (creating if missing) the sharded tree rooted at
// dir.
func NewFsBackend(dir string) (*FsBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating content root %s: %w", dir, err)
	}
	return &FsBackend{root: dir}, nil
}

func (b *FsBackend) shard(inode overlay.InodeNumber) string {
	return fmt.Sprintf("%02x", byte(inode))
}

func (b *FsBackend) path(inode overlay.InodeNumber) string {
	return filepath.Join(b.root, b.shard(inode), fmt.Sprintf("%d", inode))
}

func (b *FsBackend) CreateFile(inode overlay.InodeNumber, initial []byte) (Handle, error) {
	dir := filepath.Join(b.root, b.shard(inode))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, overlay.NewIoError("CreateFile", inode, err)
	}
	f, err := os.OpenFile(b.path(inode), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, overlay.NewIoError("CreateFile", inode, err)
	}
	header := encodeHeader(inode)
	if _, err := f.Write(header[:]); err != nil {
		common.CloseFile(f)
		return nil, overlay.NewIoError("CreateFile", inode, err)
	}
	if len(initial) > 0 {
		if _, err := f.Write(initial); err != nil {
			common.CloseFile(f)
			return nil, overlay.NewIoError("CreateFile", inode, err)
		}
	}
	return &fsHandle{f: f, inode: inode}, nil
}

func (b *FsBackend) openExisting(inode overlay.InodeNumber) (*os.File, error) {
	f, err := os.OpenFile(b.path(inode), os.O_RDWR, 0o644)
	if os.IsNotExist(err) {
		return nil, overlay.NewErr(overlay.KindNotFound, "OpenFile", inode, err)
	}
	if err != nil {
		return nil, overlay.NewIoError("OpenFile", inode, err)
	}
	return f, nil
}

func (b *FsBackend) OpenFile(inode overlay.InodeNumber) (Handle, error) {
	f, err := b.openExisting(inode)
	if err != nil {
		return nil, err
	}
	var header [HeaderSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		common.CloseFile(f)
		return nil, overlay.NewErr(overlay.KindCorruptOverlay, "OpenFile", inode, err)
	}
	if err := decodeAndVerifyHeader(header[:], inode); err != nil {
		common.CloseFile(f)
		return nil, overlay.NewErr(overlay.KindCorruptOverlay, "OpenFile", inode, err)
	}
	return &fsHandle{f: f, inode: inode}, nil
}

func (b *FsBackend) OpenFileUnchecked(inode overlay.InodeNumber) (Handle, error) {
	f, err := b.openExisting(inode)
	if err != nil {
		return nil, err
	}
	return &fsHandle{f: f, inode: inode}, nil
}

func (b *FsBackend) HasFile(inode overlay.InodeNumber) bool {
	_, err := os.Stat(b.path(inode))
	return err == nil
}

func (b *FsBackend) RemoveFile(inode overlay.InodeNumber) error {
	err := os.Remove(b.path(inode))
	if err != nil && !os.IsNotExist(err) {
		return overlay.NewIoError("RemoveFile", inode, err)
	}
	return nil
}

// ReadRaw returns the backing file's bytes verbatim, header included.
func (b *FsBackend) ReadRaw(inode overlay.InodeNumber) ([]byte, error) {
	data, err := os.ReadFile(b.path(inode))
	if os.IsNotExist(err) {
		return nil, overlay.NewErr(overlay.KindNotFound, "ReadRaw", inode, err)
	}
	if err != nil {
		return nil, overlay.NewIoError("ReadRaw", inode, err)
	}
	return data, nil
}

func (b *FsBackend) Close() error { return nil }

// ListInodes walks the sharded tree and returns every inode with a
// materialized file body, for fsck's orphan-detection pass.
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
				continue
			}
			inodes = append(inodes, overlay.InodeNumber(n))
		}
	}
	return inodes, nil
}

// fsHandle biases every logical offset past HeaderSize, so callers always
// address byte 0 of logical content.
type fsHandle struct {
	f     *os.File
	inode overlay.InodeNumber
}

func (h *fsHandle) Stat() (Stat, error) {
	fi, err := h.f.Stat()
	if err != nil {
		return Stat{}, overlay.NewIoError("Stat", h.inode, err)
	}
	size := fi.Size() - HeaderSize
	if size < 0 {
		size = 0
	}
	return Stat{Size: size, Mtime: fi.ModTime()}, nil
}

func (h *fsHandle) Pread(buf []byte, offset int64) (int, error) {
	n, err := h.f.ReadAt(buf, offset+HeaderSize)
	if err != nil && err != io.EOF {
		return n, overlay.NewIoError("Pread", h.inode, err)
	}
	return n, nil
}

func (h *fsHandle) Pwrite(iovecs []IoVec) (int, error) {
	total := 0
	for _, v := range iovecs {
		n, err := h.f.WriteAt(v.Data, v.Offset+HeaderSize)
		total += n
		if err != nil {
			return total, overlay.NewIoError("Pwrite", h.inode, err)
		}
	}
	return total, nil
}

func (h *fsHandle) Seek(offset int64, whence int) (int64, error) {
	if whence == io.SeekStart {
		offset += HeaderSize
	}
	pos, err := h.f.Seek(offset, whence)
	if err != nil {
		return 0, overlay.NewIoError("Seek", h.inode, err)
	}
	return pos - HeaderSize, nil
}

func (h *fsHandle) Truncate(size int64) error {
	if err := h.f.Truncate(size + HeaderSize); err != nil {
		return overlay.NewIoError("Truncate", h.inode, err)
	}
	return nil
}

func (h *fsHandle) Fsync() error {
	if err := h.f.Sync(); err != nil {
		return overlay.NewIoError("Fsync", h.inode, err)
	}
	return nil
}

// Fdatasync falls back to a full Sync: the Go standard library does not
// expose fdatasync separately from fsync on any platform.
func (h *fsHandle) Fdatasync() error { return h.Fsync() }

func (h *fsHandle) Fallocate(offset, length int64) error {
	err := unix.Fallocate(int(h.f.Fd()), 0, offset+HeaderSize, length)
	if err != nil {
		return overlay.NewIoError("Fallocate", h.inode, err)
	}
	return nil
}

func (h *fsHandle) ReadAll() ([]byte, error) {
	st, err := h.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, st.Size)
	if st.Size == 0 {
		return buf, nil
	}
	n, err := h.Pread(buf, 0)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (h *fsHandle) Close() error {
	if err := h.f.Close(); err != nil {
		return overlay.NewIoError("Close", h.inode, err)
	}
	return nil
}
