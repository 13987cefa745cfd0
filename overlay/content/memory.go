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
	"sync"
	"time"

	"github.com/overlayfs/overlay/overlay"
)

// MemoryBackend is the in-memory C2 variant paired with
// overlay/catalog.MemoryBackend for the UNSAFE_IN_MEMORY configuration
// option and for tests: bodies live in a map and are lost on shutdown.
type MemoryBackend struct {
	mu    sync.Mutex
	files map[overlay.InodeNumber][]byte
}

// NewMemoryBackend returns a ready-to-use, empty in-memory content store.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{files: make(map[overlay.InodeNumber][]byte)}
}

func (m *MemoryBackend) CreateFile(inode overlay.InodeNumber, initial []byte) (Handle, error) {
	m.mu.Lock()
	m.files[inode] = append([]byte(nil), initial...)
	m.mu.Unlock()
	return &memoryHandle{backend: m, inode: inode}, nil
}

func (m *MemoryBackend) OpenFile(inode overlay.InodeNumber) (Handle, error) {
	return m.open(inode)
}

func (m *MemoryBackend) OpenFileUnchecked(inode overlay.InodeNumber) (Handle, error) {
	return m.open(inode)
}

func (m *MemoryBackend) open(inode overlay.InodeNumber) (Handle, error) {
	m.mu.Lock()
	_, ok := m.files[inode]
	m.mu.Unlock()
	if !ok {
		return nil, overlay.NewErr(overlay.KindNotFound, "OpenFile", inode, nil)
	}
	return &memoryHandle{backend: m, inode: inode}, nil
}

func (m *MemoryBackend) HasFile(inode overlay.InodeNumber) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[inode]
	return ok
}

func (m *MemoryBackend) RemoveFile(inode overlay.InodeNumber) error {
	m.mu.Lock()
	delete(m.files, inode)
	m.mu.Unlock()
	return nil
}

// ReadRaw returns a copy of the stored bytes; the in-memory variant keeps
// no separate integrity header.
func (m *MemoryBackend) ReadRaw(inode overlay.InodeNumber) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[inode]
	if !ok {
		return nil, overlay.NewErr(overlay.KindNotFound, "ReadRaw", inode, nil)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryBackend) Close() error { return nil }

func (m *MemoryBackend) ListInodes() ([]overlay.InodeNumber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inodes := make([]overlay.InodeNumber, 0, len(m.files))
	for inode := range m.files {
		inodes = append(inodes, inode)
	}
	return inodes, nil
}

// memoryHandle serves I/O directly against the backend's map entry, the
// same read/write-by-range shape as the table-backed variant.
type memoryHandle struct {
	backend *MemoryBackend
	inode   overlay.InodeNumber
}

func (h *memoryHandle) load() []byte {
	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()
	return h.backend.files[h.inode]
}

func (h *memoryHandle) store(data []byte) {
	h.backend.mu.Lock()
	h.backend.files[h.inode] = data
	h.backend.mu.Unlock()
}

func (h *memoryHandle) Stat() (Stat, error) {
	return Stat{Size: int64(len(h.load())), Mtime: time.Now()}, nil
}

func (h *memoryHandle) Pread(buf []byte, offset int64) (int, error) {
	data := h.load()
	if offset >= int64(len(data)) {
		return 0, nil
	}
	return copy(buf, data[offset:]), nil
}

func (h *memoryHandle) Pwrite(iovecs []IoVec) (int, error) {
	data := h.load()
	total := 0
	for _, v := range iovecs {
		end := v.Offset + int64(len(v.Data))
		if end > int64(len(data)) {
			grown := make([]byte, end)
			copy(grown, data)
			data = grown
		}
		copy(data[v.Offset:end], v.Data)
		total += len(v.Data)
	}
	h.store(data)
	return total, nil
}

// Seek is unsupported: like the table variant, I/O is served by explicit
// offset rather than a tracked cursor.
func (h *memoryHandle) Seek(offset int64, whence int) (int64, error) {
	return 0, overlay.NewErr(overlay.KindUnimplemented, "Seek", h.inode, nil)
}

func (h *memoryHandle) Truncate(size int64) error {
	data := h.load()
	if size <= int64(len(data)) {
		h.store(data[:size])
		return nil
	}
	grown := make([]byte, size)
	copy(grown, data)
	h.store(grown)
	return nil
}

func (h *memoryHandle) Fsync() error     { return nil }
func (h *memoryHandle) Fdatasync() error { return nil }

func (h *memoryHandle) Fallocate(offset, length int64) error {
	data := h.load()
	want := offset + length
	if want <= int64(len(data)) {
		return nil
	}
	grown := make([]byte, want)
	copy(grown, data)
	h.store(grown)
	return nil
}

func (h *memoryHandle) ReadAll() ([]byte, error) { return h.load(), nil }
func (h *memoryHandle) Close() error             { return nil }
