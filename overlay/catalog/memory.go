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

// MemoryBackend is the in-memory C1 variant. It never persists anything;
// every Initialize call reports no clean next-inode-number, forcing fsck
// to rebuild state from whatever the (also in-memory, in practice) C2
// variant knows. Intended for tests and the UNSAFE_IN_MEMORY config
// option, never for production use.
type MemoryBackend struct {
	caseSensitive bool

	mu   sync.Mutex
	dirs map[overlay.InodeNumber]*overlay.DirectoryContents
}

// NewMemoryBackend returns a ready-to-use, empty in-memory catalog.
func NewMemoryBackend(caseSensitive bool) *MemoryBackend {
	return &MemoryBackend{
		caseSensitive: caseSensitive,
		dirs:          make(map[overlay.InodeNumber]*overlay.DirectoryContents),
	}
}

func (m *MemoryBackend) Initialize(createIfMissing bool) (overlay.InodeNumber, bool, error) {
	return 0, false, nil
}

func (m *MemoryBackend) Close(next *overlay.InodeNumber) error { return nil }

func (m *MemoryBackend) LoadDirectory(inode overlay.InodeNumber) (*overlay.DirectoryContents, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dirs[inode]
	if !ok {
		return nil, false, nil
	}
	return d.Clone(), true, nil
}

// LoadRaw re-encodes the live record: the in-memory variant has no
// persisted form that could diverge from what EncodeDirectory produces.
func (m *MemoryBackend) LoadRaw(inode overlay.InodeNumber) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dirs[inode]
	if !ok {
		return nil, false, nil
	}
	return overlay.EncodeDirectory(d), true, nil
}

func (m *MemoryBackend) SaveDirectory(inode overlay.InodeNumber, dir *overlay.DirectoryContents) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs[inode] = dir.Clone()
	return nil
}

func (m *MemoryBackend) HasDirectory(inode overlay.InodeNumber) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.dirs[inode]
	return ok
}

func (m *MemoryBackend) RemoveDirectory(inode overlay.InodeNumber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dirs, inode)
	return nil
}

func (m *MemoryBackend) LoadAndRemoveDirectory(inode overlay.InodeNumber) (*overlay.DirectoryContents, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dirs[inode]
	if !ok {
		return nil, false, nil
	}
	delete(m.dirs, inode)
	return d, true, nil
}

// SupportsSemanticOps reports true: the in-memory backend's directory
// record is a live object, so add/remove/rename-child can be applied
// in-place without a whole-directory round trip.
func (m *MemoryBackend) SupportsSemanticOps() bool { return true }

func (m *MemoryBackend) AddChild(parent overlay.InodeNumber, entry overlay.DirEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dirs[parent]
	if !ok {
		d = overlay.NewDirectoryContents(m.caseSensitive)
		m.dirs[parent] = d
	}
	return d.Add(entry)
}

func (m *MemoryBackend) RemoveChild(parent overlay.InodeNumber, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dirs[parent]
	if !ok {
		return nil
	}
	d.Remove(name)
	return nil
}

func (m *MemoryBackend) RenameChild(srcParent, dstParent overlay.InodeNumber, srcName, dstName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.dirs[srcParent]
	if !ok {
		return nil
	}
	entry, ok := src.Remove(srcName)
	if !ok {
		return nil
	}
	entry.Name = dstName
	dst, ok := m.dirs[dstParent]
	if !ok {
		dst = overlay.NewDirectoryContents(m.caseSensitive)
		m.dirs[dstParent] = dst
	}
	return dst.Add(entry)
}

func (m *MemoryBackend) Maintenance() error { return nil }

func (m *MemoryBackend) ListInodes() ([]overlay.InodeNumber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inodes := make([]overlay.InodeNumber, 0, len(m.dirs))
	for inode := range m.dirs {
		inodes = append(inodes, inode)
	}
	return inodes, nil
}
