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
	"fmt"
	"strings"
)

// DirectoryContents is an ordered collection of directory entries, indexed
// by name under a fixed case-sensitivity policy. The policy is chosen
// once, at mount-create time, and is the same for every directory in the
// overlay.
type DirectoryContents struct {
	caseSensitive bool
	entries       []DirEntry
	index         map[string]int
}

// NewDirectoryContents returns an empty directory using the given
// case-sensitivity policy.
func NewDirectoryContents(caseSensitive bool) *DirectoryContents {
	return &DirectoryContents{
		caseSensitive: caseSensitive,
		index:         make(map[string]int),
	}
}

func (d *DirectoryContents) normalize(name string) string {
	if d.caseSensitive {
		return name
	}
	return strings.ToLower(name)
}

// CaseSensitive reports the comparison policy this directory uses.
func (d *DirectoryContents) CaseSensitive() bool { return d.caseSensitive }

// Len returns the number of entries.
func (d *DirectoryContents) Len() int { return len(d.entries) }

// Entries returns the entries in their stored order. The returned slice
// must not be mutated by the caller.
func (d *DirectoryContents) Entries() []DirEntry { return d.entries }

// Get looks up a child by name, returning (entry, true) if present.
func (d *DirectoryContents) Get(name string) (DirEntry, bool) {
	i, ok := d.index[d.normalize(name)]
	if !ok {
		return DirEntry{}, false
	}
	return d.entries[i], true
}

// Add inserts a new entry. It returns an error if the name is empty,
// contains a path separator, or already exists under the directory's
// comparison policy.
func (d *DirectoryContents) Add(e DirEntry) error {
	if e.Name == "" {
		return fmt.Errorf("directory entry name must not be empty")
	}
	if strings.ContainsRune(e.Name, '/') {
		return fmt.Errorf("directory entry name %q contains a path separator", e.Name)
	}
	if e.InodeNumber == 0 {
		return fmt.Errorf("directory entry %q has a zero inode number", e.Name)
	}
	key := d.normalize(e.Name)
	if _, exists := d.index[key]; exists {
		return fmt.Errorf("directory entry %q already exists", e.Name)
	}
	d.index[key] = len(d.entries)
	d.entries = append(d.entries, e)
	return nil
}

// Remove deletes the named entry, returning the removed entry and true,
// or (zero, false) if it was not present. Removal preserves the relative
// order of the remaining entries.
func (d *DirectoryContents) Remove(name string) (DirEntry, bool) {
	key := d.normalize(name)
	i, ok := d.index[key]
	if !ok {
		return DirEntry{}, false
	}
	removed := d.entries[i]
	d.entries = append(d.entries[:i], d.entries[i+1:]...)
	delete(d.index, key)
	for k, idx := range d.index {
		if idx > i {
			d.index[k] = idx - 1
		}
	}
	return removed, true
}

// Set replaces the entry stored at name, preserving its position. It
// returns an error if the name is not present; use Add for new entries.
func (d *DirectoryContents) Set(e DirEntry) error {
	key := d.normalize(e.Name)
	i, ok := d.index[key]
	if !ok {
		return fmt.Errorf("directory entry %q does not exist", e.Name)
	}
	d.entries[i] = e
	return nil
}

// Rename moves the entry at srcName to dstName, which must not already
// exist in this directory. The entry's position is preserved; a caller
// renaming across directories removes from the source and adds to the
// destination instead.
func (d *DirectoryContents) Rename(srcName, dstName string) error {
	srcKey := d.normalize(srcName)
	i, ok := d.index[srcKey]
	if !ok {
		return fmt.Errorf("directory entry %q does not exist", srcName)
	}
	dstKey := d.normalize(dstName)
	if dstKey != srcKey {
		if _, exists := d.index[dstKey]; exists {
			return fmt.Errorf("directory entry %q already exists", dstName)
		}
	}
	d.entries[i].Name = dstName
	delete(d.index, srcKey)
	d.index[dstKey] = i
	return nil
}

// Clone returns a deep copy, so the caller can mutate it independently of
// the original (e.g. before handing it to the reclamation worker).
func (d *DirectoryContents) Clone() *DirectoryContents {
	c := NewDirectoryContents(d.caseSensitive)
	for _, e := range d.entries {
		c.entries = append(c.entries, e.Clone())
	}
	for k, v := range d.index {
		c.index[k] = v
	}
	return c
}

// AnyMaterialized reports whether at least one child is materialized,
// which is the condition under which this directory itself must be
// materialized (see the materialization propagation rule).
func (d *DirectoryContents) AnyMaterialized() bool {
	for _, e := range d.entries {
		if e.Materialized() {
			return true
		}
	}
	return false
}

// AllDematerialized reports whether every child has an object identifier,
// the condition under which this directory may shed its own materialized
// state.
func (d *DirectoryContents) AllDematerialized() bool {
	for _, e := range d.entries {
		if e.Materialized() {
			return false
		}
	}
	return true
}
