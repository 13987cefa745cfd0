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
	"fmt"
	"path"

	"github.com/overlayfs/overlay/overlay"
)

// DiskState is the state the host virtualization layer reports for one
// on-disk entry. On hosts that project the tree lazily, an entry can have
// been hydrated, modified, deleted, or renamed behind the overlay's back
// while it was not running; Reconcile folds those out-of-band changes
// back into the catalog.
type DiskState int

const (
	// DiskPlaceholder is an unhydrated projection of a source-control
	// object: present on disk in name only, contents still served from
	// the store.
	DiskPlaceholder DiskState = iota
	// DiskDirtyPlaceholder has had its metadata touched but not its
	// contents.
	DiskDirtyPlaceholder
	// DiskFull has been hydrated and possibly written to; the on-disk
	// bytes are authoritative.
	DiskFull
	// DiskTombstone marks an entry deleted on disk while the overlay was
	// not watching.
	DiskTombstone
	// DiskRenamedPlaceholder is a placeholder moved to a new name without
	// being populated; reads still go through source control, but the
	// entry no longer corresponds to any single store object.
	DiskRenamedPlaceholder
)

func (s DiskState) String() string {
	switch s {
	case DiskPlaceholder:
		return "Placeholder"
	case DiskDirtyPlaceholder:
		return "DirtyPlaceholder"
	case DiskFull:
		return "Full"
	case DiskTombstone:
		return "Tombstone"
	case DiskRenamedPlaceholder:
		return "RenamedPlaceholder"
	default:
		return "Unknown"
	}
}

// DiskEntry is one on-disk child as reported by the host layer's scan.
// Children is populated for directories that are present (any state but
// DiskTombstone).
type DiskEntry struct {
	Name     string
	Mode     overlay.EntryMode
	State    DiskState
	Children []DiskEntry
}

// SCMChild is one child of a directory as source control currently has
// it.
type SCMChild struct {
	Name string
	Mode overlay.EntryMode
	ID   overlay.ObjectID
}

// SCMLister enumerates source control's children of the directory at
// path ("" is the root). A path not present in source control returns an
// empty list, not an error.
type SCMLister func(path string) ([]SCMChild, error)

// Reconcile applies the out-of-band-change decision table to the whole
// tree: every on-disk entry is cross-referenced against the catalog and
// source control, the catalog is edited to agree with what is actually on
// disk, and ancestor directories containing a materialized descendant are
// re-marked materialized on the way back up. alloc supplies inode numbers
// for entries the catalog has never seen. It returns the number of
// catalog records rewritten.
//
// Dirty or full entries on disk win unconditionally: the catalog entry is
// (re)created materialized. Unpopulated placeholders are aligned with
// source control's current object identifier. Tombstones and entries
// gone from both disk and source control are dropped, recursively for
// directories. Entries source control has but neither disk nor catalog
// knows are added as unmaterialized projections. A renamed placeholder
// becomes a materialized entry with no object identifier: its reads pass
// through source control on access, but no single store object describes
// it any more.
func (c *Checker) Reconcile(diskRoot []DiskEntry, list SCMLister, alloc func() overlay.InodeNumber) (int, error) {
	changes := 0
	_, err := c.reconcileDir(overlay.RootInodeNumber, "", diskRoot, list, alloc, &changes)
	if err != nil {
		return changes, err
	}
	return changes, nil
}

// reconcileDir reconciles one directory and its subtree, returning
// whether the directory ends up containing any materialized entry (which
// forces the parent to re-mark it materialized).
func (c *Checker) reconcileDir(inode overlay.InodeNumber, dirPath string, disk []DiskEntry, list SCMLister, alloc func() overlay.InodeNumber, changes *int) (bool, error) {
	dir, ok, err := c.catalog.LoadDirectory(inode)
	if err != nil {
		return false, err
	}
	if !ok {
		dir = overlay.NewDirectoryContents(c.opts.CaseSensitive)
	}
	dirty := !ok

	scm := make(map[string]SCMChild)
	if list != nil {
		children, err := list(dirPath)
		if err != nil {
			return false, fmt.Errorf("listing %q in source control: %w", dirPath, err)
		}
		for _, sc := range children {
			scm[sc.Name] = sc
		}
	}

	onDisk := make(map[string]bool, len(disk))
	for _, d := range disk {
		onDisk[d.Name] = true
		childPath := path.Join(dirPath, d.Name)

		switch d.State {
		case DiskFull, DiskDirtyPlaceholder:
			entry, present := dir.Get(d.Name)
			if !present {
				entry = overlay.DirEntry{Name: d.Name, Mode: d.Mode, InodeNumber: alloc()}
				if err := dir.Add(entry); err != nil {
					return false, err
				}
				dirty = true
			}
			if entry.Mode != d.Mode || !entry.Materialized() {
				entry.Mode = d.Mode
				entry.SetMaterialized()
				if err := dir.Set(entry); err != nil {
					return false, err
				}
				dirty = true
			}
			if d.Mode.IsDir() {
				if _, err := c.reconcileDir(entry.InodeNumber, childPath, d.Children, list, alloc, changes); err != nil {
					return false, err
				}
			}

		case DiskPlaceholder:
			sc, inSCM := scm[d.Name]
			if !inSCM {
				break // placeholder with no backing object; leave whatever the catalog has
			}
			entry, present := dir.Get(d.Name)
			if !present {
				entry = overlay.DirEntry{Name: d.Name, Mode: sc.Mode, InodeNumber: alloc(), ObjectID: sc.ID}
				if err := dir.Add(entry); err != nil {
					return false, err
				}
				dirty = true
				break
			}
			if !entry.ObjectID.Equal(sc.ID) {
				entry.SetDematerialized(sc.ID)
				if err := dir.Set(entry); err != nil {
					return false, err
				}
				dirty = true
			}

		case DiskTombstone:
			if entry, present := dir.Get(d.Name); present {
				dir.Remove(d.Name)
				dirty = true
				if entry.Mode.IsDir() {
					if err := c.dropSubtree(entry.InodeNumber); err != nil {
						return false, err
					}
				} else {
					_ = c.content.RemoveFile(entry.InodeNumber)
				}
			}

		case DiskRenamedPlaceholder:
			entry, present := dir.Get(d.Name)
			if !present {
				entry = overlay.DirEntry{Name: d.Name, Mode: d.Mode, InodeNumber: alloc()}
				if err := dir.Add(entry); err != nil {
					return false, err
				}
				dirty = true
				break
			}
			if !entry.Materialized() {
				entry.SetMaterialized()
				if err := dir.Set(entry); err != nil {
					return false, err
				}
				dirty = true
			}
		}
	}

	// Rows for entries absent from disk: realign with source control when
	// it still has them, drop them when it does not.
	for _, e := range append([]overlay.DirEntry(nil), dir.Entries()...) {
		if onDisk[e.Name] {
			continue
		}
		if sc, inSCM := scm[e.Name]; inSCM {
			if !e.ObjectID.Equal(sc.ID) {
				e.SetDematerialized(sc.ID)
				if err := dir.Set(e); err != nil {
					return false, err
				}
				dirty = true
			}
			continue
		}
		dir.Remove(e.Name)
		dirty = true
		if e.Mode.IsDir() {
			if err := c.dropSubtree(e.InodeNumber); err != nil {
				return false, err
			}
		} else {
			_ = c.content.RemoveFile(e.InodeNumber)
		}
	}

	// Row for entries absent from both disk and catalog but present in
	// source control.
	for name, sc := range scm {
		if onDisk[name] {
			continue
		}
		if _, present := dir.Get(name); present {
			continue
		}
		if err := dir.Add(overlay.DirEntry{Name: name, Mode: sc.Mode, InodeNumber: alloc(), ObjectID: sc.ID}); err != nil {
			return false, err
		}
		dirty = true
	}

	// Materialization propagates upward: the parent holding this
	// directory clears its object identifier when anything below
	// diverged.
	materialized := dir.AnyMaterialized()
	if dirty {
		if err := c.catalog.SaveDirectory(inode, dir); err != nil {
			return false, err
		}
		*changes++
	}
	return materialized, nil
}

// dropSubtree removes inode's record and everything reachable below it
// from the catalog and content store.
func (c *Checker) dropSubtree(inode overlay.InodeNumber) error {
	dir, ok, err := c.catalog.LoadAndRemoveDirectory(inode)
	if err != nil || !ok {
		return err
	}
	for _, e := range dir.Entries() {
		if e.Mode.IsDir() {
			if err := c.dropSubtree(e.InodeNumber); err != nil {
				return err
			}
			continue
		}
		_ = c.content.RemoveFile(e.InodeNumber)
	}
	return nil
}
