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

// Package bootstrap assembles a concrete *overlay.Overlay from a cfg.Config:
// it is the one place in the module allowed to import overlay, overlay/catalog,
// overlay/content, and overlay/fsck together, since package overlay cannot
// import any of its three subpackages without an import cycle (each of those
// imports overlay for InodeNumber and the error constructors).
package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/overlayfs/overlay/overlay"
	"github.com/overlayfs/overlay/cfg"
	"github.com/overlayfs/overlay/clock"
	"github.com/overlayfs/overlay/internal/logger"
	"github.com/overlayfs/overlay/overlay/catalog"
	"github.com/overlayfs/overlay/overlay/content"
	"github.com/overlayfs/overlay/overlay/fsck"
	"github.com/overlayfs/overlay/overlay/stats"
)

// Mount holds the concrete backends alongside the facade, so Close and
// fsck re-runs (via the stat/fsck subcommands) can reach them directly
// without the facade having to expose its internals.
type Mount struct {
	Overlay *overlay.Overlay
	Catalog catalog.Catalog
	Content content.Store
	Config  *cfg.Config
}

// Open builds the catalog/content backends named by c.Overlay, creates the
// facade over them, and runs Initialize (including fsck, if the catalog
// reports no cleanly persisted next-inode-number).
func Open(c *cfg.Config, createIfMissing bool) (*Mount, error) {
	cat, store, err := openBackends(c)
	if err != nil {
		return nil, err
	}

	caseSensitive := c.Overlay.CaseSensitive == cfg.CaseSensitive
	metrics, err := stats.New()
	if err != nil {
		logger.Warnf("building overlay metrics: %v; continuing without", err)
		metrics = nil
	}
	o := overlay.Create(string(c.Overlay.LocalDirectory), caseSensitive, cat, store, c.Overlay.FilterAppleDouble, metrics)
	o.SetStrictInvariants(c.Debug.ExitOnInvariantViolation)

	fsckFn := func() (overlay.InodeNumber, error) {
		return runFsck(c, cat, store, metrics, nil)
	}
	if err := o.Initialize(createIfMissing, fsckFn); err != nil {
		cat.Close(nil)
		store.Close()
		return nil, fmt.Errorf("initializing overlay: %w", err)
	}

	return &Mount{Overlay: o, Catalog: cat, Content: store, Config: c}, nil
}

// openBackends constructs the catalog/content pair named by c.Overlay.CatalogVariant,
// layering the write-buffering decorator over the catalog when configured.
func openBackends(c *cfg.Config) (catalog.Catalog, content.Store, error) {
	dir := string(c.Overlay.LocalDirectory)
	caseSensitive := c.Overlay.CaseSensitive == cfg.CaseSensitive

	var cat catalog.Catalog
	var store content.Store

	switch c.Overlay.CatalogVariant {
	case cfg.CatalogInMemory:
		logger.Warnf("overlay: in-memory catalog selected; nothing will survive a restart")
		cat = catalog.NewMemoryBackend(caseSensitive)
		store = content.NewMemoryBackend()

	case cfg.CatalogTable:
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating %s: %w", dir, err)
		}
		db, err := catalog.OpenSqliteDB(dir, c.Overlay.SynchronousOff)
		if err != nil {
			return nil, nil, err
		}
		sqliteCat, err := catalog.NewSqliteBackend(db, caseSensitive, c.Overlay.SynchronousOff)
		if err != nil {
			return nil, nil, err
		}
		tableStore, err := content.NewTableBackend(db)
		if err != nil {
			return nil, nil, err
		}
		cat, store = sqliteCat, tableStore

	case cfg.CatalogFilesystem:
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating %s: %w", dir, err)
		}
		fsCat, err := catalog.NewFsBackend(dir, caseSensitive)
		if err != nil {
			return nil, nil, err
		}
		fsStore, err := content.NewFsBackend(filepath.Join(dir, "content"))
		if err != nil {
			return nil, nil, err
		}
		cat, store = fsCat, fsStore

	default:
		return nil, nil, fmt.Errorf("unknown catalog variant %q", c.Overlay.CatalogVariant)
	}

	if cfg.IsBuffered(c) {
		cat = catalog.NewBuffered(cat, c.Overlay.BufferSizeBytes)
	}
	return cat, store, nil
}

// runFsck runs a full consistency check over cat/store and returns the
// corrected next-inode-number. progress, if non-nil, overrides the
// default log-repair-frequency-throttled logger callback.
func runFsck(c *cfg.Config, cat catalog.Catalog, store content.Store, metrics *stats.Metrics, progress fsck.ProgressFunc) (overlay.InodeNumber, error) {
	if progress == nil {
		progress = fsck.NewThrottledProgress(c.Overlay.LogRepairFrequency, func(processed, total int) {
			logger.Infof("fsck: %d/%d inodes checked", processed, total)
		})
	}
	checker := fsck.NewChecker(cat, store, fsck.Options{
		CaseSensitive:     c.Overlay.CaseSensitive == cfg.CaseSensitive,
		Threads:           c.Overlay.FsckThreads,
		RepairRoot:        string(c.Overlay.LocalDirectory),
		Progress:          progress,
		FilterAppleDouble: c.Overlay.FilterAppleDouble,
		Clock:             clock.RealClock{},
		Metrics:           metrics,
	})
	result, err := checker.Run()
	if err != nil {
		return 0, err
	}
	for _, p := range result.Problems {
		logger.Warnf("fsck: inode %d: %s: %s (repaired: %s)", p.Inode, p.Kind, p.Detail, p.Repair)
	}
	if len(result.Problems) > 0 {
		logger.Infof("fsck: repaired %d problems; log and lost+found under %s", len(result.Problems), result.RepairDir)
	}
	return result.NextInode, nil
}

// RunFsck runs a standalone consistency check (the "overlay fsck"
// subcommand): it opens the backends directly, without going through the
// facade, since fsck must run with exclusive access and is itself what
// establishes that the facade's state is trustworthy.
func RunFsck(c *cfg.Config) (fsck.Result, error) {
	cat, store, err := openBackends(c)
	if err != nil {
		return fsck.Result{}, err
	}
	defer cat.Close(nil)
	defer store.Close()

	checker := fsck.NewChecker(cat, store, fsck.Options{
		CaseSensitive:     c.Overlay.CaseSensitive == cfg.CaseSensitive,
		Threads:           c.Overlay.FsckThreads,
		RepairRoot:        string(c.Overlay.LocalDirectory),
		FilterAppleDouble: c.Overlay.FilterAppleDouble,
		Clock:             clock.RealClock{},
		Progress: fsck.NewThrottledProgress(c.Overlay.LogRepairFrequency, func(processed, total int) {
			logger.Infof("fsck: %d/%d inodes checked", processed, total)
		}),
	})
	return checker.Run()
}
