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

// Package fsck implements C4, the consistency checker: post-crash or
// out-of-band repair of the inode catalog and file content store against
// the source-control tree.
package fsck

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/overlayfs/overlay/overlay"
	"github.com/overlayfs/overlay/clock"
	"github.com/overlayfs/overlay/internal/logger"
	"github.com/overlayfs/overlay/overlay/catalog"
	"github.com/overlayfs/overlay/overlay/content"
	"github.com/overlayfs/overlay/overlay/stats"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ProblemKind enumerates the defects Pass 1 can detect.
type ProblemKind int

const (
	ProblemMissingData ProblemKind = iota
	ProblemCorruptData
	ProblemOrphan
	ProblemHardLink
	ProblemBadNextInodeNumber
	ProblemStaleObjectID
	ProblemStrayAppleDouble
)

func (k ProblemKind) String() string {
	switch k {
	case ProblemMissingData:
		return "MissingData"
	case ProblemCorruptData:
		return "CorruptData"
	case ProblemOrphan:
		return "Orphan"
	case ProblemHardLink:
		return "HardLink"
	case ProblemBadNextInodeNumber:
		return "BadStoredNextInodeNumber"
	case ProblemStaleObjectID:
		return "StaleObjectID"
	case ProblemStrayAppleDouble:
		return "StrayAppleDouble"
	default:
		return "Unknown"
	}
}

// Problem records one detected defect and, after Pass 2, how it was
// repaired. Parent/Name identify the directory entry involved for the
// kinds repaired by editing the parent record (hard links, stale object
// identifiers); they are zero otherwise.
type Problem struct {
	Kind   ProblemKind
	Inode  overlay.InodeNumber
	Parent overlay.InodeNumber
	Name   string
	IsDir  bool
	Detail string
	Repair string
}

// ProgressFunc is invoked periodically during the scan with the number of
// inodes processed and the estimated total, throttled by the caller's
// rate limiter (see NewThrottledProgress).
type ProgressFunc func(processed, total int)

// PathResolver resolves a path to the source-control object it names,
// supplied by the backing store. ok is false if the path does not exist
// in source control.
type PathResolver func(path string) (id overlay.ObjectID, ok bool, err error)

// Options configures a Checker run.
type Options struct {
	CaseSensitive bool
	Threads       int
	RepairRoot    string // parent directory for fsck-repair-<timestamp>-<uuid>/
	Resolver      PathResolver
	Progress      ProgressFunc

	// FilterAppleDouble scrubs stray "._"-prefixed entries from every
	// catalog record during repair, not only the ones a live directory
	// load happens to touch.
	FilterAppleDouble bool

	// StoredNext is the next-inode-number C1 reported at Initialize, if
	// any. A nil value means no clean marker was found at all (the usual
	// reason Run is being called); a non-nil value smaller than the
	// observed maximum is itself a BadStoredNextInodeNumber problem.
	StoredNext *overlay.InodeNumber

	// Clock supplies the timestamps used in the repair directory's name
	// and fsck.log. Defaults to clock.RealClock.
	Clock clock.Clock

	// Metrics, when non-nil, receives one RecordFsckProblem per detected
	// problem.
	Metrics *stats.Metrics
}

// Checker is C4. A single Checker instance is single-writer: the facade
// must not run user operations against the overlay concurrently with a
// Checker.Run call.
type Checker struct {
	catalog catalog.Catalog
	content content.Store
	opts    Options

	mu           sync.Mutex
	problems     []Problem
	seen         map[overlay.InodeNumber]overlay.InodeNumber // inode -> first parent seen
	orphanInodes []overlay.InodeNumber
	repairDir    string

	processed atomic.Int64
	total     int
}

// NewChecker constructs a Checker over the given catalog and content
// store.
func NewChecker(cat catalog.Catalog, store content.Store, opts Options) *Checker {
	if opts.Threads <= 0 {
		opts.Threads = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Checker{
		catalog: cat,
		content: store,
		opts:    opts,
		seen:    make(map[overlay.InodeNumber]overlay.InodeNumber),
	}
}

// NewThrottledProgress wraps fn so that it fires at most once per
// interval, matching the "log repair frequency" configuration input.
func NewThrottledProgress(interval time.Duration, fn ProgressFunc) ProgressFunc {
	if interval <= 0 {
		return fn
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	return func(processed, total int) {
		if limiter.Allow() {
			fn(processed, total)
		}
	}
}

// Result is returned by Run: the full list of detected and repaired
// problems, plus the corrected next-inode-number.
type Result struct {
	Problems  []Problem
	NextInode overlay.InodeNumber
	RepairDir string
}

// Run executes Pass 1 (scan) and Pass 2 (repair) and returns the full
// problem list. Repair is idempotent: running Run again over an already
// repaired overlay, with the corrected next-inode-number passed as
// Options.StoredNext, reports zero new problems. With a nil StoredNext
// every run reports BadStoredNextInodeNumber.
func (c *Checker) Run() (Result, error) {
	catalogInodes, err := c.catalog.ListInodes()
	if err != nil {
		return Result{}, fmt.Errorf("fsck: listing catalog inodes: %w", err)
	}
	contentInodes, err := c.content.ListInodes()
	if err != nil {
		return Result{}, fmt.Errorf("fsck: listing content inodes: %w", err)
	}
	c.total = len(catalogInodes) + len(contentInodes)

	// A store with no records at all is a freshly created overlay, not a
	// damaged one: seed the empty root and report nothing.
	if c.total == 0 {
		empty := overlay.NewDirectoryContents(c.opts.CaseSensitive)
		if err := c.catalog.SaveDirectory(overlay.RootInodeNumber, empty); err != nil {
			return Result{}, fmt.Errorf("fsck: creating root directory: %w", err)
		}
		return Result{NextInode: overlay.RootInodeNumber + 1}, nil
	}

	c.mu.Lock()
	c.seen[overlay.RootInodeNumber] = overlay.RootInodeNumber
	c.mu.Unlock()
	maxObserved, err := c.scan(overlay.RootInodeNumber, "")
	if err != nil {
		return Result{}, fmt.Errorf("fsck scan: %w", err)
	}

	c.findOrphans(catalogInodes, contentInodes)
	for _, inode := range c.orphans() {
		if inode > maxObserved {
			maxObserved = inode
		}
	}

	next := maxObserved + 1
	if c.opts.StoredNext == nil {
		c.addProblem(Problem{Kind: ProblemBadNextInodeNumber,
			Detail: fmt.Sprintf("no cleanly persisted next-inode-number; observed maximum is %d", maxObserved)})
	} else if *c.opts.StoredNext < next {
		c.addProblem(Problem{Kind: ProblemBadNextInodeNumber, Inode: *c.opts.StoredNext,
			Detail: fmt.Sprintf("stored next-inode-number %d is less than observed maximum %d", *c.opts.StoredNext, maxObserved)})
	}

	if err := c.repair(next); err != nil {
		return Result{}, fmt.Errorf("fsck repair: %w", err)
	}
	if c.opts.FilterAppleDouble {
		if err := c.scrubAppleDouble(catalogInodes); err != nil {
			return Result{}, fmt.Errorf("fsck scrub: %w", err)
		}
	}

	if err := c.writeLog(); err != nil {
		logger.Warnf("fsck: writing repair log: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.problems {
		c.opts.Metrics.RecordFsckProblem(context.Background(), p.Kind.String())
	}
	return Result{Problems: c.problems, NextInode: next, RepairDir: c.repairDir}, nil
}

func (c *Checker) addProblem(p Problem) {
	c.mu.Lock()
	c.problems = append(c.problems, p)
	c.mu.Unlock()
}

// reportProgress fires the caller's progress callback, if configured,
// with the running count of inodes visited so far.
func (c *Checker) reportProgress() {
	if c.opts.Progress == nil {
		return
	}
	c.opts.Progress(int(c.processed.Add(1)), c.total)
}

// markSeen records inode as first reached through parent. It returns
// false when the inode was already reached through some other entry, in
// which case a hard-link problem is recorded against (parent, name) and
// the caller must not descend again.
func (c *Checker) markSeen(inode, parent overlay.InodeNumber, name string) bool {
	c.mu.Lock()
	first, dup := c.seen[inode]
	if !dup {
		c.seen[inode] = parent
	}
	c.mu.Unlock()
	if !dup {
		return true
	}
	c.addProblem(Problem{Kind: ProblemHardLink, Inode: inode, Parent: parent, Name: name,
		Detail: fmt.Sprintf("reachable from parent %d and parent %d", first, parent)})
	return false
}

// scan walks the directory record at inode, recursing into directory
// children and verifying file children against the content store. It
// returns the highest inode number observed anywhere in the subtree.
func (c *Checker) scan(inode overlay.InodeNumber, path string) (overlay.InodeNumber, error) {
	c.reportProgress()

	dir, ok, err := c.catalog.LoadDirectory(inode)
	if err != nil {
		c.addProblem(Problem{Kind: ProblemCorruptData, Inode: inode, IsDir: true, Detail: err.Error()})
		return inode, nil
	}
	if !ok {
		if inode == overlay.RootInodeNumber {
			c.addProblem(Problem{Kind: ProblemMissingData, Inode: inode, IsDir: true,
				Detail: "root directory record missing"})
		}
		return inode, nil
	}

	max := inode
	var maxMu sync.Mutex
	observe := func(n overlay.InodeNumber) {
		maxMu.Lock()
		if n > max {
			max = n
		}
		maxMu.Unlock()
	}

	g := new(errgroup.Group)
	g.SetLimit(c.opts.Threads)
	for _, entry := range dir.Entries() {
		entry := entry
		g.Go(func() error {
			observe(entry.InodeNumber)
			childPath := filepath.Join(path, entry.Name)
			if !c.markSeen(entry.InodeNumber, inode, entry.Name) {
				return nil
			}

			if entry.Mode.IsDir() {
				if entry.Materialized() && !c.catalog.HasDirectory(entry.InodeNumber) {
					c.addProblem(Problem{Kind: ProblemMissingData, Inode: entry.InodeNumber, IsDir: true,
						Detail: fmt.Sprintf("materialized directory %q missing from catalog", childPath)})
					return nil
				}
				if !entry.Materialized() && c.catalog.HasDirectory(entry.InodeNumber) {
					c.addProblem(Problem{Kind: ProblemStaleObjectID, Inode: entry.InodeNumber,
						Parent: inode, Name: entry.Name,
						Detail: fmt.Sprintf("directory %q has a local record but still carries an object identifier", childPath)})
				}
				m, err := c.scan(entry.InodeNumber, childPath)
				if err != nil {
					return err
				}
				observe(m)
				return nil
			}

			c.reportProgress()
			if !entry.Materialized() {
				return nil
			}
			if !c.content.HasFile(entry.InodeNumber) {
				c.addProblem(Problem{Kind: ProblemMissingData, Inode: entry.InodeNumber,
					Detail: fmt.Sprintf("materialized file %q missing from content store", childPath)})
				return nil
			}
			h, err := c.content.OpenFile(entry.InodeNumber)
			if err != nil {
				c.addProblem(Problem{Kind: ProblemCorruptData, Inode: entry.InodeNumber,
					Detail: fmt.Sprintf("%q: %v", childPath, err)})
				return nil
			}
			h.Close()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return max, err
	}
	return max, nil
}

// findOrphans compares every inode the catalog and content store know
// about against the set reached during scan, and reports any that are
// not reachable from root as ProblemOrphan.
func (c *Checker) findOrphans(catalogInodes, contentInodes []overlay.InodeNumber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reported := make(map[overlay.InodeNumber]bool)
	for _, inode := range catalogInodes {
		if inode == overlay.RootInodeNumber {
			continue
		}
		if _, ok := c.seen[inode]; !ok && !reported[inode] {
			c.problems = append(c.problems, Problem{Kind: ProblemOrphan, Inode: inode, IsDir: true,
				Detail: "directory record not reachable from root"})
			c.orphanInodes = append(c.orphanInodes, inode)
			reported[inode] = true
		}
	}
	for _, inode := range contentInodes {
		if _, ok := c.seen[inode]; !ok && !reported[inode] {
			c.problems = append(c.problems, Problem{Kind: ProblemOrphan, Inode: inode,
				Detail: "file body not reachable from root"})
			c.orphanInodes = append(c.orphanInodes, inode)
			reported[inode] = true
		}
	}
}

// orphans returns the inode numbers reported by findOrphans.
func (c *Checker) orphans() []overlay.InodeNumber {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]overlay.InodeNumber(nil), c.orphanInodes...)
}

// repair applies Pass 2 to every detected problem: it replaces missing
// or corrupt directories/files with empty ones at the same inode,
// archives whatever was recoverable into lost+found, deletes orphans
// after archiving them, edits parent records for hard links and stale
// object identifiers, and corrects the next-inode-number.
func (c *Checker) repair(next overlay.InodeNumber) error {
	c.mu.Lock()
	problems := append([]Problem(nil), c.problems...)
	c.mu.Unlock()

	for i, p := range problems {
		switch p.Kind {
		case ProblemMissingData, ProblemCorruptData:
			if err := c.archiveAndReplace(p.Inode, p.IsDir); err != nil {
				return err
			}
			problems[i].Repair = "replaced with empty entry; original preserved in lost+found"
		case ProblemOrphan:
			if err := c.archiveAndDelete(p.Inode); err != nil {
				return err
			}
			problems[i].Repair = "archived to lost+found and removed"
		case ProblemHardLink:
			if err := c.removeEntry(p.Parent, p.Name); err != nil {
				return err
			}
			problems[i].Repair = fmt.Sprintf("removed duplicate entry %q from parent %d; retained at first-seen location", p.Name, p.Parent)
		case ProblemStaleObjectID:
			if err := c.clearObjectID(p.Parent, p.Name); err != nil {
				return err
			}
			problems[i].Repair = "cleared object identifier; entry re-marked materialized"
		case ProblemBadNextInodeNumber:
			problems[i].Repair = fmt.Sprintf("set to %d", next)
		}
	}

	c.mu.Lock()
	c.problems = problems
	c.mu.Unlock()
	return nil
}

// removeEntry drops name from parent's record, if both still exist.
func (c *Checker) removeEntry(parent overlay.InodeNumber, name string) error {
	dir, ok, err := c.catalog.LoadDirectory(parent)
	if err != nil || !ok {
		return err
	}
	if _, removed := dir.Remove(name); !removed {
		return nil
	}
	return c.catalog.SaveDirectory(parent, dir)
}

// clearObjectID re-marks parent's entry name as materialized.
func (c *Checker) clearObjectID(parent overlay.InodeNumber, name string) error {
	dir, ok, err := c.catalog.LoadDirectory(parent)
	if err != nil || !ok {
		return err
	}
	entry, ok := dir.Get(name)
	if !ok {
		return nil
	}
	entry.SetMaterialized()
	if err := dir.Set(entry); err != nil {
		return err
	}
	return c.catalog.SaveDirectory(parent, dir)
}

// scrubAppleDouble rewrites every catalog record that still contains a
// "._"-prefixed entry, recording one problem per scrubbed directory.
func (c *Checker) scrubAppleDouble(catalogInodes []overlay.InodeNumber) error {
	for _, inode := range catalogInodes {
		dir, ok, err := c.catalog.LoadDirectory(inode)
		if err != nil || !ok {
			continue // corrupt records were already handled by repair
		}
		dropped := 0
		out := overlay.NewDirectoryContents(c.opts.CaseSensitive)
		for _, e := range dir.Entries() {
			if strings.HasPrefix(e.Name, "._") {
				dropped++
				continue
			}
			if err := out.Add(e.Clone()); err != nil {
				return err
			}
		}
		if dropped == 0 {
			continue
		}
		if err := c.catalog.SaveDirectory(inode, out); err != nil {
			return err
		}
		c.addProblem(Problem{Kind: ProblemStrayAppleDouble, Inode: inode,
			Detail: fmt.Sprintf("%d AppleDouble entries in directory record", dropped),
			Repair: "dropped and record rewritten"})
	}
	return nil
}

func (c *Checker) lostAndFoundDir() (string, error) {
	c.mu.Lock()
	if c.repairDir != "" {
		dir := c.repairDir
		c.mu.Unlock()
		return dir, nil
	}
	c.mu.Unlock()

	if c.opts.RepairRoot == "" {
		return "", fmt.Errorf("fsck: no RepairRoot configured")
	}
	name := fmt.Sprintf("fsck-repair-%d-%s", c.opts.Clock.Now().Unix(), uuid.NewString())
	dir := filepath.Join(c.opts.RepairRoot, name)
	if err := os.MkdirAll(filepath.Join(dir, "lost+found"), 0o755); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.repairDir = dir
	c.mu.Unlock()
	return dir, nil
}

// archiveAndReplace preserves whatever bytes exist for inode under
// lost+found, then replaces the catalog/content record at the same inode
// with an empty directory or file. isDir tells the replacement path which
// store to seed when nothing was recoverable.
func (c *Checker) archiveAndReplace(inode overlay.InodeNumber, isDir bool) error {
	repairDir, err := c.lostAndFoundDir()
	if err != nil {
		return err
	}
	dest := filepath.Join(repairDir, "lost+found", fmt.Sprintf("%d", inode))

	if c.catalog.HasDirectory(inode) || isDir {
		if err := c.archiveDirectory(inode, dest); err != nil {
			return err
		}
		return c.catalog.SaveDirectory(inode, overlay.NewDirectoryContents(c.opts.CaseSensitive))
	}

	if raw, err := c.content.ReadRaw(inode); err == nil {
		if err := os.WriteFile(dest, raw, 0o644); err != nil {
			return err
		}
	}
	if err := c.content.RemoveFile(inode); err != nil {
		logger.Warnf("fsck: removing corrupt file at inode %d: %v", inode, err)
	}
	h, err := c.content.CreateFile(inode, nil)
	if err != nil {
		return err
	}
	return h.Close()
}

// archiveDirectory copies out everything still reachable through inode's
// record under dest: the serialized record verbatim (even when it no
// longer decodes), every materialized file child's logical bytes under
// the child's name, and each directory child recursively.
func (c *Checker) archiveDirectory(inode overlay.InodeNumber, dest string) error {
	raw, ok, err := c.catalog.LoadRaw(inode)
	if err != nil || !ok {
		return err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dest, "directory_record"), raw, 0o644); err != nil {
		return err
	}

	dir, ok, err := c.catalog.LoadDirectory(inode)
	if err != nil || !ok {
		return nil // record does not decode; the verbatim blob is all we can save
	}
	for _, e := range dir.Entries() {
		if !e.Materialized() {
			continue
		}
		childDest := filepath.Join(dest, e.Name)
		if e.Mode.IsDir() {
			if err := c.archiveDirectory(e.InodeNumber, childDest); err != nil {
				return err
			}
			continue
		}
		h, err := c.content.OpenFileUnchecked(e.InodeNumber)
		if err != nil {
			continue
		}
		body, err := h.ReadAll()
		h.Close()
		if err != nil {
			continue
		}
		if err := os.WriteFile(childDest, body, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (c *Checker) archiveAndDelete(inode overlay.InodeNumber) error {
	repairDir, err := c.lostAndFoundDir()
	if err != nil {
		return err
	}
	dest := filepath.Join(repairDir, "lost+found", fmt.Sprintf("%d", inode))

	if c.catalog.HasDirectory(inode) {
		if err := c.archiveDirectory(inode, dest); err != nil {
			return err
		}
	} else if raw, err := c.content.ReadRaw(inode); err == nil {
		if err := os.WriteFile(dest, raw, 0o644); err != nil {
			return err
		}
	}
	if err := c.catalog.RemoveDirectory(inode); err != nil {
		logger.Warnf("fsck: removing orphan directory record at inode %d: %v", inode, err)
	}
	if err := c.content.RemoveFile(inode); err != nil {
		logger.Warnf("fsck: removing orphan file at inode %d: %v", inode, err)
	}
	return nil
}

// writeLog renders the accumulated problem list as fsck.log inside the
// repair directory (only created if a repair actually happened).
func (c *Checker) writeLog() error {
	c.mu.Lock()
	problems := c.problems
	c.mu.Unlock()

	if len(problems) == 0 {
		return nil
	}
	repairDir, err := c.lostAndFoundDir()
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "fsck run at %s: %d problem(s)\n", c.opts.Clock.Now().Format(time.RFC3339), len(problems))
	for _, p := range problems {
		fmt.Fprintf(&b, "[%s] inode=%d detail=%q repair=%q\n", p.Kind, p.Inode, p.Detail, p.Repair)
	}
	return os.WriteFile(filepath.Join(repairDir, "fsck.log"), []byte(b.String()), 0o644)
}
