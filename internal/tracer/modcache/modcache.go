// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package modcache tracks the set of loaded objects in a traced
// process and periodically emits timestamp and RSS samples onto the
// trace stream. An in-process tracer would snapshot via
// dl_iterate_phdr, but that only walks the calling process's own link
// map; since this tracer observes a separate uprobe-attached target,
// loaded-object snapshots come from /proc/<pid>/maps instead.
package modcache

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/antimetal/heaptrace/pkg/protocol"
)

// Writer is the subset of internal/tracer/linewriter.Writer this
// package needs; kept as a local interface so tests can fake it
// without standing up a real buffered writer.
type Writer interface {
	WriteHexLine(tag protocol.Tag, args ...uint64) error
	WriteStringLine(tag protocol.Tag, s string) error
}

var (
	pageSizeOnce sync.Once
	pageSize     int64
)

// PageSize returns the system page size, read once from
// /proc/self/auxv (AT_PAGESZ) and cached for the process lifetime,
// falling back to the common 4096-byte default if auxv can't be read.
func PageSize() int64 {
	pageSizeOnce.Do(func() {
		pageSize = readPageSize("/proc/self/auxv")
	})
	return pageSize
}

func readPageSize(auxvPath string) int64 {
	const atPageSize = 6

	data, err := os.ReadFile(auxvPath)
	if err != nil {
		return 4096
	}
	for i := 0; i <= len(data)-16; i += 16 {
		key := binary.LittleEndian.Uint64(data[i : i+8])
		val := binary.LittleEndian.Uint64(data[i+8 : i+16])
		if key == atPageSize {
			return int64(val)
		}
		if key == 0 {
			break
		}
	}
	return 4096
}

// PhysPages returns the system's total physical memory in pages, from
// /proc/meminfo's MemTotal line, or 0 if it can't be read. Emitted once
// in the trace header so the analyzer can relate RSS samples to the
// machine the trace was taken on.
func PhysPages() int64 {
	return readPhysPages("/proc/meminfo", PageSize())
}

func readPhysPages(meminfoPath string, pageSize int64) int64 {
	f, err := os.Open(meminfoPath)
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			kb, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil || pageSize <= 0 {
				return 0
			}
			return kb * 1024 / pageSize
		}
	}
	return 0
}

// region is one mapped range of a file-backed module, as read from one
// line of /proc/<pid>/maps.
type region struct {
	start, size uint64
	fileOffset  uint64
}

// Cache tracks the loaded-object set of a single target process and
// whether it has gone stale since the last emitted snapshot.
type Cache struct {
	pid      int
	procPath string
	start    time.Time

	mu          sync.Mutex
	dirty       bool
	lastModules map[string][]region
}

// NewCache returns a cache for pid, rooted at procPath (normally
// "/proc", overridable in tests).
func NewCache(pid int, procPath string) *Cache {
	if procPath == "" {
		procPath = "/proc"
	}
	return &Cache{pid: pid, procPath: procPath, start: time.Now(), dirty: true}
}

// MarkDirty flags the module table as stale. internal/tracer/session
// calls this whenever it observes a dlopen or dlclose event; the next
// snapshot then reflects the change.
func (c *Cache) MarkDirty() {
	c.mu.Lock()
	c.dirty = true
	c.mu.Unlock()
}

// mapsPath returns the /proc/<pid>/maps path for this cache's target.
func (c *Cache) mapsPath() string {
	return filepath.Join(c.procPath, strconv.Itoa(c.pid), "maps")
}

// statmPath returns the /proc/<pid>/statm path for this cache's target.
func (c *Cache) statmPath() string {
	return filepath.Join(c.procPath, strconv.Itoa(c.pid), "statm")
}

// SnapshotIfDirty emits a fresh module snapshot to w if the cache is
// currently marked dirty, clearing the flag on success. It is a no-op
// otherwise.
func (c *Cache) SnapshotIfDirty(w Writer) error {
	c.mu.Lock()
	dirty := c.dirty
	c.mu.Unlock()
	if !dirty {
		return nil
	}
	if err := c.Snapshot(w); err != nil {
		return err
	}
	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()
	return nil
}

// Snapshot unconditionally re-scans /proc/<pid>/maps and emits a reset
// record followed by one 'm' line per distinct mapped module.
func (c *Cache) Snapshot(w Writer) error {
	modules, err := c.readModules()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.lastModules = modules
	c.mu.Unlock()

	if err := w.WriteStringLine(protocol.TagModuleCache, "-"); err != nil {
		return err
	}

	paths := make([]string, 0, len(modules))
	for p := range modules {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		regions := modules[path]
		sort.Slice(regions, func(i, j int) bool { return regions[i].start < regions[j].start })

		base := regions[0].start
		args := make([]uint64, 0, 1+2*len(regions))
		args = append(args, base)
		for _, r := range regions {
			args = append(args, r.fileOffset, r.size)
		}

		line := path
		if line == "" {
			line = c.selfExePath()
		}
		if err := w.WriteStringLine(protocol.TagModuleCache, line+" "+hexArgs(args)); err != nil {
			return err
		}
	}
	return nil
}

func hexArgs(args []uint64) string {
	var sb strings.Builder
	for i, a := range args {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strconv.FormatUint(a, 16))
	}
	return sb.String()
}

// selfExePath resolves the target's own executable path when a maps
// entry reports an empty name for it, via the /proc/<pid>/exe symlink.
func (c *Cache) selfExePath() string {
	link := filepath.Join(c.procPath, strconv.Itoa(c.pid), "exe")
	resolved, err := os.Readlink(link)
	if err != nil {
		return link
	}
	return resolved
}

// readModules parses /proc/<pid>/maps, grouping mapped regions by
// their backing file path. Anonymous mappings ([heap], [stack], no
// pathname at all) carry no loadable module information and are
// skipped.
func (c *Cache) readModules() (map[string][]region, error) {
	f, err := os.Open(c.mapsPath())
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", c.mapsPath(), err)
	}
	defer f.Close()

	modules := make(map[string][]region)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 {
			continue
		}
		path := fields[5]
		if path == "" || strings.HasPrefix(path, "[") {
			continue
		}

		addrs := strings.SplitN(fields[0], "-", 2)
		if len(addrs) != 2 {
			continue
		}
		start, err := strconv.ParseUint(addrs[0], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(addrs[1], 16, 64)
		if err != nil {
			continue
		}
		offset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			continue
		}

		modules[path] = append(modules[path], region{start: start, size: end - start, fileOffset: offset})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", c.mapsPath(), err)
	}
	return modules, nil
}

// Resolve returns the backing file path of the module mapped over
// addr, according to the most recent snapshot. It reports false if
// addr falls in an anonymous mapping or outside any mapping this cache
// has ever seen; the caller (internal/tracer/session) then records the
// address with the empty module (string index 0).
func (c *Cache) Resolve(addr uint64) (string, bool) {
	c.mu.Lock()
	modules := c.lastModules
	c.mu.Unlock()

	for path, regions := range modules {
		for _, r := range regions {
			if addr >= r.start && addr < r.start+r.size {
				return path, true
			}
		}
	}
	return "", false
}

// RSSPages reads the target's current resident set size, in pages,
// from /proc/<pid>/statm (its second field).
func (c *Cache) RSSPages() (uint64, error) {
	data, err := os.ReadFile(c.statmPath())
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", c.statmPath(), err)
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed statm: %q", data)
	}
	rss, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing rss field: %w", err)
	}
	return rss, nil
}

// ElapsedMillis returns milliseconds since the cache was created, for
// the 'c' timestamp record.
func (c *Cache) ElapsedMillis() uint64 {
	return uint64(time.Since(c.start).Milliseconds())
}

// Tick emits one round of periodic records: a re-snapshot if the
// module table is dirty, a timestamp, and an RSS sample. The
// goroutine driving this (by default at 10ms intervals, through
// session.Session.Tick) is cmd/heaptrace-record's tickLoop, which owns
// the ticker and the shutdown context; this package only knows how to
// produce one round's worth of output.
func (c *Cache) Tick(w Writer) error {
	if err := c.SnapshotIfDirty(w); err != nil {
		return err
	}
	if err := w.WriteHexLine(protocol.TagTimestamp, c.ElapsedMillis()); err != nil {
		return err
	}
	rss, err := c.RSSPages()
	if err != nil {
		return err
	}
	return w.WriteHexLine(protocol.TagRSS, rss)
}
