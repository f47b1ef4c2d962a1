// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package session is the tracer's single-writer event sink: it turns
// decoded allocator-hook events (internal/tracer/hook's uprobes, via
// whatever ring buffer consumer decodes the raw records) into the line
// protocol pkg/protocol defines, owning every piece of per-process
// state that bridges the two: the instruction-pointer and trace-tree
// interning tables, the live-pointer-to-allocation-info map, and the
// module cache's dirty flag.
package session

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/antimetal/heaptrace/internal/tracer/linewriter"
	"github.com/antimetal/heaptrace/internal/tracer/modcache"
	"github.com/antimetal/heaptrace/internal/tracer/record"
	"github.com/antimetal/heaptrace/internal/tracer/stack"
	"github.com/antimetal/heaptrace/internal/tracer/tracetree"
	"github.com/antimetal/heaptrace/pkg/protocol"
)

// StackSource resolves a captured stack id to its raw frames,
// innermost first; Session drops the frames internal to the allocator
// wrapper itself via stack.Fill.
type StackSource interface {
	Lookup(stackID uint32) ([stack.MaxDepth]uint64, error)
}

// ModuleResolver finds which loaded module, if any, maps addr.
type ModuleResolver interface {
	Resolve(addr uint64) (path string, ok bool)
}

// allocKey dedups allocation-info entries by (size, trace): the trace
// stream only ever carries one 'a' record per distinct pair and
// references it by index from every '+'/'-' line that shares it.
type allocKey struct {
	size  uint64
	trace protocol.TraceIndex
}

// Session owns the interning state for one traced process and emits
// its line-protocol stream through w. The allocate/free/realloc
// Observe* methods, the module-load re-snapshot and Tick serialize on
// an internal mutex, so the ring buffer consumer and the periodic
// ticker may call them from separate goroutines while
// internal/tracer/tracetree.Tree still sees one writer at a time.
// ObserveModuleUnload only sets the module cache's dirty flag under
// the cache's own lock; the header writers and Flush take no lock.
type Session struct {
	logger   logr.Logger
	w        *linewriter.Writer
	stacks   StackSource
	modules  ModuleResolver
	modCache *modcache.Cache
	recorder *record.Recorder

	skipFrames int

	strings    map[string]uint32
	nextString uint32

	ips    map[uint64]uint32
	nextIP uint32

	tree *tracetree.Tree

	allocInfos    map[allocKey]uint32
	nextAllocInfo uint32

	live map[uint64]uint32

	mu sync.Mutex
}

// New returns a Session that writes onto w. skipFrames drops that many
// leading (innermost) frames off every captured stack, internal to the
// allocator entry-point wrapper itself.
func New(logger logr.Logger, w *linewriter.Writer, stacks StackSource, modules ModuleResolver, modCache *modcache.Cache, recorder *record.Recorder, skipFrames int) *Session {
	s := &Session{
		logger:        logger.WithName("session"),
		w:             w,
		stacks:        stacks,
		modules:       modules,
		modCache:      modCache,
		recorder:      recorder,
		skipFrames:    skipFrames,
		strings:       make(map[string]uint32),
		nextString:    1,
		ips:           make(map[uint64]uint32),
		nextIP:        1,
		allocInfos:    make(map[allocKey]uint32),
		nextAllocInfo: 1,
		live:          make(map[uint64]uint32),
	}
	s.tree = tracetree.New(s.onTraceInsert)
	return s
}

// WriteHeader writes the version record and, if command is non-empty,
// the debuggee command-line record, the first two lines of every trace
// file.
func (s *Session) WriteHeader(command string) error {
	if err := s.w.WriteHexLine(protocol.TagVersion, protocol.FileVersion, protocol.FileVersion); err != nil {
		return err
	}
	if command == "" {
		return nil
	}
	return s.w.WriteStringLine(protocol.TagDebuggeeCmd, command)
}

// WriteSystemInfo writes the 'I' record carrying the target system's
// page size and total physical page count, which the analyzer needs to
// convert RSS samples (recorded in pages) back to bytes.
func (s *Session) WriteSystemInfo(pageSize, pages uint64) error {
	return s.w.WriteHexLine(protocol.TagSystemInfo, pageSize, pages)
}

// WriteAttachedMarker writes the 'A' record telling the analyzer this
// trace started against an already-running process, so deallocations of
// pre-attach pointers are expected rather than data errors.
func (s *Session) WriteAttachedMarker() error {
	return s.w.WriteHexLine(protocol.TagAttached)
}

// intern assigns s a StringIndex, emitting an 's' line the first time
// it is seen.
func (s *Session) intern(str string) (uint32, error) {
	if idx, ok := s.strings[str]; ok {
		return idx, nil
	}
	idx := s.nextString
	s.nextString++
	s.strings[str] = idx
	if err := s.w.WriteStringLine(protocol.TagIntern, str); err != nil {
		return 0, err
	}
	return idx, nil
}

// moduleIndexFor resolves addr's owning module to an interned string
// index, falling back to an empty module (index 0, "unknown") when the
// module cache has no mapping covering addr yet, which can happen for
// the first few allocations before the initial snapshot runs.
func (s *Session) moduleIndexFor(addr uint64) (uint32, error) {
	path, ok := s.modules.Resolve(addr)
	if !ok {
		return 0, nil
	}
	return s.intern(path)
}

// ipIndexFor assigns ip a stable IpIndex, emitting an unresolved 'i'
// line (module only, no symbol) the first time it is seen. Symbol
// resolution happens offline, in the interpret pass, via debug/elf and
// debug/dwarf.
func (s *Session) ipIndexFor(ip uint64) (uint32, error) {
	if idx, ok := s.ips[ip]; ok {
		return idx, nil
	}
	mod, err := s.moduleIndexFor(ip)
	if err != nil {
		return 0, err
	}
	idx := s.nextIP
	s.nextIP++
	s.ips[ip] = idx
	if err := s.w.WriteHexLine(protocol.TagInstruction, ip, uint64(mod)); err != nil {
		return 0, err
	}
	return idx, nil
}

// onTraceInsert is tracetree.Tree's callback for a newly discovered
// chain node: it resolves ip to its IpIndex (assigning one if needed)
// and writes the 't' line. Any error from the interning writes is
// swallowed into the logger rather than propagated, since
// tracetree.Tree's callback signature has no error return; a broken
// output stream surfaces on the next direct Write call instead, which
// callers do check.
func (s *Session) onTraceInsert(ip uint64, parentIndex uint32) {
	ipIdx, err := s.ipIndexFor(ip)
	if err != nil {
		s.logger.Error(err, "interning instruction pointer", "ip", ip)
		return
	}
	if err := s.w.WriteHexLine(protocol.TagTrace, uint64(ipIdx), uint64(parentIndex)); err != nil {
		s.logger.Error(err, "writing trace record")
	}
}

// traceIndexFor walks frames (innermost first) through the trace tree,
// returning the interned TraceIndex of its leaf.
func (s *Session) traceIndexFor(frames []uint64) protocol.TraceIndex {
	return protocol.TraceIndex(s.tree.Index(frames))
}

// allocInfoIndexFor dedups (size, trace) into a single AllocationInfoIndex,
// emitting the 'a' line only the first time the pair is seen.
func (s *Session) allocInfoIndexFor(size uint64, trace protocol.TraceIndex) (uint32, error) {
	key := allocKey{size: size, trace: trace}
	if idx, ok := s.allocInfos[key]; ok {
		return idx, nil
	}
	idx := s.nextAllocInfo
	s.nextAllocInfo++
	s.allocInfos[key] = idx
	if err := s.w.WriteHexLine(protocol.TagAllocationInfo, size, uint64(trace)); err != nil {
		return 0, err
	}
	return idx, nil
}

// ObserveAlloc records a successful allocation of size bytes returning
// addr, captured at stackID. addr must be nonzero; a failed malloc
// (NULL return) is not an allocation and the caller should not call
// this for it.
func (s *Session) ObserveAlloc(addr, size uint64, stackID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	frames, err := stack.Fill(s.stacks, stackID, s.skipFrames)
	if err != nil {
		return fmt.Errorf("resolving stack %d: %w", stackID, err)
	}

	trace := s.traceIndexFor(frames)
	infoIdx, err := s.allocInfoIndexFor(size, trace)
	if err != nil {
		return fmt.Errorf("writing allocation-info record: %w", err)
	}
	if err := s.w.WriteHexLine(protocol.TagAllocate, uint64(infoIdx)); err != nil {
		return fmt.Errorf("writing allocate record: %w", err)
	}

	s.live[addr] = infoIdx
	return nil
}

// ObserveFree records a free of addr. A free of an address this
// session never saw allocated (a pointer from before tracing started,
// or a double free) is silently ignored; the session only accounts for
// allocations it actually observed.
func (s *Session) ObserveFree(addr uint64) error {
	if addr == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.live[addr]
	if !ok {
		return nil
	}
	delete(s.live, addr)
	return s.w.WriteHexLine(protocol.TagDeallocate, uint64(idx))
}

// ObserveRealloc records addr's old allocation (if any) being replaced
// by a new allocation of newSize bytes at newAddr, captured at
// stackID. A realloc that fails (returns NULL, leaving oldAddr
// untouched) must not reach this method.
func (s *Session) ObserveRealloc(oldAddr, newAddr, newSize uint64, stackID uint32) error {
	if oldAddr != 0 && oldAddr != newAddr {
		if err := s.ObserveFree(oldAddr); err != nil {
			return err
		}
	} else if oldAddr == newAddr {
		// In-place growth/shrink: still accounted as free-then-alloc, so
		// the analyzer sees one consistent event shape for every realloc.
		if err := s.ObserveFree(oldAddr); err != nil {
			return err
		}
	}
	return s.ObserveAlloc(newAddr, newSize, stackID)
}

// ObserveModuleLoad marks the module cache dirty and, once a fresh
// snapshot is out, resolves the newly mapped base address to its
// backing file and enqueues an attach attempt with the recorder so the
// new module's own malloc-family exports (e.g. an LD_PRELOADed
// allocator) get hooked without restarting the trace. A base address
// the fresh snapshot still can't resolve is skipped; the next dlopen
// or periodic snapshot retries naturally.
func (s *Session) ObserveModuleLoad(baseAddr uint64) error {
	s.modCache.MarkDirty()
	s.mu.Lock()
	err := s.modCache.SnapshotIfDirty(s.w)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("re-snapshotting modules after dlopen: %w", err)
	}
	if s.recorder != nil {
		if path, ok := s.modules.Resolve(baseAddr); ok {
			s.recorder.Enqueue(record.ModuleAttachJob{Path: path, BaseAddr: baseAddr})
		}
	}
	return nil
}

// ObserveModuleUnload marks the module cache dirty so the next
// snapshot drops the unloaded module's entry.
func (s *Session) ObserveModuleUnload() {
	s.modCache.MarkDirty()
}

// Tick emits one round of periodic records (module re-snapshot if
// dirty, timestamp, RSS), serialized against the same mutex the
// allocate/free path uses so a line is never interleaved mid-record.
func (s *Session) Tick() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modCache.Tick(s.w)
}

// Flush flushes the underlying buffered writer.
func (s *Session) Flush() error {
	return s.w.Flush()
}
