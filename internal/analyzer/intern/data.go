// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package intern

import (
	"fmt"
	"io"

	heaptraceerrors "github.com/antimetal/heaptrace/pkg/errors"
	"github.com/antimetal/heaptrace/internal/analyzer/model"
	"github.com/antimetal/heaptrace/pkg/protocol"
	"github.com/antimetal/heaptrace/pkg/ringbuffer"
)

// opNewFunctionNames are the allocator entry points elided from trace
// tails, matched against interned strings as they arrive, the same way
// heaptrack checks each new literal against its yet-unseen list.
var opNewFunctionNames = []string{
	"operator new(unsigned long)",
	"operator new[](unsigned long)",
	"operator new(unsigned int)",
	"operator new[](unsigned int)",
}

// legacyAllocInfoFormatVersion is the first file format version whose
// '+'/'-' records carry an allocation-info index rather than an inline
// (size, trace, pointer) triple. A stream below this version is in the
// legacy inline form and is tracked through activePointers/
// legacyAllocInfos instead, mirroring heaptrack's own
// "fileVersion >= 0x010000" branch.
const legacyAllocInfoFormatVersion = 2

// legacyAllocKey dedupes legacy-format allocations by (size, call
// site), the same pair heaptrack's AllocationInfoSet hashes on.
type legacyAllocKey struct {
	size  uint64
	trace protocol.TraceIndex
}

// Data is the analyzer's full accumulated state for one trace: every
// interned table, the running per-call-site allocation costs, and the
// handful of scalars (total/peak time, peak RSS, attached flag) that
// only make sense once the whole stream has been read.
type Data struct {
	Strings    *Table[string]
	IPs        *Table[model.InstructionPointer]
	Traces     *Table[model.TraceNode]
	AllocInfos *Table[model.AllocationInfo]

	Allocations  []model.Allocation
	TotalCost    model.Cost
	TotalTime    int64
	PeakTime     int64
	PeakRSS      int64
	FromAttached bool

	SystemPageSize int64
	SystemPages    int64

	FileVersion int

	stopIndices map[protocol.FunctionIndex]bool
	opNewStrs   map[string]bool
	opNewIPs    map[protocol.IpIndex]bool

	traceToAllocation map[protocol.TraceIndex]int
	lastAllocationIdx uint32
	pendingStops      []string

	// activePointers is the legacy-format active-pointer map: every
	// live pointer maps to exactly one allocation-info index, removed
	// on its matching free. The Go equivalent of heaptrack's
	// PointerMap, without its split-big/small-part memory optimization,
	// which only matters at the scale of a hand-rolled C++ allocator
	// and buys nothing here over a plain map. Only populated while
	// parsing a legacy-format (pre legacyAllocInfoFormatVersion)
	// stream.
	activePointers map[uint64]protocol.AllocationInfoIndex

	// legacyAllocInfos dedupes legacy-format '+' lines down to one
	// AllocInfos entry per distinct (size, trace) pair, the equivalent
	// of heaptrack's AllocationInfoSet.
	legacyAllocInfos map[legacyAllocKey]protocol.AllocationInfoIndex

	// lastAllocationPtr is the legacy-format analog of
	// lastAllocationIdx: a deallocation is temporary when its pointer
	// matches the most recently allocated one. Thread-unsafe by
	// construction in the legacy format (a pointer can be reused
	// across threads between the two records), so this is a best-effort
	// heuristic, not a guarantee, in both formats.
	lastAllocationPtr uint64

	errs *ringbuffer.RingBuffer[string]

	timeStamp int64
}

// NewData returns an empty accumulator ready to parse a trace.
// stopFunctions are function names that, once interned, stop bottom-up
// recursion (e.g. "main"); a nil slice defaults to protocol.StopFunctionNames.
func NewData(stopFunctions []string) *Data {
	if stopFunctions == nil {
		stopFunctions = protocol.StopFunctionNames
	}
	opNewStrs := make(map[string]bool, len(opNewFunctionNames))
	for _, s := range opNewFunctionNames {
		opNewStrs[s] = true
	}
	errs, _ := ringbuffer.New[string](20)
	d := &Data{
		Strings:           NewTable[string](),
		IPs:               NewTable[model.InstructionPointer](),
		Traces:            NewTable[model.TraceNode](),
		AllocInfos:        NewTable[model.AllocationInfo](),
		stopIndices:       make(map[protocol.FunctionIndex]bool, len(stopFunctions)),
		opNewStrs:         opNewStrs,
		opNewIPs:          make(map[protocol.IpIndex]bool),
		traceToAllocation: make(map[protocol.TraceIndex]int),
		activePointers:    make(map[uint64]protocol.AllocationInfoIndex),
		legacyAllocInfos:  make(map[legacyAllocKey]protocol.AllocationInfoIndex),
		errs:              errs,
	}
	d.pendingStops = stopFunctions
	return d
}

// Errors returns the most recent malformed-line diagnostics encountered
// while parsing, oldest first, capped at the ring buffer's capacity.
func (d *Data) Errors() []string { return d.errs.GetAll() }

// Warn records a data-quality diagnostic in the same bounded ring the
// malformed-line errors go to, for conditions only discovered after
// parsing (e.g. a cycle in the trace tree hit during a view walk).
func (d *Data) Warn(msg string) { d.errs.Push(msg) }

// CurrentTimeStamp returns the most recently parsed 'c' timestamp. Used
// by the peak tracker (A4) to stamp new-peak observations as they're
// found mid-stream.
func (d *Data) CurrentTimeStamp() int64 { return d.timeStamp }

// AllocationIndexForTrace returns the position in Allocations backing
// trace's running cost, and whether it has been seen yet. Callers that
// observe events through Handlers (the peak tracker, the chart series
// builder) use this to correlate an event back to a stable slice
// position without re-deriving it.
func (d *Data) AllocationIndexForTrace(trace protocol.TraceIndex) (int, bool) {
	idx, ok := d.traceToAllocation[trace]
	return idx, ok
}

// IsStopFunction reports whether fn is one of the configured
// recursion-stopping function names.
func (d *Data) IsStopFunction(fn protocol.FunctionIndex) bool {
	return d.stopIndices[fn]
}

// FindAllocation returns the running Allocation for the call site
// rooted at trace, creating one on first use. Trace indices only ever
// increase as a stream is parsed, so a map keyed by TraceIndex is
// sufficient; heaptrack's cursor-based optimization over a
// vector<pair<TraceIndex,AllocationIndex>> is not reproduced here, since
// Go's builtin map already gives O(1) amortized lookup without it.
func (d *Data) FindAllocation(trace protocol.TraceIndex) *model.Allocation {
	if idx, ok := d.traceToAllocation[trace]; ok {
		return &d.Allocations[idx]
	}
	d.Allocations = append(d.Allocations, model.Allocation{Trace: trace})
	idx := len(d.Allocations) - 1
	d.traceToAllocation[trace] = idx
	return &d.Allocations[idx]
}

// Handlers lets a caller observe events as they stream past during
// Parse, without the accumulator itself growing virtual dispatch: the
// peak tracker (A4) and the chart series builder (A5) both need to
// replay the allocation/deallocation/timestamp sequence in order, so
// Parse calls back into whichever of these are non-nil.
type Handlers struct {
	OnTimeStamp func(oldStamp, newStamp int64)
	OnAllocate  func(info model.AllocationInfo, index protocol.AllocationInfoIndex)
	OnFree      func(info model.AllocationInfo, index protocol.AllocationInfoIndex, temporary bool)
	OnDebuggee  func(command string)
}

// Parse reads a full trace stream from r, accumulating into d and
// invoking any configured Handlers. It returns a FatalError
// (pkg/errors) if the stream's format version is newer than this
// analyzer understands; any other malformed line is logged (via
// Errors) and parsing continues, per the "data errors: log and
// continue" rule.
func (d *Data) Parse(r io.Reader, h Handlers) error {
	lr := protocol.NewLineReader(r)
	for lr.Next() {
		if err := d.parseLine(lr, h); err != nil {
			if heaptraceerrors.IsFatal(err) {
				return err
			}
			d.errs.Push(err.Error())
		}
	}
	if err := lr.Err(); err != nil {
		return heaptraceerrors.NewFatal(fmt.Errorf("reading trace: %w", err))
	}
	if h.OnTimeStamp != nil {
		h.OnTimeStamp(d.timeStamp, d.TotalTime)
	}
	return nil
}

func (d *Data) parseLine(lr *protocol.LineReader, h Handlers) error {
	switch lr.Mode() {
	case protocol.TagVersion:
		v, ok := lr.ReadHexUint32()
		if !ok {
			return heaptraceerrors.NewData(fmt.Errorf("malformed version line: %q", lr.Line()))
		}
		d.FileVersion = int(v)
		if d.FileVersion > protocol.FileVersion {
			return heaptraceerrors.NewFatal(fmt.Errorf(
				"trace was written by a newer heaptrace (format %d) than this analyzer (format %d)",
				d.FileVersion, protocol.FileVersion))
		}
		return nil

	case protocol.TagIntern:
		s, ok := lr.ReadString()
		if !ok {
			return heaptraceerrors.NewData(fmt.Errorf("malformed intern line: %q", lr.Line()))
		}
		idx := protocol.StringIndex(d.Strings.Add(s))
		for _, stop := range d.pendingStops {
			if stop == s {
				d.stopIndices[protocol.FunctionIndex(idx)] = true
			}
		}
		return nil

	case protocol.TagInstruction:
		addr, ok1 := lr.ReadHexUint64()
		mod, ok2 := lr.ReadHexUint32()
		fn, ok3 := lr.ReadHexUint32()
		file, ok4 := lr.ReadHexUint32()
		line, ok5 := lr.ReadHexUint32()
		if !ok1 || !ok2 {
			return heaptraceerrors.NewData(fmt.Errorf("malformed instruction pointer line: %q", lr.Line()))
		}
		if !ok3 {
			fn, file, line = 0, 0, 0
		} else if !ok4 || !ok5 {
			return heaptraceerrors.NewData(fmt.Errorf("malformed instruction pointer line: %q", lr.Line()))
		}
		ip := model.InstructionPointer{
			Address: addr,
			Module:  protocol.ModuleIndex(mod),
			Frame: model.Frame{
				Function: protocol.FunctionIndex(fn),
				File:     protocol.FileIndex(file),
				Line:     int(line),
			},
		}
		// Any further (function, file, line) triples are frames the
		// compiler inlined into this one, innermost first.
		for {
			ifn, ok := lr.ReadHexUint32()
			if !ok {
				break
			}
			ifile, ok1 := lr.ReadHexUint32()
			iline, ok2 := lr.ReadHexUint32()
			if !ok1 || !ok2 {
				return heaptraceerrors.NewData(fmt.Errorf("malformed inlined frame on line: %q", lr.Line()))
			}
			ip.Inlined = append(ip.Inlined, model.Frame{
				Function: protocol.FunctionIndex(ifn),
				File:     protocol.FileIndex(ifile),
				Line:     int(iline),
			})
		}
		idx := d.IPs.Add(ip)
		if d.isOpNewFunction(ip.Frame.Function) {
			d.opNewIPs[protocol.IpIndex(idx)] = true
		}
		return nil

	case protocol.TagTrace:
		ipIdx, ok1 := lr.ReadHexUint32()
		parent, ok2 := lr.ReadHexUint32()
		if !ok1 || !ok2 {
			return heaptraceerrors.NewData(fmt.Errorf("malformed trace line: %q", lr.Line()))
		}
		node := model.TraceNode{IP: protocol.IpIndex(ipIdx), Parent: protocol.TraceIndex(parent)}
		// Skip operator new/new[] frames at the innermost (allocation) end
		// of the backtrace, replacing such a node by its parent: they
		// are implementation detail of the allocator call, not the caller's
		// intent.
		for d.opNewIPs[node.IP] {
			prev, ok := d.Traces.Get(uint32(node.Parent))
			if !ok {
				break
			}
			node = prev
		}
		d.Traces.Add(node)
		return nil

	case protocol.TagAllocationInfo:
		size, ok1 := lr.ReadHexUint64()
		trace, ok2 := lr.ReadHexUint32()
		if !ok1 || !ok2 {
			return heaptraceerrors.NewData(fmt.Errorf("malformed allocation-info line: %q", lr.Line()))
		}
		d.AllocInfos.Add(model.AllocationInfo{Size: size, Trace: protocol.TraceIndex(trace)})
		return nil

	case protocol.TagAllocate:
		return d.handleAllocate(lr, h)

	case protocol.TagDeallocate:
		return d.handleDeallocate(lr, h)

	case protocol.TagTimestamp:
		newStamp, ok := lr.ReadHexInt64()
		if !ok {
			return heaptraceerrors.NewData(fmt.Errorf("malformed timestamp line: %q", lr.Line()))
		}
		if h.OnTimeStamp != nil {
			h.OnTimeStamp(d.timeStamp, newStamp)
		}
		d.timeStamp = newStamp
		d.TotalTime = newStamp + 1
		return nil

	case protocol.TagRSS:
		rss, ok := lr.ReadHexInt64()
		if !ok {
			return heaptraceerrors.NewData(fmt.Errorf("malformed RSS line: %q", lr.Line()))
		}
		if rss > d.PeakRSS {
			d.PeakRSS = rss
		}
		return nil

	case protocol.TagDebuggeeCmd:
		cmd, _ := lr.ReadString()
		if h.OnDebuggee != nil {
			h.OnDebuggee(cmd)
		}
		return nil

	case protocol.TagAttached:
		d.TotalCost = model.Cost{}
		d.FromAttached = true
		return nil

	case protocol.TagSystemInfo:
		pageSize, ok1 := lr.ReadHexInt64()
		pages, ok2 := lr.ReadHexInt64()
		if !ok1 || !ok2 {
			return heaptraceerrors.NewData(fmt.Errorf("malformed system info line: %q", lr.Line()))
		}
		d.SystemPageSize = pageSize
		d.SystemPages = pages
		return nil

	case protocol.TagModuleCache:
		// Module cache resets/snapshots are consumed by the interpret pass
		// for symbolication; the analyzer's cost aggregation doesn't need
		// them once 'i' lines already carry resolved function/file/line.
		return nil

	case protocol.TagComment:
		return nil

	default:
		return heaptraceerrors.NewData(fmt.Errorf("unrecognized record tag %q: %q", lr.Mode(), lr.Line()))
	}
}

// handleAllocate parses a '+' record and folds it into the running
// aggregates. A stream at or above legacyAllocInfoFormatVersion carries
// an allocation-info index directly; an older stream carries the
// allocation inline (size, trace, pointer) and is deduped into
// AllocInfos by hand here, with the live pointer recorded in
// activePointers so the matching '-' record can find it again.
func (d *Data) handleAllocate(lr *protocol.LineReader, h Handlers) error {
	var idx protocol.AllocationInfoIndex
	var info model.AllocationInfo

	if d.FileVersion >= legacyAllocInfoFormatVersion {
		raw, ok := lr.ReadHexUint32()
		if !ok {
			return heaptraceerrors.NewData(fmt.Errorf("malformed allocate line: %q", lr.Line()))
		}
		got, ok := d.AllocInfos.Get(raw)
		if !ok {
			return heaptraceerrors.NewData(fmt.Errorf("allocation-info index %d out of bounds", raw))
		}
		idx = protocol.AllocationInfoIndex(raw)
		info = got
		d.lastAllocationIdx = raw
	} else {
		size, ok1 := lr.ReadHexUint64()
		trace, ok2 := lr.ReadHexUint32()
		ptr, ok3 := lr.ReadHexUint64()
		if !ok1 || !ok2 || !ok3 {
			return heaptraceerrors.NewData(fmt.Errorf("malformed legacy allocate line: %q", lr.Line()))
		}
		traceIdx := protocol.TraceIndex(trace)
		info = model.AllocationInfo{Size: size, Trace: traceIdx}
		key := legacyAllocKey{size: size, trace: traceIdx}
		if existing, ok := d.legacyAllocInfos[key]; ok {
			idx = existing
		} else {
			idx = protocol.AllocationInfoIndex(d.AllocInfos.Add(info))
			d.legacyAllocInfos[key] = idx
		}
		d.activePointers[ptr] = idx
		d.lastAllocationPtr = ptr
	}

	alloc := d.FindAllocation(info.Trace)
	alloc.Leaked += int64(info.Size)
	alloc.Allocations++
	if alloc.Leaked > alloc.Peak {
		alloc.Peak = alloc.Leaked
	}

	d.TotalCost.Allocations++
	d.TotalCost.Leaked += int64(info.Size)
	if d.TotalCost.Leaked > d.TotalCost.Peak {
		d.TotalCost.Peak = d.TotalCost.Leaked
		d.PeakTime = d.timeStamp
	}

	if h.OnAllocate != nil {
		h.OnAllocate(info, idx)
	}
	return nil
}

// handleDeallocate parses a '-' record. In the legacy format a pointer
// with no matching entry in activePointers is expected when attaching
// to an already-running process (the allocation happened before
// tracing started) and is silently skipped, exactly as heaptrack
// does; otherwise it is reported as a data error.
func (d *Data) handleDeallocate(lr *protocol.LineReader, h Handlers) error {
	var idx protocol.AllocationInfoIndex
	var temporary bool

	if d.FileVersion >= legacyAllocInfoFormatVersion {
		raw, ok := lr.ReadHexUint32()
		if !ok {
			return heaptraceerrors.NewData(fmt.Errorf("malformed deallocate line: %q", lr.Line()))
		}
		idx = protocol.AllocationInfoIndex(raw)
		temporary = d.lastAllocationIdx == raw
		d.lastAllocationIdx = 0
	} else {
		ptr, ok := lr.ReadHexUint64()
		if !ok {
			return heaptraceerrors.NewData(fmt.Errorf("malformed legacy deallocate line: %q", lr.Line()))
		}
		found, ok := d.activePointers[ptr]
		temporary = d.lastAllocationPtr == ptr
		d.lastAllocationPtr = 0
		if !ok {
			if !d.FromAttached {
				return heaptraceerrors.NewData(fmt.Errorf("unknown pointer in legacy deallocate line: %q", lr.Line()))
			}
			return nil
		}
		delete(d.activePointers, ptr)
		idx = found
	}

	info, ok := d.AllocInfos.Get(uint32(idx))
	if !ok {
		return heaptraceerrors.NewData(fmt.Errorf("allocation-info index %d out of bounds", idx))
	}
	alloc := d.FindAllocation(info.Trace)
	if alloc.Allocations == 0 || alloc.Leaked < int64(info.Size) {
		// Counter underflow: this free has no matching tracked allocation.
		// Expected when the trace comes from attaching to a running
		// process (the allocation predates tracing); anywhere else it
		// means the stream is corrupt, so reset the leaf and report it.
		if d.FromAttached {
			return nil
		}
		alloc.Cost = model.Cost{}
		return heaptraceerrors.NewData(fmt.Errorf("deallocation underflow for trace %d: %q", info.Trace, lr.Line()))
	}
	alloc.Leaked -= int64(info.Size)
	d.TotalCost.Leaked -= int64(info.Size)
	if d.TotalCost.Leaked < 0 {
		d.TotalCost.Leaked = 0
	}
	if temporary {
		alloc.Temporary++
		d.TotalCost.Temporary++
	}

	if h.OnFree != nil {
		h.OnFree(info, idx, temporary)
	}
	return nil
}

func (d *Data) isOpNewFunction(fn protocol.FunctionIndex) bool {
	if fn == 0 {
		return false
	}
	s, ok := d.Strings.Get(uint32(fn))
	if !ok {
		return false
	}
	return d.opNewStrs[s]
}
