// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package peak reconstructs, for each call site, the leaked-byte value
// it held at the moment of the trace's single global memory peak.
//
// A naive implementation would snapshot every allocation's leaked bytes
// after every event, which is far too much memory for a long trace.
// Instead, the stream of alloc/free events is chopped into fixed-size
// snippets. Each snippet starts with a full snapshot of the current
// per-site leaked bytes and then records its events as a plain log.
// Only two snippets are ever held in memory: the one currently being
// built, and the single best snippet seen so far (by its local peak).
// Once the whole stream has been read, the winning snippet is replayed
// forward from its starting snapshot to its local peak index, which
// reconstructs the exact per-site leaked values at the trace's overall
// peak -- at a memory cost bounded by the configured budget rather than
// by the length of the trace.
package peak

import (
	"github.com/antimetal/heaptrace/internal/analyzer/intern"
	"github.com/antimetal/heaptrace/pkg/protocol"
)

// DefaultBudgetBytes bounds the memory used to track peaks, matching
// heaptrack's 128MiB default.
const DefaultBudgetBytes = 128 * 1024 * 1024

type event struct {
	allocIndex int
	size       int64
	isAlloc    bool
}

const bytesPerEvent = 24 // allocIndex (8, padded) + size (8) + isAlloc (1, padded)

type snippet struct {
	data *intern.Data

	peakTime int64
	peakMem  int64
	peakIdx  int // 0 means "look at startingLeaked only"

	startingLeaked []int64
	events         []event
}

func newSnippet(data *intern.Data, capacity int) *snippet {
	s := &snippet{data: data, events: make([]event, 0, capacity)}
	s.reset()
	return s
}

func (s *snippet) reset() {
	s.peakTime = s.data.CurrentTimeStamp()
	s.peakMem = s.data.TotalCost.Leaked
	s.peakIdx = 0
	s.startingLeaked = s.startingLeaked[:0]
	for _, a := range s.data.Allocations {
		s.startingLeaked = append(s.startingLeaked, a.Leaked)
	}
	s.events = s.events[:0]
}

func (s *snippet) isFull() bool {
	return len(s.events) == cap(s.events)
}

func (s *snippet) recordEvent(allocIndex int, size int64, isAlloc bool) {
	s.events = append(s.events, event{allocIndex: allocIndex, size: size, isAlloc: isAlloc})
	if s.data.TotalCost.Leaked > s.peakMem {
		s.peakTime = s.data.CurrentTimeStamp()
		s.peakMem = s.data.TotalCost.Leaked
		s.peakIdx = len(s.events)
	}
}

// peakLeaked replays events 0..peakIdx and returns the per-site leaked
// bytes at that point, indexed the same way as intern.Data.Allocations.
func (s *snippet) peakLeaked() []int64 {
	leaked := append([]int64(nil), s.startingLeaked...)
	for i := 0; i < s.peakIdx; i++ {
		e := s.events[i]
		if e.allocIndex >= len(leaked) {
			grown := make([]int64, e.allocIndex+1)
			copy(grown, leaked)
			leaked = grown
		}
		if e.isAlloc {
			leaked[e.allocIndex] += e.size
		} else {
			leaked[e.allocIndex] -= e.size
		}
	}
	return leaked
}

// Tracker observes allocate/free events as intern.Data parses a trace
// and, once finished, reports the per-site leaked bytes at the trace's
// overall peak.
type Tracker struct {
	data *intern.Data
	peak *snippet
	curr *snippet
}

// New returns a Tracker that observes data; the caller wires its
// ObserveAllocate and ObserveFree methods into the intern.Handlers it
// passes to Parse.
func New(data *intern.Data, budgetBytes int) *Tracker {
	if budgetBytes <= 0 {
		budgetBytes = DefaultBudgetBytes
	}
	capacity := budgetBytes / bytesPerEvent / 2
	if capacity < 1 {
		capacity = 1
	}
	return &Tracker{
		data: data,
		peak: newSnippet(data, capacity),
		curr: newSnippet(data, capacity),
	}
}

// record mirrors heaptrack's recordEvent dispatch exactly, including
// its one quirk: when the current snippet is full, this call only
// finalizes it and resets a fresh one; the event that triggered the
// overflow is not itself recorded into the new snippet. Parse already
// applied that event before invoking this observer, so the new
// snippet's starting snapshot and starting peakMem include it, and
// peakLeaked() replay stays exact across snippet boundaries.
func (t *Tracker) record(trace protocol.TraceIndex, size int64, isAlloc bool) {
	if t.curr.isFull() {
		t.finalize()
		return
	}
	allocIdx, ok := t.data.AllocationIndexForTrace(trace)
	if !ok {
		return
	}
	t.curr.recordEvent(allocIdx, size, isAlloc)
}

func (t *Tracker) finalize() {
	if t.curr.peakMem > t.peak.peakMem {
		t.peak, t.curr = t.curr, t.peak
	}
	t.curr.reset()
}

// ObserveAllocate and ObserveFree feed one allocate/free event to the
// tracker. Callers wire these directly into intern.Handlers.OnAllocate
// and intern.Handlers.OnFree, alongside any other observers of the same
// event stream (e.g. the chart series builder in internal/analyzer/aggregate).
func (t *Tracker) ObserveAllocate(trace protocol.TraceIndex, size uint64) {
	t.record(trace, int64(size), true)
}

func (t *Tracker) ObserveFree(trace protocol.TraceIndex, size uint64) {
	t.record(trace, int64(size), false)
}

// Finish must be called once the trace has been fully parsed. It
// returns the timestamp of the global peak and the per-site leaked
// bytes at that moment.
func (t *Tracker) Finish() (peakTime int64, peakLeaked []int64) {
	t.finalize()
	return t.peak.peakTime, t.peak.peakLeaked()
}
