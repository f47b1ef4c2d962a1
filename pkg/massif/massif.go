// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package massif writes a massif-compatible snapshot file alongside a
// normal analyzer pass, for consumption by ms_print or any other tool
// in the Valgrind Massif ecosystem. It replays the same allocate/free/
// timestamp event stream internal/analyzer/aggregate's Chart and
// Histogram builders observe, wired through the same intern.Handlers
// mechanism.
package massif

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/antimetal/heaptrace/internal/analyzer/intern"
	"github.com/antimetal/heaptrace/internal/analyzer/model"
	"github.com/antimetal/heaptrace/pkg/protocol"
)

// Options controls snapshot detail and below-threshold collapsing.
// Every field has a spec-mandated default but is a parameter here
// rather than a constant, since both are exposed as CLI flags.
type Options struct {
	// Threshold is the percentage of a snapshot's heap size below
	// which a subtree is collapsed into a single "all below
	// threshold" entry. Defaults to 1.0 (one percent).
	Threshold float64
	// DetailedFreq is how often (in snapshot count) a full heap tree
	// is written rather than "heap_tree=empty". Defaults to 2. Zero
	// disables detailed trees entirely except for the final snapshot.
	DetailedFreq uint64
	// MainFunction names the function past which the tree is not
	// expanded further (its own callers are startup/runtime internals
	// uninteresting to an application-level massif view). Defaults to
	// "main".
	MainFunction string
}

// DefaultOptions returns the spec-mandated defaults.
func DefaultOptions() Options {
	return Options{Threshold: 1.0, DetailedFreq: 2, MainFunction: "main"}
}

type event struct {
	time  int64
	trace protocol.TraceIndex
	delta int64
}

// Builder replays a trace's allocate/free/timestamp stream and, once
// Finish is called, writes one massif snapshot per timestamp boundary
// encountered (plus the implicit final one intern.Data.Parse always
// emits after the stream ends).
type Builder struct {
	d    *intern.Data
	opts Options

	events     []event
	boundaries []int64
}

// NewBuilder returns a builder wired to observe d's allocate/free/
// timestamp events. Call its Observe* methods from intern.Handlers,
// then Finish once Parse has returned.
func NewBuilder(d *intern.Data, opts Options) *Builder {
	return &Builder{d: d, opts: opts}
}

// ObserveAllocate wires into intern.Handlers.OnAllocate.
func (b *Builder) ObserveAllocate(info model.AllocationInfo, _ protocol.AllocationInfoIndex) {
	b.events = append(b.events, event{time: b.d.CurrentTimeStamp(), trace: info.Trace, delta: int64(info.Size)})
}

// ObserveFree wires into intern.Handlers.OnFree.
func (b *Builder) ObserveFree(info model.AllocationInfo, _ protocol.AllocationInfoIndex, _ bool) {
	b.events = append(b.events, event{time: b.d.CurrentTimeStamp(), trace: info.Trace, delta: -int64(info.Size)})
}

// ObserveTimeStamp wires into intern.Handlers.OnTimeStamp. Every call
// (including the unconditional one intern.Data.Parse makes once after
// the stream ends) marks one snapshot boundary, stamped at oldStamp:
// the state accumulated up to and including that moment is what gets
// written out for it.
func (b *Builder) ObserveTimeStamp(oldStamp, _ int64) {
	b.boundaries = append(b.boundaries, oldStamp)
}

// Finish replays the buffered events against the buffered boundaries
// and writes every resulting snapshot to w, preceded by a massif
// header naming command (the debuggee's command line, from the 'X'
// record, if any).
func (b *Builder) Finish(w io.Writer, command string) error {
	bw := bufio.NewWriter(w)
	writeHeader(bw, command)

	liveByTrace := make(map[protocol.TraceIndex]int64)
	var leaked, peak, lastMassifPeak int64
	cursor := 0

	for i, stamp := range b.boundaries {
		for cursor < len(b.events) && b.events[cursor].time <= stamp {
			ev := b.events[cursor]
			liveByTrace[ev.trace] += ev.delta
			leaked += ev.delta
			if leaked > peak {
				peak = leaked
			}
			cursor++
		}

		isLast := i == len(b.boundaries)-1
		heapSize := leaked
		if peak > lastMassifPeak {
			lastMassifPeak = peak
			heapSize = peak
		}

		detailed := isLast || (b.opts.DetailedFreq != 0 && uint64(i)%b.opts.DetailedFreq == 0)
		if err := b.writeSnapshot(bw, i, stamp, heapSize, detailed, liveByTrace); err != nil {
			return err
		}
	}

	return bw.Flush()
}

func writeHeader(w *bufio.Writer, command string) {
	fmt.Fprintf(w, "desc: heaptrace\ncmd: %s\ntime_unit: s\n", command)
}

func (b *Builder) writeSnapshot(w *bufio.Writer, id int, timeStampMillis int64, heapSize int64, detailed bool, liveByTrace map[protocol.TraceIndex]int64) error {
	fmt.Fprintf(w, "#-----------\nsnapshot=%d\n#-----------\n", id)
	fmt.Fprintf(w, "time=%f\n", 0.001*float64(timeStampMillis))
	fmt.Fprintf(w, "mem_heap_B=%d\nmem_heap_extra_B=0\nmem_stacks_B=0\n", heapSize)

	if !detailed {
		w.WriteString("heap_tree=empty\n")
		return nil
	}
	w.WriteString("heap_tree=detailed\n")

	threshold := int64(float64(heapSize) * b.opts.Threshold * 0.01)
	root := b.buildTree(liveByTrace)
	return b.writeBacktrace(w, root, heapSize, threshold, 0)
}

// ipNode is one frame of the per-snapshot merge tree: the IP at this
// depth and the total bytes still live across every allocation whose
// chain passes through it.
type ipNode struct {
	ip       protocol.IpIndex
	leaked   int64
	children map[protocol.IpIndex]*ipNode
}

func newIPNode(ip protocol.IpIndex) *ipNode {
	return &ipNode{ip: ip, children: make(map[protocol.IpIndex]*ipNode)}
}

// buildTree re-derives the merge tree from the current live-bytes-by-
// trace snapshot. Rebuilding from scratch per snapshot mirrors
// heaptrack_print's own mergeAllocations-per-snapshot behavior. Depth 1
// is each allocation's own call site (the frame that invoked the
// allocator directly), depth 2 its caller, and so on outward towards
// main, matching its "peel to parentIndex" recursion.
func (b *Builder) buildTree(liveByTrace map[protocol.TraceIndex]int64) *ipNode {
	root := newIPNode(0)
	for trace, bytes := range liveByTrace {
		if bytes <= 0 {
			continue
		}
		chain := leafToRootIPs(b.d, trace)
		cur := root
		for _, ip := range chain {
			child, ok := cur.children[ip]
			if !ok {
				child = newIPNode(ip)
				cur.children[ip] = child
			}
			child.leaked += bytes
			cur = child
		}
	}
	return root
}

// leafToRootIPs walks trace's chain starting at trace's own frame (the
// allocation's call site) out through its callers, collapsing direct
// recursion along the way. The visited-index set truncates the chain
// if the parent links off the wire form a cycle, reporting it instead
// of looping forever.
func leafToRootIPs(d *intern.Data, trace protocol.TraceIndex) []protocol.IpIndex {
	var chain []protocol.IpIndex
	seen := make(map[protocol.TraceIndex]bool)
	for trace.Valid() {
		if seen[trace] {
			d.Warn(fmt.Sprintf("cycle in trace tree at index %d, truncating backtrace", trace))
			break
		}
		seen[trace] = true
		node, ok := d.Traces.Get(uint32(trace))
		if !ok {
			break
		}
		if n := len(chain); n == 0 || chain[n-1] != node.IP {
			chain = append(chain, node.IP)
		}
		trace = node.Parent
	}
	return chain
}

// writeBacktrace writes node and, unless node resolves to the
// configured main function, recurses into its children sorted by
// leaked bytes descending, collapsing any below threshold into one
// trailing "all below threshold" entry.
func (b *Builder) writeBacktrace(w *bufio.Writer, node *ipNode, heapSize, threshold int64, depth int) error {
	isMain := depth > 0 && b.isMainFrame(node.ip)

	children := make([]*ipNode, 0, len(node.children))
	for _, c := range node.children {
		children = append(children, c)
	}
	sort.Slice(children, func(i, j int) bool { return children[i].leaked > children[j].leaked })

	var kept []*ipNode
	var skipped int
	var skippedLeaked int64
	if !isMain {
		for _, c := range children {
			if c.leaked >= threshold {
				kept = append(kept, c)
			} else if c.leaked > 0 {
				skipped++
				skippedLeaked += c.leaked
			}
		}
	}

	writeIndent(w, depth)
	numAllocs := len(kept)
	if skipped > 0 {
		numAllocs++
	}
	fmt.Fprintf(w, "n%d: %d", numAllocs, heapSize)
	if depth == 0 {
		w.WriteString(" (heap allocation functions) malloc/new/new[], --alloc-fns, etc.\n")
	} else {
		fmt.Fprintf(w, " 0x%x: %s (%s)\n", b.addressOf(node.ip), b.functionName(node.ip), b.locationOf(node.ip))
	}

	for _, c := range kept {
		if err := b.writeBacktrace(w, c, c.leaked, threshold, depth+1); err != nil {
			return err
		}
	}
	if skipped > 0 {
		writeIndent(w, depth)
		fmt.Fprintf(w, " n0: %d in %d places, all below massif's threshold (%s)\n",
			skippedLeaked, skipped, strconv.FormatFloat(b.opts.Threshold, 'f', -1, 64))
	}
	return nil
}

func writeIndent(w *bufio.Writer, depth int) {
	for i := 0; i < depth; i++ {
		w.WriteByte(' ')
	}
}

func (b *Builder) addressOf(ip protocol.IpIndex) uint64 {
	info, ok := b.d.IPs.Get(uint32(ip))
	if !ok {
		return 0
	}
	return info.Address
}

func (b *Builder) functionName(ip protocol.IpIndex) string {
	info, ok := b.d.IPs.Get(uint32(ip))
	if !ok || info.Frame.Function == 0 {
		return "???"
	}
	s, ok := b.d.Strings.Get(uint32(info.Frame.Function))
	if !ok {
		return "???"
	}
	return s
}

func (b *Builder) locationOf(ip protocol.IpIndex) string {
	info, ok := b.d.IPs.Get(uint32(ip))
	if !ok {
		return "???"
	}
	if info.Frame.File != 0 {
		file, _ := b.d.Strings.Get(uint32(info.Frame.File))
		return fmt.Sprintf("%s:%d", file, info.Frame.Line)
	}
	if info.Module != 0 {
		mod, _ := b.d.Strings.Get(uint32(info.Module))
		return mod
	}
	return "???"
}

func (b *Builder) isMainFrame(ip protocol.IpIndex) bool {
	if b.opts.MainFunction == "" {
		return false
	}
	return b.functionName(ip) == b.opts.MainFunction
}
