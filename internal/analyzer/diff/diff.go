// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package diff computes the net cost change between two parsed traces:
// right minus left, so that downstream views show only what changed.
//
// heaptrack_diff computes this by literally unifying left and right's
// interned string/IP/trace tables into one shared index space (remap
// right's strings into left's, copy unseen IPs and trace chains,
// subtract matching allocations), because its display layer indexes
// directly into that shared backing storage. This package produces the
// same net-cost result without reconstructing a unified intern.Data:
// since the only thing a diff consumer needs is the resolved display
// strings for whatever changed, each allocation's full backtrace is
// resolved to its chain of (function, file, module) name tuples up
// front and that resolved chain, not a pair of raw indices, is the
// comparison key. Two backtraces that print identically diff as the
// same entry regardless of which interned index either side happened
// to assign it.
package diff

import (
	"fmt"
	"sort"
	"strings"

	"github.com/antimetal/heaptrace/internal/analyzer/intern"
	"github.com/antimetal/heaptrace/internal/analyzer/model"
	"github.com/antimetal/heaptrace/pkg/protocol"
)

// Frame is one resolved, index-free level of a backtrace.
type Frame struct {
	Function string
	File     string
	Module   string
}

// Entry is one distinct backtrace's net cost change, right minus left.
// Chain runs leaf (the allocation site) to root.
type Entry struct {
	Chain []Frame
	Cost  model.Cost
}

// Diff returns every backtrace whose cost differs between left and
// right, net of matching backtraces in both, sorted by the magnitude of
// the change in allocation count (largest swings first). A backtrace
// whose net cost is the zero vector is dropped, per the "unchanged
// contributes nothing" rule.
func Diff(left, right *intern.Data) []Entry {
	leftByChain := collect(left)
	rightByChain := collect(right)

	keys := make(map[string]bool, len(leftByChain)+len(rightByChain))
	for k := range leftByChain {
		keys[k] = true
	}
	for k := range rightByChain {
		keys[k] = true
	}

	out := make([]Entry, 0, len(keys))
	for k := range keys {
		var net model.Cost
		var chain []Frame
		if l, ok := leftByChain[k]; ok {
			chain = l.Chain
			net.Sub(l.Cost)
		}
		if r, ok := rightByChain[k]; ok {
			chain = r.Chain
			net.Add(r.Cost)
		}
		if net.IsZero() {
			continue
		}
		out = append(out, Entry{Chain: chain, Cost: net})
	}

	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].Cost.Allocations, out[j].Cost.Allocations
		if ai < 0 {
			ai = -ai
		}
		if aj < 0 {
			aj = -aj
		}
		return ai > aj
	})
	return out
}

type chainedCost struct {
	Chain []Frame
	Cost  model.Cost
}

// collect walks every allocation in d and groups them by their
// resolved leaf-to-root chain, summing costs for any two backtraces
// that happen to resolve to the exact same chain, so duplicate
// trace-keys merge by summing costs.
func collect(d *intern.Data) map[string]chainedCost {
	out := make(map[string]chainedCost)
	for i := range d.Allocations {
		alloc := &d.Allocations[i]
		chain := resolveChain(d, alloc.Trace)
		if len(chain) == 0 {
			continue
		}
		key := encodeChain(chain)
		entry, ok := out[key]
		if !ok {
			entry = chainedCost{Chain: chain}
		}
		entry.Cost.Add(alloc.Cost)
		out[key] = entry
	}
	return out
}

// resolveChain walks trace from its leaf to the root, resolving each
// frame to its display strings, stopping at a configured stop function
// the same way the bottom-up/top-down views do. The visited-index set
// truncates the chain if the parent links off the wire form a cycle,
// reporting it instead of looping forever.
func resolveChain(d *intern.Data, trace protocol.TraceIndex) []Frame {
	var chain []Frame
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
		ip, ok := d.IPs.Get(uint32(node.IP))
		if !ok {
			break
		}
		chain = append(chain, Frame{
			Function: stringAt(d, uint32(ip.Frame.Function)),
			File:     stringAt(d, uint32(ip.Frame.File)),
			Module:   stringAt(d, uint32(ip.Module)),
		})
		if d.IsStopFunction(ip.Frame.Function) {
			break
		}
		trace = node.Parent
	}
	return chain
}

// stringAt resolves a raw string-table index to its value, or the empty
// string for an absent (zero) index or an out-of-range one, so that an
// unresolved frame still encodes and diffs consistently rather than
// panicking.
func stringAt(d *intern.Data, idx uint32) string {
	s, ok := d.Strings.Get(idx)
	if !ok {
		return ""
	}
	return s
}

func encodeChain(chain []Frame) string {
	parts := make([]string, len(chain))
	for i, f := range chain {
		parts[i] = f.Function + "\x00" + f.File + "\x00" + f.Module
	}
	return strings.Join(parts, "\x01")
}
