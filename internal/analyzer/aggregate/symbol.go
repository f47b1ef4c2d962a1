// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package aggregate builds the read-only summary views over a fully
// parsed trace: bottom-up, top-down, caller-callee, a size histogram,
// and a downsampled chart series. Every view only reads the frozen
// intern tables and allocation list produced by internal/analyzer/intern;
// none of them mutate shared state, so Build runs them concurrently.
package aggregate

import (
	"fmt"

	"github.com/antimetal/heaptrace/internal/analyzer/intern"
	"github.com/antimetal/heaptrace/internal/analyzer/model"
	"github.com/antimetal/heaptrace/pkg/protocol"
)

// Symbol identifies a source-level location independent of any one
// call site: the resolved function, file and enclosing module. Two
// distinct trace nodes that both resolved to "main() in main.cpp in
// /usr/bin/myapp" merge into one Symbol for the bottom-up and
// caller-callee views; raw addresses never do, since ASLR and
// per-invocation offsets would otherwise fragment the same logical
// call site across many unrelated-looking rows.
type Symbol struct {
	Function protocol.FunctionIndex
	File     protocol.FileIndex
	Module   protocol.ModuleIndex
}

// symbolOf resolves the symbol for the instruction pointer at ipIdx.
func symbolOf(d *intern.Data, ipIdx protocol.IpIndex) (Symbol, bool) {
	ip, ok := d.IPs.Get(uint32(ipIdx))
	if !ok {
		return Symbol{}, false
	}
	return Symbol{Function: ip.Frame.Function, File: ip.Frame.File, Module: ip.Module}, true
}

// LeafSymbol resolves the symbol at trace's own frame, i.e. the call
// site that directly made the allocation, as opposed to any of its
// callers further up the chain.
func LeafSymbol(d *intern.Data, trace protocol.TraceIndex) (Symbol, bool) {
	node, ok := d.Traces.Get(uint32(trace))
	if !ok {
		return Symbol{}, false
	}
	return symbolOf(d, node.IP)
}

// walkToRoot calls visit for each trace node from trace up to (and
// including) the root, in leaf-to-root order, stopping early if visit
// returns false, or if it encounters a trace node whose function is
// configured as a stop function (main, _start, ...). A well-formed
// trace tree has every parent index strictly below its child's, but
// the parent field comes straight off the wire, so a corrupt or
// crafted file can link trace indices into a cycle; a visited-index
// set breaks the walk there and reports it, keeping corrupt input a
// warning rather than a hang.
func walkToRoot(d *intern.Data, trace protocol.TraceIndex, visit func(node model.TraceNode) bool) {
	seen := make(map[protocol.TraceIndex]bool)
	for trace.Valid() {
		if seen[trace] {
			d.Warn(fmt.Sprintf("cycle in trace tree at index %d, truncating backtrace", trace))
			return
		}
		seen[trace] = true
		node, ok := d.Traces.Get(uint32(trace))
		if !ok {
			return
		}
		if !visit(node) {
			return
		}
		if ip, ok := d.IPs.Get(uint32(node.IP)); ok && d.IsStopFunction(ip.Frame.Function) {
			return
		}
		trace = node.Parent
	}
}
