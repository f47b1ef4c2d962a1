// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package aggregate

import (
	"github.com/antimetal/heaptrace/internal/analyzer/intern"
	"github.com/antimetal/heaptrace/internal/analyzer/model"
	"github.com/antimetal/heaptrace/pkg/protocol"
)

// SourceLocation is a (file, line) pair within a symbol, used to map a
// symbol's cost back onto the specific lines inside it that triggered
// allocations.
type SourceLocation struct {
	File protocol.FileIndex
	Line int
}

// SourceCost is the inclusive/self cost attributed to one line inside a
// symbol, mirroring CallerCalleeRow's own Inclusive/Self split but
// scoped to a single source location rather than the whole symbol.
type SourceCost struct {
	Inclusive model.Cost
	Self      model.Cost
}

// CallerCalleeRow is one symbol's full caller-callee accounting:
// inclusive cost (every leaf whose stack passes through it), self cost
// (every leaf whose innermost frame is it), the symbols that called it
// and the symbols it called, each with its own edge cost, and a
// breakdown by source line.
type CallerCalleeRow struct {
	Symbol    Symbol
	Inclusive model.Cost
	Self      model.Cost
	Callers   map[Symbol]*model.Cost
	Callees   map[Symbol]*model.Cost
	Sources   map[SourceLocation]*SourceCost
}

func newCallerCalleeRow(sym Symbol) *CallerCalleeRow {
	return &CallerCalleeRow{
		Symbol:  sym,
		Callers: make(map[Symbol]*model.Cost),
		Callees: make(map[Symbol]*model.Cost),
		Sources: make(map[SourceLocation]*SourceCost),
	}
}

func (r *CallerCalleeRow) caller(sym Symbol) *model.Cost {
	c, ok := r.Callers[sym]
	if !ok {
		c = &model.Cost{}
		r.Callers[sym] = c
	}
	return c
}

func (r *CallerCalleeRow) callee(sym Symbol) *model.Cost {
	c, ok := r.Callees[sym]
	if !ok {
		c = &model.Cost{}
		r.Callees[sym] = c
	}
	return c
}

func (r *CallerCalleeRow) source(loc SourceLocation) *SourceCost {
	c, ok := r.Sources[loc]
	if !ok {
		c = &SourceCost{}
		r.Sources[loc] = c
	}
	return c
}

type chainFrame struct {
	Symbol Symbol
	Line   int
}

// leafToRootFrames is rootToLeafSymbols's sibling: it keeps the
// leaf-to-root order caller-callee needs (to find each frame's
// immediate caller and callee in one pass) and keeps the per-occurrence
// source line, since distinct call sites that resolve to the same
// Symbol can still originate from different lines within it.
func leafToRootFrames(d *intern.Data, trace protocol.TraceIndex) []chainFrame {
	var frames []chainFrame
	walkToRoot(d, trace, func(node model.TraceNode) bool {
		ip, ok := d.IPs.Get(uint32(node.IP))
		if !ok {
			return true
		}
		sym := Symbol{Function: ip.Frame.Function, File: ip.Frame.File, Module: ip.Module}
		frames = append(frames, chainFrame{Symbol: sym, Line: ip.Frame.Line})
		return true
	})
	return frames
}

// CallerCallee builds the per-symbol caller/callee accounting over
// every allocation in d. Inclusive cost and each edge are credited at
// most once per leaf per direction, so frames that resolve to the same
// symbol more than once in one chain (recursion) only contribute their
// cost once.
func CallerCallee(d *intern.Data) map[Symbol]*CallerCalleeRow {
	rows := make(map[Symbol]*CallerCalleeRow)

	row := func(sym Symbol) *CallerCalleeRow {
		r, ok := rows[sym]
		if !ok {
			r = newCallerCalleeRow(sym)
			rows[sym] = r
		}
		return r
	}

	for i := range d.Allocations {
		alloc := &d.Allocations[i]
		cost := alloc.Cost
		cost.Peak = 0

		frames := leafToRootFrames(d, alloc.Trace)
		if len(frames) == 0 {
			continue
		}

		inclusiveCredited := make(map[Symbol]bool, len(frames))
		callerCredited := make(map[[2]Symbol]bool)
		calleeCredited := make(map[[2]Symbol]bool)

		for j, f := range frames {
			r := row(f.Symbol)

			if !inclusiveCredited[f.Symbol] {
				inclusiveCredited[f.Symbol] = true
				r.Inclusive.Add(cost)
			}
			src := r.source(SourceLocation{File: f.Symbol.File, Line: f.Line})
			src.Inclusive.Add(cost)

			if j == 0 {
				r.Self.Add(cost)
				src.Self.Add(cost)
			}

			// frames[j+1] is one step closer to the root: f's caller.
			if j+1 < len(frames) {
				caller := frames[j+1].Symbol
				if caller != f.Symbol {
					key := [2]Symbol{f.Symbol, caller}
					if !callerCredited[key] {
						callerCredited[key] = true
						r.caller(caller).Add(cost)
					}
				}
			}
			// frames[j-1] is one step closer to the leaf: f's callee.
			if j-1 >= 0 {
				callee := frames[j-1].Symbol
				if callee != f.Symbol {
					key := [2]Symbol{f.Symbol, callee}
					if !calleeCredited[key] {
						calleeCredited[key] = true
						r.callee(callee).Add(cost)
					}
				}
			}
		}
	}

	return rows
}
