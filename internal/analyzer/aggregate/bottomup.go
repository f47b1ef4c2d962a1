// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package aggregate

import (
	"sort"

	"github.com/antimetal/heaptrace/internal/analyzer/intern"
	"github.com/antimetal/heaptrace/internal/analyzer/model"
)

// BottomUpRow is one merged symbol's aggregated cost: every call site
// that resolves to the same Symbol, anywhere in any backtrace,
// contributes to the same row.
type BottomUpRow struct {
	Symbol Symbol
	Cost   model.Cost
}

// BottomUp merges every allocation's cost into its resolved call-site
// symbol, walking each backtrace from its leaf toward the root and
// attributing the full cost to every distinct symbol encountered along
// the way. A per-walk visited set guards against double-counting a
// symbol that recurses (direct or mutual recursion would otherwise
// inflate its bottom-up cost by the recursion depth).
//
// Peak is deliberately never summed here: only the peak tracker (A4)
// may set a row's Peak field, once, from the replayed memory snapshot
// at the trace's global peak. Summing per-allocation peaks bottom-up
// would overcount, since sibling call sites don't all hit their local
// peak at the same instant as the global one.
func BottomUp(d *intern.Data, peakLeaked []int64) []BottomUpRow {
	rows := make(map[Symbol]*BottomUpRow)

	for i := range d.Allocations {
		alloc := &d.Allocations[i]
		cost := alloc.Cost
		cost.Peak = 0 // patched in below from peakLeaked, not summed

		visited := make(map[Symbol]bool)
		walkToRoot(d, alloc.Trace, func(node model.TraceNode) bool {
			sym, ok := symbolOf(d, node.IP)
			if !ok || visited[sym] {
				return true
			}
			visited[sym] = true
			row, ok := rows[sym]
			if !ok {
				row = &BottomUpRow{Symbol: sym}
				rows[sym] = row
			}
			row.Cost.Add(cost)
			return true
		})

		if i < len(peakLeaked) && peakLeaked[i] != 0 {
			if leafSym, ok := LeafSymbol(d, alloc.Trace); ok {
				rows[leafSym].Cost.Peak += peakLeaked[i]
			}
		}
	}

	out := make([]BottomUpRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Cost.Allocations > out[j].Cost.Allocations
	})
	return out
}
