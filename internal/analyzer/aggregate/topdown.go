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

// TopDownNode is one node of the inverted call tree: Symbol is the
// frame at this depth (the zero Symbol at the synthetic root), Cost is
// the merged cost of every leaf whose chain passes through this node,
// and Children indexes the next frame inward (its callees, toward the
// allocation site) by symbol.
type TopDownNode struct {
	Symbol   Symbol
	Cost     model.Cost
	Children map[Symbol]*TopDownNode
}

func newTopDownNode(sym Symbol) *TopDownNode {
	return &TopDownNode{Symbol: sym, Children: make(map[Symbol]*TopDownNode)}
}

// TopDown derives the inverted call tree from the same per-allocation
// data BottomUp merges, walking each leaf's chain in the opposite
// direction: root first, leaf last. The returned node is a synthetic,
// zero-Symbol root whose children are the outermost frames actually
// observed (main, a thread's entry point, ...).
func TopDown(d *intern.Data) *TopDownNode {
	root := newTopDownNode(Symbol{})

	for i := range d.Allocations {
		alloc := &d.Allocations[i]
		cost := alloc.Cost
		cost.Peak = 0 // bottom-up/top-down never sum Peak; A4 patches it separately

		chain := rootToLeafSymbols(d, alloc.Trace)
		root.Cost.Add(cost)
		cur := root
		for _, sym := range chain {
			child, ok := cur.Children[sym]
			if !ok {
				child = newTopDownNode(sym)
				cur.Children[sym] = child
			}
			child.Cost.Add(cost)
			cur = child
		}
	}

	return root
}

// rootToLeafSymbols walks trace's chain from its leaf up to the root
// (the direction walkToRoot provides), collapsing consecutive repeats
// of the same symbol (direct recursion) into one hop, then reverses the
// result into root-to-leaf order for building the inverted tree.
func rootToLeafSymbols(d *intern.Data, trace protocol.TraceIndex) []Symbol {
	var leafToRoot []Symbol
	walkToRoot(d, trace, func(node model.TraceNode) bool {
		sym, ok := symbolOf(d, node.IP)
		if !ok {
			return true
		}
		if n := len(leafToRoot); n > 0 && leafToRoot[n-1] == sym {
			return true // direct recursion, collapse
		}
		leafToRoot = append(leafToRoot, sym)
		return true
	})

	rootToLeaf := make([]Symbol, len(leafToRoot))
	for i, sym := range leafToRoot {
		rootToLeaf[len(leafToRoot)-1-i] = sym
	}
	return rootToLeaf
}
