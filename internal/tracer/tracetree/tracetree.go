// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package tracetree assigns stable, monotonically increasing indices to
// every distinct instruction pointer chain observed in any captured
// backtrace, and emits the 't' record for each index the first time it
// is seen. It is the tracer-side mirror of the interned trace table
// internal/analyzer/intern builds back up from those same records.
package tracetree

import (
	"fmt"
	"sort"
)

// edge is one node of the tree: the instruction pointer at this depth,
// the index assigned to the chain ending here, and its children, kept
// sorted by instruction pointer for binary search. Backtraces are
// assumed shallow and children assumed few, so a sorted slice beats a
// map here.
type edge struct {
	ip       uint64
	index    uint32
	children []edge
}

// Tree is a top-down tree of every instruction pointer ever observed in
// any indexed backtrace. It is not safe for concurrent use; the tracer
// serializes all writes to one consumer goroutine (see
// internal/tracer/session), which is the only writer by construction.
type Tree struct {
	root     edge
	nextIdx  uint32
	onInsert func(ip uint64, parentIndex uint32)
}

// New returns an empty tree. onInsert is called once for every newly
// discovered chain node, in the order nodes are first seen; the caller
// wires this to emit the 't' line onto the trace stream.
func New(onInsert func(ip uint64, parentIndex uint32)) *Tree {
	return &Tree{nextIdx: 1, onInsert: onInsert}
}

// Index records trace (innermost frame first, i.e. trace[0] is where
// the allocation happened) and returns the stable index of its leaf
// (the innermost) frame, inserting any not-yet-seen node along the way
// and calling onInsert for each.
//
// Trace is walked back to front, root to leaf, so that the path shared
// by every other backtrace sharing the same outer frames is only ever
// inserted once.
func (t *Tree) Index(trace []uint64) uint32 {
	index := uint32(0)
	parent := &t.root
	for i := len(trace) - 1; i >= 0; i-- {
		ip := trace[i]
		if ip == 0 {
			continue
		}

		children := parent.children
		pos := sort.Search(len(children), func(j int) bool { return children[j].ip >= ip })
		if pos == len(children) || children[pos].ip != ip {
			index = t.nextIdx
			t.nextIdx++
			children = append(children, edge{})
			copy(children[pos+1:], children[pos:])
			children[pos] = edge{ip: ip, index: index}
			parent.children = children
			if t.onInsert != nil {
				t.onInsert(ip, parent.index)
			}
		}
		index = parent.children[pos].index
		parent = &parent.children[pos]
	}
	return index
}

// Clear resets the tree to empty and restarts index assignment at 1,
// used when the analyzer-visible index space needs to restart (e.g.
// after an attached-mode reset record).
func (t *Tree) Clear() {
	t.root = edge{}
	t.nextIdx = 1
}

// String renders the tree's node count for diagnostics.
func (t *Tree) String() string {
	return fmt.Sprintf("tracetree(nodes=%d)", t.nextIdx-1)
}
