// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package intern holds the analyzer's interned tables: the string
// table, the instruction pointer table, the trace tree, and the
// allocation-info table. Every index the tracer hands out over the
// wire is 1-based and monotonically increasing, so each table is
// simply an append-only slice with a throwaway zero-value sentinel at
// index 0, making the wire format's "index 0 means absent" convention
// hold by construction (github.com/antimetal/heaptrace/pkg/ringbuffer
// is the only other generic container in this codebase; this table
// follows the same style of a small, allocation-light generic type).
package intern

// Table is a 1-based, append-only interned table: Add assigns the next
// index, Get looks one up, and index 0 is reserved to mean "absent" and
// always resolves to T's zero value.
type Table[T any] struct {
	entries []T
}

// NewTable returns an empty table with the index-0 sentinel in place.
func NewTable[T any]() *Table[T] {
	var zero T
	return &Table[T]{entries: []T{zero}}
}

// Add appends v and returns its newly assigned 1-based index.
func (t *Table[T]) Add(v T) uint32 {
	t.entries = append(t.entries, v)
	return uint32(len(t.entries) - 1)
}

// Get returns the entry at index i, or the zero value and false if i is
// out of range (including i == 0).
func (t *Table[T]) Get(i uint32) (T, bool) {
	if i == 0 || int(i) >= len(t.entries) {
		var zero T
		return zero, false
	}
	return t.entries[i], true
}

// Set overwrites the entry at index i, reporting false if i is the
// sentinel or out of range.
func (t *Table[T]) Set(i uint32, v T) bool {
	if i == 0 || int(i) >= len(t.entries) {
		return false
	}
	t.entries[i] = v
	return true
}

// Len returns the number of real entries (excluding the sentinel).
func (t *Table[T]) Len() int {
	return len(t.entries) - 1
}

// All returns the real entries in index order, 1-based index i at
// slice position i-1.
func (t *Table[T]) All() []T {
	if len(t.entries) == 0 {
		return nil
	}
	return t.entries[1:]
}
