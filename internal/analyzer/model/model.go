// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package model defines the analyzer's in-memory data model: the
// interned record types accumulated while parsing a trace, independent
// of how they get aggregated into a particular view.
package model

import "github.com/antimetal/heaptrace/pkg/protocol"

// Frame is one level of a (possibly inlined) instruction pointer: the
// function and file it resolved to, plus the source line. An
// unresolved frame (no interpret pass was run, or symbolication
// failed) has a zero FunctionIndex and FileIndex; callers render it as
// the raw address instead.
type Frame struct {
	Function protocol.FunctionIndex
	File     protocol.FileIndex
	Line     int
}

// Equal reports whether two frames resolved to the same place, ignoring
// nothing: two frames are only equal if function, file and line all
// match.
func (f Frame) Equal(o Frame) bool {
	return f.Function == o.Function && f.File == o.File && f.Line == o.Line
}

// Less defines a total order over frames, used to dedupe instruction
// pointers that differ only by runtime address but resolve to the same
// source location (common with PIE binaries and ASLR across runs being
// diffed).
func (f Frame) Less(o Frame) bool {
	if f.Function != o.Function {
		return f.Function < o.Function
	}
	if f.File != o.File {
		return f.File < o.File
	}
	return f.Line < o.Line
}

// InstructionPointer is one interned backtrace frame: a raw address,
// the module (shared object) it falls within, the resolved (or
// zero-value unresolved) top frame, and any frames inlined into it by
// the compiler.
type InstructionPointer struct {
	Address uint64
	Module  protocol.ModuleIndex
	Frame   Frame
	Inlined []Frame
}

// EqualWithoutAddress reports whether two instruction pointers resolve
// to the same module and frame, ignoring their raw addresses. Used to
// merge equivalent call sites across ASLR-randomized runs during diff.
func (ip InstructionPointer) EqualWithoutAddress(o InstructionPointer) bool {
	return ip.Module == o.Module && ip.Frame.Equal(o.Frame)
}

// LessWithoutAddress orders instruction pointers by module then frame,
// ignoring address.
func (ip InstructionPointer) LessWithoutAddress(o InstructionPointer) bool {
	if ip.Module != o.Module {
		return ip.Module < o.Module
	}
	return ip.Frame.Less(o.Frame)
}

// TraceNode is one node of the interned top-down trace tree: the
// instruction pointer at this depth, and the index of its caller
// (parent), or the zero TraceIndex at the root.
type TraceNode struct {
	IP     protocol.IpIndex
	Parent protocol.TraceIndex
}

// AllocationInfo is an interned (size, trace) pair: one distinct
// combination of allocation size and call site, as emitted by the
// tracer's split allocation-info table.
type AllocationInfo struct {
	Size  uint64
	Trace protocol.TraceIndex
}

// Cost is the four-counter allocation aggregate tracked at every level
// of every view: bottom-up, top-down, caller-callee and histogram
// buckets are all, fundamentally, sums of Cost values grouped by some
// key.
type Cost struct {
	Allocations int64
	Temporary   int64
	Leaked      int64
	Peak        int64
}

// Add accumulates rhs into c in place.
func (c *Cost) Add(rhs Cost) {
	c.Allocations += rhs.Allocations
	c.Temporary += rhs.Temporary
	c.Leaked += rhs.Leaked
	c.Peak += rhs.Peak
}

// Sub subtracts rhs from c in place, used by diff mode.
func (c *Cost) Sub(rhs Cost) {
	c.Allocations -= rhs.Allocations
	c.Temporary -= rhs.Temporary
	c.Leaked -= rhs.Leaked
	c.Peak -= rhs.Peak
}

// IsZero reports whether every counter is zero. Diff mode drops entries
// for which this is true after subtraction: an unchanged call site
// contributes no information to a diff.
func (c Cost) IsZero() bool {
	return c.Allocations == 0 && c.Temporary == 0 && c.Leaked == 0 && c.Peak == 0
}

// ClearCost zeroes out c, used when merging Peak separately: the
// bottom-up merge must never let Peak bleed in from a child added via
// Add before the peak tracker has had a chance to own that field.
func (c *Cost) ClearCost() {
	*c = Cost{}
}

// Allocation is one interned call site's running cost, keyed by the
// trace index of its leaf frame.
type Allocation struct {
	Cost
	Trace protocol.TraceIndex
}
