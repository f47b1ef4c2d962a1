// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package protocol defines the wire format shared by the tracer and the
// analyzer: the line-oriented trace protocol and the dense, 1-based
// interned index types used throughout both.
package protocol

// StringIndex identifies an entry in the global string table. The zero
// value means "no string" and never refers to an actual table entry,
// since real indices start at 1.
type StringIndex uint32

// Valid reports whether the index refers to an actual table entry.
func (i StringIndex) Valid() bool { return i != 0 }

// ModuleIndex, FunctionIndex and FileIndex all index into the same
// string table as StringIndex; they are distinct types only so the
// compiler catches a function index passed where a module index was
// expected.
type (
	ModuleIndex   uint32
	FunctionIndex uint32
	FileIndex     uint32
)

func (i ModuleIndex) Valid() bool   { return i != 0 }
func (i FunctionIndex) Valid() bool { return i != 0 }
func (i FileIndex) Valid() bool     { return i != 0 }

// IpIndex identifies an interned instruction pointer record.
type IpIndex uint32

func (i IpIndex) Valid() bool { return i != 0 }

// TraceIndex identifies a node in the interned trace tree. A parent's
// index is always numerically less than any of its children's indices.
type TraceIndex uint32

func (i TraceIndex) Valid() bool { return i != 0 }

// AllocationInfoIndex identifies an interned (size, traceIndex) pair.
type AllocationInfoIndex uint32

func (i AllocationInfoIndex) Valid() bool { return i != 0 }

// AllocationIndex identifies an entry in the analyzer's per-trace-node
// allocation aggregate list. Unlike the other indices this one is
// 0-based: it is a slice index, not a wire-interned value.
type AllocationIndex uint32
