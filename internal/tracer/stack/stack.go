// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package stack captures and normalizes backtraces recorded by the
// eBPF uprobe programs via a BPF_MAP_TYPE_STACK_TRACE map: the kernel
// fills a fixed-size array of instruction pointers per call, which this
// package trims to its real depth and optionally skips leading frames
// internal to the allocator wrapper itself.
package stack

import "fmt"

// MaxDepth bounds how many frames the kernel-side stack map records per
// capture; deeper backtraces are silently truncated at the root end.
const MaxDepth = 64

// Reader fetches raw stack traces by the stack ID the uprobe program
// attached to each event, via a BPF_MAP_TYPE_STACK_TRACE lookup.
type Reader interface {
	// Lookup returns the raw instruction pointers for stackID,
	// innermost frame first, zero-padded to MaxDepth.
	Lookup(stackID uint32) ([MaxDepth]uint64, error)
}

// Fill resolves stackID via r, trims trailing zero (unused) frames, and
// drops the first skipFrames entries, which are internal to the
// allocator hook itself (e.g. the uprobe trampoline and the malloc
// wrapper frame) rather than the caller's own code.
func Fill(r Reader, stackID uint32, skipFrames int) ([]uint64, error) {
	raw, err := r.Lookup(stackID)
	if err != nil {
		return nil, fmt.Errorf("looking up stack id %d: %w", stackID, err)
	}

	depth := 0
	for depth < len(raw) && raw[depth] != 0 {
		depth++
	}
	if skipFrames > depth {
		skipFrames = depth
	}

	out := make([]uint64, depth-skipFrames)
	copy(out, raw[skipFrames:depth])
	return out, nil
}
