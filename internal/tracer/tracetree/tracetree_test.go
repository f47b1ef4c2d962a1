// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tracetree_test

import (
	"testing"

	"github.com/antimetal/heaptrace/internal/tracer/tracetree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTree_SharedRootAssignedOnce(t *testing.T) {
	var inserted []uint64
	tree := tracetree.New(func(ip uint64, parentIndex uint32) {
		inserted = append(inserted, ip)
	})

	// trace[0] is innermost; both calls share frame 0x20 (their caller)
	// but differ at the allocation site itself.
	idx1 := tree.Index([]uint64{0x10, 0x20})
	idx2 := tree.Index([]uint64{0x11, 0x20})

	require.NotZero(t, idx1)
	require.NotZero(t, idx2)
	assert.NotEqual(t, idx1, idx2)
	// 0x20 is only ever a new node once, then 0x10 and 0x11 each add one.
	assert.Len(t, inserted, 3)
}

func TestTree_RepeatedTraceReturnsSameIndex(t *testing.T) {
	tree := tracetree.New(nil)
	idx1 := tree.Index([]uint64{0x10, 0x20})
	idx2 := tree.Index([]uint64{0x10, 0x20})
	assert.Equal(t, idx1, idx2)
}

func TestTree_ZeroFramesAreSkipped(t *testing.T) {
	tree := tracetree.New(nil)
	idx1 := tree.Index([]uint64{0x10, 0, 0x20})
	idx2 := tree.Index([]uint64{0x10, 0x20})
	assert.Equal(t, idx1, idx2)
}

func TestTree_ClearRestartsIndices(t *testing.T) {
	tree := tracetree.New(nil)
	first := tree.Index([]uint64{0x10})
	tree.Clear()
	second := tree.Index([]uint64{0x99})
	assert.Equal(t, first, second)
}
