// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package aggregate_test

import (
	"strings"
	"testing"

	"github.com/antimetal/heaptrace/internal/analyzer/aggregate"
	"github.com/antimetal/heaptrace/internal/analyzer/intern"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Two call sites, "a" and "b", both called from the outermost function
// named "leaf", so bottom-up merges both traces' cost into one "leaf"
// row while the allocating symbols "a" and "b" stay distinct.
const sharedLeafTrace = "v 4\n" +
	"s leaf\n" +
	"s a\n" +
	"s b\n" +
	"i 1000 1 1 0 0\n" + // ip 1: function "leaf"
	"i 2000 1 2 0 0\n" + // ip 2: function "a"
	"i 3000 1 3 0 0\n" + // ip 3: function "b"
	"t 1 0\n" + // trace 1: leaf, root
	"t 2 1\n" + // trace 2: a, called from trace 1
	"t 1 0\n" + // trace 3 (same ip/parent as trace 1, still a separate node): leaf again, root
	"t 3 3\n" + // trace 4: b, called from trace 3
	"a 10 2\n" + // info 1: size 0x10 @ trace 2 (leaf<-a)
	"a 20 4\n" + // info 2: size 0x20 @ trace 4 (leaf<-b)
	"+ 1\n" +
	"+ 2\n"

func TestBottomUp_MergesSharedLeaf(t *testing.T) {
	d := intern.NewData(nil)
	require.NoError(t, d.Parse(strings.NewReader(sharedLeafTrace), intern.Handlers{}))

	rows := aggregate.BottomUp(d, nil)
	require.NotEmpty(t, rows)

	var total int64
	for _, r := range rows {
		total += r.Cost.Allocations
	}
	// Every row any trace passes through gets the cost merged in, so the
	// sum across rows is >= the two allocations, not necessarily equal;
	// what matters is that the leaf function accumulates both.
	assert.GreaterOrEqual(t, total, int64(2))

	found := false
	for _, r := range rows {
		if r.Cost.Leaked == 0x30 {
			found = true
		}
	}
	assert.True(t, found, "expected one row (the shared leaf) to have merged leaked cost 0x30")
}

// cyclicTrace links trace 1 and trace 2 as each other's parent, a
// shape a well-formed tracer can never emit but a corrupt or crafted
// file can.
const cyclicTrace = "v 4\n" +
	"s fnA\n" +
	"s fnB\n" +
	"i 1000 0 1 0 0\n" +
	"i 2000 0 2 0 0\n" +
	"t 1 2\n" +
	"t 2 1\n" +
	"a 10 1\n" +
	"+ 1\n"

func TestBottomUp_CyclicTraceTerminatesAndWarns(t *testing.T) {
	d := intern.NewData(nil)
	require.NoError(t, d.Parse(strings.NewReader(cyclicTrace), intern.Handlers{}))

	rows := aggregate.BottomUp(d, nil)
	require.Len(t, rows, 2, "both frames on the cycle are visited exactly once")
	for _, r := range rows {
		assert.EqualValues(t, 1, r.Cost.Allocations)
	}
	assert.NotEmpty(t, d.Errors(), "the truncated cycle is reported")
}

func TestBottomUp_NoAllocationsIsEmpty(t *testing.T) {
	d := intern.NewData(nil)
	require.NoError(t, d.Parse(strings.NewReader("v 4\n"), intern.Handlers{}))

	rows := aggregate.BottomUp(d, nil)
	assert.Empty(t, rows)
}

func TestBottomUp_PatchesPeakFromPeakLeakedOnly(t *testing.T) {
	d := intern.NewData(nil)
	require.NoError(t, d.Parse(strings.NewReader(sharedLeafTrace), intern.Handlers{}))

	peakLeaked := make([]int64, len(d.Allocations))
	for i := range peakLeaked {
		peakLeaked[i] = int64(i+1) * 100
	}

	rows := aggregate.BottomUp(d, peakLeaked)
	var sumPeak int64
	for _, r := range rows {
		sumPeak += r.Cost.Peak
	}
	assert.Positive(t, sumPeak, "at least one leaf symbol should have received a patched Peak value")
}
