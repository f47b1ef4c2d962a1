// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package peak_test

import (
	"strings"
	"testing"

	"github.com/antimetal/heaptrace/internal/analyzer/intern"
	"github.com/antimetal/heaptrace/internal/analyzer/model"
	"github.com/antimetal/heaptrace/internal/analyzer/peak"
	"github.com/antimetal/heaptrace/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Two call sites: trace 1 grows to 0x30 then shrinks back to 0 before
// trace 2 allocates anything. The global peak of 0x30 occurs while
// only trace 1 holds memory, so that is the site peak replay must land
// on.
const twoSiteTrace = "v 4\n" +
	"s main\n" +
	"s other\n" +
	"i 1000 1 1 0 10\n" +
	"i 2000 1 2 0 20\n" +
	"t 1 0\n" + // trace 1: site "main"
	"t 2 0\n" + // trace 2: site "other"
	"a 10 1\n" + // info 1: size 0x10 @ trace 1
	"a 20 1\n" + // info 2: size 0x20 @ trace 1
	"a 8 2\n" + // info 3: size 0x8 @ trace 2
	"+ 1\n" + // trace1 leaked = 0x10
	"+ 2\n" + // trace1 leaked = 0x30 (global peak)
	"- 1\n" + // trace1 leaked = 0x20
	"- 2\n" + // trace1 leaked = 0
	"+ 3\n" // trace2 leaked = 0x8

func wireTracker(tr *peak.Tracker) intern.Handlers {
	return intern.Handlers{
		OnAllocate: func(info model.AllocationInfo, _ protocol.AllocationInfoIndex) {
			tr.ObserveAllocate(info.Trace, info.Size)
		},
		OnFree: func(info model.AllocationInfo, _ protocol.AllocationInfoIndex, _ bool) {
			tr.ObserveFree(info.Trace, info.Size)
		},
	}
}

func TestTracker_FindsPeakAtCorrectSite(t *testing.T) {
	d := intern.NewData(nil)
	tr := peak.New(d, 0)

	require.NoError(t, d.Parse(strings.NewReader(twoSiteTrace), wireTracker(tr)))

	peakTime, leaked := tr.Finish()
	assert.EqualValues(t, 0, peakTime)

	idx1, ok := d.AllocationIndexForTrace(1)
	require.True(t, ok)
	require.Greater(t, len(leaked), idx1)
	assert.EqualValues(t, 0x30, leaked[idx1])
}

func TestTracker_SmallBudgetStillFindsPeak(t *testing.T) {
	// a budget small enough to force multiple snippet finalizations
	// still converges on the correct global peak, since finalize keeps
	// whichever snippet (current or previously-best) had the higher
	// local peak.
	d := intern.NewData(nil)
	tr := peak.New(d, 64) // forces a tiny event capacity

	require.NoError(t, d.Parse(strings.NewReader(twoSiteTrace), wireTracker(tr)))

	_, leaked := tr.Finish()
	idx1, ok := d.AllocationIndexForTrace(1)
	require.True(t, ok)
	assert.EqualValues(t, 0x30, leaked[idx1])
}
