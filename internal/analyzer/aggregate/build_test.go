// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package aggregate_test

import (
	"context"
	"strings"
	"testing"

	"github.com/antimetal/heaptrace/internal/analyzer/aggregate"
	"github.com/antimetal/heaptrace/internal/analyzer/intern"
	"github.com/antimetal/heaptrace/internal/analyzer/model"
	"github.com/antimetal/heaptrace/internal/analyzer/peak"
	"github.com/antimetal/heaptrace/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_WiresAllFiveViews(t *testing.T) {
	d := intern.NewData(nil)
	pt := peak.New(d, 0)
	hb := aggregate.NewHistogramBuilder(d)
	cb := aggregate.NewChartBuilder(d)

	handlers := intern.Handlers{
		OnTimeStamp: cb.ObserveTimeStamp,
		OnAllocate: func(info model.AllocationInfo, idx protocol.AllocationInfoIndex) {
			pt.ObserveAllocate(info.Trace, info.Size)
			hb.ObserveAllocate(info, idx)
			cb.ObserveAllocate(info, idx)
		},
		OnFree: func(info model.AllocationInfo, idx protocol.AllocationInfoIndex, temporary bool) {
			pt.ObserveFree(info.Trace, info.Size)
			cb.ObserveFree(info, idx, temporary)
		},
	}

	require.NoError(t, d.Parse(strings.NewReader(sharedLeafTrace), handlers))
	_, peakLeaked := pt.Finish()

	res, err := aggregate.Build(context.Background(), d, peakLeaked, hb, cb)
	require.NoError(t, err)

	assert.NotEmpty(t, res.BottomUp)
	assert.NotNil(t, res.TopDown)
	assert.NotEmpty(t, res.CallerCallee)
	assert.EqualValues(t, 1, res.Histogram.Buckets[1].Allocations, "size 0x10=16 falls in the 9-16 band")
	assert.EqualValues(t, 1, res.Histogram.Buckets[2].Allocations, "size 0x20=32 falls in the 17-32 band")
}
