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
	"github.com/antimetal/heaptrace/internal/analyzer/model"
	"github.com/antimetal/heaptrace/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Allocations spread over three size bands: a zero-byte and an 8-byte
// allocation both land in the first (<=8) band, a 16-byte one in the
// 9-16 band, and an oversized one in the unbounded overflow band.
const histogramTrace = "v 4\n" +
	"s main\n" +
	"i 1000 1 1 0 0\n" +
	"t 1 0\n" +
	"a 0 1\n" +
	"a 8 1\n" +
	"a 10 1\n" +
	"a 2000 1\n" +
	"+ 1\n" +
	"+ 2\n" +
	"+ 3\n" +
	"+ 4\n"

func TestHistogram_BucketsBySize(t *testing.T) {
	d := intern.NewData(nil)
	hb := aggregate.NewHistogramBuilder(d)
	require.NoError(t, d.Parse(strings.NewReader(histogramTrace), intern.Handlers{
		OnAllocate: func(info model.AllocationInfo, idx protocol.AllocationInfoIndex) {
			hb.ObserveAllocate(info, idx)
		},
	}))

	h := hb.Finish()
	assert.EqualValues(t, 2, h.Buckets[0].Allocations, "<=8 bucket covers zero-byte allocations too")
	assert.EqualValues(t, 1, h.Buckets[1].Allocations, "9-16 bucket")
	assert.EqualValues(t, 1, h.Buckets[8].Allocations, "overflow bucket")
	assert.EqualValues(t, -1, h.Buckets[8].Max)

	for i, b := range h.Buckets {
		if b.Allocations > 0 {
			require.NotEmpty(t, b.TopSymbols, "bucket %d should credit a symbol", i)
			assert.EqualValues(t, b.Allocations, b.TopSymbols[0].Allocations,
				"every allocation in bucket %d comes from the single call site", i)
		}
	}
}

func TestHistogram_EmptyTraceHasEmptyBuckets(t *testing.T) {
	d := intern.NewData(nil)
	hb := aggregate.NewHistogramBuilder(d)
	require.NoError(t, d.Parse(strings.NewReader("v 4\n"), intern.Handlers{
		OnAllocate: func(info model.AllocationInfo, idx protocol.AllocationInfoIndex) {
			hb.ObserveAllocate(info, idx)
		},
	}))

	h := hb.Finish()
	for _, b := range h.Buckets {
		assert.Zero(t, b.Allocations)
		assert.Empty(t, b.TopSymbols)
	}
}
