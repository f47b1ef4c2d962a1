// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package aggregate

import (
	"sort"

	"github.com/antimetal/heaptrace/internal/analyzer/intern"
	"github.com/antimetal/heaptrace/internal/analyzer/model"
	"github.com/antimetal/heaptrace/pkg/protocol"
)

// HistogramTopN is the default bound on how many contributing symbols
// are kept per bucket; the rest still count toward the bucket's total.
const HistogramTopN = 10

// histogramBucketCount fixes the bucket layout at nine: eight
// power-of-two size bands starting at "up to 8 bytes" (inclusive of
// zero-byte allocations), then an unbounded overflow bucket.
const histogramBucketCount = 9

// HistogramBucket is one size band's aggregate: how many allocations
// fell in [Min, Max] (Max == -1 meaning unbounded; the first bucket
// covers zero-byte allocations too), and the top contributing call
// sites by allocation count.
type HistogramBucket struct {
	Min, Max    int64
	Allocations int64
	TopSymbols  []SymbolCount
}

// SymbolCount pairs a call site's leaf symbol with how many allocations
// in the owning bucket originated there.
type SymbolCount struct {
	Symbol      Symbol
	Allocations int64
}

// Histogram is the finished size distribution: exactly
// histogramBucketCount buckets, covering every allocation observed.
type Histogram struct {
	Buckets [histogramBucketCount]HistogramBucket
}

func histogramBucketIndex(size uint64) int {
	switch {
	case size <= 8:
		return 0
	case size <= 16:
		return 1
	case size <= 32:
		return 2
	case size <= 64:
		return 3
	case size <= 128:
		return 4
	case size <= 256:
		return 5
	case size <= 512:
		return 6
	case size <= 1024:
		return 7
	default:
		return 8
	}
}

var histogramBucketBounds = [histogramBucketCount][2]int64{
	{0, 8},
	{9, 16},
	{17, 32},
	{33, 64},
	{65, 128},
	{129, 256},
	{257, 512},
	{513, 1024},
	{1025, -1},
}

// HistogramBuilder replays the allocate event stream (wired via
// intern.Handlers.OnAllocate, the same hook the peak tracker uses)
// and buckets every allocation by its size, crediting the allocation
// site's leaf symbol within the owning bucket.
type HistogramBuilder struct {
	d       *intern.Data
	buckets [histogramBucketCount]bucketAccum

	// TopN may be adjusted between construction and Finish; it defaults
	// to HistogramTopN.
	TopN int
}

type bucketAccum struct {
	allocations int64
	bySymbol    map[Symbol]int64
}

// NewHistogramBuilder returns a builder wired to observe data's
// allocate events, typically alongside a peak.Tracker in the same
// Parse call.
func NewHistogramBuilder(d *intern.Data) *HistogramBuilder {
	h := &HistogramBuilder{d: d, TopN: HistogramTopN}
	for i := range h.buckets {
		h.buckets[i].bySymbol = make(map[Symbol]int64)
	}
	return h
}

// ObserveAllocate wires into intern.Handlers.OnAllocate.
func (h *HistogramBuilder) ObserveAllocate(info model.AllocationInfo, _ protocol.AllocationInfoIndex) {
	idx := histogramBucketIndex(info.Size)
	b := &h.buckets[idx]
	b.allocations++
	if sym, ok := LeafSymbol(h.d, info.Trace); ok {
		b.bySymbol[sym]++
	}
}

// Finish returns the completed histogram. It may be called only after
// the owning Parse call has returned.
func (h *HistogramBuilder) Finish() Histogram {
	var out Histogram
	for i, b := range h.buckets {
		bucket := HistogramBucket{
			Min:         histogramBucketBounds[i][0],
			Max:         histogramBucketBounds[i][1],
			Allocations: b.allocations,
		}
		bucket.TopSymbols = topSymbolCounts(b.bySymbol, h.TopN)
		out.Buckets[i] = bucket
	}
	return out
}

func topSymbolCounts(bySymbol map[Symbol]int64, n int) []SymbolCount {
	out := make([]SymbolCount, 0, len(bySymbol))
	for sym, count := range bySymbol {
		out = append(out, SymbolCount{Symbol: sym, Allocations: count})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Allocations > out[j].Allocations
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
