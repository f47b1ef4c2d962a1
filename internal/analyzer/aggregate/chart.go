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

// MaxChartDatapoints is the default bound on how many samples Chart
// emits, regardless of how long the underlying trace runs.
const MaxChartDatapoints = 500

// ChartTopSites is the default bound on how many call sites get their
// own series in each of the three rankings.
const ChartTopSites = 19

// ChartSeries is one call site's leaked-bytes series, aligned index
// for index with Chart.Times.
type ChartSeries struct {
	Site   Symbol
	Points []int64
}

// Chart is the downsampled time series over a trace's full duration:
// the overall total, plus three parallel per-site rankings (by peak, by
// allocation count, by temporary-allocation count). Every series uses
// the same Times axis, and within a sample window the value plotted is
// the maximum observed, not the value at the window's end, so a
// transient spike that both grows and shrinks within one window still
// shows up.
type Chart struct {
	Times         []int64
	Total         []int64
	ByPeak        []ChartSeries
	ByAllocations []ChartSeries
	ByTemporary   []ChartSeries
}

type chartEvent struct {
	time  int64
	trace protocol.TraceIndex
	delta int64
}

// ChartBuilder replays the full allocate/free event stream (wired via
// intern.Handlers, the same mechanism the peak tracker and histogram
// builder use) and buffers it so that, once Parse has finished and the
// trace's final per-site totals are known, Finish can pick the top
// sites and downsample the buffered stream against them in one pass.
type ChartBuilder struct {
	d        *intern.Data
	events   []chartEvent
	haveTime bool
	minTime  int64
	maxTime  int64

	// Datapoints and TopSites may be adjusted between construction and
	// Finish; they default to MaxChartDatapoints and ChartTopSites.
	Datapoints int
	TopSites   int
}

// NewChartBuilder returns a builder wired to observe data's
// allocate/free/timestamp events.
func NewChartBuilder(d *intern.Data) *ChartBuilder {
	return &ChartBuilder{d: d, Datapoints: MaxChartDatapoints, TopSites: ChartTopSites}
}

func (c *ChartBuilder) observeTime(t int64) {
	if !c.haveTime {
		c.haveTime = true
		c.minTime, c.maxTime = t, t
		return
	}
	if t < c.minTime {
		c.minTime = t
	}
	if t > c.maxTime {
		c.maxTime = t
	}
}

// ObserveTimeStamp wires into intern.Handlers.OnTimeStamp.
func (c *ChartBuilder) ObserveTimeStamp(_, newStamp int64) {
	c.observeTime(newStamp)
}

// ObserveAllocate wires into intern.Handlers.OnAllocate.
func (c *ChartBuilder) ObserveAllocate(info model.AllocationInfo, _ protocol.AllocationInfoIndex) {
	t := c.d.CurrentTimeStamp()
	c.observeTime(t)
	c.events = append(c.events, chartEvent{time: t, trace: info.Trace, delta: int64(info.Size)})
}

// ObserveFree wires into intern.Handlers.OnFree.
func (c *ChartBuilder) ObserveFree(info model.AllocationInfo, _ protocol.AllocationInfoIndex, _ bool) {
	t := c.d.CurrentTimeStamp()
	c.observeTime(t)
	c.events = append(c.events, chartEvent{time: t, trace: info.Trace, delta: -int64(info.Size)})
}

// Finish downsamples the buffered event stream into a Chart. It may be
// called only after the owning Parse call has returned, since it needs
// every allocation's final cost to pick the top sites.
func (c *ChartBuilder) Finish() Chart {
	numSamples := c.Datapoints
	span := c.maxTime - c.minTime + 1
	if span < int64(numSamples) {
		numSamples = int(span)
	}
	if numSamples < 1 {
		numSamples = 1
	}

	windowOf := func(t int64) int {
		if span <= 0 {
			return 0
		}
		idx := int((t - c.minTime) * int64(numSamples) / span)
		if idx >= numSamples {
			idx = numSamples - 1
		}
		if idx < 0 {
			idx = 0
		}
		return idx
	}

	peakTraces := topTraces(c.d, c.TopSites, func(cost model.Cost) int64 { return cost.Peak })
	allocTraces := topTraces(c.d, c.TopSites, func(cost model.Cost) int64 { return cost.Allocations })
	tempTraces := topTraces(c.d, c.TopSites, func(cost model.Cost) int64 { return cost.Temporary })

	tracked := make(map[protocol.TraceIndex]bool)
	for _, t := range peakTraces {
		tracked[t] = true
	}
	for _, t := range allocTraces {
		tracked[t] = true
	}
	for _, t := range tempTraces {
		tracked[t] = true
	}

	running := make(map[protocol.TraceIndex]int64, len(tracked))
	maxInWindow := make(map[protocol.TraceIndex][]int64, len(tracked))
	for t := range tracked {
		maxInWindow[t] = make([]int64, numSamples)
	}
	total := int64(0)
	totalMaxInWindow := make([]int64, numSamples)

	for _, ev := range c.events {
		total += ev.delta
		idx := windowOf(ev.time)
		if total > totalMaxInWindow[idx] {
			totalMaxInWindow[idx] = total
		}
		if tracked[ev.trace] {
			running[ev.trace] += ev.delta
			if running[ev.trace] > maxInWindow[ev.trace][idx] {
				maxInWindow[ev.trace][idx] = running[ev.trace]
			}
		}
	}

	times := make([]int64, numSamples)
	for i := range times {
		if span <= 0 {
			times[i] = c.minTime
			continue
		}
		times[i] = c.minTime + int64(i)*span/int64(numSamples)
	}

	toSeries := func(traces []protocol.TraceIndex) []ChartSeries {
		out := make([]ChartSeries, 0, len(traces))
		for _, tr := range traces {
			sym, ok := LeafSymbol(c.d, tr)
			if !ok {
				continue
			}
			out = append(out, ChartSeries{Site: sym, Points: maxInWindow[tr]})
		}
		return out
	}

	return Chart{
		Times:         times,
		Total:         totalMaxInWindow,
		ByPeak:        toSeries(peakTraces),
		ByAllocations: toSeries(allocTraces),
		ByTemporary:   toSeries(tempTraces),
	}
}

func topTraces(d *intern.Data, n int, metric func(model.Cost) int64) []protocol.TraceIndex {
	type ranked struct {
		trace protocol.TraceIndex
		value int64
	}
	all := make([]ranked, 0, len(d.Allocations))
	for i := range d.Allocations {
		v := metric(d.Allocations[i].Cost)
		if v <= 0 {
			continue
		}
		all = append(all, ranked{trace: d.Allocations[i].Trace, value: v})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].value > all[j].value })
	if len(all) > n {
		all = all[:n]
	}
	out := make([]protocol.TraceIndex, len(all))
	for i, r := range all {
		out[i] = r.trace
	}
	return out
}
