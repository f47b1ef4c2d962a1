// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package aggregate

import (
	"context"

	"github.com/antimetal/heaptrace/internal/analyzer/intern"
	"golang.org/x/sync/errgroup"
)

// Result bundles the five read-only views Build produces.
type Result struct {
	BottomUp     []BottomUpRow
	TopDown      *TopDownNode
	CallerCallee map[Symbol]*CallerCalleeRow
	Histogram    Histogram
	Chart        Chart
}

// Build runs every view concurrently once a trace has been fully
// parsed. BottomUp, TopDown and CallerCallee read only d's frozen
// intern tables and allocation list; hb and cb were wired into the same
// Parse call that produced d (alongside the peak tracker that produced
// peakLeaked) and here only replay their already-buffered state, so
// none of the five views share mutable state with one another.
func Build(ctx context.Context, d *intern.Data, peakLeaked []int64, hb *HistogramBuilder, cb *ChartBuilder) (*Result, error) {
	g, _ := errgroup.WithContext(ctx)
	var res Result

	g.Go(func() error {
		res.BottomUp = BottomUp(d, peakLeaked)
		return nil
	})
	g.Go(func() error {
		res.TopDown = TopDown(d)
		return nil
	})
	g.Go(func() error {
		res.CallerCallee = CallerCallee(d)
		return nil
	})
	g.Go(func() error {
		res.Histogram = hb.Finish()
		return nil
	})
	g.Go(func() error {
		res.Chart = cb.Finish()
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &res, nil
}
