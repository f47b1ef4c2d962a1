// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/antimetal/heaptrace/internal/analyzer/aggregate"
	"github.com/antimetal/heaptrace/internal/analyzer/intern"
	"github.com/antimetal/heaptrace/internal/analyzer/model"
	"github.com/antimetal/heaptrace/pkg/protocol"
)

// printer resolves interned indices to display strings and renders the
// text summary sections over an already-built aggregate.Result.
type printer struct {
	d       *intern.Data
	shorten bool
}

func newPrinter(d *intern.Data, shorten bool) *printer {
	return &printer{d: d, shorten: shorten}
}

func (p *printer) function(fn protocol.FunctionIndex) string {
	if fn == 0 {
		return "???"
	}
	s, ok := p.d.Strings.Get(uint32(fn))
	if !ok || s == "" {
		return "???"
	}
	if p.shorten {
		return prettyFunction(s)
	}
	return s
}

func (p *printer) file(idx protocol.FileIndex) string {
	if idx == 0 {
		return ""
	}
	s, _ := p.d.Strings.Get(uint32(idx))
	return s
}

func (p *printer) module(idx protocol.ModuleIndex) string {
	if idx == 0 {
		return ""
	}
	s, _ := p.d.Strings.Get(uint32(idx))
	return s
}

// symbolLine renders a Symbol the way the final line of each merged
// allocation entry in heaptrack_print does: the function name,
// qualified by its source file when resolved, or its owning module
// when only that much is known.
func (p *printer) symbolLine(sym aggregate.Symbol) string {
	fn := p.function(sym.Function)
	if file := p.file(sym.File); file != "" {
		return fmt.Sprintf("%s in %s", fn, file)
	}
	if mod := p.module(sym.Module); mod != "" {
		return fmt.Sprintf("%s in %s", fn, mod)
	}
	return fn
}

func (p *printer) printSections(w io.Writer, res *aggregate.Result, overall *overallTracker) {
	if printAllocators {
		fmt.Fprintln(w, "MOST CALLS TO ALLOCATION FUNCTIONS")
		rows := append([]aggregate.BottomUpRow(nil), res.BottomUp...) // already sorted by Allocations desc
		p.printBottomUpRows(w, rows, func(c model.Cost) string {
			return fmt.Sprintf("%d calls with %s peak consumption from:", c.Allocations, formatBytes(c.Peak))
		})
		fmt.Fprintln(w)
	}

	if printOverallAlloc {
		fmt.Fprintln(w, "MOST BYTES ALLOCATED OVER TIME (ignoring deallocations)")
		for _, r := range overall.top(topRowCount) {
			fmt.Fprintf(w, "%s allocated over %d calls from:\n", formatBytes(r.Bytes), r.Calls)
			fmt.Fprintf(w, "  %s\n", p.symbolLine(r.Symbol))
		}
		fmt.Fprintln(w)
	}

	if printPeaks {
		fmt.Fprintln(w, "PEAK MEMORY CONSUMERS")
		if mergeBacktraces {
			fmt.Fprintln(w, "WARNING - the data below is not an accurate calculation of")
			fmt.Fprintln(w, "the total peak consumption and can easily be wrong.")
			fmt.Fprintln(w, "For an accurate overview, disable backtrace merging.")
		}
		rows := append([]aggregate.BottomUpRow(nil), res.BottomUp...)
		sort.Slice(rows, func(i, j int) bool { return rows[i].Cost.Peak > rows[j].Cost.Peak })
		p.printBottomUpRows(w, rows, func(c model.Cost) string {
			return fmt.Sprintf("%s peak memory consumed over %d calls from:", formatBytes(c.Peak), c.Allocations)
		})
		fmt.Fprintln(w)
	}

	if printLeaks {
		fmt.Fprintln(w, "MEMORY LEAKS")
		rows := append([]aggregate.BottomUpRow(nil), res.BottomUp...)
		sort.Slice(rows, func(i, j int) bool { return rows[i].Cost.Leaked > rows[j].Cost.Leaked })
		p.printBottomUpRows(w, rows, func(c model.Cost) string {
			return fmt.Sprintf("%s leaked over %d calls from:", formatBytes(c.Leaked), c.Allocations)
		})
		fmt.Fprintln(w)
	}
}

// printBottomUpRows takes the first topRowCount rows and prints those
// whose cost is not entirely zero, labeling each with label(Cost)
// followed by its resolved symbol.
func (p *printer) printBottomUpRows(w io.Writer, rows []aggregate.BottomUpRow, label func(model.Cost) string) {
	n := topRowCount
	if len(rows) < n {
		n = len(rows)
	}
	for _, r := range rows[:n] {
		if r.Cost.IsZero() {
			continue
		}
		fmt.Fprintln(w, label(r.Cost))
		fmt.Fprintf(w, "  %s\n", p.symbolLine(r.Symbol))
	}
}

func (p *printer) printSummary(w io.Writer, d *intern.Data) {
	totalTimeS := float64(d.TotalTime) * 0.001

	fmt.Fprintf(w, "total runtime: %.2fs.\n", totalTimeS)
	fmt.Fprintf(w, "calls to allocation functions: %d", d.TotalCost.Allocations)
	if totalTimeS > 0 {
		fmt.Fprintf(w, " (%.0f/s)", float64(d.TotalCost.Allocations)/totalTimeS)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "temporary memory allocations: %d\n", d.TotalCost.Temporary)
	fmt.Fprintf(w, "peak heap memory consumption: %s\n", formatBytes(d.TotalCost.Peak))
	if d.SystemPageSize > 0 {
		fmt.Fprintf(w, "peak RSS: %s\n", formatBytes(d.PeakRSS*d.SystemPageSize))
	}
	fmt.Fprintf(w, "total memory leaked: %s\n", formatBytes(d.TotalCost.Leaked))
}

// prettyFunction collapses template arguments the same way
// heaptrack_print's prettyFunction does: everything between a
// top-level '<' and its matching '>' is dropped, so two instantiations
// of the same template print identically, while leaving the outer pair
// of angle brackets in place. operator<, operator<<, operator> and
// operator>> are left untouched since their angle brackets aren't
// template delimiters.
func prettyFunction(function string) string {
	var ret []byte
	depth := 0
	for i := 0; i < len(function); i++ {
		c := function[i]
		if (c == '<' || c == '>') && len(ret) >= 8 {
			cmp := "operator"
			if len(ret) > 0 && ret[len(ret)-1] == c {
				if c == '<' {
					cmp = "operator<"
				} else {
					cmp = "operator>"
				}
			}
			if strings.HasSuffix(string(ret), cmp) {
				ret = append(ret, c)
				continue
			}
		}

		if c == '<' {
			depth++
			if depth == 1 {
				ret = append(ret, c)
			}
		} else if c == '>' {
			depth--
		}
		if depth > 0 {
			continue
		}
		ret = append(ret, c)
	}
	return string(ret)
}
