// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command heaptrace-print analyzes a trace produced by heaptrace-record
// (optionally passed through heaptrace-interpret first) and prints
// summary views of its allocations: top allocators, peak memory
// consumers, leaks, and overall bytes allocated, plus optional
// histogram and massif-compatible exports. Given two trace files it
// instead prints the net cost difference between them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/antimetal/heaptrace/internal/analyzer/aggregate"
	"github.com/antimetal/heaptrace/internal/analyzer/diff"
	"github.com/antimetal/heaptrace/internal/analyzer/intern"
	"github.com/antimetal/heaptrace/internal/analyzer/model"
	"github.com/antimetal/heaptrace/internal/analyzer/peak"
	"github.com/antimetal/heaptrace/pkg/massif"
	"github.com/antimetal/heaptrace/pkg/parsecache"
	"github.com/antimetal/heaptrace/pkg/protocol"
)

var (
	filePath           string
	diffPath           string
	shortenTemplates   bool
	mergeBacktraces    bool
	printPeaks         bool
	printAllocators    bool
	printLeaks         bool
	printOverallAlloc  bool
	printHistogramPath string
	printMassifPath    string
	massifThreshold    float64
	massifDetailedFreq uint64
	cacheDir           string
)

func init() {
	defaults := massif.DefaultOptions()

	flag.StringVar(&filePath, "file", "", "The heaptrace data file to print (required)")
	flag.StringVar(&diffPath, "diff", "", "A second trace to diff against --file, printing the net cost change")
	flag.BoolVar(&shortenTemplates, "shorten-templates", true, "Shorten template identifiers")
	flag.BoolVar(&mergeBacktraces, "merge-backtraces", true, "Merge backtraces that resolve to the same call site")
	flag.BoolVar(&printPeaks, "print-peaks", true, "Print backtraces to top allocators, sorted by peak consumption")
	flag.BoolVar(&printAllocators, "print-allocators", true,
		"Print backtraces to top allocators, sorted by number of calls to allocation functions")
	flag.BoolVar(&printLeaks, "print-leaks", false, "Print backtraces to leaked memory allocations")
	flag.BoolVar(&printOverallAlloc, "print-overall-allocated", false,
		"Print top overall allocators, ignoring memory frees")
	flag.StringVar(&printHistogramPath, "print-histogram", "",
		"Path to output file where an allocation size histogram will be written to")
	flag.StringVar(&printMassifPath, "print-massif", "",
		"Path to output file where a massif compatible data file will be written to")
	flag.Float64Var(&massifThreshold, "massif-threshold", defaults.Threshold,
		"Percentage of current memory usage, below which allocations are aggregated into a below-threshold entry")
	flag.Uint64Var(&massifDetailedFreq, "massif-detailed-freq", defaults.DetailedFreq,
		"Frequency of detailed snapshots in the massif output file; zero disables detailed snapshots except the final one")
	flag.StringVar(&cacheDir, "cache-dir", "",
		"Directory for the on-disk parse-result cache (default: in-memory, process-local only)")
	flag.Usage = usage
}

func usage() {
	fmt.Fprint(os.Stderr, `heaptrace-print - analyze heaptrace data files.

heaptrace is a heap memory profiler which records information about
calls to heap allocation functions such as malloc, calloc, realloc and
friends. This print utility analyzes the trace files it generates.

`)
	flag.PrintDefaults()
}

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "heaptrace-print:", err)
		os.Exit(1)
	}
}

func run() error {
	if filePath == "" {
		flag.Usage()
		return fmt.Errorf("--file is required")
	}
	if diffPath != "" {
		return runDiff(filePath, diffPath)
	}
	return runAnalyze(filePath)
}

func openCache() (*parsecache.Cache, error) {
	if cacheDir == "" {
		return parsecache.OpenInMemory()
	}
	return parsecache.Open(cacheDir)
}

// runAnalyze parses path once, replaying its event stream through the
// peak tracker, histogram builder, chart builder and (if requested)
// massif builder in the same pass, then builds or reuses the cached
// bottom-up/top-down/caller-callee/histogram/chart views before
// printing the requested summary sections.
func runAnalyze(path string) error {
	cache, err := openCache()
	if err != nil {
		return err
	}
	defer cache.Close()

	hashFile, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening trace file %s: %w", path, err)
	}
	hash, err := parsecache.HashFile(hashFile)
	hashFile.Close()
	if err != nil {
		return err
	}
	filter := parsecache.Filter{ShortenTemplates: shortenTemplates, MergeBacktraces: mergeBacktraces}

	d := intern.NewData(nil)
	tracker := peak.New(d, peak.DefaultBudgetBytes)
	hb := aggregate.NewHistogramBuilder(d)
	cb := aggregate.NewChartBuilder(d)
	overall := newOverallTracker()

	var mb *massif.Builder
	if printMassifPath != "" {
		opts := massif.DefaultOptions()
		opts.Threshold = massifThreshold
		opts.DetailedFreq = massifDetailedFreq
		mb = massif.NewBuilder(d, opts)
	}

	var command string
	handlers := intern.Handlers{
		OnTimeStamp: func(oldStamp, newStamp int64) {
			cb.ObserveTimeStamp(oldStamp, newStamp)
			if mb != nil {
				mb.ObserveTimeStamp(oldStamp, newStamp)
			}
		},
		OnAllocate: func(info model.AllocationInfo, idx protocol.AllocationInfoIndex) {
			tracker.ObserveAllocate(info.Trace, info.Size)
			hb.ObserveAllocate(info, idx)
			cb.ObserveAllocate(info, idx)
			overall.Observe(d, info)
			if mb != nil {
				mb.ObserveAllocate(info, idx)
			}
		},
		OnFree: func(info model.AllocationInfo, idx protocol.AllocationInfoIndex, temporary bool) {
			tracker.ObserveFree(info.Trace, info.Size)
			cb.ObserveFree(info, idx, temporary)
			if mb != nil {
				mb.ObserveFree(info, idx, temporary)
			}
		},
		OnDebuggee: func(cmd string) { command = cmd },
	}

	f, err := protocol.Open(path)
	if err != nil {
		return fmt.Errorf("opening trace file %s: %w", path, err)
	}
	defer f.Close()

	fmt.Printf("reading file %q - please wait, this might take some time...\n", path)
	if err := d.Parse(f, handlers); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	for _, e := range d.Errors() {
		fmt.Fprintln(os.Stderr, "heaptrace-print: warning:", e)
	}
	fmt.Println("finished reading file, now analyzing data:")
	fmt.Println()

	_, peakLeaked := tracker.Finish()

	var res *aggregate.Result
	if cached, ok, cacheErr := cache.Get(hash, filter); cacheErr == nil && ok {
		res = cached
	} else {
		res, err = aggregate.Build(context.Background(), d, peakLeaked, hb, cb)
		if err != nil {
			return fmt.Errorf("building aggregate views: %w", err)
		}
		if err := cache.Put(hash, filter, res); err != nil {
			fmt.Fprintln(os.Stderr, "heaptrace-print: warning: writing parse cache:", err)
		}
	}

	printer := newPrinter(d, shortenTemplates)
	printer.printSections(os.Stdout, res, overall)
	printer.printSummary(os.Stdout, d)

	if printHistogramPath != "" {
		if err := writeHistogramFile(printHistogramPath, res.Histogram); err != nil {
			return err
		}
	}
	if mb != nil {
		if err := writeMassifFile(printMassifPath, mb, command); err != nil {
			return err
		}
	}
	return nil
}

func writeHistogramFile(path string, h aggregate.Histogram) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("opening histogram output file %q: %w", path, err)
	}
	defer f.Close()

	for _, b := range h.Buckets {
		if _, err := fmt.Fprintf(f, "%d\t%d\n", b.Max, b.Allocations); err != nil {
			return fmt.Errorf("writing histogram output file: %w", err)
		}
	}
	return nil
}

func writeMassifFile(path string, mb *massif.Builder, command string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("opening massif output file %q: %w", path, err)
	}
	defer f.Close()

	if err := mb.Finish(f, command); err != nil {
		return fmt.Errorf("writing massif output file: %w", err)
	}
	return nil
}

// runDiff parses both left and right independently (neither goes
// through the parse cache: a diff is a one-shot comparison, not a
// repeated print over the same file) and prints the net cost change,
// right minus left, largest swings first.
func runDiff(leftPath, rightPath string) error {
	left, err := parseForDiff(leftPath)
	if err != nil {
		return err
	}
	right, err := parseForDiff(rightPath)
	if err != nil {
		return err
	}

	entries := diff.Diff(left, right)
	fmt.Printf("%d backtraces changed between %q and %q\n\n", len(entries), leftPath, rightPath)
	for _, e := range entries {
		fmt.Printf("%+d calls, %+d temporary, %+d bytes leaked, %+d bytes peak from:\n",
			e.Cost.Allocations, e.Cost.Temporary, e.Cost.Leaked, e.Cost.Peak)
		for _, fr := range e.Chain {
			fmt.Printf("  %s\n", formatDiffFrame(fr))
		}
		fmt.Println()
	}
	return nil
}

func formatDiffFrame(f diff.Frame) string {
	switch {
	case f.Function != "" && f.File != "":
		return fmt.Sprintf("%s in %s", f.Function, f.File)
	case f.Function != "":
		return f.Function
	case f.Module != "":
		return fmt.Sprintf("??? in %s", f.Module)
	default:
		return "???"
	}
}

func parseForDiff(path string) (*intern.Data, error) {
	f, err := protocol.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening trace file %s: %w", path, err)
	}
	defer f.Close()

	d := intern.NewData(nil)
	if err := d.Parse(f, intern.Handlers{}); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return d, nil
}

// overallTracker accumulates, per leaf call site, every byte ever
// passed to an allocation function, ignoring frees entirely. Unlike
// model.Cost.Leaked (net bytes still live), this only grows, mirroring
// heaptrack_print's "bytes allocated in total" ranking.
type overallTracker struct {
	total  int64
	bySite map[aggregate.Symbol]int64
	calls  map[aggregate.Symbol]int64
}

func newOverallTracker() *overallTracker {
	return &overallTracker{bySite: make(map[aggregate.Symbol]int64), calls: make(map[aggregate.Symbol]int64)}
}

func (t *overallTracker) Observe(d *intern.Data, info model.AllocationInfo) {
	t.total += int64(info.Size)
	if sym, ok := aggregate.LeafSymbol(d, info.Trace); ok {
		t.bySite[sym] += int64(info.Size)
		t.calls[sym]++
	}
}

type overallRow struct {
	Symbol aggregate.Symbol
	Bytes  int64
	Calls  int64
}

func (t *overallTracker) top(n int) []overallRow {
	rows := make([]overallRow, 0, len(t.bySite))
	for sym, bytes := range t.bySite {
		rows = append(rows, overallRow{Symbol: sym, Bytes: bytes, Calls: t.calls[sym]})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Bytes > rows[j].Bytes })
	if len(rows) > n {
		rows = rows[:n]
	}
	return rows
}

const topRowCount = 10

// formatBytes renders n the same way heaptrack_print's formatBytes
// does: plain integer byte counts below 1000, otherwise two decimal
// places in the largest unit that keeps the value above 1.
func formatBytes(n int64) string {
	neg := n < 0
	if neg {
		n = -n
	}
	if n < 1000 {
		if neg {
			return fmt.Sprintf("-%dB", n)
		}
		return fmt.Sprintf("%dB", n)
	}

	units := []string{"B", "KB", "MB", "GB", "TB"}
	bytes := float64(n)
	i := 0
	for i < len(units)-1 && bytes >= 1000 {
		bytes /= 1000
		i++
	}
	sign := ""
	if neg {
		sign = "-"
	}
	return fmt.Sprintf("%s%s%s", sign, strconv.FormatFloat(bytes, 'f', 2, 64), units[i])
}
