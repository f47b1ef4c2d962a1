// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command heaptrace-interpret reads a raw trace emitted by
// heaptrace-record and re-emits it with every instruction pointer
// record's function/file/line fields filled in, resolved from the
// referenced module's ELF and DWARF data on disk. It is a streaming
// filter: every record it does not need to touch is copied through
// unchanged, and a module that cannot be symbolicated (missing file,
// stripped binary, no debug info) degrades to passing its addresses
// through unresolved rather than aborting the run.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/antimetal/heaptrace/internal/analyzer/symbolicate"
	"github.com/antimetal/heaptrace/pkg/protocol"
)

var (
	inputPath  string
	outputPath string
)

func init() {
	flag.StringVar(&inputPath, "input", "", "Raw trace to interpret (default: stdin)")
	flag.StringVar(&outputPath, "output", "", "Interpreted trace destination (default: stdout)")
}

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "heaptrace-interpret:", err)
		os.Exit(1)
	}
}

func run() error {
	in, err := openInput(inputPath)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := openOutput(outputPath)
	if err != nil {
		return err
	}
	defer out.Close()

	i := newInterpreter(out)
	return i.run(in)
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" {
		return io.NopCloser(os.Stdin), nil
	}
	return protocol.Open(path)
}

func openOutput(path string) (*os.File, error) {
	if path == "" {
		return os.Stdout, nil
	}
	return os.Create(path)
}

// moduleRange is one mapped address range of a loaded module, parsed
// from an 'm' line.
type moduleRange struct {
	path       string
	start, end uint64
}

// outWriter is a minimal line writer over a single bufio.Writer: unlike
// internal/tracer/linewriter (hot-path, zero-allocation) or
// pkg/protocol.LineWriter (the analyzer's bounded-buffer writer), this
// pass also needs to copy lines through byte for byte, so everything
// goes through the same underlying bufio.Writer to keep output order
// trivially correct.
type outWriter struct {
	w *bufio.Writer
}

func newOutWriter(w io.Writer) *outWriter {
	return &outWriter{w: bufio.NewWriterSize(w, 64*1024)}
}

func (o *outWriter) WriteRawLine(line string) error {
	if _, err := o.w.WriteString(line); err != nil {
		return err
	}
	return o.w.WriteByte('\n')
}

func (o *outWriter) WriteStringLine(tag protocol.Tag, s string) error {
	if err := o.w.WriteByte(byte(tag)); err != nil {
		return err
	}
	if err := o.w.WriteByte(' '); err != nil {
		return err
	}
	if _, err := o.w.WriteString(s); err != nil {
		return err
	}
	return o.w.WriteByte('\n')
}

func (o *outWriter) WriteHexLine(tag protocol.Tag, args ...uint64) error {
	if err := o.w.WriteByte(byte(tag)); err != nil {
		return err
	}
	for _, a := range args {
		if err := o.w.WriteByte(' '); err != nil {
			return err
		}
		if _, err := o.w.WriteString(strconv.FormatUint(a, 16)); err != nil {
			return err
		}
	}
	return o.w.WriteByte('\n')
}

func (o *outWriter) Close() error { return o.w.Flush() }

// interpreter carries the streaming state needed to resolve 'i' lines
// as they are read: the string table built from 's' lines (since a
// module's path on an 'i' line is itself a string-table index) and the
// current set of loaded modules' address ranges, built from 'm' lines.
type interpreter struct {
	w        *outWriter
	resolver *symbolicate.Resolver

	strings map[uint32]string
	ranges  []moduleRange
}

func newInterpreter(w io.Writer) *interpreter {
	return &interpreter{
		w:        newOutWriter(w),
		resolver: symbolicate.NewResolver(),
		strings:  make(map[uint32]string),
	}
}

func (i *interpreter) run(r io.Reader) error {
	lr := protocol.NewLineReader(r)
	for lr.Next() {
		if err := i.handleLine(lr); err != nil {
			return err
		}
	}
	if err := lr.Err(); err != nil {
		return fmt.Errorf("reading trace: %w", err)
	}
	return i.w.Close()
}

func (i *interpreter) handleLine(lr *protocol.LineReader) error {
	switch lr.Mode() {
	case protocol.TagIntern:
		return i.handleIntern(lr)
	case protocol.TagModuleCache:
		return i.handleModuleCache(lr)
	case protocol.TagInstruction:
		return i.handleInstruction(lr)
	default:
		return i.w.WriteRawLine(lr.Line())
	}
}

// handleIntern remembers str against the index it will be assigned
// (this pass's own string table mirrors the tracer's 1-based, in-order
// assignment exactly, since both sides see 's' lines in the same
// order) and forwards the line unchanged.
func (i *interpreter) handleIntern(lr *protocol.LineReader) error {
	str, ok := lr.ReadString()
	if !ok {
		return i.w.WriteRawLine(lr.Line())
	}
	idx := uint32(len(i.strings) + 1)
	i.strings[idx] = str
	return i.w.WriteStringLine(protocol.TagIntern, str)
}

// handleModuleCache tracks the loaded-module address ranges a "m -"
// reset line and subsequent "m <path> <base> <offset> <size> ..."
// lines describe, then forwards the line unchanged: the analyzer reads
// these lines itself for RSS/lifetime accounting, unrelated to
// symbolication.
func (i *interpreter) handleModuleCache(lr *protocol.LineReader) error {
	line, ok := lr.ReadString()
	if !ok {
		return i.w.WriteRawLine(lr.Line())
	}
	if line == "-" {
		i.ranges = nil
		return i.w.WriteStringLine(protocol.TagModuleCache, line)
	}

	fields := strings.Fields(line)
	if len(fields) >= 2 {
		path := fields[0]
		if base, ok := parseHexUint64(fields[1]); ok {
			end := base
			for j := 2; j+1 < len(fields); j += 2 {
				size, ok := parseHexUint64(fields[j+1])
				if !ok {
					break
				}
				if cand := base + size; cand > end {
					end = cand
				}
			}
			i.ranges = append(i.ranges, moduleRange{path: path, start: base, end: end})
			sort.Slice(i.ranges, func(a, b int) bool { return i.ranges[a].start < i.ranges[b].start })
		}
	}
	return i.w.WriteStringLine(protocol.TagModuleCache, line)
}

func parseHexUint64(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	var v uint64
	for _, c := range s {
		var d uint64
		switch {
		case c >= '0' && c <= '9':
			d = uint64(c - '0')
		case c >= 'a' && c <= 'f':
			d = uint64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = uint64(c-'A') + 10
		default:
			return 0, false
		}
		v = v*16 + d
	}
	return v, true
}

// handleInstruction resolves an unresolved 'i' line (addr + module
// index only) to function/file/line, if the module's file can be
// opened and symbolicated, and re-emits the fully resolved record. A
// line that already carries function/file/line (the tracer never
// writes one, but a trace re-interpreted a second time might) is
// passed through unchanged.
func (i *interpreter) handleInstruction(lr *protocol.LineReader) error {
	addr, ok1 := lr.ReadHexUint64()
	modIdx, ok2 := lr.ReadHexUint32()
	if !ok1 || !ok2 {
		return i.w.WriteRawLine(lr.Line())
	}
	if _, hasMore := lr.ReadToken(); hasMore {
		return i.w.WriteRawLine(lr.Line())
	}

	fn, file, line := i.resolve(addr, modIdx)
	args := []uint64{addr, uint64(modIdx)}
	if fn != 0 || file != 0 {
		args = append(args, uint64(fn))
		if file != 0 {
			args = append(args, uint64(file), uint64(line))
		}
	}
	return i.w.WriteHexLine(protocol.TagInstruction, args...)
}

// resolve finds the module backing modIdx (by string-table lookup
// against the ranges table), computes addr's offset relative to that
// module's load base, and symbolicates it. Any interned fn/file string
// this introduces is written as a fresh 's' line before being
// referenced, exactly as the tracer's own interning does.
func (i *interpreter) resolve(addr uint64, modIdx uint32) (fnIdx, fileIdx uint32, line int) {
	path, ok := i.strings[modIdx]
	if !ok || path == "" {
		return 0, 0, 0
	}

	var base uint64
	found := false
	for _, r := range i.ranges {
		if r.path == path && addr >= r.start && addr < r.end {
			base = r.start
			found = true
			break
		}
	}
	if !found {
		return 0, 0, 0
	}

	info, ok := i.resolver.Resolve(path, addr-base)
	if !ok {
		return 0, 0, 0
	}

	if info.Function != "" {
		fnIdx = i.internOnDemand(info.Function)
	}
	if info.File != "" {
		fileIdx = i.internOnDemand(info.File)
		line = info.Line
	}
	return fnIdx, fileIdx, line
}

// internOnDemand assigns str a fresh string-table index and writes its
// 's' line, for a function/file name symbolication discovers that
// wasn't already interned by the tracer side.
func (i *interpreter) internOnDemand(str string) uint32 {
	for idx, s := range i.strings {
		if s == str {
			return idx
		}
	}
	idx := uint32(len(i.strings) + 1)
	i.strings[idx] = str
	_ = i.w.WriteStringLine(protocol.TagIntern, str)
	return idx
}
