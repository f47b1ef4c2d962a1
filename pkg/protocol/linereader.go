// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package protocol

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

const maxLineSize = 1 << 20

// LineReader tokenizes the heaptrace line protocol. Every record is a
// single line: a one-character tag, a space, then space-separated hex
// fields. bufio.Scanner plus a manual hex decode loop is used instead of
// fmt.Sscanf: the analyzer reads one token per allocation event recorded
// by the target process, and these files routinely run into the
// gigabytes, so per-line allocation and fmt's reflection overhead show
// up directly in wall-clock parse time.
type LineReader struct {
	scanner *bufio.Scanner
	line    []byte
	pos     int
}

// NewLineReader wraps r for tokenized reading. r is read as-is; callers
// that need transparent gzip decompression should use Open instead.
func NewLineReader(r io.Reader) *LineReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineSize)
	return &LineReader{scanner: sc}
}

// Open opens path for reading, transparently decompressing it if it
// starts with a gzip magic header. The tracer writes plain text by
// default; operators that post-process large traces with `gzip` (or
// configure the tracer to do so directly) get the same analyzer on
// either form.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(f)
	magic, err := br.Peek(2)
	if err != nil && err != io.EOF {
		f.Close()
		return nil, err
	}
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("opening gzip trace: %w", err)
		}
		return &gzipReadCloser{gz: gz, f: f}, nil
	}
	return &bufferedReadCloser{r: br, f: f}, nil
}

type gzipReadCloser struct {
	gz *gzip.Reader
	f  io.Closer
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gz.Read(p) }
func (g *gzipReadCloser) Close() error {
	err := g.gz.Close()
	if cerr := g.f.Close(); err == nil {
		err = cerr
	}
	return err
}

type bufferedReadCloser struct {
	r *bufio.Reader
	f io.Closer
}

func (b *bufferedReadCloser) Read(p []byte) (int, error) { return b.r.Read(p) }
func (b *bufferedReadCloser) Close() error               { return b.f.Close() }

// Next advances to the next line, returning false at EOF or on a
// scanner error (check Err afterward).
func (r *LineReader) Next() bool {
	if !r.scanner.Scan() {
		return false
	}
	r.line = r.scanner.Bytes()
	if len(r.line) > 2 {
		r.pos = 2
	} else {
		r.pos = len(r.line)
	}
	return true
}

// Err returns the first non-EOF error encountered by Next.
func (r *LineReader) Err() error { return r.scanner.Err() }

// Mode returns the record tag of the current line, or '#' for an empty
// line.
func (r *LineReader) Mode() Tag {
	if len(r.line) == 0 {
		return TagComment
	}
	return Tag(r.line[0])
}

// Line returns the raw bytes of the current line, for diagnostics.
func (r *LineReader) Line() string { return string(r.line) }

// ReadHexUint64 reads the next space-delimited hex field as a uint64.
func (r *LineReader) ReadHexUint64() (uint64, bool) {
	return readHex[uint64](r)
}

// ReadHexUint32 reads the next space-delimited hex field as a uint32.
func (r *LineReader) ReadHexUint32() (uint32, bool) {
	v, ok := readHex[uint64](r)
	return uint32(v), ok
}

// ReadHexInt64 reads the next space-delimited hex field as an int64.
// Timestamps in the protocol are signed to allow timestamp deltas during
// diffing.
func (r *LineReader) ReadHexInt64() (int64, bool) {
	v, ok := readHex[uint64](r)
	return int64(v), ok
}

func readHex[T ~uint64](r *LineReader) (T, bool) {
	it := r.pos
	end := len(r.line)
	if it == end {
		return 0, false
	}
	var hex uint64
	consumed := false
	for it < end {
		c := r.line[it]
		switch {
		case c >= '0' && c <= '9':
			hex = hex*16 + uint64(c-'0')
		case c >= 'a' && c <= 'f':
			hex = hex*16 + uint64(c-'a'+10)
		case c == ' ':
			it++
			r.pos = it
			return T(hex), consumed
		default:
			return 0, false
		}
		consumed = true
		it++
	}
	r.pos = it
	return T(hex), consumed
}

// ReadString reads the next space-delimited field as a raw string
// (used for the interned string literal on an 's' line and the command
// line on an 'X' line, which may itself contain further spaces and so
// must be read last on its line).
func (r *LineReader) ReadString() (string, bool) {
	if r.pos >= len(r.line) {
		return "", false
	}
	s := string(r.line[r.pos:])
	r.pos = len(r.line)
	return s, true
}

// ReadToken reads the next space-delimited token without consuming the
// rest of the line, unlike ReadString.
func (r *LineReader) ReadToken() (string, bool) {
	it := r.pos
	end := len(r.line)
	start := it
	for it < end && r.line[it] != ' ' {
		it++
	}
	if it == start {
		return "", false
	}
	tok := string(r.line[start:it])
	if it < end {
		it++
	}
	r.pos = it
	return tok, true
}
