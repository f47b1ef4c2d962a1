// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package linewriter is the tracer's hot-path trace writer: the
// goroutine draining the eBPF ring buffer calls it once per observed
// event, so unlike pkg/protocol.LineWriter (used off the hot path, by
// the analyzer and by tests to construct fixtures), every hex digit is
// encoded by hand into a reused scratch buffer rather than going
// through fmt or strconv, to keep this path allocation-free per event.
package linewriter

import (
	"bufio"
	"io"

	"github.com/antimetal/heaptrace/pkg/protocol"
)

// BufferCapacity matches pkg/protocol.BufferCapacity: a single write()
// of this size is guaranteed atomic by PIPE_BUF when the trace stream
// is a pipe, so concurrent writers (there are none on this path, but
// a future multi-threaded capture would inherit this property for
// free) never interleave a partial line.
const BufferCapacity = 4096

const hexDigits = "0123456789abcdef"

// Writer buffers and flushes trace lines without allocating per call.
type Writer struct {
	w      *bufio.Writer
	scratch [32]byte
}

// New wraps w with a BufferCapacity-sized buffer.
func New(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriterSize(w, BufferCapacity)}
}

// appendHex writes v as lowercase hex into dst starting at the end,
// returning the slice of dst actually used. Writing backwards from the
// end avoids a division to find the digit count up front.
func appendHex(dst []byte, v uint64) []byte {
	if v == 0 {
		dst[len(dst)-1] = '0'
		return dst[len(dst)-1:]
	}
	i := len(dst)
	for v > 0 {
		i--
		dst[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return dst[i:]
}

// WriteHexLine writes "<tag> <arg0> <arg1> ...\n" with every arg in
// lowercase hex, using w's reused scratch buffer for the conversion.
func (w *Writer) WriteHexLine(tag protocol.Tag, args ...uint64) error {
	if err := w.w.WriteByte(byte(tag)); err != nil {
		return err
	}
	for _, arg := range args {
		if err := w.w.WriteByte(' '); err != nil {
			return err
		}
		digits := appendHex(w.scratch[:], arg)
		if _, err := w.w.Write(digits); err != nil {
			return err
		}
	}
	return w.w.WriteByte('\n')
}

// WriteStringLine writes "<tag> <s>\n" verbatim; interned strings are
// symbol/file names, already sanitized of embedded newlines by the
// interning side before they ever reach this writer.
func (w *Writer) WriteStringLine(tag protocol.Tag, s string) error {
	if err := w.w.WriteByte(byte(tag)); err != nil {
		return err
	}
	if err := w.w.WriteByte(' '); err != nil {
		return err
	}
	if _, err := w.w.WriteString(s); err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}

// Flush forces any buffered lines out. Lines are not flushed one by
// one; apart from the buffer filling up, the only flush is
// session.Session.Flush at the end of a capture.
func (w *Writer) Flush() error { return w.w.Flush() }
