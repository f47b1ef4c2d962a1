// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package errors

import (
	stdliberrors "errors"
)

var (
	ErrUnsupported = stdliberrors.ErrUnsupported

	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

func NewRetryable(text string) RetryableError {
	return &retryableError{text}
}

func Retryable(err error) bool {
	var rerr RetryableError
	return As(err, &rerr)
}

type RetryableError interface {
	error
	Retryable()
}

type retryableError struct {
	text string
}

func (r *retryableError) Error() string {
	return r.text
}

func (r *retryableError) Retryable() {}

// NewData wraps err as a DataError: a malformed record in an otherwise
// well-formed stream. Callers that parse untrusted input (trace files,
// wire records) use this to signal "skip this line, keep parsing" rather
// than aborting the whole read.
func NewData(err error) DataError {
	return &dataError{err}
}

func IsData(err error) bool {
	var derr DataError
	return As(err, &derr)
}

type DataError interface {
	error
	Unwrap() error
	Data()
}

type dataError struct {
	err error
}

func (d *dataError) Error() string { return d.err.Error() }
func (d *dataError) Unwrap() error { return d.err }
func (d *dataError) Data()         {}

// NewFatal wraps err as a FatalError: an internal invariant was violated
// or the input is unusable at the format level (e.g. a version mismatch).
// Callers abort processing entirely on a FatalError.
func NewFatal(err error) FatalError {
	return &fatalError{err}
}

func IsFatal(err error) bool {
	var ferr FatalError
	return As(err, &ferr)
}

type FatalError interface {
	error
	Unwrap() error
	Fatal()
}

type fatalError struct {
	err error
}

func (f *fatalError) Error() string { return f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }
func (f *fatalError) Fatal()        {}
