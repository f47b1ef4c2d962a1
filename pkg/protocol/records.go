// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package protocol

// Tag identifies the record type of a trace line: the first
// whitespace-delimited token on every line.
type Tag byte

const (
	TagVersion       Tag = 'v' // v <fileVersion> <heaptrackVersion>
	TagIntern        Tag = 's' // s <stringLiteral>
	TagInstruction   Tag = 'i' // i <ip> <module> [<frame>...]
	TagTrace         Tag = 't' // t <ipIndex> <parentTraceIndex>
	TagTimestamp     Tag = 'c' // c <timestampMillis>
	TagRSS           Tag = 'R' // R <rssPages>
	TagAllocationInfo Tag = 'a' // a <size> <traceIndex> (registers a new allocation-info entry)
	TagAllocate      Tag = '+' // + <allocationInfoIndex>
	TagDeallocate    Tag = '-' // - <allocationInfoIndex>
	TagAttached      Tag = 'A' // A
	TagDebuggeeCmd   Tag = 'X' // X <command>
	TagModuleCache   Tag = 'm' // m <addr> <addr> ... ; '-' clears the cache
	TagSystemInfo    Tag = 'I' // I <pageSize> <pages>
	TagComment       Tag = '#' // # free-form comment, ignored
)

// FileVersion is the current on-disk/wire format version emitted by the
// tracer and understood by the analyzer. A mismatched major version is a
// FatalError (pkg/errors); analyzers refuse to parse streams from an
// incompatible future version rather than guess at semantics.
const FileVersion = 4

// StopFunctionNames are function names that, when found in a backtrace,
// signal the analyzer to not recurse further up the call stack when
// attributing cost (e.g. libc's startup trampoline, or main()).
var StopFunctionNames = []string{
	"main",
	"__libc_start_main",
	"__libc_start_call_main",
	"__static_initialization_and_destruction_0",
	"_start",
}
