// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package diff_test

import (
	"strings"
	"testing"

	"github.com/antimetal/heaptrace/internal/analyzer/diff"
	"github.com/antimetal/heaptrace/internal/analyzer/intern"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseTrace = "v 4\n" +
	"s main\n" +
	"i 1000 1 1 0 0\n" +
	"t 1 0\n" +
	"a 10 1\n" +
	"+ 1\n"

// grew adds a second, new allocation on top of baseTrace's one.
const grewTrace = "v 4\n" +
	"s main\n" +
	"s extra\n" +
	"i 1000 1 1 0 0\n" +
	"i 2000 1 2 0 0\n" +
	"t 1 0\n" +
	"t 2 0\n" +
	"a 10 1\n" +
	"a 20 2\n" +
	"+ 1\n" +
	"+ 2\n"

func parse(t *testing.T, trace string) *intern.Data {
	t.Helper()
	d := intern.NewData(nil)
	require.NoError(t, d.Parse(strings.NewReader(trace), intern.Handlers{}))
	return d
}

func TestDiff_EqualTracesProduceNoEntries(t *testing.T) {
	left := parse(t, baseTrace)
	right := parse(t, baseTrace)

	entries := diff.Diff(left, right)
	assert.Empty(t, entries)
}

func TestDiff_NewAllocationShowsAsPositiveEntry(t *testing.T) {
	left := parse(t, baseTrace)
	right := parse(t, grewTrace)

	entries := diff.Diff(left, right)
	require.Len(t, entries, 1)
	assert.EqualValues(t, 1, entries[0].Cost.Allocations)
	assert.EqualValues(t, 0x20, entries[0].Cost.Leaked)
	require.NotEmpty(t, entries[0].Chain)
	assert.Equal(t, "extra", entries[0].Chain[0].Function)
}

// cyclicTrace links trace 1 and trace 2 as each other's parent; the
// chain walk must truncate at the cycle and report it rather than
// spin forever.
const cyclicTrace = "v 4\n" +
	"s fnA\n" +
	"s fnB\n" +
	"i 1000 0 1 0 0\n" +
	"i 2000 0 2 0 0\n" +
	"t 1 2\n" +
	"t 2 1\n" +
	"a 10 1\n" +
	"+ 1\n"

func TestDiff_CyclicTraceTerminatesAndWarns(t *testing.T) {
	left := parse(t, cyclicTrace)
	right := parse(t, cyclicTrace)

	entries := diff.Diff(left, right)
	assert.Empty(t, entries, "identical inputs still cancel out")
	assert.NotEmpty(t, left.Errors(), "the truncated cycle is reported")
}

func TestDiff_RemovedAllocationShowsAsNegativeEntry(t *testing.T) {
	left := parse(t, grewTrace)
	right := parse(t, baseTrace)

	entries := diff.Diff(left, right)
	require.Len(t, entries, 1)
	assert.EqualValues(t, -1, entries[0].Cost.Allocations)
	assert.EqualValues(t, -0x20, entries[0].Cost.Leaked)
}
