// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpreter_PassesThroughUnrelatedRecords(t *testing.T) {
	input := "v 4 4\nX ./target\nc 5\nR a\n+ 1\n- 1\n"
	var out bytes.Buffer
	i := newInterpreter(&out)
	require.NoError(t, i.run(strings.NewReader(input)))
	assert.Equal(t, input, out.String())
}

func TestInterpreter_UnresolvableInstructionStaysAddrAndModuleOnly(t *testing.T) {
	input := "s /usr/bin/target\ni 1000 1\n"
	var out bytes.Buffer
	i := newInterpreter(&out)
	require.NoError(t, i.run(strings.NewReader(input)))
	assert.Equal(t, "s /usr/bin/target\ni 1000 1\n", out.String())
}

func TestInterpreter_AlreadyResolvedInstructionPassesThrough(t *testing.T) {
	input := "s /usr/bin/target\ns main\ns main.c\ni 1000 1 2 3 2a\n"
	var out bytes.Buffer
	i := newInterpreter(&out)
	require.NoError(t, i.run(strings.NewReader(input)))
	assert.Equal(t, input, out.String())
}

func TestInterpreter_ModuleCacheResetClearsRanges(t *testing.T) {
	input := "s /usr/bin/target\nm /usr/bin/target 1000 0 100\nm -\ni 1000 1\n"
	var out bytes.Buffer
	i := newInterpreter(&out)
	require.NoError(t, i.run(strings.NewReader(input)))

	assert.Empty(t, i.ranges)
	assert.Contains(t, out.String(), "i 1000 1\n")
}

func TestParseHexUint64_RejectsNonHex(t *testing.T) {
	_, ok := parseHexUint64("zz")
	assert.False(t, ok)

	v, ok := parseHexUint64("ff")
	assert.True(t, ok)
	assert.Equal(t, uint64(0xff), v)
}
