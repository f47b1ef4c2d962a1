// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package protocol_test

import (
	"bytes"
	"testing"

	"github.com/antimetal/heaptrace/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineWriter_WriteHexLine(t *testing.T) {
	var buf bytes.Buffer
	w := protocol.NewLineWriter(&buf)

	require.NoError(t, w.WriteHexLine(protocol.TagInstruction, 0x561072a1cf63, 1))
	require.NoError(t, w.Flush())

	assert.Equal(t, "i 561072a1cf63 1\n", buf.String())
}

func TestLineWriter_WriteStringLine(t *testing.T) {
	var buf bytes.Buffer
	w := protocol.NewLineWriter(&buf)

	require.NoError(t, w.WriteStringLine(protocol.TagIntern, "/usr/lib/libfoo.so"))
	require.NoError(t, w.Flush())

	assert.Equal(t, "s /usr/lib/libfoo.so\n", buf.String())
}

func TestLineWriter_FlushesWhenFull(t *testing.T) {
	var buf bytes.Buffer
	w := protocol.NewLineWriter(&buf)

	for i := 0; i < 400; i++ {
		require.NoError(t, w.WriteHexLine(protocol.TagAllocate, uint64(i)))
	}
	require.NoError(t, w.Flush())

	lines := bytes.Count(buf.Bytes(), []byte("\n"))
	assert.Equal(t, 400, lines)
}

func TestLineWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	wc := struct {
		*bytes.Buffer
	}{&buf}
	w := protocol.NewLineWriter(wc)
	require.NoError(t, w.WriteHexLine(protocol.TagTimestamp, 1))
	require.NoError(t, w.Close())
	assert.Equal(t, "c 1\n", buf.String())
}
