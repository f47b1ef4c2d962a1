// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package session_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/heaptrace/internal/tracer/linewriter"
	"github.com/antimetal/heaptrace/internal/tracer/modcache"
	"github.com/antimetal/heaptrace/internal/tracer/session"
	"github.com/antimetal/heaptrace/internal/tracer/stack"
)

type fakeStacks map[uint32][stack.MaxDepth]uint64

func (f fakeStacks) Lookup(id uint32) ([stack.MaxDepth]uint64, error) {
	return f[id], nil
}

type fakeModules map[uint64]string

func (f fakeModules) Resolve(addr uint64) (string, bool) {
	path, ok := f[addr]
	return path, ok
}

func newTestCache(t *testing.T) *modcache.Cache {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, strconv.Itoa(1))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maps"), []byte(""), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "statm"), []byte("1 2 0 0 0 0 0\n"), 0o644))
	return modcache.NewCache(1, root)
}

func newTestSession(t *testing.T, stacks fakeStacks, modules fakeModules) (*session.Session, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	w := linewriter.New(&buf)
	s := session.New(logr.Discard(), w, stacks, modules, newTestCache(t), nil, 0)
	return s, &buf
}

func TestSession_WriteHeaderEmitsVersionAndCommand(t *testing.T) {
	s, buf := newTestSession(t, nil, nil)
	require.NoError(t, s.WriteHeader("./target --flag"))
	require.NoError(t, s.Flush())

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "v 4 4", lines[0])
	assert.Equal(t, "X ./target --flag", lines[1])
}

func TestSession_WriteSystemInfoAndAttachedMarker(t *testing.T) {
	s, buf := newTestSession(t, nil, nil)
	require.NoError(t, s.WriteSystemInfo(0x1000, 0x3e8))
	require.NoError(t, s.WriteAttachedMarker())
	require.NoError(t, s.Flush())

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "I 1000 3e8", lines[0])
	assert.Equal(t, "A", lines[1])
}

func TestSession_ObserveAllocWritesInternTraceInfoAndAllocateRecords(t *testing.T) {
	var raw [stack.MaxDepth]uint64
	raw[0] = 0x1000
	raw[1] = 0x2000
	stacks := fakeStacks{5: raw}
	modules := fakeModules{0x1000: "/usr/bin/target", 0x2000: "/usr/bin/target"}

	s, buf := newTestSession(t, stacks, modules)
	require.NoError(t, s.ObserveAlloc(0xaaaa, 128, 5))
	require.NoError(t, s.Flush())

	text := buf.String()
	assert.Contains(t, text, "s /usr/bin/target\n")
	assert.Contains(t, text, "i 1000 1\n")
	assert.Contains(t, text, "i 2000 1\n")
	assert.Contains(t, text, "a 80 ")
	assert.Contains(t, text, "+ 1\n")
}

func TestSession_ObserveFreeOfUnknownAddressIsIgnored(t *testing.T) {
	s, buf := newTestSession(t, fakeStacks{}, fakeModules{})
	require.NoError(t, s.ObserveFree(0x1234))
	require.NoError(t, s.Flush())
	assert.Empty(t, buf.String())
}

func TestSession_ObserveAllocThenFreeEmitsMatchingIndex(t *testing.T) {
	var raw [stack.MaxDepth]uint64
	raw[0] = 0x1000
	stacks := fakeStacks{1: raw}
	modules := fakeModules{0x1000: "/usr/bin/target"}

	s, buf := newTestSession(t, stacks, modules)
	require.NoError(t, s.ObserveAlloc(0x5000, 64, 1))
	require.NoError(t, s.ObserveFree(0x5000))
	require.NoError(t, s.Flush())

	text := buf.String()
	assert.Contains(t, text, "+ 1\n")
	assert.Contains(t, text, "- 1\n")
}

func TestSession_RepeatedAllocationInfoIsDeduped(t *testing.T) {
	var raw [stack.MaxDepth]uint64
	raw[0] = 0x1000
	stacks := fakeStacks{9: raw}
	modules := fakeModules{0x1000: "/usr/bin/target"}

	s, buf := newTestSession(t, stacks, modules)
	require.NoError(t, s.ObserveAlloc(0x1, 32, 9))
	require.NoError(t, s.ObserveAlloc(0x2, 32, 9))
	require.NoError(t, s.Flush())

	text := buf.String()
	assert.Equal(t, 1, strings.Count(text, "a 20 "))
	assert.Equal(t, 2, strings.Count(text, "+ 1\n"))
}
