// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package modcache_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/antimetal/heaptrace/internal/tracer/modcache"
	"github.com/antimetal/heaptrace/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedLine struct {
	tag  protocol.Tag
	args []uint64
	s    string
}

type fakeWriter struct {
	lines []recordedLine
}

func (f *fakeWriter) WriteHexLine(tag protocol.Tag, args ...uint64) error {
	f.lines = append(f.lines, recordedLine{tag: tag, args: args})
	return nil
}

func (f *fakeWriter) WriteStringLine(tag protocol.Tag, s string) error {
	f.lines = append(f.lines, recordedLine{tag: tag, s: s})
	return nil
}

func writeFakeProc(t *testing.T, pid int, maps, statm string) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maps"), []byte(maps), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "statm"), []byte(statm), 0o644))
	return root
}

const sampleMaps = `00400000-00401000 r-xp 00000000 08:01 100 /usr/bin/target
00601000-00602000 r--p 00001000 08:01 100 /usr/bin/target
7f0000000000-7f0000020000 r-xp 00000000 08:01 200 /lib/x86_64-linux-gnu/libc.so.6
7f0000100000-7f0000101000 rw-p 00000000 00:00 0 [heap]
7f0000200000-7f0000201000 rw-p 00000000 00:00 0
`

func TestSnapshot_GroupsRegionsByModuleAndSkipsAnonymous(t *testing.T) {
	procPath := writeFakeProc(t, 42, sampleMaps, "1000 500 0 0 0 0 0\n")
	c := modcache.NewCache(42, procPath)

	w := &fakeWriter{}
	require.NoError(t, c.Snapshot(w))

	require.NotEmpty(t, w.lines)
	assert.Equal(t, protocol.TagModuleCache, w.lines[0].tag)
	assert.Equal(t, "-", w.lines[0].s)

	var sawTarget, sawLibc bool
	for _, l := range w.lines[1:] {
		if l.tag != protocol.TagModuleCache {
			continue
		}
		if filepathHasSuffix(l.s, "/usr/bin/target") {
			sawTarget = true
		}
		if filepathHasSuffix(l.s, "libc.so.6") {
			sawLibc = true
		}
	}
	assert.True(t, sawTarget, "expected a module line for /usr/bin/target")
	assert.True(t, sawLibc, "expected a module line for libc.so.6")
}

func filepathHasSuffix(line, suffix string) bool {
	for i := 0; i+len(suffix) <= len(line); i++ {
		if line[i:i+len(suffix)] == suffix {
			return true
		}
	}
	return false
}

func TestResolve_FindsModuleContainingAddress(t *testing.T) {
	procPath := writeFakeProc(t, 11, sampleMaps, "1000 1 0 0 0 0 0\n")
	c := modcache.NewCache(11, procPath)
	require.NoError(t, c.Snapshot(&fakeWriter{}))

	path, ok := c.Resolve(0x7f0000000010)
	require.True(t, ok)
	assert.True(t, filepathHasSuffix(path, "libc.so.6"))
}

func TestResolve_MissesOutsideAnyKnownMapping(t *testing.T) {
	procPath := writeFakeProc(t, 12, sampleMaps, "1000 1 0 0 0 0 0\n")
	c := modcache.NewCache(12, procPath)
	require.NoError(t, c.Snapshot(&fakeWriter{}))

	_, ok := c.Resolve(0xdeadbeef00)
	assert.False(t, ok)
}

func TestRSSPages_ParsesSecondStatmField(t *testing.T) {
	procPath := writeFakeProc(t, 7, sampleMaps, "1000 321 0 0 0 0 0\n")
	c := modcache.NewCache(7, procPath)

	rss, err := c.RSSPages()
	require.NoError(t, err)
	assert.Equal(t, uint64(321), rss)
}

func TestSnapshotIfDirty_SkipsWhenClean(t *testing.T) {
	procPath := writeFakeProc(t, 9, sampleMaps, "1000 1 0 0 0 0 0\n")
	c := modcache.NewCache(9, procPath)

	w := &fakeWriter{}
	require.NoError(t, c.SnapshotIfDirty(w))
	assert.NotEmpty(t, w.lines)

	w2 := &fakeWriter{}
	require.NoError(t, c.SnapshotIfDirty(w2))
	assert.Empty(t, w2.lines, "cache should be clean after a successful snapshot")

	c.MarkDirty()
	w3 := &fakeWriter{}
	require.NoError(t, c.SnapshotIfDirty(w3))
	assert.NotEmpty(t, w3.lines, "MarkDirty should force the next snapshot")
}

func TestTick_EmitsTimestampAndRSS(t *testing.T) {
	procPath := writeFakeProc(t, 3, sampleMaps, "1000 42 0 0 0 0 0\n")
	c := modcache.NewCache(3, procPath)

	w := &fakeWriter{}
	require.NoError(t, c.Tick(w))

	var sawTimestamp, sawRSS bool
	for _, l := range w.lines {
		switch l.tag {
		case protocol.TagTimestamp:
			sawTimestamp = true
		case protocol.TagRSS:
			sawRSS = true
			require.Len(t, l.args, 1)
			assert.Equal(t, uint64(42), l.args[0])
		}
	}
	assert.True(t, sawTimestamp)
	assert.True(t, sawRSS)
}
