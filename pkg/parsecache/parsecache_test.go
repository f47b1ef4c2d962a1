// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package parsecache_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/heaptrace/internal/analyzer/aggregate"
	"github.com/antimetal/heaptrace/internal/analyzer/model"
	"github.com/antimetal/heaptrace/pkg/parsecache"
)

func newCache(t *testing.T) *parsecache.Cache {
	t.Helper()
	c, err := parsecache.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func sampleResult() *aggregate.Result {
	return &aggregate.Result{
		BottomUp: []aggregate.BottomUpRow{
			{Symbol: aggregate.Symbol{Function: 1}, Cost: model.Cost{Allocations: 3, Leaked: 128}},
		},
		TopDown:      &aggregate.TopDownNode{Children: make(map[aggregate.Symbol]*aggregate.TopDownNode)},
		CallerCallee: make(map[aggregate.Symbol]*aggregate.CallerCalleeRow),
	}
}

func TestCache_GetMissesOnColdCache(t *testing.T) {
	c := newCache(t)

	hash, err := parsecache.HashFile(strings.NewReader("v 4\n"))
	require.NoError(t, err)

	_, ok, err := c.Get(hash, parsecache.Filter{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_PutThenGetRoundTrips(t *testing.T) {
	c := newCache(t)

	hash, err := parsecache.HashFile(strings.NewReader("v 4\n"))
	require.NoError(t, err)
	filter := parsecache.Filter{ShortenTemplates: true}
	want := sampleResult()

	require.NoError(t, c.Put(hash, filter, want))

	got, ok, err := c.Get(hash, filter)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want.BottomUp, got.BottomUp)
}

func TestCache_DifferentFilterIsDifferentEntry(t *testing.T) {
	c := newCache(t)

	hash, err := parsecache.HashFile(strings.NewReader("v 4\n"))
	require.NoError(t, err)
	require.NoError(t, c.Put(hash, parsecache.Filter{ShortenTemplates: true}, sampleResult()))

	_, ok, err := c.Get(hash, parsecache.Filter{ShortenTemplates: false})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_DifferentFileHashIsDifferentEntry(t *testing.T) {
	c := newCache(t)

	hashA, err := parsecache.HashFile(strings.NewReader("v 4\n"))
	require.NoError(t, err)
	hashB, err := parsecache.HashFile(strings.NewReader("v 4\ns main\n"))
	require.NoError(t, err)

	require.NoError(t, c.Put(hashA, parsecache.Filter{}, sampleResult()))

	_, ok, err := c.Get(hashB, parsecache.Filter{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashFile_IsDeterministic(t *testing.T) {
	a, err := parsecache.HashFile(strings.NewReader("same contents"))
	require.NoError(t, err)
	b, err := parsecache.HashFile(strings.NewReader("same contents"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
