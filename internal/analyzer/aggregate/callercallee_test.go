// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package aggregate_test

import (
	"strings"
	"testing"

	"github.com/antimetal/heaptrace/internal/analyzer/aggregate"
	"github.com/antimetal/heaptrace/internal/analyzer/intern"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallerCallee_InclusiveSelfAndEdges(t *testing.T) {
	d := intern.NewData(nil)
	require.NoError(t, d.Parse(strings.NewReader(sharedLeafTrace), intern.Handlers{}))

	rows := aggregate.CallerCallee(d)
	require.Len(t, rows, 3) // leaf, a, b

	var leafRow, aRow, bRow *aggregate.CallerCalleeRow
	for _, r := range rows {
		switch r.Symbol.Function {
		case 1:
			leafRow = r
		case 2:
			aRow = r
		case 3:
			bRow = r
		}
	}
	require.NotNil(t, leafRow)
	require.NotNil(t, aRow)
	require.NotNil(t, bRow)

	// "leaf" is on both chains, so its inclusive cost covers both
	// allocations, but it never directly allocates, so self is zero.
	assert.EqualValues(t, 2, leafRow.Inclusive.Allocations)
	assert.EqualValues(t, 0, leafRow.Self.Allocations)

	// "a" and "b" are each their own chain's innermost frame: self ==
	// inclusive == 1 allocation apiece.
	assert.EqualValues(t, 1, aRow.Inclusive.Allocations)
	assert.EqualValues(t, 1, aRow.Self.Allocations)
	assert.EqualValues(t, 1, bRow.Inclusive.Allocations)
	assert.EqualValues(t, 1, bRow.Self.Allocations)

	// leaf's callees are a and b; a and b's only caller is leaf.
	assert.Len(t, leafRow.Callees, 2)
	require.Len(t, aRow.Callers, 1)
	require.Len(t, bRow.Callers, 1)
	for caller := range aRow.Callers {
		assert.Equal(t, leafRow.Symbol, caller)
	}
}

func TestCallerCallee_EmptyDataHasNoRows(t *testing.T) {
	d := intern.NewData(nil)
	require.NoError(t, d.Parse(strings.NewReader("v 4\n"), intern.Handlers{}))

	rows := aggregate.CallerCallee(d)
	assert.Empty(t, rows)
}
