// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package hook_test

import (
	"testing"

	"github.com/antimetal/heaptrace/internal/tracer/hook"
	"github.com/stretchr/testify/assert"
)

func TestEntryPoints_CoversEveryAllocatorSymbol(t *testing.T) {
	want := []string{
		"malloc", "free", "calloc", "realloc",
		"posix_memalign", "aligned_alloc", "valloc",
		"dlopen", "dlclose",
	}
	assert.ElementsMatch(t, want, hook.EntryPoints)
}
