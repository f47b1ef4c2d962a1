// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package bpf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseKernelVersion(t *testing.T) {
	tests := []struct {
		version              string
		wantMajor, wantMinor int
	}{
		{"5.15.0-generic", 5, 15},
		{"5.2.0", 5, 2},
		{"4.19.0", 4, 19},
		{"4.18.0-amd64", 4, 18},
		{"4.14.0", 4, 14},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			major, minor := parseKernelVersion(tt.version)
			assert.Equal(t, tt.wantMajor, major)
			assert.Equal(t, tt.wantMinor, minor)
		})
	}
}

func TestCoreSupportFor(t *testing.T) {
	tests := []struct {
		major, minor int
		want         string
	}{
		{6, 1, "full"},
		{5, 15, "full"},
		{5, 2, "full"},
		{5, 1, "none"},
		{4, 19, "partial"},
		{4, 18, "partial"},
		{4, 14, "none"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, coreSupportFor(tt.major, tt.minor))
	}
}
