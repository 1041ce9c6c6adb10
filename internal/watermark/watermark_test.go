// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package watermark

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsZero(t *testing.T) {
	assert.True(t, Zero.IsZero())
	assert.False(t, Watermark("000").IsZero())
}

func TestCompare(t *testing.T) {
	assert.Equal(t, -1, Compare("100", "200"))
	assert.Equal(t, 1, Compare("200", "100"))
	assert.Equal(t, 0, Compare("100", "100"))
	assert.Equal(t, -1, Compare(Zero, "100"))
}

func TestLess(t *testing.T) {
	assert.True(t, Less("100", "200"))
	assert.False(t, Less("200", "100"))
	assert.False(t, Less("100", "100"))
}

func TestMaxMin(t *testing.T) {
	assert.Equal(t, Watermark("200"), Max("100", "200"))
	assert.Equal(t, Watermark("200"), Max("200", "100"))
	assert.Equal(t, Watermark("100"), Min("100", "200"))
	assert.Equal(t, Zero, Min(Zero, "100"))
}
