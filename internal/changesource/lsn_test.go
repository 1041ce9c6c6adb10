// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package changesource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermarkLSNRoundTrip(t *testing.T) {
	a := assert.New(t)
	for _, v := range []uint64{0, 1, 0xdeadbeef, ^uint64(0)} {
		w := watermarkFromLSN(lsn(v))
		got, err := lsnFromWatermark(w)
		require.NoError(t, err)
		a.Equal(lsn(v), got)
	}
}

func TestWatermarkOrderingMatchesLSNOrdering(t *testing.T) {
	a := assert.New(t)
	low := watermarkFromLSN(lsn(100))
	high := watermarkFromLSN(lsn(200))
	a.Less(string(low), string(high))
}

func TestLSNFromZeroWatermark(t *testing.T) {
	got, err := lsnFromWatermark("")
	require.NoError(t, err)
	assert.Equal(t, lsn(0), got)
}
