// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package storer

import (
	"testing"

	"github.com/cdcbroker/changestreamer/internal/change"
	"github.com/cdcbroker/changestreamer/internal/watermark"
	"github.com/stretchr/testify/assert"
)

func TestValidFirstRowResumeExactWatermark(t *testing.T) {
	// A subscriber reconnecting after a restart resumes from exactly
	// the watermark it last acked; the changeLog still has that row.
	first := change.Entry{Watermark: "150"}
	assert.True(t, validFirstRow(first, "150", "000"))
}

func TestValidFirstRowInitialSubscriptionAtReplicaVersion(t *testing.T) {
	// A brand-new subscriber starts at the replica's snapshot version
	// with no prior commits observed; the first changeLog row may be
	// any commit strictly after that version.
	first := change.Entry{Watermark: "010"}
	assert.True(t, validFirstRow(first, "000", "000"))
}

func TestValidFirstRowRejectsPurgedWatermark(t *testing.T) {
	// The subscriber's resume point has already been purged from the
	// changeLog: the earliest retained row is newer than requested,
	// and this is not the replica-version bootstrap case either.
	first := change.Entry{Watermark: "300"}
	assert.False(t, validFirstRow(first, "150", "000"))
}

func TestValidFirstRowAcceptsRetainedReplicaVersionRow(t *testing.T) {
	// The subscriber sits at the replica version and the changeLog still
	// holds a row at exactly that watermark: the first row restates the
	// subscriber's position, so it validates.
	first := change.Entry{Watermark: "000"}
	assert.True(t, validFirstRow(first, "000", "000"))
}

func TestValidFirstRowAcrossMultipleRestarts(t *testing.T) {
	// Simulates three consecutive restarts, each resuming from the
	// previous restart's last acked watermark: every hop must validate.
	watermarks := []watermark.Watermark{"000", "100", "250", "400"}
	for i := 1; i < len(watermarks); i++ {
		first := change.Entry{Watermark: watermarks[i]}
		assert.True(t, validFirstRow(first, watermarks[i], "000"),
			"resume exactly at %s must validate", watermarks[i])
	}
}
