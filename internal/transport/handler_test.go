// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package transport

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAcceptsChangesEndpoint(t *testing.T) {
	h := NewHandler("", nil, nil)
	r := httptest.NewRequest("GET", "/v1/changes?id=sub-1&replicaVersion=000&watermark=000", nil)

	endpoint, params, err := h.parse(r)
	require.NoError(t, err)
	assert.Equal(t, "changes", endpoint)
	assert.Equal(t, "sub-1", params.ID)
	assert.Equal(t, "serving", params.Mode)
}

func TestParseAcceptsSnapshotEndpoint(t *testing.T) {
	h := NewHandler("", nil, nil)
	r := httptest.NewRequest("GET", "/v1/snapshot?id=sub-1", nil)

	endpoint, _, err := h.parse(r)
	require.NoError(t, err)
	assert.Equal(t, "snapshot", endpoint)
}

func TestParseRejectsMissingID(t *testing.T) {
	h := NewHandler("", nil, nil)
	r := httptest.NewRequest("GET", "/v1/changes", nil)

	_, _, err := h.parse(r)
	require.Error(t, err)
}

func TestParseRejectsUnmatchedPath(t *testing.T) {
	h := NewHandler("", nil, nil)
	r := httptest.NewRequest("GET", "/v1/unknown", nil)

	_, _, err := h.parse(r)
	require.Error(t, err)
}

func TestParseWithServicePrefixRequiresIt(t *testing.T) {
	h := NewHandler("/changestreamer", nil, nil)

	ok := httptest.NewRequest("GET", "/changestreamer/v1/changes?id=sub-1", nil)
	endpoint, _, err := h.parse(ok)
	require.NoError(t, err)
	assert.Equal(t, "changes", endpoint)

	missingPrefix := httptest.NewRequest("GET", "/v1/changes?id=sub-1", nil)
	_, _, err = h.parse(missingPrefix)
	require.Error(t, err)
}

func TestParseExplicitModeOverridesDefault(t *testing.T) {
	h := NewHandler("", nil, nil)
	r := httptest.NewRequest("GET", "/v1/changes?id=sub-1&mode=catchupOnly", nil)

	_, params, err := h.parse(r)
	require.NoError(t, err)
	assert.Equal(t, "catchupOnly", params.Mode)
}
