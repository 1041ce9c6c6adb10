// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package change

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompactByKeyKeepsLastWatermarkPerKey(t *testing.T) {
	entries := []Entry{
		{Watermark: "100", Pos: 1, Change: dataChangeFor("a")},
		{Watermark: "200", Pos: 2, Change: dataChangeFor("a")},
		{Watermark: "150", Pos: 3, Change: dataChangeFor("b")},
	}

	out := CompactByKey(entries)
	assert.Len(t, out, 2)

	byKeyWatermark := map[string]string{}
	for _, e := range out {
		byKeyWatermark[e.Change.Data.After["id"].(string)] = string(e.Watermark)
	}
	assert.Equal(t, "200", byKeyWatermark["a"])
	assert.Equal(t, "150", byKeyWatermark["b"])
}

func TestCompactByKeyPreservesNonDuplicateOrder(t *testing.T) {
	entries := []Entry{
		{Watermark: "100", Pos: 1, Change: dataChangeFor("a")},
		{Watermark: "150", Pos: 2, Change: dataChangeFor("b")},
		{Watermark: "200", Pos: 3, Change: dataChangeFor("c")},
	}

	out := CompactByKey(entries)
	require := assert.New(t)
	require.Len(out, 3)
	require.Equal("a", out[0].Change.Data.After["id"])
	require.Equal("b", out[1].Change.Data.After["id"])
	require.Equal("c", out[2].Change.Data.After["id"])
}

func TestCompactByKeyNeverMergesControlRows(t *testing.T) {
	entries := []Entry{
		{Watermark: "100", Pos: 0, Change: Begin("100")},
		{Watermark: "100", Pos: 1, Change: dataChangeFor("a")},
		{Watermark: "100", Pos: 2, Change: Commit("100")},
	}

	out := CompactByKey(entries)
	assert.Len(t, out, 3)
}

func TestCompactByKeyPanicsOnMissingKeyColumns(t *testing.T) {
	entries := []Entry{
		{Watermark: "100", Pos: 1, Change: Change{
			Tag: TagData,
			Data: DataChange{
				Op:       OpInsert,
				Relation: Relation{Schema: "public", Name: "accounts"},
				After:    map[string]any{"balance": 5},
			},
		}},
	}
	assert.Panics(t, func() { CompactByKey(entries) })
}

func dataChangeFor(id string) Change {
	rel := Relation{Schema: "public", Name: "accounts", KeyColumns: []string{"id"}}
	return Change{
		Tag: TagData,
		Data: DataChange{
			Op:       OpInsert,
			Relation: rel,
			After:    map[string]any{"id": id},
		},
	}
}
