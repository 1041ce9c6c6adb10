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
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/cdcbroker/changestreamer/internal/change"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putU8(buf *bytes.Buffer, v byte)     { buf.WriteByte(v) }
func putU16(buf *bytes.Buffer, v uint16)  { _ = binary.Write(buf, binary.BigEndian, v) }
func putU32(buf *bytes.Buffer, v uint32)  { _ = binary.Write(buf, binary.BigEndian, v) }
func putI64(buf *bytes.Buffer, v int64)   { _ = binary.Write(buf, binary.BigEndian, v) }
func putCString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0)
}

func buildRelationMessage(relID uint32, schema, name string, cols []string, keyIdx int) []byte {
	return buildRelationMessageWithOIDs(relID, schema, name, cols, keyIdx, nil)
}

// buildRelationMessageWithOIDs is buildRelationMessage plus an explicit
// per-column type OID list; a nil or short oids encodes 0 (unspecified)
// for the remaining columns.
func buildRelationMessageWithOIDs(relID uint32, schema, name string, cols []string, keyIdx int, oids []uint32) []byte {
	var buf bytes.Buffer
	putU8(&buf, msgRelation)
	putU32(&buf, relID)
	putCString(&buf, schema)
	putCString(&buf, name)
	putU8(&buf, 'd')
	putU16(&buf, uint16(len(cols)))
	for i, c := range cols {
		var flags byte
		if i == keyIdx {
			flags = 1
		}
		var oid uint32
		if i < len(oids) {
			oid = oids[i]
		}
		putU8(&buf, flags)
		putCString(&buf, c)
		putU32(&buf, oid)
		putU32(&buf, 0)
	}
	return buf.Bytes()
}

func buildInsertMessage(relID uint32, values []string) []byte {
	var buf bytes.Buffer
	putU8(&buf, msgInsert)
	putU32(&buf, relID)
	putU8(&buf, 'N')
	putU16(&buf, uint16(len(values)))
	for _, v := range values {
		putU8(&buf, 't')
		putU32(&buf, uint32(len(v)))
		buf.WriteString(v)
	}
	return buf.Bytes()
}

func TestDecodeRelationThenInsert(t *testing.T) {
	relations := map[uint32]*relationInfo{}

	relMsg := buildRelationMessage(42, "public", "widgets", []string{"id", "name"}, 0)
	out, err := decodeTuple(relMsg, relations)
	require.NoError(t, err)
	assert.Empty(t, out)
	require.Contains(t, relations, uint32(42))
	assert.Equal(t, []string{"id"}, relations[42].rel.KeyColumns)

	insMsg := buildInsertMessage(42, []string{"1", "widget-a"})
	out, err = decodeTuple(insMsg, relations)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, change.OpInsert, out[0].Data.Op)
	assert.Equal(t, "public.widgets", out[0].Data.Relation.String())
	assert.Equal(t, "1", out[0].Data.After["id"])
	assert.Equal(t, "widget-a", out[0].Data.After["name"])
}

func TestDecodeInsertBigintColumnYieldsBigInt(t *testing.T) {
	relations := map[uint32]*relationInfo{}

	relMsg := buildRelationMessageWithOIDs(9, "public", "counters", []string{"id", "total"}, 0, []uint32{23, oidInt8})
	_, err := decodeTuple(relMsg, relations)
	require.NoError(t, err)

	insMsg := buildInsertMessage(9, []string{"1", "9223372036854775807"})
	out, err := decodeTuple(insMsg, relations)
	require.NoError(t, err)
	require.Len(t, out, 1)

	total, ok := out[0].Data.After["total"].(change.BigInt)
	require.True(t, ok, "bigint column must decode to change.BigInt, got %T", out[0].Data.After["total"])
	assert.Equal(t, "9223372036854775807", total.String())
}

func TestDecodeInsertUnknownRelationFails(t *testing.T) {
	relations := map[uint32]*relationInfo{}
	_, err := decodeTuple(buildInsertMessage(7, []string{"x"}), relations)
	assert.Error(t, err)
}

func TestDecodeBeginCommit(t *testing.T) {
	var begin bytes.Buffer
	putU8(&begin, msgBegin)
	putI64(&begin, 100)
	putI64(&begin, 0)
	putU32(&begin, 55)

	out, err := decodeTuple(begin.Bytes(), map[uint32]*relationInfo{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, change.TagBegin, out[0].Tag)

	var commit bytes.Buffer
	putU8(&commit, msgCommit)
	putU8(&commit, 0)
	putI64(&commit, 90)
	putI64(&commit, 150)
	putI64(&commit, 0)

	out, err = decodeTuple(commit.Bytes(), map[uint32]*relationInfo{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, change.TagCommit, out[0].Tag)
}
