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
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/cdcbroker/changestreamer/internal/change"
	"github.com/cdcbroker/changestreamer/internal/watermark"
)

// oidInt8 is the Postgres type OID for the bigint column type. Values
// of this type decode to change.BigInt rather than string, so they
// cross the wire as bare numeric literals with full int64 precision
// instead of a quoted string.
const oidInt8 = 20

// pgoutput message type bytes, per the Postgres logical-replication
// protocol documentation.
const (
	msgBegin    = 'B'
	msgCommit   = 'C'
	msgOrigin   = 'O'
	msgRelation = 'R'
	msgType     = 'Y'
	msgInsert   = 'I'
	msgUpdate   = 'U'
	msgDelete   = 'D'
	msgTruncate = 'T'
)

// relationInfo is the decoder's view of a Relation message: the
// public change.Relation plus the ordered column-name list that
// tuple data (which carries no names of its own) is decoded against.
type relationInfo struct {
	rel     change.Relation
	columns []string
	oids    []uint32
}

// reader is a minimal big-endian cursor over a pgoutput message body.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) uint8() byte {
	b := r.buf[r.pos]
	r.pos++
	return b
}

func (r *reader) uint16() uint16 {
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v
}

func (r *reader) uint32() uint32 {
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) int64() int64 {
	v := int64(binary.BigEndian.Uint64(r.buf[r.pos:]))
	r.pos += 8
	return v
}

func (r *reader) cstring() string {
	start := r.pos
	for r.buf[r.pos] != 0 {
		r.pos++
	}
	s := string(r.buf[start:r.pos])
	r.pos++
	return s
}

func (r *reader) bytes(n int) []byte {
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

// decodeTuple decodes one pgoutput message, returning zero or more
// Change values (Relation/Type/Origin messages update local state and
// yield nothing). relations is mutated in place as Relation messages
// are observed; it must be shared across calls for a given
// connection's lifetime.
func decodeTuple(data []byte, relations map[uint32]*relationInfo) ([]change.Change, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("changesource: empty pgoutput message")
	}
	r := &reader{buf: data}
	kind := r.uint8()

	switch kind {
	case msgBegin:
		finalLSN := lsn(r.int64())
		_ = r.int64() // commit timestamp, unused: watermark already orders by LSN
		_ = r.uint32()
		w := watermarkFromLSN(finalLSN)
		return []change.Change{change.Begin(w)}, nil

	case msgCommit:
		_ = r.uint8() // flags
		_ = r.int64() // commit LSN
		endLSN := lsn(r.int64())
		_ = r.int64() // commit timestamp
		w := watermarkFromLSN(endLSN)
		return []change.Change{change.Commit(w)}, nil

	case msgOrigin, msgType:
		return nil, nil

	case msgRelation:
		relID := r.uint32()
		ns := r.cstring()
		name := r.cstring()
		identity := r.uint8()
		numCols := r.uint16()
		cols := make([]string, 0, numCols)
		oids := make([]uint32, 0, numCols)
		var keyCols []string
		for i := uint16(0); i < numCols; i++ {
			flags := r.uint8()
			colName := r.cstring()
			oid := r.uint32()
			_ = r.uint32() // type modifier
			cols = append(cols, colName)
			oids = append(oids, oid)
			if flags&1 != 0 {
				keyCols = append(keyCols, colName)
			}
		}
		relations[relID] = &relationInfo{
			rel: change.Relation{
				Schema:          ns,
				Name:            name,
				KeyColumns:      keyCols,
				ReplicaIdentity: string(rune(identity)),
			},
			columns: cols,
			oids:    oids,
		}
		return nil, nil

	case msgInsert:
		relID := r.uint32()
		info, err := lookupRelation(relations, relID)
		if err != nil {
			return nil, err
		}
		_ = r.uint8() // 'N'
		after, err := decodeTupleData(r, info.columns, info.oids)
		if err != nil {
			return nil, err
		}
		return []change.Change{change.Data(watermark.Zero, change.DataChange{
			Op: change.OpInsert, Relation: info.rel, After: after,
		})}, nil

	case msgUpdate:
		relID := r.uint32()
		info, err := lookupRelation(relations, relID)
		if err != nil {
			return nil, err
		}
		var before map[string]any
		marker := r.uint8()
		if marker == 'K' || marker == 'O' {
			before, err = decodeTupleData(r, info.columns, info.oids)
			if err != nil {
				return nil, err
			}
			marker = r.uint8() // consume trailing 'N'
		}
		_ = marker
		after, err := decodeTupleData(r, info.columns, info.oids)
		if err != nil {
			return nil, err
		}
		return []change.Change{change.Data(watermark.Zero, change.DataChange{
			Op: change.OpUpdate, Relation: info.rel, Before: before, After: after,
		})}, nil

	case msgDelete:
		relID := r.uint32()
		info, err := lookupRelation(relations, relID)
		if err != nil {
			return nil, err
		}
		_ = r.uint8() // 'K' or 'O'
		before, err := decodeTupleData(r, info.columns, info.oids)
		if err != nil {
			return nil, err
		}
		return []change.Change{change.Data(watermark.Zero, change.DataChange{
			Op: change.OpDelete, Relation: info.rel, Before: before,
		})}, nil

	case msgTruncate:
		n := r.uint32()
		_ = r.uint8() // option bits
		out := make([]change.Change, 0, n)
		for i := uint32(0); i < n; i++ {
			relID := r.uint32()
			info, err := lookupRelation(relations, relID)
			if err != nil {
				return nil, err
			}
			out = append(out, change.Data(watermark.Zero, change.DataChange{
				Op: change.OpTruncate, Relation: info.rel,
			}))
		}
		return out, nil

	default:
		return nil, fmt.Errorf("changesource: unknown pgoutput message type %q", kind)
	}
}

func lookupRelation(relations map[uint32]*relationInfo, id uint32) (*relationInfo, error) {
	info, ok := relations[id]
	if !ok {
		return nil, fmt.Errorf("changesource: data message referenced unknown relation %d", id)
	}
	return info, nil
}

// decodeTupleData reads a tuple's column values against the relation's
// known column-name order, producing a column-name -> value map.
// Column values travel in text format; unchanged-toast columns are
// omitted entirely, since the broker never needs their value, and
// nulls are recorded explicitly as a nil map entry. A bigint column's
// text value is parsed into a change.BigInt so it later serializes as
// a bare numeric literal rather than a quoted string.
func decodeTupleData(r *reader, columns []string, oids []uint32) (map[string]any, error) {
	numCols := int(r.uint16())
	out := make(map[string]any, numCols)
	for i := 0; i < numCols; i++ {
		name := fmt.Sprintf("col%d", i)
		if i < len(columns) {
			name = columns[i]
		}
		switch r.uint8() {
		case 'n':
			out[name] = nil
		case 'u':
			continue // unchanged TOAST value, no data present
		case 't':
			n := int(r.uint32())
			text := string(r.bytes(n))
			if i < len(oids) && oids[i] == oidInt8 {
				if bi, ok := new(big.Int).SetString(text, 10); ok {
					out[name] = change.NewBigInt(bi)
					continue
				}
			}
			out[name] = text
		default:
			return nil, fmt.Errorf("changesource: unknown tuple column kind")
		}
	}
	return out, nil
}
