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
	"fmt"

	"github.com/cdcbroker/changestreamer/internal/watermark"
)

// CompactByKey implements a "last one wins" reduction over a page of
// DataChanges for the same relation: if two changes share the same
// primary-key value, only the one with the later watermark is kept.
// The input slice is reordered in place and the compacted suffix is
// returned; relative order among surviving entries is otherwise
// preserved.
//
// CompactByKey panics if a DataChange's relation has no key columns,
// or its row image lacks any of them, since that indicates an
// upstream decoding bug rather than data to discard.
func CompactByKey(entries []Entry) []Entry {
	seenIdx := make(map[string]int, len(entries))

	dest := len(entries)
	for src := len(entries) - 1; src >= 0; src-- {
		key := keyOf(entries[src])
		if key == "" {
			panic("change: CompactByKey entry with empty key")
		}

		if curIdx, found := seenIdx[key]; found {
			if watermark.Compare(entries[src].Watermark, entries[curIdx].Watermark) > 0 {
				entries[curIdx] = entries[src]
			}
			continue
		}
		dest--
		seenIdx[key] = dest
		entries[dest] = entries[src]
	}

	return entries[dest:]
}

func keyOf(e Entry) string {
	if e.Change.Tag != TagData {
		// Begin/Commit/Rollback rows are never deduplicated against
		// one another: each is keyed by its own position, which is
		// always present.
		return fmt.Sprintf("%s/%d", e.Watermark, e.Pos)
	}
	d := e.Change.Data
	keys := d.Relation.KeyColumns
	if len(keys) == 0 {
		return ""
	}
	source := d.After
	if d.Op == OpDelete {
		source = d.Before
	}
	out := d.Relation.String()
	for _, k := range keys {
		v, ok := source[k]
		if !ok {
			return ""
		}
		out += fmt.Sprintf("|%s=%v", k, v)
	}
	return out
}
