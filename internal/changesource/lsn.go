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
	"fmt"
	"strconv"

	"github.com/cdcbroker/changestreamer/internal/watermark"
	"github.com/jackc/pglogrepl"
)

// lsn is a local alias kept short for readability in this package.
type lsn = pglogrepl.LSN

// watermarkFromLSN renders an LSN as an opaque, lexicographically
// sortable watermark: sixteen lowercase hex digits, zero-padded, so
// that byte-wise string comparison agrees with numeric LSN order.
func watermarkFromLSN(l lsn) watermark.Watermark {
	return watermark.Watermark(fmt.Sprintf("%016x", uint64(l)))
}

// lsnFromWatermark parses a watermark previously produced by
// watermarkFromLSN back into an LSN. A zero watermark maps to LSN 0,
// which dialAndStart replaces with the server's current WAL position.
func lsnFromWatermark(w watermark.Watermark) (lsn, error) {
	if w.IsZero() {
		return 0, nil
	}
	v, err := strconv.ParseUint(string(w), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("changesource: malformed watermark %q: %w", w, err)
	}
	return lsn(v), nil
}
