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
	"context"
	"time"

	"github.com/cdcbroker/changestreamer/internal/change"
	"github.com/cdcbroker/changestreamer/internal/changedb"
	"github.com/cdcbroker/changestreamer/internal/metrics"
	"github.com/cdcbroker/changestreamer/internal/txpool"
	"github.com/cdcbroker/changestreamer/internal/watermark"
	"github.com/jackc/pgx/v5"
	log "github.com/sirupsen/logrus"
)

// catchupPageSize bounds how many changeLog rows a catch-up worker
// reads per round trip.
const catchupPageSize = 10_000

// txPoolCatchupRunner is the production CatchupRunner: it borrows a
// worker from a read-only, snapshot-sharing internal/txpool.Pool and
// streams changeLog rows to each subscriber in commit order.
type txPoolCatchupRunner struct {
	pool      *txpool.Pool
	changeLog changedb.ChangeLogRepo
	compact   bool
}

// NewTxPoolCatchupRunner returns a CatchupRunner backed by pool, which
// must have been constructed in txpool.ReadOnly mode with
// Options.Snapshot set so that every worker shares one exported
// snapshot, keeping every subscriber's
// catch-up read consistent with the same instant. If compact is true,
// each page is reduced with change.CompactByKey before it is replayed
// to subscribers, trading the exact per-row replay for a smaller wire
// payload on very hot rows.
func NewTxPoolCatchupRunner(pool *txpool.Pool, compact bool) CatchupRunner {
	return &txPoolCatchupRunner{pool: pool, compact: compact}
}

func (r *txPoolCatchupRunner) Run(ctx context.Context, subs []Subscriber, replicaVersion watermark.Watermark) {
	for _, sub := range subs {
		sub := sub
		go func() {
			if err := runOneCatchup(ctx, r.pool, r.changeLog, sub, replicaVersion, r.compact); err != nil {
				sub.Close(change.KindOf(err), err.Error())
				log.WithError(err).WithField("watermark", sub.Watermark()).Error("storer: catch-up failed")
			}
		}()
	}
}

func runOneCatchup(
	ctx context.Context, pool *txpool.Pool, repo changedb.ChangeLogRepo, sub Subscriber, replicaVersion watermark.Watermark, compact bool,
) error {
	start := time.Now()
	defer func() { metrics.CatchupDuration.Observe(time.Since(start).Seconds()) }()

	from := sub.Watermark()
	fromPos := int64(-1) // -1 selects inclusive of the first row at `from`
	first := true

	for {
		page, err := txpool.Submit(ctx, pool, func(ctx context.Context, tx pgx.Tx) ([]change.Entry, error) {
			return repo.SelectSince(ctx, tx, from, fromPos, catchupPageSize)
		})
		if err != nil {
			sub.Close(change.KindOf(err), err.Error())
			return err
		}
		if len(page) == 0 {
			return sub.SetCaughtUp()
		}
		if first {
			if !validFirstRow(page[0], from, replicaVersion) {
				tooOld := change.NewWatermarkTooOld(page[0].Watermark, from)
				sub.Close(tooOld.Kind, tooOld.Message)
				return nil
			}
			first = false
		}
		rawLen := len(page)
		last := page[rawLen-1]

		toSend := page
		if compact {
			toSend = change.CompactByKey(page)
		}
		for _, e := range toSend {
			if err := sub.Catchup(e); err != nil {
				return err
			}
		}
		from, fromPos = last.Watermark, last.Pos
		if rawLen < catchupPageSize {
			return sub.SetCaughtUp()
		}
	}
}

// validFirstRow checks catch-up's first-row invariant: the first row
// must restate the subscriber's current watermark, or, when the
// subscriber is resuming from the replica's initial version with no
// prior commits observed, it may be the first change strictly after
// replicaVersion.
func validFirstRow(first change.Entry, from, replicaVersion watermark.Watermark) bool {
	if first.Watermark == from {
		return true
	}
	return from == replicaVersion && watermark.Less(replicaVersion, first.Watermark)
}
