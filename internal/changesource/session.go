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
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cdcbroker/changestreamer/internal/change"
	"github.com/cdcbroker/changestreamer/internal/watermark"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// dialAndStart opens a replication-mode connection and issues
// START_REPLICATION from the LSN corresponding to from, returning the
// LSN it actually started at (from, or the server's current WAL
// position as reported by IDENTIFY_SYSTEM if from was the zero
// watermark).
func dialAndStart(ctx context.Context, cfg Config, from watermark.Watermark) (*pgconn.PgConn, lsn, error) {
	dsn := cfg.DSN
	if !strings.Contains(dsn, "replication=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "replication=database"
	}

	conn, err := pgconn.Connect(ctx, dsn)
	if err != nil {
		return nil, 0, errors.Wrap(err, "changesource: dial replication connection")
	}

	sys, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, 0, errors.Wrap(err, "changesource: IDENTIFY_SYSTEM")
	}

	startLSN, err := lsnFromWatermark(from)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, 0, err
	}
	if startLSN == 0 {
		startLSN = sys.XLogPos
	}

	pluginArgs := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", cfg.Publication),
	}
	if err := pglogrepl.StartReplication(ctx, conn, cfg.SlotName, startLSN,
		pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs}); err != nil {
		_ = conn.Close(ctx)
		if isSlotBusyMessage(err) {
			return nil, 0, &change.ReplicationSlotBusyError{Cause: err}
		}
		return nil, 0, errors.Wrap(err, "changesource: START_REPLICATION")
	}

	return conn, startLSN, nil
}

// isSlotBusyMessage recognizes Postgres's "replication slot ... is
// active for PID ..." error text, the only signal available before a
// typed error has been attached by the server driver.
func isSlotBusyMessage(err error) bool {
	return strings.Contains(err.Error(), "is active for PID")
}

// runDecodeLoop drives the replication protocol: it receives
// CopyData messages, decodes XLogData payloads into change.Change
// values, answers primary keepalive requests and acks forwarded
// through stream.Acks, and emits an implicit keepalive ack at least
// every keepaliveInterval. Every status it sends reports the most
// recent watermark received on acks (or startLSN before any), never a
// position the server reported.
func runDecodeLoop(
	ctx context.Context,
	conn *pgconn.PgConn,
	startLSN lsn,
	changes chan<- change.Change,
	acks <-chan watermark.Watermark,
) error {
	defer conn.Close(context.Background())

	relations := map[uint32]*relationInfo{}
	lastAckSent := time.Now()
	writeLSN := startLSN
	// txWatermark is the current transaction's Begin watermark, stamped
	// onto each Data change the decoder emits with a zero watermark.
	var txWatermark watermark.Watermark

	nextStatusDeadline := time.Now().Add(keepaliveInterval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case w := <-acks:
			if l, err := lsnFromWatermark(w); err == nil && l > writeLSN {
				writeLSN = l
			}
			if err := sendStatus(ctx, conn, writeLSN); err != nil {
				return err
			}
			lastAckSent = time.Now()
		default:
		}

		if time.Since(lastAckSent) >= keepaliveInterval {
			if err := sendStatus(ctx, conn, writeLSN); err != nil {
				return err
			}
			lastAckSent = time.Now()
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStatusDeadline)
		msg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isTimeout(err) {
				nextStatusDeadline = time.Now().Add(keepaliveInterval)
				continue
			}
			return &change.FatalUpstreamError{Cause: errors.Wrap(err, "changesource: ReceiveMessage")}
		}

		cd, ok := msg.(*pgconn.CopyData)
		if !ok {
			continue
		}
		switch cd.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(cd.Data[1:])
			if err != nil {
				return &change.FatalUpstreamError{Cause: err}
			}
			if pkm.ReplyRequested {
				if err := sendStatus(ctx, conn, writeLSN); err != nil {
					return err
				}
				lastAckSent = time.Now()
			}
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(cd.Data[1:])
			if err != nil {
				return &change.FatalUpstreamError{Cause: err}
			}
			out, err := decodeTuple(xld.WALData, relations)
			if err != nil {
				log.WithError(err).Warn("changesource: dropping undecodable message")
				continue
			}
			for _, c := range out {
				switch c.Tag {
				case change.TagBegin:
					txWatermark = c.Watermark
				case change.TagData:
					c.Watermark = txWatermark
				}
				select {
				case changes <- c:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

func sendStatus(ctx context.Context, conn *pgconn.PgConn, l lsn) error {
	return pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: l,
		WALFlushPosition: l,
		WALApplyPosition: l,
	})
}

func isTimeout(err error) bool {
	type deadlineErr interface{ Timeout() bool }
	if de, ok := err.(deadlineErr); ok {
		return de.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
