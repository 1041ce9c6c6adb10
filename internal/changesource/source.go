// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package changesource is the upstream half of changestreamer: it
// opens a Postgres logical-replication session, decodes the pgoutput
// wire format into change.Change values, and exposes a retry-aware
// Source that the forwarder drives.
package changesource

import (
	"context"
	"sync"
	"time"

	"github.com/cdcbroker/changestreamer/internal/change"
	"github.com/cdcbroker/changestreamer/internal/stopper"
	"github.com/cdcbroker/changestreamer/internal/watermark"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// keepaliveInterval bounds how long the source will go without sending
// an ack to the upstream replication slot, even absent a caller-driven
// one, so the slot's restart_lsn keeps advancing during quiet periods.
const keepaliveInterval = 32 * time.Second

// slotBusyRetries/slotBusyBackoff bound how persistently StartStream
// retries a busy replication slot before giving up.
const (
	slotBusyRetries = 5
	slotBusyBackoff = 10 * time.Millisecond
)

// Source produces an ordered stream of committed changes starting
// from a caller-supplied resume watermark.
type Source interface {
	// StartStream opens (or reopens) the replication session. The
	// returned Stream's Changes channel is closed when the session
	// ends; the terminating error, if any, is available from
	// Stream.Err after the channel closes.
	StartStream(ctx context.Context, from watermark.Watermark) (*Stream, error)
}

// Stream is the live output of one StartStream call.
type Stream struct {
	// InitialWatermark is the watermark immediately preceding the
	// first emitted Begin; used by the forwarder to decide whether an
	// initial sync is required.
	InitialWatermark watermark.Watermark

	// Changes yields every Change in commit order. It is closed when
	// the stream ends, whether cleanly (ctx canceled) or with an
	// error (see Err).
	Changes <-chan change.Change

	// Acks accepts best-effort, non-blocking ack watermarks. Sending
	// on a full channel is not required to succeed; callers should
	// select against ctx.Done() or use a default case.
	Acks chan<- watermark.Watermark

	mu  sync.Mutex
	err error
}

// Err returns the error that ended the stream, if any. Safe to call
// only after Changes has been drained and closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Config configures a pgSource.
type Config struct {
	// DSN is the upstream Postgres connection string, used with
	// replication=database appended by dialAndStart when the DSN does
	// not already set replication=.
	DSN string
	// SlotName is the logical replication slot to stream from.
	SlotName string
	// Publication is the PUBLICATION name passed as a pgoutput plugin
	// argument.
	Publication string
}

// pgSource is the default Source, built on jackc/pglogrepl for the
// replication-protocol handshake and a local pgoutput decoder for
// message contents.
type pgSource struct {
	cfg Config
}

var _ Source = (*pgSource)(nil)

// New returns a Source that streams from the configured replication
// slot.
func New(cfg Config) Source {
	return &pgSource{cfg: cfg}
}

// StartStream implements Source. It retries ReplicationSlotBusyError
// up to slotBusyRetries times with a fixed backoff before giving up;
// any other session-establishment failure is wrapped as
// FatalUpstreamError.
func (s *pgSource) StartStream(ctx context.Context, from watermark.Watermark) (*Stream, error) {
	var conn *pgconn.PgConn
	var startLSN lsn
	var err error

	for attempt := 0; attempt < slotBusyRetries; attempt++ {
		conn, startLSN, err = dialAndStart(ctx, s.cfg, from)
		if err == nil {
			break
		}
		if !isSlotBusy(err) {
			return nil, &change.FatalUpstreamError{Cause: err}
		}
		log.WithFields(log.Fields{
			"attempt": attempt + 1,
			"slot":    s.cfg.SlotName,
		}).Warn("changesource: replication slot busy, retrying")
		select {
		case <-time.After(slotBusyBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "changesource: replication slot still busy after retries")
	}

	changes := make(chan change.Change, 256)
	acks := make(chan watermark.Watermark, 16)
	stream := &Stream{
		InitialWatermark: from,
		Changes:          changes,
		Acks:             acks,
	}

	stopCtx := stopper.WithContext(ctx)
	stopCtx.Go(func() error {
		defer close(changes)
		err := runDecodeLoop(stopCtx, conn, startLSN, changes, acks)
		if err != nil {
			stream.setErr(err)
		}
		return err
	})

	return stream, nil
}

func isSlotBusy(err error) bool {
	var busy *change.ReplicationSlotBusyError
	return errors.As(err, &busy)
}
