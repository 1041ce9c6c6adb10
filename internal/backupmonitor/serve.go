// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package backupmonitor

import (
	"context"

	"github.com/cdcbroker/changestreamer/internal/transport"
	"github.com/pkg/errors"
)

// Serve implements transport.SubscribeFunc for the /v{N}/snapshot
// endpoint: it starts a reservation for params.TaskID, sends the
// resulting backup-status frame, and holds the connection open until
// the peer disconnects or ctx is cancelled, at which point the
// reservation is released without extending the cleanup delay. The
// delay is extended only when the forwarder's Subscribe ends the
// reservation for an initial subscription with the same taskID.
func (m *Monitor) Serve(ctx context.Context, params transport.SubscribeParams, conn *transport.Conn) error {
	if params.TaskID == "" {
		return errors.New("backupmonitor: snapshot subscription requires taskID")
	}

	frame := m.StartSnapshotReservation(params.TaskID)
	defer m.EndReservation(params.TaskID, false)

	if err := conn.PushRaw(frame); err != nil {
		return errors.Wrap(err, "backupmonitor: send backup status frame")
	}

	stop := make(chan struct{})
	go conn.PingLoop(stop)
	defer close(stop)

	// The reservation stays open for the lifetime of the connection; the
	// peer closes once its restore completes, or the context is
	// cancelled on server shutdown.
	err := conn.ReadLoop()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
