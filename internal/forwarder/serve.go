// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package forwarder

import (
	"context"

	"github.com/cdcbroker/changestreamer/internal/change"
	"github.com/cdcbroker/changestreamer/internal/transport"
)

// Serve implements transport.SubscribeFunc for the /v{N}/changes
// endpoint: it validates and registers params as a new subscription
// backed by conn, then blocks reading acks and status frames until the
// peer disconnects or ctx is cancelled.
func (f *ChangeStreamerService) Serve(ctx context.Context, params transport.SubscribeParams, conn *transport.Conn) error {
	sc := SubscribeContext{
		ProtocolVersion: params.ProtocolVersion,
		ID:              params.ID,
		TaskID:          params.TaskID,
		Mode:            params.Mode,
		ReplicaVersion:  params.ReplicaVersion,
		Watermark:       params.Watermark,
		Initial:         params.Initial,
	}

	sub, err := f.Subscribe(ctx, sc, conn)
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	go conn.PingLoop(stop)
	defer close(stop)

	err = conn.ReadLoop()
	sub.Close(change.ErrUnknown, "")
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
