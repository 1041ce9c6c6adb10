// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package transport implements the websocket framing that carries
// protocol.Frame values between changestreamer and a subscriber,
// including the internal {id,msg}/{ack:id} envelope and the
// per-message-id in-flight queue that provides back-pressure without
// relying on OS socket buffers.
package transport

import "encoding/json"

// envelope is the wire wrapper placed around every outbound frame:
// {id, msg}. bigints inside Msg are preserved as numeric literals
// because Msg is carried as a pre-encoded json.RawMessage rather than
// re-decoded through Go's float64-by-default json.Unmarshal.
type envelope struct {
	ID  int64           `json:"id"`
	Msg json.RawMessage `json:"msg"`
}

// ackEnvelope is the peer's acknowledgement of one outbound envelope.
type ackEnvelope struct {
	Ack int64 `json:"ack"`
}
