// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package protocol defines the wire frame schema exchanged between
// changestreamer and its subscribers, and the protocol-version
// negotiation performed at subscribe time.
package protocol

import "fmt"

// Version identifies a wire protocol revision, carried in the
// "/{service-prefix}/v{N}/..." path segment.
type Version int

const (
	// V1 is the original downstream sequence with no status prelude.
	V1 Version = 1

	// V2 adds the optional "status" prelude frame and upstream
	// heartbeat reporting.
	V2 Version = 2

	// MinSupported is the oldest Version this build still accepts.
	MinSupported Version = V1

	// Current is the newest Version this build emits by default.
	Current Version = V2
)

// Supported reports whether v falls within [MinSupported, Current].
func Supported(v Version) bool {
	return v >= MinSupported && v <= Current
}

// ErrUnsupportedVersion is returned by Negotiate for a version outside
// [MinSupported, Current]; the caller must reject the transport
// upgrade with a protocol error rather than registering a subscriber.
type ErrUnsupportedVersion struct {
	Requested Version
}

func (e *ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("protocol version %d is not in the supported range [%d, %d]",
		e.Requested, MinSupported, Current)
}

// Negotiate validates a client-requested Version: it is the first
// check a subscribe request must pass, before any replica-version or
// registration work runs.
func Negotiate(requested Version) (Version, error) {
	if !Supported(requested) {
		return 0, &ErrUnsupportedVersion{Requested: requested}
	}
	return requested, nil
}

// SendsStatusPrelude reports whether a negotiated version sends the
// one-time "status" frame before the first catch-up row.
func (v Version) SendsStatusPrelude() bool { return v >= V2 }
