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
	"github.com/pkg/errors"
)

// ErrKind enumerates the wire-level error taxonomy of the protocol's
// terminal "error" frame.
type ErrKind int

// The complete ErrKind enumeration. Values are part of the wire
// protocol and must not be renumbered.
const (
	ErrUnknown ErrKind = iota
	ErrWrongReplicaVersion
	ErrWatermarkTooOld
)

func (k ErrKind) String() string {
	switch k {
	case ErrWrongReplicaVersion:
		return "WrongReplicaVersion"
	case ErrWatermarkTooOld:
		return "WatermarkTooOld"
	default:
		return "Unknown"
	}
}

// SubscriberError is the error surfaced to a single subscriber; it
// closes only that subscription and never the whole service.
type SubscriberError struct {
	Kind    ErrKind
	Message string
}

func (e *SubscriberError) Error() string { return e.Message }

// WireKind implements an optional interface used by transports to pick the
// wire ErrKind number without a type switch.
func (e *SubscriberError) WireKind() ErrKind { return e.Kind }

// wireKinder is satisfied by any error that carries its own wire
// ErrKind, e.g. *SubscriberError.
type wireKinder interface {
	WireKind() ErrKind
}

// KindOf extracts err's wire ErrKind when it implements wireKinder,
// and falls back to ErrUnknown for everything else (I/O failures,
// context cancellation, and other errors with no wire representation
// of their own).
func KindOf(err error) ErrKind {
	if wk, ok := err.(wireKinder); ok {
		return wk.WireKind()
	}
	return ErrUnknown
}

// NewWrongReplicaVersion builds the SubscriberError for a subscriber
// whose declared replica version disagrees with replicationConfig.
func NewWrongReplicaVersion(configured, requested string) *SubscriberError {
	return &SubscriberError{
		Kind: ErrWrongReplicaVersion,
		Message: fmt.Sprintf(
			"current replica version is %s (requested %s)", configured, requested),
	}
}

// NewWatermarkTooOld builds the SubscriberError for a subscriber whose
// watermark predates the earliest retained changeLog entry.
func NewWatermarkTooOld(earliest, requested watermark.Watermark) *SubscriberError {
	return &SubscriberError{
		Kind: ErrWatermarkTooOld,
		Message: fmt.Sprintf(
			"earliest supported watermark is %s (requested %s)", earliest, requested),
	}
}

// AutoResetSignal is a service-fatal error: the upstream or the
// replicationConfig says a full resync is required, so the service
// must shut down and let an external supervisor re-initialize the
// replica from scratch.
var AutoResetSignal = errors.New("auto-reset required: full resync needed")

// ReplicationSlotBusyError is a retriable ChangeSource.startStream
// failure.
type ReplicationSlotBusyError struct{ Cause error }

func (e *ReplicationSlotBusyError) Error() string {
	return fmt.Sprintf("replication slot busy: %v", e.Cause)
}
func (e *ReplicationSlotBusyError) Unwrap() error { return e.Cause }

// FatalUpstreamError is a non-retriable ChangeSource.startStream
// failure that must be surfaced to the operator.
type FatalUpstreamError struct{ Cause error }

func (e *FatalUpstreamError) Error() string {
	return fmt.Sprintf("fatal upstream error: %v", e.Cause)
}
func (e *FatalUpstreamError) Unwrap() error { return e.Cause }

// OwnershipChangedError is raised when a serialization failure on
// commit is reinterpreted as a loss of changeLog write ownership; it
// is fatal to the Storer and therefore to the whole service.
type OwnershipChangedError struct{ Cause error }

func (e *OwnershipChangedError) Error() string {
	return fmt.Sprintf("changeLog ownership changed: %v", e.Cause)
}
func (e *OwnershipChangedError) Unwrap() error { return e.Cause }
