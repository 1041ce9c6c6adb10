// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package protocol

import (
	"encoding/json"

	"github.com/cdcbroker/changestreamer/internal/change"
	"github.com/cdcbroker/changestreamer/internal/watermark"
	"github.com/pkg/errors"
)

// FrameKind names the first element of a downstream or upstream frame
// tuple.
type FrameKind string

// The complete set of frame kinds. Every Frame produced by this
// package carries exactly one of these.
const (
	KindStatus   FrameKind = "status"
	KindBegin    FrameKind = "begin"
	KindData     FrameKind = "data"
	KindCommit   FrameKind = "commit"
	KindRollback FrameKind = "rollback"
	KindControl  FrameKind = "control"
	KindError    FrameKind = "error"
)

// Frame is one downstream or upstream message: a JSON tuple whose
// first element is its Kind and whose remaining elements are
// Kind-specific payloads. It marshals as a heterogeneous JSON array
// tuple, the compact wire shape every frame constructor below builds.
type Frame struct {
	Kind    FrameKind
	Payload []any
}

// MarshalJSON renders f as ["kind", payload...].
func (f Frame) MarshalJSON() ([]byte, error) {
	elems := make([]any, 0, len(f.Payload)+1)
	elems = append(elems, f.Kind)
	elems = append(elems, f.Payload...)
	return json.Marshal(elems)
}

// UnmarshalJSON parses a raw tuple into Kind plus the unparsed
// remaining elements, deferring type-specific decoding to the caller
// (transport readers only ever need to decode the upstream "status"
// frame today).
func (f *Frame) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "protocol: malformed frame")
	}
	if len(raw) == 0 {
		return errors.New("protocol: empty frame")
	}
	var kind FrameKind
	if err := json.Unmarshal(raw[0], &kind); err != nil {
		return errors.Wrap(err, "protocol: frame kind")
	}
	f.Kind = kind
	f.Payload = make([]any, 0, len(raw)-1)
	for _, elem := range raw[1:] {
		var v any
		if err := json.Unmarshal(elem, &v); err != nil {
			return errors.Wrap(err, "protocol: frame payload")
		}
		f.Payload = append(f.Payload, v)
	}
	return nil
}

// relationJSON is the wire shape of a change.Relation.
type relationJSON struct {
	Schema          string   `json:"schema"`
	Name            string   `json:"name"`
	KeyColumns      []string `json:"keyColumns"`
	ReplicaIdentity string   `json:"replicaIdentity,omitempty"`
}

// dataChangeJSON is the wire shape of the <data-change> payload
// element shared by the "begin" (implicitly empty), "data", "commit",
// and "rollback" frames.
type dataChangeJSON struct {
	Watermark watermark.Watermark `json:"watermark"`
	Op        change.DataOp       `json:"op,omitempty"`
	Relation  *relationJSON       `json:"relation,omitempty"`
	Before    map[string]any      `json:"before,omitempty"`
	After     map[string]any      `json:"after,omitempty"`
	DDL       map[string]any      `json:"ddl,omitempty"`
}

func toChangeJSON(c change.Change) dataChangeJSON {
	out := dataChangeJSON{Watermark: c.Watermark}
	if c.Tag == change.TagData {
		out.Op = c.Data.Op
		out.Before = c.Data.Before
		out.After = c.Data.After
		out.DDL = c.Data.DDL
		out.Relation = &relationJSON{
			Schema:          c.Data.Relation.Schema,
			Name:            c.Data.Relation.Name,
			KeyColumns:      c.Data.Relation.KeyColumns,
			ReplicaIdentity: c.Data.Relation.ReplicaIdentity,
		}
	}
	return out
}

// statusTag is the sole payload of the "status" downstream prelude.
type statusTag struct {
	Tag string `json:"tag"`
}

// controlTag is the sole payload of a "control" frame.
type controlTag struct {
	Tag string `json:"tag"`
}

// errorPayload is the sole payload of an "error" frame.
type errorPayload struct {
	Type    change.ErrKind `json:"type"`
	Message string         `json:"message,omitempty"`
}

// watermarkPayload wraps a single named watermark, used as the third
// tuple element of "begin" and "commit" frames and the upstream
// "status" heartbeat.
type watermarkPayload struct {
	CommitWatermark watermark.Watermark `json:"commitWatermark,omitempty"`
	Watermark       watermark.Watermark `json:"watermark,omitempty"`
}

// NewStatusFrame builds the optional v2+ prelude signalling that the
// subscription was accepted and catch-up is about to begin.
func NewStatusFrame() Frame {
	return Frame{Kind: KindStatus, Payload: []any{statusTag{Tag: "status"}}}
}

// backupStatusTag is the payload of the snapshot-reservation prelude:
// a "status" frame carrying the URL a subscriber should restore from.
type backupStatusTag struct {
	Tag       string `json:"tag"`
	BackupURL string `json:"backupURL,omitempty"`
}

// NewBackupStatusFrame builds the first frame of a snapshot
// reservation's status-sequence.
func NewBackupStatusFrame(backupURL string) Frame {
	return Frame{Kind: KindStatus, Payload: []any{backupStatusTag{Tag: "status", BackupURL: backupURL}}}
}

// NewBeginFrame builds the downstream frame for c (Tag must be
// TagBegin); commitWatermark is the transaction's eventual commit
// watermark, known up front because it is assigned at Begin time.
func NewBeginFrame(c change.Change, commitWatermark watermark.Watermark) Frame {
	return Frame{
		Kind: KindBegin,
		Payload: []any{
			toChangeJSON(c),
			watermarkPayload{CommitWatermark: commitWatermark},
		},
	}
}

// NewDataFrame builds the downstream frame for c (Tag must be
// TagData).
func NewDataFrame(c change.Change) Frame {
	return Frame{Kind: KindData, Payload: []any{toChangeJSON(c)}}
}

// NewCommitFrame builds the downstream frame for c (Tag must be
// TagCommit); w is the newly durable watermark, equal to c.Watermark.
func NewCommitFrame(c change.Change, w watermark.Watermark) Frame {
	return Frame{
		Kind:    KindCommit,
		Payload: []any{toChangeJSON(c), watermarkPayload{Watermark: w}},
	}
}

// NewRollbackFrame builds the downstream frame for c (Tag must be
// TagRollback).
func NewRollbackFrame(c change.Change) Frame {
	return Frame{Kind: KindRollback, Payload: []any{toChangeJSON(c)}}
}

// NewResetRequiredFrame builds the control frame that tells a
// subscriber a full resync is required, mirroring AutoResetSignal.
func NewResetRequiredFrame() Frame {
	return Frame{Kind: KindControl, Payload: []any{controlTag{Tag: "reset-required"}}}
}

// NewErrorFrame builds the terminal "error" frame closing a
// subscription.
func NewErrorFrame(kind change.ErrKind, message string) Frame {
	return Frame{Kind: KindError, Payload: []any{errorPayload{Type: kind, Message: message}}}
}

// NewUpstreamStatusFrame builds the subscriber->streamer heartbeat and
// progress report, sent periodically regardless of new data.
func NewUpstreamStatusFrame(w watermark.Watermark) Frame {
	return Frame{
		Kind:    KindStatus,
		Payload: []any{struct{}{}, watermarkPayload{Watermark: w}},
	}
}

// FromChange dispatches c to the matching downstream frame
// constructor. commitWatermark is only consulted for TagBegin, where
// it must be the transaction's eventual commit watermark (callers
// typically track this from change.Entry.Precommit's paired Commit
// row, or simply c.Watermark when Begin and Commit share one
// watermark).
func FromChange(c change.Change, commitWatermark watermark.Watermark) (Frame, error) {
	switch c.Tag {
	case change.TagBegin:
		return NewBeginFrame(c, commitWatermark), nil
	case change.TagData:
		return NewDataFrame(c), nil
	case change.TagCommit:
		return NewCommitFrame(c, c.Watermark), nil
	case change.TagRollback:
		return NewRollbackFrame(c), nil
	default:
		return Frame{}, errors.Errorf("protocol: unhandled change tag %q", c.Tag)
	}
}

// ParseUpstreamStatus extracts the watermark carried by an upstream
// "status" Frame previously produced by UnmarshalJSON.
func ParseUpstreamStatus(f Frame) (watermark.Watermark, error) {
	if f.Kind != KindStatus {
		return "", errors.Errorf("protocol: expected status frame, got %q", f.Kind)
	}
	if len(f.Payload) < 2 {
		return "", errors.New("protocol: status frame missing watermark payload")
	}
	obj, ok := f.Payload[1].(map[string]any)
	if !ok {
		return "", errors.New("protocol: status frame payload is not an object")
	}
	w, _ := obj["watermark"].(string)
	return watermark.Watermark(w), nil
}
