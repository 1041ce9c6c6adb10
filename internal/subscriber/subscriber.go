// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package subscriber implements the per-connection state machine that
// buffers, orders, and forwards changes to one replica connection.
package subscriber

import (
	"sync"

	"github.com/cdcbroker/changestreamer/internal/change"
	"github.com/cdcbroker/changestreamer/internal/watermark"
)

// Frame is the unit of work pushed downstream to a subscriber's
// transport. It wraps either a catch-up/forward Change, a terminal
// error, or a reset-required control notice.
type Frame struct {
	Change        *change.Change
	ErrKind       change.ErrKind
	ErrMsg        string
	ResetRequired bool
}

// Sink is the transport-facing side of a Subscriber: whatever accepts
// ordered frames for delivery to the remote peer. The websocket
// transport implements this.
type Sink interface {
	// Push delivers f. It must not block indefinitely; a sink with
	// bounded capacity should apply back-pressure by blocking only
	// briefly and otherwise erroring.
	Push(f Frame) error
}

// Subscriber is one connected replica's state: its current position,
// the last watermark the peer has acknowledged, and its catch-up
// backlog.
type Subscriber struct {
	ID     string
	sink   Sink
	onClose func()

	mu                sync.Mutex
	watermark         watermark.Watermark
	acked             watermark.Watermark
	backlog           []change.Change
	catchingUp        bool
	initialStatusSent bool
	closed            bool
}

// New constructs a Subscriber starting from the given resume
// watermark, in the catching-up state.
func New(id string, from watermark.Watermark, sink Sink, onClose func()) *Subscriber {
	return &Subscriber{
		ID:         id,
		sink:       sink,
		onClose:    onClose,
		watermark:  from,
		acked:      from,
		catchingUp: true,
	}
}

// Watermark returns the subscriber's next-expected watermark.
func (s *Subscriber) Watermark() watermark.Watermark {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// Acked returns the last commit watermark the peer confirmed.
func (s *Subscriber) Acked() watermark.Watermark {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked
}

// Ack records that the peer has consumed up through w. Invariant:
// acked never exceeds watermark.
func (s *Subscriber) Ack(w watermark.Watermark) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if watermark.Less(s.acked, w) && !watermark.Less(s.watermark, w) {
		s.acked = w
	}
}

// Send delivers a live (post-catch-up) change. If the subscriber is
// still catching up, changes newer than its current watermark are
// buffered rather than pushed; watermark only advances on commit
// frames.
func (s *Subscriber) Send(c change.Change) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if !watermark.Less(s.watermark, c.Watermark) {
		s.mu.Unlock()
		return nil // already at or past this point; drop silently
	}
	if s.catchingUp {
		s.backlog = append(s.backlog, c)
		s.mu.Unlock()
		return nil
	}
	if c.Tag == change.TagCommit {
		s.watermark = c.Watermark
	}
	s.mu.Unlock()
	return s.push(Frame{Change: &c})
}

// Catchup delivers one row observed during Storer catch-up, ensuring
// the one-time status prelude is sent first.
func (s *Subscriber) Catchup(e change.Entry) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	needsPrelude := !s.initialStatusSent
	s.initialStatusSent = true
	s.mu.Unlock()

	if needsPrelude {
		if err := s.push(Frame{}); err != nil {
			return err
		}
	}
	c := e.Change
	return s.push(Frame{Change: &c})
}

// SetCaughtUp flushes the backlog accumulated during catch-up in
// order, then switches the subscriber into direct-forward mode.
func (s *Subscriber) SetCaughtUp() error {
	s.mu.Lock()
	backlog := s.backlog
	s.backlog = nil
	s.catchingUp = false
	s.mu.Unlock()

	for _, c := range backlog {
		c := c
		if c.Tag == change.TagCommit {
			s.mu.Lock()
			s.watermark = c.Watermark
			s.mu.Unlock()
		}
		if err := s.push(Frame{Change: &c}); err != nil {
			return err
		}
	}
	return nil
}

// Close ends the subscription. If kind is non-zero or message is
// non-empty, a terminal error frame is pushed first and the transport
// is cancelled as soon as that push returns; Close does not wait for
// the peer to acknowledge the frame. Otherwise the transport is
// cancelled immediately.
func (s *Subscriber) Close(kind change.ErrKind, message string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if kind != change.ErrUnknown || message != "" {
		_ = s.push(Frame{ErrKind: kind, ErrMsg: message})
	}
	if s.onClose != nil {
		s.onClose()
	}
}

func (s *Subscriber) push(f Frame) error {
	return s.sink.Push(f)
}

// NotifyResetRequired pushes a reset-required control notice without
// closing the subscription: the peer decides on its own schedule
// whether and when to tear down and resync, the same way it would
// react to a status frame rather than a terminal error.
func (s *Subscriber) NotifyResetRequired() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.push(Frame{ResetRequired: true})
}
