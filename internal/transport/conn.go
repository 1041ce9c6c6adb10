// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package transport

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cdcbroker/changestreamer/internal/change"
	"github.com/cdcbroker/changestreamer/internal/protocol"
	"github.com/cdcbroker/changestreamer/internal/subscriber"
	"github.com/cdcbroker/changestreamer/internal/watermark"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// maxInFlight bounds the number of un-acked outbound envelopes
	// before Push starts blocking, giving the storer's per-subscriber
	// push explicit, observable back-pressure instead of relying on
	// the OS socket send buffer.
	maxInFlight = 256

	// pingInterval and pongWait implement websocket liveness: a ping
	// is sent every pingInterval, and the peer must answer (or send
	// any other frame, refreshing the read deadline) within pongWait.
	pingInterval = 30 * time.Second
	pongWait     = pingInterval + 3*time.Second

	// maxCloseReasonBytes is RFC 6455's 125-byte close control frame
	// payload minus the 2-byte status code.
	maxCloseReasonBytes = 123

	// NormalClosure is the close code callers outside this package use
	// to cancel a Conn once any pending application-level frame (e.g. a
	// terminal error frame) has already been written to the socket.
	NormalClosure = websocket.CloseNormalClosure
)

// Conn adapts one websocket connection to the subscriber.Sink
// interface: Push enqueues a protocol.Frame for delivery, blocking
// once maxInFlight envelopes are outstanding, and a background reader
// retires entries from the in-flight set as {ack:id} arrives.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu struct {
		sync.Mutex
		nextID   int64
		inFlight map[int64]struct{}
		notify   chan struct{}
		closed   bool
	}

	// onUpstreamStatus is invoked with the watermark carried by every
	// upstream "status" heartbeat frame the peer sends.
	onUpstreamStatus func(watermark.Watermark)
}

// New wraps ws, an already-upgraded websocket connection, as a Conn.
// onUpstreamStatus may be nil.
func New(ws *websocket.Conn, onUpstreamStatus func(watermark.Watermark)) *Conn {
	c := &Conn{ws: ws, onUpstreamStatus: onUpstreamStatus}
	c.mu.inFlight = make(map[int64]struct{})
	c.mu.notify = make(chan struct{})
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return c
}

var _ subscriber.Sink = (*Conn)(nil)

// Push implements subscriber.Sink: it encodes f, assigns the next
// envelope id, blocks until the in-flight queue has room, and writes
// the envelope to the socket.
func (c *Conn) Push(f subscriber.Frame) error {
	wire, err := toWireFrame(f)
	if err != nil {
		return err
	}
	return c.PushRaw(wire)
}

// PushRaw sends a pre-built protocol.Frame directly, for callers (the
// snapshot-reservation handler) that do not go through the Subscriber
// state machine.
func (c *Conn) PushRaw(wire protocol.Frame) error {
	msg, err := json.Marshal(wire)
	if err != nil {
		return errors.Wrap(err, "transport: encode frame")
	}

	id, err := c.reserveSlot()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(pongWait))
	if err := c.ws.WriteJSON(envelope{ID: id, Msg: msg}); err != nil {
		return errors.Wrap(err, "transport: write envelope")
	}
	return nil
}

// reserveSlot blocks until the in-flight set has capacity, then
// allocates and records the next envelope id.
func (c *Conn) reserveSlot() (int64, error) {
	for {
		c.mu.Lock()
		if c.mu.closed {
			c.mu.Unlock()
			return 0, errors.New("transport: connection closed")
		}
		if len(c.mu.inFlight) < maxInFlight {
			c.mu.nextID++
			id := c.mu.nextID
			c.mu.inFlight[id] = struct{}{}
			c.mu.Unlock()
			return id, nil
		}
		wait := c.mu.notify
		c.mu.Unlock()
		<-wait
	}
}

func (c *Conn) retireSlot(id int64) {
	c.mu.Lock()
	delete(c.mu.inFlight, id)
	notify := c.mu.notify
	c.mu.notify = make(chan struct{})
	c.mu.Unlock()
	close(notify)
}

// ReadLoop consumes incoming frames until the socket closes or ctx is
// cancelled: {ack:id} envelopes retire in-flight slots, and upstream
// "status" frames are reported via onUpstreamStatus. It returns once
// the connection can no longer be read from.
func (c *Conn) ReadLoop() error {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "transport: read")
		}

		var ack ackEnvelope
		if err := json.Unmarshal(raw, &ack); err == nil && ack.Ack != 0 {
			c.retireSlot(ack.Ack)
			continue
		}

		// The peer's only other message is its own upstream status
		// frame, sent bare (not envelope-wrapped).
		var f protocol.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		if c.onUpstreamStatus != nil {
			if w, err := protocol.ParseUpstreamStatus(f); err == nil {
				c.onUpstreamStatus(w)
			}
		}
	}
}

// PingLoop sends a websocket ping every pingInterval until stop is
// closed, maintaining liveness independent of application traffic.
func (c *Conn) PingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(pongWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				log.WithError(err).Debug("transport: ping failed")
				return
			}
		}
	}
}

// Close closes the underlying socket, sending reason truncated to
// maxCloseReasonBytes as the close frame's payload.
func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	if c.mu.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.closed = true
	close(c.mu.notify)
	c.mu.Unlock()

	if len(reason) > maxCloseReasonBytes {
		reason = reason[:maxCloseReasonBytes]
	}
	msg := websocket.FormatCloseMessage(code, reason)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}

// toWireFrame adapts a subscriber.Frame (the internal, Change-typed
// unit the Subscriber state machine produces) to the wire
// protocol.Frame. A Frame with neither a Change nor an error is the
// one-time status prelude.
func toWireFrame(f subscriber.Frame) (protocol.Frame, error) {
	if f.Change == nil {
		switch {
		case f.ResetRequired:
			return protocol.NewResetRequiredFrame(), nil
		case f.ErrKind != change.ErrUnknown || f.ErrMsg != "":
			return protocol.NewErrorFrame(f.ErrKind, f.ErrMsg), nil
		default:
			return protocol.NewStatusFrame(), nil
		}
	}
	return protocol.FromChange(*f.Change, f.Change.Watermark)
}
