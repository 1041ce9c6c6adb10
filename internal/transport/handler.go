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
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/cdcbroker/changestreamer/internal/protocol"
	"github.com/cdcbroker/changestreamer/internal/watermark"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// SubscribeParams is the decoded form of the subscribe query string
// and path-embedded protocol version.
type SubscribeParams struct {
	ProtocolVersion protocol.Version
	ID              string
	ReplicaVersion  watermark.Watermark
	Watermark       watermark.Watermark
	Initial         bool
	TaskID          string
	Mode            string
}

// SubscribeFunc handles one accepted websocket upgrade. It owns conn
// for the lifetime of the subscription and should block until the
// subscription ends (error, peer close, or context cancellation).
type SubscribeFunc func(ctx context.Context, params SubscribeParams, conn *Conn) error

var pathPattern = regexp.MustCompile(`/v(\d+)/(changes|snapshot)$`)

// Handler upgrades matching requests to websockets and hands them to
// OnSubscribe or OnSnapshot depending on which endpoint the path
// names. servicePrefix is matched literally against the request
// path's leading segment(s); an empty prefix matches any path ending
// in "/v{N}/changes" or "/v{N}/snapshot".
type Handler struct {
	ServicePrefix string
	Upgrader      websocket.Upgrader
	OnSubscribe   SubscribeFunc
	OnSnapshot    SubscribeFunc

	// OnUpstreamStatus, if set, is passed to every accepted Conn so a
	// replica's status frames are relayed back to the caller (the
	// Forwarder, forwarding them upstream as acks) regardless of which
	// endpoint accepted the connection.
	OnUpstreamStatus func(watermark.Watermark)
}

// NewHandler builds a Handler with a permissive default Upgrader
// (check-origin disabled, as changestreamer sits behind an internal
// network boundary rather than a browser-facing one).
func NewHandler(servicePrefix string, onSubscribe, onSnapshot SubscribeFunc) *Handler {
	return &Handler{
		ServicePrefix: servicePrefix,
		OnSubscribe:   onSubscribe,
		OnSnapshot:    onSnapshot,
		Upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	endpoint, params, err := h.parse(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	onAccept := h.OnSubscribe
	if endpoint == "snapshot" {
		onAccept = h.OnSnapshot
	}
	if onAccept == nil {
		http.Error(w, "transport: endpoint not configured", http.StatusNotImplemented)
		return
	}

	ws, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("transport: websocket upgrade failed")
		return
	}
	conn := New(ws, h.OnUpstreamStatus)

	go func() {
		defer conn.Close(websocket.CloseNormalClosure, "")
		if err := onAccept(r.Context(), params, conn); err != nil {
			log.WithError(err).WithField("id", params.ID).Info("transport: subscription ended")
		}
	}()
}

func (h *Handler) parse(r *http.Request) (endpoint string, params SubscribeParams, err error) {
	path := r.URL.Path
	if h.ServicePrefix != "" {
		trimmed := strings.TrimPrefix(path, h.ServicePrefix)
		if trimmed == path {
			return "", params, errors.Errorf("transport: path %q does not begin with service prefix %q", path, h.ServicePrefix)
		}
		path = trimmed
	}

	m := pathPattern.FindStringSubmatch(path)
	if m == nil {
		return "", params, errors.Errorf("transport: path %q does not match /v{N}/changes or /v{N}/snapshot", path)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return "", params, errors.Wrap(err, "transport: protocol version")
	}
	version, err := protocol.Negotiate(protocol.Version(n))
	if err != nil {
		return "", params, err
	}

	q := r.URL.Query()
	params = SubscribeParams{
		ProtocolVersion: version,
		ID:              q.Get("id"),
		ReplicaVersion:  watermark.Watermark(q.Get("replicaVersion")),
		Watermark:       watermark.Watermark(q.Get("watermark")),
		Initial:         q.Get("initial") == "true",
		TaskID:          q.Get("taskID"),
		Mode:            q.Get("mode"),
	}
	if params.ID == "" {
		return "", params, errors.New("transport: missing required query parameter \"id\"")
	}
	if params.Mode == "" {
		params.Mode = "serving"
	}

	if m[2] == "snapshot" {
		return "snapshot", params, nil
	}
	return "changes", params, nil
}
