// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package forwarder implements ChangeStreamerService, the orchestrator
// that wires the upstream ChangeSource to the Storer and to every
// registered Subscriber, and that owns subscribe-time validation and
// changeLog cleanup scheduling.
package forwarder

import (
	"context"
	"sync"
	"time"

	"github.com/cdcbroker/changestreamer/internal/change"
	"github.com/cdcbroker/changestreamer/internal/changesource"
	"github.com/cdcbroker/changestreamer/internal/metrics"
	"github.com/cdcbroker/changestreamer/internal/protocol"
	"github.com/cdcbroker/changestreamer/internal/stopper"
	"github.com/cdcbroker/changestreamer/internal/storer"
	"github.com/cdcbroker/changestreamer/internal/subscriber"
	"github.com/cdcbroker/changestreamer/internal/transport"
	"github.com/cdcbroker/changestreamer/internal/watermark"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// reconnectBackoff bounds how long the stream loop waits before
// re-opening the ChangeSource after a non-fatal termination.
const reconnectBackoff = time.Second

// MinCleanupDelay is the minimum time ScheduleCleanup waits before
// acting on a newly observed backup watermark; 30s matches the
// BackupMonitor's own reservation-driven extension baseline.
const MinCleanupDelay = 30 * time.Second

// SubscribeContext is the validated input to Subscribe: the decoded
// and negotiated form of a subscribe request.
type SubscribeContext struct {
	ProtocolVersion protocol.Version
	ID              string
	TaskID          string
	Mode            string
	ReplicaVersion  watermark.Watermark
	Watermark       watermark.Watermark
	Initial         bool
}

// BackupMonitor is the subset of internal/backupmonitor.Monitor the
// Forwarder depends on.
type BackupMonitor interface {
	// EndReservation releases any snapshot reservation held for
	// taskID. updateDelay is always true from this call site: a
	// subscriber resubscribing with initial=true has proven its
	// restore completed, so the reservation's full duration counts
	// toward the retention window.
	EndReservation(taskID string, updateDelay bool)
}

type noopBackupMonitor struct{}

func (noopBackupMonitor) EndReservation(string, bool) {}

// transportCloser is implemented by a subscriber.Sink that also owns
// the underlying transport connection, letting Subscribe cancel the
// connection directly once a subscription ends rather than leaving
// Serve blocked in Conn.ReadLoop until the remote peer disconnects on
// its own. transport.Conn satisfies this.
type transportCloser interface {
	Close(code int, reason string) error
}

// ChangeStreamerService orchestrates the ChangeSource, Storer, and the
// set of live Subscribers.
type ChangeStreamerService struct {
	source changesource.Source
	store  *storer.Storer

	backupMu sync.Mutex
	backup   BackupMonitor

	streamMu sync.Mutex
	stream   *changesource.Stream

	mu   sync.Mutex
	subs map[string]*subscriber.Subscriber

	cleanupMu        sync.Mutex
	cleanupPending   bool
	cleanupTimer     *time.Timer
	cleanupWatermark watermark.Watermark
}

// New constructs a ChangeStreamerService and wires it as store's ack
// callback: every durably-committed watermark, and every downstream
// status relayed through store.Status, is forwarded to the active
// ChangeSource stream as an upstream ack. backup may be nil, in which
// case initial=true subscriptions are a no-op with respect to backup
// reservations until SetBackupMonitor is called.
func New(source changesource.Source, store *storer.Storer, backup BackupMonitor) *ChangeStreamerService {
	if backup == nil {
		backup = noopBackupMonitor{}
	}
	f := &ChangeStreamerService{
		source: source,
		store:  store,
		backup: backup,
		subs:   make(map[string]*subscriber.Subscriber),
	}
	store.SetOnConsumed(f.handleAck)
	return f
}

// SetBackupMonitor wires the BackupMonitor after construction. It
// exists because ChangeStreamerService and backupmonitor.Monitor each
// depend on the other at construction time (the Monitor needs a
// CleanupScheduler, which this type already satisfies via
// ScheduleCleanup regardless of backup): callers construct the
// Forwarder first, pass it to backupmonitor.New as the scheduler, then
// attach the resulting Monitor here.
func (f *ChangeStreamerService) SetBackupMonitor(backup BackupMonitor) {
	if backup == nil {
		backup = noopBackupMonitor{}
	}
	f.backupMu.Lock()
	f.backup = backup
	f.backupMu.Unlock()
}

func (f *ChangeStreamerService) getBackupMonitor() BackupMonitor {
	f.backupMu.Lock()
	defer f.backupMu.Unlock()
	return f.backup
}

// ReportUpstreamStatus relays a replica's confirmed watermark through
// the Storer's single-writer queue, preserving ordering with any
// in-flight transaction, before it is re-forwarded upstream as an ack
// by handleAck.
func (f *ChangeStreamerService) ReportUpstreamStatus(w watermark.Watermark) {
	f.store.Status(w.String())
}

// handleAck is the Storer's onConsumed callback: it forwards every
// durable commit watermark, and every relayed downstream status, to
// whichever ChangeSource stream is currently active. A stream
// reconnect (see setStream) simply drops acks until the new one is in
// place; a dropped ack only delays slot advancement, it never loses
// data.
func (f *ChangeStreamerService) handleAck(a storer.Ack) {
	w := a.Watermark
	if a.IsStatus {
		w = watermark.Watermark(a.Status)
	}
	if w == "" {
		return
	}

	f.streamMu.Lock()
	stream := f.stream
	f.streamMu.Unlock()
	if stream == nil {
		return
	}
	select {
	case stream.Acks <- w:
	default:
	}
}

func (f *ChangeStreamerService) setStream(stream *changesource.Stream) {
	f.streamMu.Lock()
	f.stream = stream
	f.streamMu.Unlock()
}

// Subscribe validates sc, registers a new Subscriber backed by sink,
// and enqueues it for catch-up, in order: protocol version, then
// replica version, then registration. A rejection at either validation
// step pushes a terminal error frame over sink before returning the Go
// error, so a rejected peer learns why over the wire instead of just
// seeing its connection drop.
func (f *ChangeStreamerService) Subscribe(
	ctx context.Context, sc SubscribeContext, sink subscriber.Sink,
) (*subscriber.Subscriber, error) {
	if _, err := protocol.Negotiate(sc.ProtocolVersion); err != nil {
		_ = sink.Push(subscriber.Frame{ErrKind: change.KindOf(err), ErrMsg: err.Error()})
		return nil, err
	}

	cfg, err := f.store.ReplicationConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "forwarder: read replicationConfig")
	}
	if watermark.Watermark(cfg.ReplicaVersion) != sc.ReplicaVersion {
		rejected := change.NewWrongReplicaVersion(cfg.ReplicaVersion, string(sc.ReplicaVersion))
		_ = sink.Push(subscriber.Frame{ErrKind: rejected.Kind, ErrMsg: rejected.Message})
		return nil, rejected
	}

	onClose := func() { f.unregister(sc.ID) }
	if tc, ok := sink.(transportCloser); ok {
		onClose = func() {
			f.unregister(sc.ID)
			_ = tc.Close(transport.NormalClosure, "")
		}
	}
	sub := subscriber.New(sc.ID, sc.Watermark, sink, onClose)

	f.mu.Lock()
	f.subs[sc.ID] = sub
	f.mu.Unlock()
	metrics.SubscriberCount.Inc()

	f.store.Catchup(sub)

	if sc.Initial {
		f.getBackupMonitor().EndReservation(sc.TaskID, true)
	}
	return sub, nil
}

func (f *ChangeStreamerService) unregister(id string) {
	f.mu.Lock()
	delete(f.subs, id)
	f.mu.Unlock()
	metrics.SubscriberCount.Dec()
}

// notifyResetRequired tells every currently live subscriber that a
// full resync is coming, ahead of Run returning the fatal
// AutoResetSignal and the service shutting down: a peer that reacts
// promptly can start its resync before this process is even gone.
func (f *ChangeStreamerService) notifyResetRequired() {
	for _, sub := range f.liveSubscribers() {
		if err := sub.NotifyResetRequired(); err != nil {
			log.WithError(err).WithField("id", sub.ID).Warn("forwarder: failed to notify subscriber of pending reset")
		}
	}
}

func (f *ChangeStreamerService) liveSubscribers() []*subscriber.Subscriber {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*subscriber.Subscriber, 0, len(f.subs))
	for _, s := range f.subs {
		out = append(out, s)
	}
	return out
}

// Run drives the stream loop until ctx.Stopping fires or the
// ChangeSource ends with a fatal error: it lazily starts the source
// from max(lastStoredCommit, replicaVersion), and for every change
// both stores it durably and forwards it to every live subscriber.
func (f *ChangeStreamerService) Run(ctx *stopper.Context) error {
	for {
		resumeFrom, err := f.resumeWatermark(ctx)
		if err != nil {
			if errors.Is(err, change.AutoResetSignal) {
				f.notifyResetRequired()
			}
			return err
		}

		stream, err := f.source.StartStream(ctx, resumeFrom)
		if err != nil {
			if isFatal(err) {
				return err
			}
			log.WithError(err).Warn("forwarder: failed to start change stream, retrying")
			if !sleepOrDone(ctx, reconnectBackoff) {
				return nil
			}
			continue
		}
		f.setStream(stream)

		stopped := f.drain(ctx, stream)
		f.setStream(nil)
		if stopped {
			return nil
		}

		if err := stream.Err(); err != nil {
			if isFatal(err) {
				return err
			}
			log.WithError(err).Warn("forwarder: change stream ended, reconnecting")
			if !sleepOrDone(ctx, reconnectBackoff) {
				return nil
			}
			continue
		}
		return nil
	}
}

// drain forwards every change on stream to the Storer and to every
// live subscriber until the channel closes or ctx stops. It returns
// true if ctx.Stopping fired.
func (f *ChangeStreamerService) drain(ctx *stopper.Context, stream *changesource.Stream) bool {
	for {
		select {
		case <-ctx.Stopping():
			return true
		case c, ok := <-stream.Changes:
			if !ok {
				return false
			}
			f.store.Store(c)
			for _, sub := range f.liveSubscribers() {
				if err := sub.Send(c); err != nil {
					log.WithError(err).WithField("id", sub.ID).Warn("forwarder: dropping subscriber after send failure")
					sub.Close(change.KindOf(err), err.Error())
					continue
				}
				metrics.ChangesForwarded.WithLabelValues(sub.ID, "serving").Inc()
			}
		}
	}
}

func (f *ChangeStreamerService) resumeWatermark(ctx context.Context) (watermark.Watermark, error) {
	cfg, err := f.store.ReplicationConfig(ctx)
	if err != nil {
		return "", errors.Wrap(err, "forwarder: read replicationConfig")
	}
	if cfg.ResetRequired {
		return "", change.AutoResetSignal
	}
	last := f.store.GetLastWatermark()
	return watermark.Max(last, watermark.Watermark(cfg.ReplicaVersion)), nil
}

func isFatal(err error) bool {
	var fatal *change.FatalUpstreamError
	if errors.As(err, &fatal) {
		return true
	}
	return errors.Is(err, change.AutoResetSignal)
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
