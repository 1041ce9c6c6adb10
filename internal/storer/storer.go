// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package storer implements the single-writer consumer that serializes
// every change onto the durable change log, acks upstream at durable
// commits, and serves catch-up reads to newly (re)connecting
// subscribers.
package storer

import (
	"context"

	"github.com/cdcbroker/changestreamer/internal/change"
	"github.com/cdcbroker/changestreamer/internal/changedb"
	"github.com/cdcbroker/changestreamer/internal/metrics"
	"github.com/cdcbroker/changestreamer/internal/notify"
	"github.com/cdcbroker/changestreamer/internal/stopper"
	"github.com/cdcbroker/changestreamer/internal/watermark"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Querier is re-exported for callers that only need the read surface.
type Querier = changedb.Querier

// Tx is the write-transaction surface the Storer needs: a Querier plus
// commit/rollback, over pgx rather than database/sql.
type Tx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// WritePool opens write transactions against the Change DB. The
// production implementation wraps a *pgxpool.Pool (see NewPgxWritePool);
// tests substitute a fake.
type WritePool interface {
	Begin(ctx context.Context) (Tx, error)
}

// ChangeLogStore is the write-path subset of changedb.ChangeLogRepo
// that the Storer needs. The production Storer uses
// changedb.ChangeLogRepo directly; tests substitute an in-memory fake.
type ChangeLogStore interface {
	InsertEntry(ctx context.Context, q Querier, e change.Entry) error
	PurgeBefore(ctx context.Context, q Querier, w watermark.Watermark) (int64, error)
}

// ReplicationStateStore is the subset of changedb.ReplicationStateRepo
// the Storer needs.
type ReplicationStateStore interface {
	Get(ctx context.Context, q Querier) (changedb.State, error)
	AssumeOwnership(ctx context.Context, q Querier, taskID, ownerAddress string) error
	AdvanceWatermark(ctx context.Context, q Querier, expectedOwner string, w watermark.Watermark) error
}

// ReplicationConfigStore is the subset of changedb.ReplicationConfigRepo
// the Storer needs.
type ReplicationConfigStore interface {
	Get(ctx context.Context, q Querier) (changedb.Config, error)
}

// CatchupRunner serves one or more subscribers from a consistent
// snapshot. The production implementation (see NewTxPoolCatchupRunner)
// is backed by internal/txpool in read-only, snapshot-sharing mode;
// tests substitute a fake that replays an in-memory slice.
type CatchupRunner interface {
	// Run streams catch-up rows to each subscriber in subs, starting
	// from each subscriber's own watermark, and calls sub.SetCaughtUp
	// on success or sub.Close on a terminal error. It does not block
	// the Storer's main loop; callers invoke it in a goroutine.
	Run(ctx context.Context, subs []Subscriber, replicaVersion watermark.Watermark)
}

// Subscriber is the subset of internal/subscriber.Subscriber that the
// Storer needs: enough to drive catch-up and report its position.
type Subscriber interface {
	Watermark() watermark.Watermark
	Catchup(e change.Entry) error
	SetCaughtUp() error
	Close(kind change.ErrKind, message string)
}

// Ack is emitted by onConsumed for every durable commit or forwarded
// status message, destined for ChangeSource.Acks.
type Ack struct {
	Watermark watermark.Watermark
	IsStatus  bool
	Status    string
}

type queueItem struct {
	change     *change.Change
	status     string
	subscriber Subscriber
	stop       bool
}

// pendingTx tracks the Storer's at-most-one open write transaction.
type pendingTx struct {
	preCommit watermark.Watermark
	pos       int64
	tx        Tx
}

// Storer is the single-writer change-log consumer: it serializes every
// change onto cdc.change_log, acks upstream once a change is durable,
// and serves catch-up reads to newly (re)connecting subscribers.
type Storer struct {
	taskID    string
	write     WritePool
	catchup   CatchupRunner
	changeLog ChangeLogStore
	replState ReplicationStateStore
	replCfg   ReplicationConfigStore

	onConsumed func(Ack)

	queue   chan queueItem
	catchupQueue []Subscriber

	lastWatermark *notify.Var[watermark.Watermark]
}

// Option configures a Storer at construction time.
type Option func(*Storer)

// WithOnConsumed sets the callback invoked for every durable commit
// ack and forwarded status message.
func WithOnConsumed(fn func(Ack)) Option {
	return func(s *Storer) { s.onConsumed = fn }
}

// SetOnConsumed rewires the ack callback after construction. Intended
// for bootstrap code that must construct the Storer before the
// component consuming its acks exists (the Forwarder needs a *Storer
// reference to build its own ack handler, so the handler can only be
// attached afterward). Must be called before Run starts.
func (s *Storer) SetOnConsumed(fn func(Ack)) {
	s.onConsumed = fn
}

// WithChangeLogStore overrides the changeLog repository, for tests.
func WithChangeLogStore(store ChangeLogStore) Option {
	return func(s *Storer) { s.changeLog = store }
}

// WithReplicationStateStore overrides the replicationState repository,
// for tests.
func WithReplicationStateStore(store ReplicationStateStore) Option {
	return func(s *Storer) { s.replState = store }
}

// WithReplicationConfigStore overrides the replicationConfig
// repository, for tests.
func WithReplicationConfigStore(store ReplicationConfigStore) Option {
	return func(s *Storer) { s.replCfg = store }
}

// New constructs a Storer. The caller must invoke Run in its own
// goroutine (typically via a stopper.Context) to start the consumer
// loop. By default the changeLog/replicationState/replicationConfig
// repositories are the real changedb implementations; override them
// with WithChangeLogStore et al. in tests.
func New(write WritePool, cr CatchupRunner, opts ...Option) *Storer {
	s := &Storer{
		write:         write,
		catchup:       cr,
		changeLog:     changedb.ChangeLogRepo{},
		replState:     changedb.ReplicationStateRepo{},
		replCfg:       changedb.ReplicationConfigRepo{},
		queue:         make(chan queueItem, 1024),
		lastWatermark: &notify.Var[watermark.Watermark]{},
		onConsumed:    func(Ack) {},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AssumeOwnership atomically sets owner=taskID in replicationState and
// seeds lastWatermark from the persisted row, so a restarted process
// resumes Run from where the previous owner left off instead of
// falling back to replicaVersion and replaying (or re-forwarding acks
// for) everything already durable. Must be called before Run's first
// iteration processes any change.
func (s *Storer) AssumeOwnership(ctx context.Context, taskID, ownerAddress string) error {
	conn, err := s.write.Begin(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() { _ = conn.Rollback(ctx) }()

	state, err := s.replState.Get(ctx, conn)
	if err != nil {
		return errors.Wrap(err, "storer: read replicationState")
	}
	if err := s.replState.AssumeOwnership(ctx, conn, taskID, ownerAddress); err != nil {
		return err
	}
	if err := conn.Commit(ctx); err != nil {
		return errors.WithStack(err)
	}
	s.taskID = taskID
	s.lastWatermark.Set(state.LastWatermark)
	log.WithField("taskID", taskID).WithField("lastWatermark", state.LastWatermark).
		Info("storer: assumed changeLog ownership")
	return nil
}

// Store enqueues a forwarded change for write. Non-blocking in the
// sense that it never waits on the write transaction itself; it may
// block briefly if the input queue is full, applying back-pressure to
// the forwarder's stream loop.
func (s *Storer) Store(c change.Change) {
	s.queue <- queueItem{change: &c}
}

// Status enqueues an out-of-band status message to be forwarded
// upstream once prior writes have drained.
func (s *Storer) Status(statusMessage string) {
	s.queue <- queueItem{status: statusMessage}
}

// Catchup enqueues a subscriber for catch-up. If the Storer currently
// has no pending write transaction, catch-up starts immediately;
// otherwise the subscriber is parked until the next commit or
// rollback drains the catch-up queue.
func (s *Storer) Catchup(sub Subscriber) {
	s.queue <- queueItem{subscriber: sub}
}

// PurgeRecordsBefore deletes changeLog rows with watermark < w.
// Callers must never pass a watermark greater than or equal to the
// current lastWatermark of any live subscriber.
func (s *Storer) PurgeRecordsBefore(ctx context.Context, w watermark.Watermark) (int64, error) {
	tx, err := s.write.Begin(ctx)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	n, err := s.changeLog.PurgeBefore(ctx, tx, w)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, errors.WithStack(err)
	}
	metrics.CleanupPurgedRows.Add(float64(n))
	return n, nil
}

// GetLastWatermark returns the most recently durably-committed
// watermark.
func (s *Storer) GetLastWatermark() watermark.Watermark {
	w, _ := s.lastWatermark.Get()
	return w
}

// Stop requests the consumer loop to exit after draining any
// in-flight work.
func (s *Storer) Stop() {
	s.queue <- queueItem{stop: true}
}

// Run drives the single-consumer loop until ctx.Stopping fires or a
// stop item is processed.
func (s *Storer) Run(ctx *stopper.Context) error {
	var pending *pendingTx

	for {
		select {
		case <-ctx.Stopping():
			return nil
		case item := <-s.queue:
			if item.stop {
				return nil
			}
			if err := s.handle(ctx, &pending, item); err != nil {
				log.WithError(err).Error("storer: consumer loop error")
				if isOwnershipLoss(err) {
					return err
				}
			}
		}
	}
}

func (s *Storer) handle(ctx context.Context, pending **pendingTx, item queueItem) error {
	switch {
	case item.status != "":
		s.onConsumed(Ack{IsStatus: true, Status: item.status})
		return nil

	case item.subscriber != nil:
		if *pending != nil {
			s.catchupQueue = append(s.catchupQueue, item.subscriber)
			return nil
		}
		s.startCatchup(ctx, []Subscriber{item.subscriber})
		return nil

	case item.change != nil:
		return s.handleChange(ctx, pending, *item.change)
	}
	return nil
}

func (s *Storer) handleChange(ctx context.Context, pending **pendingTx, c change.Change) error {
	switch c.Tag {
	case change.TagBegin:
		if *pending != nil {
			return errors.Errorf("storer: Begin received with a transaction already pending at %s", (*pending).preCommit)
		}
		tx, err := s.write.Begin(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		*pending = &pendingTx{preCommit: c.Watermark, tx: tx}
		return nil

	case change.TagData:
		p := *pending
		if p == nil {
			return errors.New("storer: Data received with no pending transaction")
		}
		p.pos++
		if err := s.changeLog.InsertEntry(ctx, p.tx, change.Entry{
			Watermark: p.preCommit,
			Pos:       p.pos,
			Change:    c,
		}); err != nil {
			return err
		}
		metrics.ChangesStored.WithLabelValues(string(c.Tag)).Inc()
		return nil

	case change.TagCommit:
		p := *pending
		if p == nil {
			return errors.New("storer: Commit received with no pending transaction")
		}
		p.pos++
		if err := s.changeLog.InsertEntry(ctx, p.tx, change.Entry{
			Watermark: c.Watermark,
			Pos:       p.pos,
			Change:    c,
			Precommit: p.preCommit,
		}); err != nil {
			_ = p.tx.Rollback(ctx)
			*pending = nil
			return err
		}
		if err := s.replState.AdvanceWatermark(ctx, p.tx, s.taskID, c.Watermark); err != nil {
			_ = p.tx.Rollback(ctx)
			*pending = nil
			return err
		}
		if err := p.tx.Commit(ctx); err != nil {
			*pending = nil
			if isSerializationFailure(err) {
				return &change.OwnershipChangedError{Cause: err}
			}
			return errors.WithStack(err)
		}
		*pending = nil
		s.lastWatermark.Set(c.Watermark)
		metrics.ChangesStored.WithLabelValues(string(c.Tag)).Inc()
		s.onConsumed(Ack{Watermark: c.Watermark})
		s.drainCatchupQueue(ctx)
		return nil

	case change.TagRollback:
		p := *pending
		if p != nil {
			_ = p.tx.Rollback(ctx)
			*pending = nil
		}
		s.drainCatchupQueue(ctx)
		return nil
	}
	return nil
}

func (s *Storer) drainCatchupQueue(ctx context.Context) {
	if len(s.catchupQueue) == 0 {
		return
	}
	subs := s.catchupQueue
	s.catchupQueue = nil
	s.startCatchup(ctx, subs)
}

func (s *Storer) startCatchup(ctx context.Context, subs []Subscriber) {
	cfg, err := s.currentReplicaVersion(ctx)
	if err != nil {
		log.WithError(err).Error("storer: failed to read replicationConfig for catch-up")
		for _, sub := range subs {
			sub.Close(change.KindOf(err), err.Error())
		}
		return
	}
	go s.catchup.Run(ctx, subs, cfg)
}

func (s *Storer) currentReplicaVersion(ctx context.Context) (watermark.Watermark, error) {
	cfg, err := s.ReplicationConfig(ctx)
	if err != nil {
		return "", err
	}
	return watermark.Watermark(cfg.ReplicaVersion), nil
}

// ReplicationConfig reads the singleton replicationConfig row, used by
// the Forwarder to validate a subscriber's declared replica version
// and to detect a pending reset before it ever opens a write
// transaction of its own.
func (s *Storer) ReplicationConfig(ctx context.Context) (changedb.Config, error) {
	tx, err := s.write.Begin(ctx)
	if err != nil {
		return changedb.Config{}, errors.WithStack(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	return s.replCfg.Get(ctx, tx)
}

func isSerializationFailure(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "40001"
	}
	return false
}

func isOwnershipLoss(err error) bool {
	var oce *change.OwnershipChangedError
	return errors.As(err, &oce)
}
