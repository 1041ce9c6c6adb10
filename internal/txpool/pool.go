// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package txpool implements the transaction-pool primitive described
// by the change-streamer concurrency model: a fixed-to-elastic set of
// workers, each holding exactly one long-lived database transaction,
// dispatched FIFO work, with optional consistent-snapshot sharing
// across workers. It builds on a thin pgxpool.Pool wrapper into the
// worker-per-transaction model that Storer catch-up and
// ownership-guarded writes both need.
package txpool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Mode selects the isolation/access-mode a Pool's workers open their
// transactions with.
type Mode int

const (
	// ReadOnly workers open a read-only serializable transaction and
	// may share a single consistent snapshot when Options.Snapshot is
	// set.
	ReadOnly Mode = iota
	// Serializable workers open a read-write serializable transaction
	// and are the only path by which the Change DB is mutated.
	Serializable
)

// Hook runs once per worker, respectively before it accepts its first
// task and before it closes its transaction (even on failure).
type Hook func(ctx context.Context, tx pgx.Tx) error

// Options configures a Pool.
type Options struct {
	Mode Mode

	// Init runs once per worker, inside its transaction, before any
	// task is dispatched to it.
	Init Hook
	// Cleanup runs once per worker, inside its transaction, before the
	// transaction is closed, even if the pool failed.
	Cleanup Hook

	InitialWorkers int
	MaxWorkers     int

	// Snapshot, when true, makes the first worker export its snapshot
	// and every other worker adopt it, so that all ReadOnly workers in
	// the pool observe an identical, consistent view of the database.
	Snapshot bool
}

func (o Options) normalize() Options {
	if o.InitialWorkers <= 0 {
		o.InitialWorkers = 1
	}
	if o.MaxWorkers < o.InitialWorkers {
		o.MaxWorkers = o.InitialWorkers
	}
	return o
}

// job is the internal envelope used to dispatch a caller's task to
// whichever worker becomes free first; Go channels provide the FIFO
// dispatch discipline without any additional bookkeeping.
type job struct {
	run  func(ctx context.Context, tx pgx.Tx)
	done chan struct{}
}

// Pool is a set of workers, each holding one long-lived transaction
// against conn, that drains a shared FIFO queue of tasks.
type Pool struct {
	conn *pgxpool.Pool
	opts Options

	jobs    chan job
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers int32

	snapshotMu   sync.Mutex
	snapshotName string
	snapshotSet  bool
	snapshotWait chan struct{}

	failMu  sync.Mutex
	failed  error

	refs    int32
	setDone func()
}

// New creates a Pool backed by conn and starts its initial workers.
// The returned Pool must eventually be Closed.
func New(ctx context.Context, conn *pgxpool.Pool, opts Options) (*Pool, error) {
	opts = opts.normalize()
	pctx, cancel := context.WithCancel(ctx)
	p := &Pool{
		conn:         conn,
		opts:         opts,
		jobs:         make(chan job),
		ctx:          pctx,
		cancel:       cancel,
		snapshotWait: make(chan struct{}),
		refs:         1,
	}
	for i := 0; i < opts.InitialWorkers; i++ {
		if err := p.addWorker(i == 0); err != nil {
			p.cancel()
			return nil, err
		}
	}
	return p, nil
}

func (p *Pool) txOptions() pgx.TxOptions {
	switch p.opts.Mode {
	case ReadOnly:
		return pgx.TxOptions{IsoLevel: pgx.Serializable, AccessMode: pgx.ReadOnly}
	default:
		return pgx.TxOptions{IsoLevel: pgx.Serializable, AccessMode: pgx.ReadWrite}
	}
}

func (p *Pool) addWorker(isFirst bool) error {
	conn, err := p.conn.Acquire(p.ctx)
	if err != nil {
		return errors.Wrap(err, "txpool: acquire connection")
	}
	tx, err := conn.BeginTx(p.ctx, p.txOptions())
	if err != nil {
		conn.Release()
		return errors.Wrap(err, "txpool: begin")
	}

	if p.opts.Snapshot && p.opts.Mode == ReadOnly {
		if err := p.coordinateSnapshot(p.ctx, tx, isFirst); err != nil {
			_ = tx.Rollback(p.ctx)
			conn.Release()
			return err
		}
	}

	if p.opts.Init != nil {
		if err := p.opts.Init(p.ctx, tx); err != nil {
			_ = tx.Rollback(p.ctx)
			conn.Release()
			return errors.Wrap(err, "txpool: worker init")
		}
	}

	atomic.AddInt32(&p.workers, 1)
	p.wg.Add(1)
	go p.runWorker(conn, tx)
	return nil
}

func (p *Pool) coordinateSnapshot(ctx context.Context, tx pgx.Tx, isFirst bool) error {
	p.snapshotMu.Lock()
	if isFirst && !p.snapshotSet {
		p.snapshotMu.Unlock()

		var name string
		if err := tx.QueryRow(ctx, "SELECT pg_export_snapshot()").Scan(&name); err != nil {
			return errors.Wrap(err, "txpool: export snapshot")
		}

		p.snapshotMu.Lock()
		p.snapshotName = name
		p.snapshotSet = true
		close(p.snapshotWait)
		p.snapshotMu.Unlock()
		return nil
	}
	wait := p.snapshotWait
	set := p.snapshotSet
	name := p.snapshotName
	p.snapshotMu.Unlock()

	if !set {
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		p.snapshotMu.Lock()
		name = p.snapshotName
		p.snapshotMu.Unlock()
	}

	if _, err := tx.Exec(ctx, "SET TRANSACTION SNAPSHOT '"+name+"'"); err != nil {
		return errors.Wrap(err, "txpool: set snapshot")
	}
	return nil
}

func (p *Pool) runWorker(conn *pgxpool.Conn, tx pgx.Tx) {
	defer p.wg.Done()
	defer func() {
		if p.opts.Cleanup != nil {
			if err := p.opts.Cleanup(context.Background(), tx); err != nil {
				log.WithError(err).Warn("txpool: worker cleanup failed")
			}
		}
		_ = tx.Rollback(context.Background())
		conn.Release()
		atomic.AddInt32(&p.workers, -1)
	}()

	for {
		select {
		case <-p.ctx.Done():
			return
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			j.run(p.ctx, tx)
			close(j.done)
		}
	}
}

func (p *Pool) fail(err error) {
	p.failMu.Lock()
	if p.failed == nil {
		p.failed = err
	}
	p.failMu.Unlock()
	p.cancel()
}

func (p *Pool) failure() error {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	return p.failed
}

// Submit dispatches task to the first free worker and returns its
// result. Submit is a package-level function, rather than a method,
// because Go does not allow methods to introduce new type parameters.
func Submit[T any](ctx context.Context, p *Pool, task func(ctx context.Context, tx pgx.Tx) (T, error)) (T, error) {
	var zero T
	if err := p.failure(); err != nil {
		return zero, err
	}

	var (
		result T
		rerr   error
	)
	j := job{
		run: func(ctx context.Context, tx pgx.Tx) {
			result, rerr = task(ctx, tx)
			if rerr != nil {
				p.fail(rerr)
			}
		},
		done: make(chan struct{}),
	}

	select {
	case p.jobs <- j:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-p.ctx.Done():
		if err := p.failure(); err != nil {
			return zero, err
		}
		return zero, errors.New("txpool: pool closed")
	}

	select {
	case <-j.done:
		return result, rerr
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Ref increments the pool's reference count, for sharing ownership
// with a receiver such as a Forwarder.
func (p *Pool) Ref() { atomic.AddInt32(&p.refs, 1) }

// Unref decrements the reference count and, once it reaches zero,
// closes the pool and invokes fn (set via OnDone), mirroring the
// teacher's ref/unref/setDone idiom for shared-pool lifetimes.
func (p *Pool) Unref() {
	if atomic.AddInt32(&p.refs, -1) == 0 {
		p.Close()
		if p.setDone != nil {
			p.setDone()
		}
	}
}

// OnDone registers fn to run once the pool's reference count reaches
// zero and the pool has been closed.
func (p *Pool) OnDone(fn func()) { p.setDone = fn }

// Close stops accepting new work, asks every worker to roll back and
// release its connection, and waits for them to exit.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
}

// Failed returns the first error raised by any worker's task.
func (p *Pool) Failed() error { return p.failure() }

// Workers returns the number of currently-running workers.
func (p *Pool) Workers() int { return int(atomic.LoadInt32(&p.workers)) }
