// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package changedb

import (
	"context"
	"time"

	"github.com/cdcbroker/changestreamer/internal/stopper"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultLeaseTTL is the default lease duration; Run renews every
// ttl/leaseRenewDivisor, fitting three renewal attempts inside one TTL
// window, so a single missed renewal never costs ownership outright.
const (
	DefaultLeaseTTL   = 15 * time.Second
	leaseRenewDivisor = 3
)

// LeaseTx is the write-transaction surface OwnershipLease needs.
type LeaseTx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// LeasePool opens the write transactions OwnershipLease runs its
// acquire/renew statements against.
type LeasePool interface {
	Begin(ctx context.Context) (LeaseTx, error)
}

// pgxLeasePool adapts a *pgxpool.Pool to LeasePool. It is the
// changedb-side twin of storer.NewPgxWritePool: both wrap the same
// kind of pool, but each returns its own package's Tx interface, so a
// single shared adapter type cannot satisfy both at once.
type pgxLeasePool struct {
	pool *pgxpool.Pool
}

// NewPgxLeasePool returns the production LeasePool backed by pool.
func NewPgxLeasePool(pool *pgxpool.Pool) LeasePool {
	return &pgxLeasePool{pool: pool}
}

func (p *pgxLeasePool) Begin(ctx context.Context) (LeaseTx, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// OwnershipLease layers time-bounded renewal on top of
// ReplicationStateRepo's compare-and-set ownership column: a process
// holding the lease renews it well before expiry, and a renewal that
// fails (because some other task preempted an actually-stale lease)
// is reported to onLost instead of silently continuing to act as
// owner.
type OwnershipLease struct {
	pool         LeasePool
	repo         ReplicationStateRepo
	taskID       string
	ownerAddress string
	ttl          time.Duration
	onLost       func(error)
}

// NewOwnershipLease constructs a lease for taskID. onLost is called at
// most once, the first time a renewal fails; Run returns the same
// error afterward. A failed Acquire is reported only through its
// return value.
func NewOwnershipLease(pool LeasePool, taskID, ownerAddress string, ttl time.Duration, onLost func(error)) *OwnershipLease {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if onLost == nil {
		onLost = func(error) {}
	}
	return &OwnershipLease{pool: pool, taskID: taskID, ownerAddress: ownerAddress, ttl: ttl, onLost: onLost}
}

// Acquire attempts to take the lease once, returning an error if
// another task currently holds a live one.
func (l *OwnershipLease) Acquire(ctx context.Context) error {
	return l.withTx(ctx, func(ctx context.Context, tx LeaseTx) error {
		ok, err := l.repo.TryAcquireLease(ctx, tx, l.taskID, l.ownerAddress, l.ttl)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("changedb: lease held by another live owner, taskID=%q", l.taskID)
		}
		return nil
	})
}

// Run renews the lease every ttl/leaseRenewDivisor until ctx.Stopping
// fires or a renewal fails. A failed renewal is reported to onLost and
// returned as Run's error, so the caller (Server.Start, which runs it
// under its stopper.Context) can treat it the same as any other fatal
// ownership loss.
func (l *OwnershipLease) Run(ctx *stopper.Context) error {
	interval := l.ttl / leaseRenewDivisor
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Stopping():
			return nil
		case <-ticker.C:
			err := l.withTx(ctx, func(ctx context.Context, tx LeaseTx) error {
				return l.repo.RenewLease(ctx, tx, l.taskID, l.ttl)
			})
			if err != nil {
				log.WithError(err).WithField("taskID", l.taskID).Error("changedb: lease renewal failed")
				l.onLost(err)
				return err
			}
		}
	}
}

func (l *OwnershipLease) withTx(ctx context.Context, fn func(context.Context, LeaseTx) error) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return errors.WithStack(tx.Commit(ctx))
}
