// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package main

import (
	"context"
	"database/sql"
	"os"

	"github.com/cdcbroker/changestreamer/internal/backupmonitor"
	"github.com/cdcbroker/changestreamer/internal/changedb"
	"github.com/cdcbroker/changestreamer/internal/changesource"
	"github.com/cdcbroker/changestreamer/internal/config"
	"github.com/cdcbroker/changestreamer/internal/diag"
	"github.com/cdcbroker/changestreamer/internal/forwarder"
	"github.com/cdcbroker/changestreamer/internal/storer"
	"github.com/cdcbroker/changestreamer/internal/txpool"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// catchupPoolSize bounds how many concurrent catch-up replays the
// read-only snapshot-sharing pool serves at once.
const catchupPoolSize = 8

// ProvideDiagnostics returns an empty health-check registry.
func ProvideDiagnostics() *diag.Diagnostics {
	return diag.New()
}

// ProvideTaskID derives this process's ownership identity from its
// hostname plus a random suffix, so a restarted process on the same
// host still gets a distinct identity from whatever instance it is
// replacing.
func ProvideTaskID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "changestreamer"
	}
	return host + "-" + uuid.NewString()[:8]
}

// ProvideChangeDBPool opens the pgxpool.Pool every Change DB write and
// catch-up read goes through, and registers a diag.Check that pings it.
func ProvideChangeDBPool(
	ctx context.Context, cfg *config.Config, diags *diag.Diagnostics,
) (*pgxpool.Pool, func(), error) {
	pool, err := pgxpool.New(ctx, cfg.ChangeDBDSN)
	if err != nil {
		return nil, nil, errors.Wrap(err, "changestreamer: open changeDB pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, errors.Wrap(err, "changestreamer: ping changeDB")
	}
	if err := diags.Register("changeDB", func(ctx context.Context) error {
		return pool.Ping(ctx)
	}); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pool, pool.Close, nil
}

// ProvideMigrations applies every pending Change DB migration using a
// database/sql handle over the same DSN; goose needs database/sql, so
// this is a short-lived handle distinct from the long-lived pgxpool.Pool
// the rest of the process uses.
func ProvideMigrations(cfg *config.Config) error {
	db, err := sql.Open("pgx", cfg.ChangeDBDSN)
	if err != nil {
		return errors.Wrap(err, "changestreamer: open changeDB for migration")
	}
	defer db.Close()

	return changedb.Migrate(db)
}

// ProvideCatchupPool opens the read-only, snapshot-sharing worker pool
// storer.CatchupRunner replays catch-up pages from.
func ProvideCatchupPool(
	ctx context.Context, changeDBPool *pgxpool.Pool, diags *diag.Diagnostics,
) (*txpool.Pool, func(), error) {
	pool, err := txpool.New(ctx, changeDBPool, txpool.Options{
		Mode:           txpool.ReadOnly,
		Snapshot:       true,
		InitialWorkers: 2,
		MaxWorkers:     catchupPoolSize,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "changestreamer: start catch-up pool")
	}
	if err := diags.Register("catchupPool", func(context.Context) error { return pool.Failed() }); err != nil {
		return nil, nil, err
	}
	return pool, pool.Close, nil
}

// ProvideStorer constructs the Storer, its ack callback left unwired
// until forwarder.New attaches one via Storer.SetOnConsumed.
func ProvideStorer(cfg *config.Config, changeDBPool *pgxpool.Pool, catchupPool *txpool.Pool) *storer.Storer {
	write := storer.NewPgxWritePool(changeDBPool)
	catchup := storer.NewTxPoolCatchupRunner(catchupPool, cfg.CompactCatchupPages)
	return storer.New(write, catchup)
}

// ProvideChangeSource builds the upstream logical-replication Source.
func ProvideChangeSource(cfg *config.Config) changesource.Source {
	return changesource.New(cfg.SourceConfig())
}

// ProvideForwarder wires the ChangeSource and Storer into a
// ChangeStreamerService. Its BackupMonitor is attached afterward via
// SetBackupMonitor, once the Monitor itself exists.
func ProvideForwarder(source changesource.Source, store *storer.Storer) *forwarder.ChangeStreamerService {
	return forwarder.New(source, store, nil)
}

// ProvideBackupMonitor builds the Monitor and attaches it back onto fwd,
// resolving the two types' circular construction dependency.
func ProvideBackupMonitor(cfg *config.Config, fwd *forwarder.ChangeStreamerService) *backupmonitor.Monitor {
	mon := backupmonitor.New(backupmonitor.Config{
		BackupURL:  cfg.BackupURL,
		MetricsURL: cfg.BackupMetricsURL,
	}, fwd, cfg.CleanupDelay)
	fwd.SetBackupMonitor(mon)
	return mon
}

// ProvideOwnershipLease builds the lease OwnershipLease renews against
// the Change DB's replicationState row, one per taskID.
func ProvideOwnershipLease(
	changeDBPool *pgxpool.Pool, taskID, bindAddr string,
) *changedb.OwnershipLease {
	pool := changedb.NewPgxLeasePool(changeDBPool)
	return changedb.NewOwnershipLease(pool, taskID, bindAddr, changedb.DefaultLeaseTTL, func(err error) {
		log.WithError(err).Error("changestreamer: lost changeLog ownership lease")
	})
}
