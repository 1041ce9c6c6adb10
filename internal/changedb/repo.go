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
	"encoding/json"
	"time"

	"github.com/cdcbroker/changestreamer/internal/change"
	"github.com/cdcbroker/changestreamer/internal/watermark"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

// Querier is implemented by pgxpool.Pool, pgxpool.Conn, pgxpool.Tx, and
// pgx.Tx: any handle that can run a statement. Modeled on the
// teacher's types.StagingQuerier.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ChangeLogRepo is the repository over cdc.change_log.
type ChangeLogRepo struct{}

// InsertEntry appends one changeLog row. The caller is responsible for
// the enclosing transaction's commit/rollback.
func (ChangeLogRepo) InsertEntry(ctx context.Context, q Querier, e change.Entry) error {
	payload, err := json.Marshal(e.Change)
	if err != nil {
		return errors.Wrap(err, "changedb: marshal change")
	}
	var precommit *string
	if !e.Precommit.IsZero() {
		s := e.Precommit.String()
		precommit = &s
	}
	_, err = q.Exec(ctx,
		`INSERT INTO cdc.change_log (watermark, pos, change, precommit) VALUES ($1, $2, $3, $4)`,
		e.Watermark.String(), e.Pos, payload, precommit)
	return errors.WithStack(err)
}

// SelectSince returns up to limit changeLog rows strictly after the
// (from, fromPos) cursor, ordered by (watermark, pos), for catch-up
// paging. The cursor is a full (watermark, pos) pair rather than a
// bare watermark floor because every row of one source transaction
// shares its commit watermark, differentiated only by pos: a
// watermark-only floor would re-select and re-deliver rows already
// sent whenever a page boundary lands inside a transaction, and would
// never advance at all for a transaction with >= limit rows. Pass
// fromPos -1 to start from the first row at watermark from, inclusive.
func (ChangeLogRepo) SelectSince(
	ctx context.Context, q Querier, from watermark.Watermark, fromPos int64, limit int,
) ([]change.Entry, error) {
	rows, err := q.Query(ctx,
		`SELECT watermark, pos, change, precommit FROM cdc.change_log
		  WHERE (watermark, pos) > ($1, $2)
		  ORDER BY watermark, pos
		  LIMIT $3`,
		from.String(), fromPos, limit)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var out []change.Entry
	for rows.Next() {
		var (
			w, pc string
			pos   int64
			data  []byte
		)
		var pcPtr *string
		if err := rows.Scan(&w, &pos, &data, &pcPtr); err != nil {
			return nil, errors.WithStack(err)
		}
		if pcPtr != nil {
			pc = *pcPtr
		}
		var ch change.Change
		if err := json.Unmarshal(data, &ch); err != nil {
			return nil, errors.Wrap(err, "changedb: unmarshal change")
		}
		out = append(out, change.Entry{
			Watermark: watermark.Watermark(w),
			Pos:       pos,
			Change:    ch,
			Precommit: watermark.Watermark(pc),
		})
	}
	return out, errors.WithStack(rows.Err())
}

// PurgeBefore deletes changeLog rows with watermark < w and returns
// the number of deleted rows. Callers must never pass a watermark
// greater than or equal to the current lastWatermark of any live
// subscriber.
func (ChangeLogRepo) PurgeBefore(ctx context.Context, q Querier, w watermark.Watermark) (int64, error) {
	tag, err := q.Exec(ctx, `DELETE FROM cdc.change_log WHERE watermark < $1`, w.String())
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return tag.RowsAffected(), nil
}

// EarliestWatermark returns the smallest watermark currently retained
// in the changeLog, or ok=false if the log is empty.
func (ChangeLogRepo) EarliestWatermark(ctx context.Context, q Querier) (w watermark.Watermark, ok bool, err error) {
	var s *string
	if err := q.QueryRow(ctx, `SELECT min(watermark) FROM cdc.change_log`).Scan(&s); err != nil {
		return "", false, errors.WithStack(err)
	}
	if s == nil {
		return "", false, nil
	}
	return watermark.Watermark(*s), true, nil
}

// ReplicationStateRepo is the repository over the singleton
// cdc.replication_state row.
type ReplicationStateRepo struct{}

// State mirrors the replicationState singleton row.
type State struct {
	LastWatermark watermark.Watermark
	Owner         string
	OwnerAddress  string
}

// Get reads the current replicationState row.
func (ReplicationStateRepo) Get(ctx context.Context, q Querier) (State, error) {
	var (
		w, owner string
		addr     *string
	)
	err := q.QueryRow(ctx,
		`SELECT last_watermark, coalesce(owner, ''), owner_address FROM cdc.replication_state WHERE lock = 1`,
	).Scan(&w, &owner, &addr)
	if err != nil {
		return State{}, errors.WithStack(err)
	}
	s := State{LastWatermark: watermark.Watermark(w), Owner: owner}
	if addr != nil {
		s.OwnerAddress = *addr
	}
	return s, nil
}

// AssumeOwnership atomically sets owner = taskID, unconditionally: the
// newly-starting task always wins, since a stale owner implies its
// process is no longer running. TryAcquireLease/RenewLease below offer
// a softer variant that only preempts an owner whose lease has
// actually lapsed, for callers that want to keep a live owner from
// being preempted by a misbehaving duplicate.
func (ReplicationStateRepo) AssumeOwnership(
	ctx context.Context, q Querier, taskID string, ownerAddress string,
) error {
	_, err := q.Exec(ctx,
		`UPDATE cdc.replication_state SET owner = $1, owner_address = $2 WHERE lock = 1`,
		taskID, ownerAddress)
	return errors.WithStack(err)
}

// AdvanceWatermark moves lastWatermark forward, but only if owner
// still equals expectedOwner; a mismatch (or a concurrent writer that
// already advanced past w) means ownership has changed out from under
// the caller.
func (ReplicationStateRepo) AdvanceWatermark(
	ctx context.Context, q Querier, expectedOwner string, w watermark.Watermark,
) error {
	tag, err := q.Exec(ctx,
		`UPDATE cdc.replication_state
		    SET last_watermark = $1
		  WHERE lock = 1 AND owner = $2 AND last_watermark < $1`,
		w.String(), expectedOwner)
	if err != nil {
		return errors.WithStack(err)
	}
	if tag.RowsAffected() == 0 {
		return &change.OwnershipChangedError{Cause: errors.Errorf(
			"owner %q no longer holds the changeLog (or watermark %s did not advance)", expectedOwner, w)}
	}
	return nil
}

// TryAcquireLease attempts to take ownership for taskID: it succeeds
// unconditionally if the row has no owner yet, if taskID already holds
// it (a renewal-by-reacquire, e.g. after a process restart that kept
// its identity), or if the previous owner's lease has expired. A live
// lease held by a different owner blocks acquisition, giving a stuck
// or duplicate process no way to preempt a still-healthy one.
func (ReplicationStateRepo) TryAcquireLease(
	ctx context.Context, q Querier, taskID, ownerAddress string, ttl time.Duration,
) (bool, error) {
	tag, err := q.Exec(ctx,
		`UPDATE cdc.replication_state
		    SET owner = $1, owner_address = $2, lease_expires_at = now() + $3 * interval '1 second'
		  WHERE lock = 1 AND (owner IS NULL OR owner = '' OR owner = $1 OR lease_expires_at < now())`,
		taskID, ownerAddress, ttl.Seconds())
	if err != nil {
		return false, errors.WithStack(err)
	}
	return tag.RowsAffected() > 0, nil
}

// RenewLease extends the lease held by taskID by ttl from now. It
// fails with OwnershipChangedError if taskID no longer owns the row —
// either preempted after its lease lapsed, or never held it.
func (ReplicationStateRepo) RenewLease(
	ctx context.Context, q Querier, taskID string, ttl time.Duration,
) error {
	tag, err := q.Exec(ctx,
		`UPDATE cdc.replication_state
		    SET lease_expires_at = now() + $2 * interval '1 second'
		  WHERE lock = 1 AND owner = $1`,
		taskID, ttl.Seconds())
	if err != nil {
		return errors.WithStack(err)
	}
	if tag.RowsAffected() == 0 {
		return &change.OwnershipChangedError{Cause: errors.Errorf(
			"lease renewal failed: %q no longer owns the changeLog", taskID)}
	}
	return nil
}

// ReplicationConfigRepo is the repository over the singleton
// cdc.replication_config row.
type ReplicationConfigRepo struct{}

// Config mirrors the replicationConfig singleton row.
type Config struct {
	ReplicaVersion string
	Publications   []string
	ResetRequired  bool
}

// Get reads the current replicationConfig row.
func (ReplicationConfigRepo) Get(ctx context.Context, q Querier) (Config, error) {
	var c Config
	err := q.QueryRow(ctx,
		`SELECT replica_version, publications, reset_required FROM cdc.replication_config WHERE lock = 1`,
	).Scan(&c.ReplicaVersion, &c.Publications, &c.ResetRequired)
	return c, errors.WithStack(err)
}

// ClearReset unconditionally clears reset_required, leaving
// replica_version untouched. Used only by the operator-triggered
// --auto-reset recovery path: it assumes whoever enabled that flag has
// already reconciled the Change DB's replica_version against the
// upstream out of band.
func (ReplicationConfigRepo) ClearReset(ctx context.Context, q Querier) error {
	_, err := q.Exec(ctx, `UPDATE cdc.replication_config SET reset_required = false WHERE lock = 1`)
	return errors.WithStack(err)
}
