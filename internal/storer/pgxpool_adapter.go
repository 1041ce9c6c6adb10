// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package storer

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxWritePool adapts a *pgxpool.Pool to the WritePool interface.
type pgxWritePool struct {
	pool *pgxpool.Pool
}

// NewPgxWritePool returns the production WritePool backed by pool,
// used for the Storer's write-transaction path. Every transaction
// runs at serializable isolation, so a concurrent duplicate writer
// surfaces as a serialization failure rather than silent divergence.
func NewPgxWritePool(pool *pgxpool.Pool) WritePool {
	return &pgxWritePool{pool: pool}
}

func (p *pgxWritePool) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, err
	}
	return tx, nil
}
