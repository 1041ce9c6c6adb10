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
	"net/http"

	"github.com/cdcbroker/changestreamer/internal/changedb"
	"github.com/cdcbroker/changestreamer/internal/stopper"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Start performs one-time startup bootstrap — taking changeLog
// ownership and, if requested, clearing a pending replica reset —
// then launches every long-running component under ctx and returns.
// It does not block; callers wait on ctx.Done() and then call
// ctx.Stop to collect the first component failure, if any.
func (s *Server) Start(ctx *stopper.Context) error {
	if err := s.lease.Acquire(ctx); err != nil {
		return err
	}
	if err := s.store.AssumeOwnership(ctx, s.taskID, s.cfg.BindAddr); err != nil {
		return errors.Wrap(err, "changestreamer: assume changeLog ownership")
	}
	if s.cfg.AutoReset {
		if err := s.clearPendingReset(ctx); err != nil {
			return err
		}
	}

	ctx.Go(func() error { return s.lease.Run(ctx) })
	ctx.Go(func() error { return s.store.Run(ctx) })
	ctx.Go(func() error { return s.forwarder.Run(ctx) })
	ctx.Go(func() error { return s.backup.Run(ctx) })
	ctx.Go(func() error { return s.serveHTTP(ctx) })

	return nil
}

// clearPendingReset clears cdc.replication_config.reset_required if
// it is currently set, so the forwarder's own startup check (which
// otherwise surfaces a pending reset as a fatal AutoResetSignal) finds
// nothing to refuse.
func (s *Server) clearPendingReset(ctx context.Context) error {
	tx, err := s.changeDBPool.Begin(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cfg, err := (changedb.ReplicationConfigRepo{}).Get(ctx, tx)
	if err != nil {
		return errors.Wrap(err, "changestreamer: read replicationConfig")
	}
	if !cfg.ResetRequired {
		return nil
	}

	if err := (changedb.ReplicationConfigRepo{}).ClearReset(ctx, tx); err != nil {
		return errors.Wrap(err, "changestreamer: clear pending reset")
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.WithStack(err)
	}
	log.Warn("changestreamer: cleared a pending replica reset at operator request (--auto-reset)")
	return nil
}

// serveHTTP runs the bind listener until ctx stops, at which point it
// shuts down gracefully instead of dropping in-flight connections.
func (s *Server) serveHTTP(ctx *stopper.Context) error {
	go func() {
		<-ctx.Stopping()
		_ = s.httpServer.Shutdown(context.Background())
	}()

	var err error
	if s.httpServer.TLSConfig != nil {
		err = s.httpServer.ListenAndServeTLS("", "")
	} else {
		err = s.httpServer.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
