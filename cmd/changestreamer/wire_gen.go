// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

//go:generate go run github.com/google/wire/cmd/wire
//go:build !wireinject
// +build !wireinject

// Code in this file plays the role Wire would otherwise generate: it
// chains the cmd/changestreamer Provide* functions into one object
// graph, unwinding cleanups in reverse order on any failure, the same
// shape `wire` itself emits (see injector.go for the wire.Build call
// this file stands in for).
package main

import (
	"context"
	"net/http"

	"github.com/cdcbroker/changestreamer/internal/auth"
	"github.com/cdcbroker/changestreamer/internal/backupmonitor"
	"github.com/cdcbroker/changestreamer/internal/changedb"
	"github.com/cdcbroker/changestreamer/internal/changesource"
	"github.com/cdcbroker/changestreamer/internal/config"
	"github.com/cdcbroker/changestreamer/internal/diag"
	"github.com/cdcbroker/changestreamer/internal/forwarder"
	"github.com/cdcbroker/changestreamer/internal/metrics"
	"github.com/cdcbroker/changestreamer/internal/storer"
	"github.com/cdcbroker/changestreamer/internal/transport"
	"github.com/cdcbroker/changestreamer/internal/txpool"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Injectors from injector.go:

// Server holds the fully-wired object graph for one changestreamer
// process.
type Server struct {
	cfg *config.Config

	taskID       string
	diagnostics  *diag.Diagnostics
	changeDBPool *pgxpool.Pool
	catchupPool  *txpool.Pool
	store        *storer.Storer
	source       changesource.Source
	forwarder    *forwarder.ChangeStreamerService
	backup       *backupmonitor.Monitor
	lease        *changedb.OwnershipLease
	authn        auth.Authenticator
	httpServer   *http.Server
}

// NewServer builds the full object graph for cfg. On success the
// returned cleanup function must be called exactly once. On error the
// cleanup is nil: NewServer has already released whatever it built.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, func(), error) {
	diagnostics := ProvideDiagnostics()

	if err := ProvideMigrations(cfg); err != nil {
		return nil, nil, err
	}

	changeDBPool, cleanup1, err := ProvideChangeDBPool(ctx, cfg, diagnostics)
	if err != nil {
		return nil, nil, err
	}

	catchupPool, cleanup2, err := ProvideCatchupPool(ctx, changeDBPool, diagnostics)
	if err != nil {
		cleanup1()
		return nil, nil, err
	}

	store := ProvideStorer(cfg, changeDBPool, catchupPool)
	source := ProvideChangeSource(cfg)
	fwd := ProvideForwarder(source, store)
	backup := ProvideBackupMonitor(cfg, fwd)

	taskID := ProvideTaskID()
	lease := ProvideOwnershipLease(changeDBPool, taskID, cfg.BindAddr)

	tlsConfig, err := ProvideTLSConfig(cfg)
	if err != nil {
		cleanup2()
		cleanup1()
		return nil, nil, err
	}

	var authn auth.Authenticator = auth.Trust{}
	if !cfg.DisableAuth {
		log.Warn("changestreamer: client authentication is not implemented; serving with the trust-all default regardless of disableAuthentication")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	handler := transport.NewHandler("", fwd.Serve, backup.Serve)
	handler.OnUpstreamStatus = fwd.ReportUpstreamStatus

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", diagnostics)
	mux.Handle("/", authMiddleware(authn, handler))

	httpServer := &http.Server{
		Addr:      cfg.BindAddr,
		Handler:   mux,
		TLSConfig: tlsConfig,
	}

	srv := &Server{
		cfg:          cfg,
		taskID:       taskID,
		diagnostics:  diagnostics,
		changeDBPool: changeDBPool,
		catchupPool:  catchupPool,
		store:        store,
		source:       source,
		forwarder:    fwd,
		backup:       backup,
		lease:        lease,
		authn:        authn,
		httpServer:   httpServer,
	}

	cleanup := func() {
		cleanup2()
		cleanup1()
	}
	return srv, cleanup, nil
}

// authMiddleware rejects a request with 401 if authn refuses it,
// otherwise delegates to next unchanged.
func authMiddleware(authn auth.Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := authn.Authenticate(r); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
