// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Command changestreamer runs the change-streaming broker: it
// consumes a Postgres logical-replication slot, durably records every
// committed change, and serves it to subscribers over websockets.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cdcbroker/changestreamer/internal/config"
	"github.com/cdcbroker/changestreamer/internal/stopper"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// shutdownGrace bounds how long Stop waits for every launched
// goroutine (including the HTTP listener's own graceful shutdown) to
// return once asked.
const shutdownGrace = 30 * time.Second

func main() {
	log.SetFormatter(&log.JSONFormatter{})

	cfg := &config.Config{}
	flags := pflag.NewFlagSet("changestreamer", pflag.ExitOnError)
	cfg.Bind(flags)
	if err := flags.Parse(os.Args[1:]); err != nil {
		log.WithError(err).Fatal("changestreamer: parse flags")
	}
	if err := cfg.Preflight(); err != nil {
		log.WithError(err).Fatal("changestreamer: invalid configuration")
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx := stopper.WithContext(baseCtx)

	srv, cleanup, err := NewServer(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("changestreamer: startup")
	}
	defer cleanup()

	if err := srv.Start(ctx); err != nil {
		log.WithError(err).Fatal("changestreamer: startup")
	}

	<-ctx.Done()
	if err := ctx.Stop(shutdownGrace); err != nil {
		log.WithError(err).Fatal("changestreamer: exited with error")
	}
	log.Info("changestreamer: shut down cleanly")
}
