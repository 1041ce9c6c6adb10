// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

//go:build wireinject
// +build wireinject

package main

import (
	"context"

	"github.com/cdcbroker/changestreamer/internal/config"
	"github.com/google/wire"
)

// newServer is the wire input injector.go is built from; `go generate`
// regenerates wire_gen.go's NewServer from this. Never compiled
// directly (see the wireinject build tag above) and kept in sync with
// wire_gen.go by hand, since this tree has no module cache to run wire
// against.
func newServer(ctx context.Context, cfg *config.Config) (*Server, func(), error) {
	panic(wire.Build(
		ProvideDiagnostics,
		ProvideChangeDBPool,
		ProvideCatchupPool,
		ProvideStorer,
		ProvideChangeSource,
		ProvideForwarder,
		ProvideBackupMonitor,
		ProvideTaskID,
		ProvideOwnershipLease,
		ProvideTLSConfig,
		wire.Struct(new(Server), "*"),
	))
}
