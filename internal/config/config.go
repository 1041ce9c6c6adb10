// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package config holds the user-visible configuration surface for the
// changestreamer binary: flag binding and preflight validation.
package config

import (
	"time"

	"github.com/cdcbroker/changestreamer/internal/changesource"
	"github.com/cdcbroker/changestreamer/internal/forwarder"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Config is the complete set of flags changestreamer accepts.
type Config struct {
	// UpstreamDSN is the Postgres connection string for the database
	// being replicated from, with replication=database appended
	// internally by changesource.
	UpstreamDSN string
	// SlotName and Publication select the upstream logical
	// replication slot and publication.
	SlotName    string
	Publication string

	// ChangeDBDSN is the connection string for the Change DB holding
	// cdc.change_log, cdc.replication_state, and
	// cdc.replication_config.
	ChangeDBDSN string

	// BindAddr is the network address the websocket server listens on.
	BindAddr string

	// BackupURL is advertised to subscribers starting a snapshot
	// reservation.
	BackupURL string
	// BackupMetricsURL is scraped for the litestream_replica_progress
	// gauge.
	BackupMetricsURL string
	// CleanupDelay is the initial floor for the changeLog retention
	// window; it only ever grows.
	CleanupDelay time.Duration

	// AutoReset, if true, allows the service to clear
	// cdc.replication_config.resetRequired at startup and resume from
	// max(last stored watermark, replicaVersion) instead of treating a
	// pending reset as fatal. Intended for operator-triggered recovery, not routine
	// operation.
	AutoReset bool

	DisableAuth        bool
	GenerateSelfSigned bool
	TLSCertFile        string
	TLSPrivateKey      string

	// CompactCatchupPages, if true, collapses same-key DataChanges
	// within a catch-up page to their last-watermark value before
	// sending them to a resubscribing replica. Off by default: it
	// trades the exact per-row replay a fresh subscriber otherwise
	// gets for a smaller wire payload on very hot rows.
	CompactCatchupPages bool
}

// Bind registers every flag against flags.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.UpstreamDSN, "upstreamDSN", "",
		"connection string for the Postgres database being replicated from")
	flags.StringVar(&c.SlotName, "slotName", "changestreamer",
		"the logical replication slot to stream from")
	flags.StringVar(&c.Publication, "publication", "changestreamer",
		"the PUBLICATION to stream from")

	flags.StringVar(&c.ChangeDBDSN, "changeDBDSN", "",
		"connection string for the database holding the change log")

	flags.StringVar(&c.BindAddr, "bindAddr", ":26260",
		"the network address to bind to")

	flags.StringVar(&c.BackupURL, "backupURL", "",
		"URL advertised to subscribers starting a snapshot reservation")
	flags.StringVar(&c.BackupMetricsURL, "backupMetricsURL", "",
		"URL scraped for the litestream_replica_progress gauge")
	flags.DurationVar(&c.CleanupDelay, "cleanupDelay", forwarder.MinCleanupDelay,
		"minimum age, from the newest confirmed backup, before a changeLog entry may be purged")

	flags.BoolVar(&c.AutoReset, "auto-reset", false,
		"allow the service to clear a pending replica reset instead of refusing to start")

	flags.BoolVar(&c.DisableAuth, "disableAuthentication", false,
		"disable authentication of incoming subscribe requests; not recommended for production")
	flags.BoolVar(&c.GenerateSelfSigned, "tlsSelfSigned", false,
		"if true, generate a self-signed TLS certificate valid for 'localhost'")
	flags.StringVar(&c.TLSCertFile, "tlsCertificate", "",
		"a path to a PEM-encoded TLS certificate chain")
	flags.StringVar(&c.TLSPrivateKey, "tlsPrivateKey", "",
		"a path to a PEM-encoded TLS private key")

	flags.BoolVar(&c.CompactCatchupPages, "compactCatchupPages", false,
		"collapse same-key changes within a catch-up page to their last value before sending")
}

// Preflight validates the bound flags and reports the first problem
// found.
func (c *Config) Preflight() error {
	if c.UpstreamDSN == "" {
		return errors.New("upstreamDSN unset")
	}
	if c.ChangeDBDSN == "" {
		return errors.New("changeDBDSN unset")
	}
	if c.SlotName == "" {
		return errors.New("slotName unset")
	}
	if c.Publication == "" {
		return errors.New("publication unset")
	}
	if c.BindAddr == "" {
		return errors.New("bindAddr unset")
	}
	if c.CleanupDelay < forwarder.MinCleanupDelay {
		return errors.Errorf("cleanupDelay must be at least %s", forwarder.MinCleanupDelay)
	}
	if (c.TLSCertFile == "") != (c.TLSPrivateKey == "") {
		return errors.New("either both of tlsCertificate and tlsPrivateKey must be set, or none")
	}
	if c.GenerateSelfSigned && c.TLSCertFile != "" {
		return errors.New("self-signed certificate requested, but also specified a TLS certificate")
	}
	if c.BackupMetricsURL != "" && c.BackupURL == "" {
		return errors.New("backupMetricsURL set without backupURL")
	}
	return nil
}

// SourceConfig projects the upstream replication settings into the
// shape changesource.New accepts.
func (c *Config) SourceConfig() changesource.Config {
	return changesource.Config{
		DSN:         c.UpstreamDSN,
		SlotName:    c.SlotName,
		Publication: c.Publication,
	}
}
