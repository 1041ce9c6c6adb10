// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package config

import (
	"testing"

	"github.com/cdcbroker/changestreamer/internal/forwarder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		UpstreamDSN:  "postgres://upstream",
		ChangeDBDSN:  "postgres://changedb",
		SlotName:     "slot",
		Publication:  "pub",
		BindAddr:     ":26260",
		CleanupDelay: forwarder.MinCleanupDelay,
	}
}

func TestPreflightAcceptsMinimalValidConfig(t *testing.T) {
	require.NoError(t, validConfig().Preflight())
}

func TestPreflightRejectsMissingRequiredFields(t *testing.T) {
	cases := map[string]func(*Config){
		"upstreamDSN": func(c *Config) { c.UpstreamDSN = "" },
		"changeDBDSN": func(c *Config) { c.ChangeDBDSN = "" },
		"slotName":    func(c *Config) { c.SlotName = "" },
		"publication": func(c *Config) { c.Publication = "" },
		"bindAddr":    func(c *Config) { c.BindAddr = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(cfg)
			assert.Error(t, cfg.Preflight())
		})
	}
}

func TestPreflightRejectsCleanupDelayBelowMinimum(t *testing.T) {
	cfg := validConfig()
	cfg.CleanupDelay = forwarder.MinCleanupDelay - 1
	assert.Error(t, cfg.Preflight())
}

func TestPreflightRejectsMismatchedTLSFiles(t *testing.T) {
	cfg := validConfig()
	cfg.TLSCertFile = "cert.pem"
	assert.Error(t, cfg.Preflight())

	cfg2 := validConfig()
	cfg2.TLSPrivateKey = "key.pem"
	assert.Error(t, cfg2.Preflight())
}

func TestPreflightRejectsSelfSignedWithExplicitCert(t *testing.T) {
	cfg := validConfig()
	cfg.GenerateSelfSigned = true
	cfg.TLSCertFile = "cert.pem"
	cfg.TLSPrivateKey = "key.pem"
	assert.Error(t, cfg.Preflight())
}

func TestPreflightRejectsBackupMetricsURLWithoutBackupURL(t *testing.T) {
	cfg := validConfig()
	cfg.BackupMetricsURL = "http://example/metrics"
	assert.Error(t, cfg.Preflight())
}

func TestPreflightAcceptsBackupURLPair(t *testing.T) {
	cfg := validConfig()
	cfg.BackupURL = "http://example/backup"
	cfg.BackupMetricsURL = "http://example/metrics"
	assert.NoError(t, cfg.Preflight())
}

func TestSourceConfigProjectsReplicationSettings(t *testing.T) {
	cfg := validConfig()
	sc := cfg.SourceConfig()
	assert.Equal(t, cfg.UpstreamDSN, sc.DSN)
	assert.Equal(t, cfg.SlotName, sc.SlotName)
	assert.Equal(t, cfg.Publication, sc.Publication)
}
