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
	"crypto/x509"
	"testing"

	"github.com/cdcbroker/changestreamer/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSelfSignedProducesParsableCertificate(t *testing.T) {
	cert, err := generateSelfSigned()
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "localhost", parsed.Subject.CommonName)
	assert.Contains(t, parsed.DNSNames, "localhost")
	assert.True(t, parsed.NotAfter.After(parsed.NotBefore))
}

func TestProvideTLSConfigDisabledByDefault(t *testing.T) {
	cfg := &config.Config{}
	tlsConfig, err := ProvideTLSConfig(cfg)
	require.NoError(t, err)
	assert.Nil(t, tlsConfig)
}

func TestProvideTLSConfigSelfSigned(t *testing.T) {
	cfg := &config.Config{GenerateSelfSigned: true}
	tlsConfig, err := ProvideTLSConfig(cfg)
	require.NoError(t, err)
	require.NotNil(t, tlsConfig)
	assert.Len(t, tlsConfig.Certificates, 1)
}

func TestProvideTLSConfigMissingCertFileErrors(t *testing.T) {
	cfg := &config.Config{TLSCertFile: "/nonexistent/cert.pem", TLSPrivateKey: "/nonexistent/key.pem"}
	_, err := ProvideTLSConfig(cfg)
	require.Error(t, err)
}
