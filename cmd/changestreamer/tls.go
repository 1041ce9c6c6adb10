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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"time"

	"github.com/cdcbroker/changestreamer/internal/config"
	"github.com/pkg/errors"
)

// selfSignedValidity is how long a generated certificate remains
// valid; changestreamer is expected to be restarted well inside this
// window in any deployment that relies on tlsSelfSigned rather than a
// real certificate.
const selfSignedValidity = 90 * 24 * time.Hour

// ProvideTLSConfig builds the *tls.Config the bind listener serves
// with, either from cfg's certificate/key files, by generating a
// self-signed "localhost" certificate, or nil if TLS was not
// requested at all.
func ProvideTLSConfig(cfg *config.Config) (*tls.Config, error) {
	switch {
	case cfg.TLSCertFile != "":
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSPrivateKey)
		if err != nil {
			return nil, errors.Wrap(err, "changestreamer: load TLS certificate")
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	case cfg.GenerateSelfSigned:
		cert, err := generateSelfSigned()
		if err != nil {
			return nil, err
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	default:
		return nil, nil
	}
}

// generateSelfSigned produces an ECDSA P-256 certificate valid for
// "localhost" and 127.0.0.1, entirely in memory.
func generateSelfSigned() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "changestreamer: generate TLS key")
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "changestreamer: generate serial number")
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(selfSignedValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "changestreamer: create self-signed certificate")
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "changestreamer: marshal TLS key")
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        nil,
	}, errors.WithStack(tlsCertificateSanityCheck(der, keyDER))
}

// tlsCertificateSanityCheck parses back the generated DER certificate
// and key, surfacing a malformed self-signed certificate as a startup
// error instead of a mysterious handshake failure later.
func tlsCertificateSanityCheck(certDER, keyDER []byte) error {
	if _, err := x509.ParseCertificate(certDER); err != nil {
		return err
	}
	_, err := x509.ParseECPrivateKey(keyDER)
	return err
}
