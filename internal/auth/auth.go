// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package auth defines the seam changestreamer authenticates incoming
// subscribe requests through. Client authentication itself is not
// implemented here; only the trust-all default that lets the rest of
// the server depend on an Authenticator without caring which scheme,
// if any, eventually gets layered on top.
package auth

import "net/http"

// Authenticator decides whether an incoming subscribe request may
// proceed. Implementations that need request state (bearer tokens,
// mTLS peer certificates) read it off r.
type Authenticator interface {
	Authenticate(r *http.Request) error
}

// Trust is the default Authenticator: every request is allowed.
type Trust struct{}

// Authenticate implements Authenticator.
func (Trust) Authenticate(*http.Request) error { return nil }

var _ Authenticator = Trust{}
