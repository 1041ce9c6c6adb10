// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package diag collects named component health checks and exposes them
// as a single aggregate report.
package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/pkg/errors"
)

// Check reports whether a component is healthy. Returning an error
// marks the component (and the aggregate report) unhealthy.
type Check func(ctx context.Context) error

// Diagnostics is a registry of named Checks, safe for concurrent use.
// Components register themselves once at construction time via
// Register; the server exposes the aggregate via ServeHTTP.
type Diagnostics struct {
	mu     sync.Mutex
	checks map[string]Check
}

// New returns an empty Diagnostics registry.
func New() *Diagnostics {
	return &Diagnostics{checks: make(map[string]Check)}
}

// Register adds name to the registry. It is an error to register the
// same name twice, since that almost always indicates two components
// were wired with colliding identifiers.
func (d *Diagnostics) Register(name string, check Check) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.checks[name]; exists {
		return errors.Errorf("diag: %q already registered", name)
	}
	d.checks[name] = check
	return nil
}

// Report runs every registered Check and returns the per-component
// results.
func (d *Diagnostics) Report(ctx context.Context) map[string]string {
	d.mu.Lock()
	checks := make(map[string]Check, len(d.checks))
	for name, check := range d.checks {
		checks[name] = check
	}
	d.mu.Unlock()

	out := make(map[string]string, len(checks))
	for name, check := range checks {
		if err := check(ctx); err != nil {
			out[name] = err.Error()
		} else {
			out[name] = "ok"
		}
	}
	return out
}

// ServeHTTP implements a liveness/readiness endpoint: 200 with the
// per-component report if every check passes, 503 otherwise.
func (d *Diagnostics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := d.Report(r.Context())

	status := http.StatusOK
	for _, result := range report {
		if result != "ok" {
			status = http.StatusServiceUnavailable
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(report)
}
