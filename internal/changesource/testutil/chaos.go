// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package testutil provides fault-injection helpers for exercising
// the forwarder's handling of a fatal upstream error without a live,
// flaky upstream.
package testutil

import (
	"context"
	"math/rand"

	"github.com/cdcbroker/changestreamer/internal/change"
	"github.com/cdcbroker/changestreamer/internal/changesource"
	"github.com/cdcbroker/changestreamer/internal/watermark"
	"github.com/pkg/errors"
)

// ErrChaos is the error injected by WithChaos.
var ErrChaos = errors.New("chaos")

// WithChaos wraps delegate so that StartStream fails with probability
// prob, returning FatalUpstreamError; delegate is returned unmodified
// if prob <= 0.
func WithChaos(delegate changesource.Source, prob float32) changesource.Source {
	if prob <= 0 {
		return delegate
	}
	return &chaosSource{delegate: delegate, prob: prob}
}

type chaosSource struct {
	delegate changesource.Source
	prob     float32
}

var _ changesource.Source = (*chaosSource)(nil)

func (s *chaosSource) StartStream(ctx context.Context, from watermark.Watermark) (*changesource.Stream, error) {
	if rand.Float32() < s.prob {
		return nil, &change.FatalUpstreamError{Cause: errors.WithMessage(ErrChaos, "StartStream")}
	}
	return s.delegate.StartStream(ctx, from)
}
