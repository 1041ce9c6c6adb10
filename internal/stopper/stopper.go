// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package stopper implements a cooperative shutdown context: a group
// of goroutines launched via Go share a Context that can be asked to
// stop, and whose owner can wait for every launched goroutine to
// actually exit before treating shutdown as complete.
package stopper

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Context wraps a context.Context with a goroutine-group lifecycle:
// Stopping is closed when shutdown is requested, Done/Err behave as
// the embedded context's, and Stop blocks until every goroutine
// launched with Go has returned (or a timeout elapses).
type Context struct {
	context.Context

	mu struct {
		sync.Mutex
		err     error
		stopped bool
	}
	stopping chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// WithContext creates a new stopper.Context whose lifetime is bound to
// the parent context; cancelling the parent is equivalent to calling
// Stop.
func WithContext(parent context.Context) *Context {
	ctx, cancel := context.WithCancel(parent)
	ret := &Context{
		Context:  ctx,
		stopping: make(chan struct{}),
		cancel:   cancel,
	}
	go func() {
		<-ctx.Done()
		ret.requestStop()
	}()
	return ret
}

// Stopping returns a channel that is closed as soon as shutdown has
// been requested, but before any in-flight goroutines are guaranteed
// to have observed it. Long-running loops should select on this
// channel to begin winding down.
func (c *Context) Stopping() <-chan struct{} {
	return c.stopping
}

// Go launches fn in a new goroutine tracked by the Context. If fn
// returns a non-nil error, it is recorded and Stop is requested for
// the whole group: one failed worker tears down its peers.
func (c *Context) Go(fn func() error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := fn(); err != nil {
			c.mu.Lock()
			if c.mu.err == nil {
				c.mu.err = err
			}
			c.mu.Unlock()
			c.requestStop()
		}
	}()
}

// Stop requests shutdown and waits up to timeout for every launched
// goroutine to finish. It returns the first error recorded by Go, if
// any.
func (c *Context) Stop(timeout time.Duration) error {
	c.requestStop()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.err
}

// Failed returns the first error recorded by a goroutine launched with
// Go, if any.
func (c *Context) Failed() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.err
}

func (c *Context) requestStop() {
	c.mu.Lock()
	already := c.mu.stopped
	c.mu.stopped = true
	c.mu.Unlock()

	if already {
		return
	}
	close(c.stopping)
	c.cancel()
}

// ErrStopped is returned by operations that observe a Context that has
// already been asked to shut down.
var ErrStopped = errors.New("stopper: context is stopping")
