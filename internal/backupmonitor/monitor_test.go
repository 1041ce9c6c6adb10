// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package backupmonitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cdcbroker/changestreamer/internal/watermark"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ctxBackground() context.Context { return context.Background() }

type fakeScheduler struct {
	mu    sync.Mutex
	calls []watermark.Watermark
}

func (f *fakeScheduler) ScheduleCleanup(w watermark.Watermark) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, w)
}

func (f *fakeScheduler) called() []watermark.Watermark {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]watermark.Watermark, len(f.calls))
	copy(out, f.calls)
	return out
}

func metricsServer(t *testing.T, watermarkLabel string, unixSeconds int64) *httptest.Server {
	t.Helper()
	body := "# TYPE litestream_replica_progress gauge\n" +
		`litestream_replica_progress{db="d",name="n",watermark="` + watermarkLabel + `"} ` +
		strconv.FormatInt(unixSeconds, 10) + "\n"
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
}

func TestNoCleanupBeforeDelayElapses(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	srv := metricsServer(t, "618p0bw8", start.Unix())
	defer srv.Close()

	sched := &fakeScheduler{}
	m := New(Config{MetricsURL: srv.URL}, sched, 100*time.Second)
	m.now = func() time.Time { return start.Add(99 * time.Second) }

	require.NoError(t, m.checkWatermarksAndScheduleCleanup(ctxBackground()))
	assert.Empty(t, sched.called())
}

func TestCleanupScheduledOnceDelayElapses(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	srv := metricsServer(t, "618p0bw8", start.Unix())
	defer srv.Close()

	sched := &fakeScheduler{}
	m := New(Config{MetricsURL: srv.URL}, sched, 100*time.Second)
	m.now = func() time.Time { return start.Add(100 * time.Second) }

	require.NoError(t, m.checkWatermarksAndScheduleCleanup(ctxBackground()))
	assert.Equal(t, []watermark.Watermark{"618p0bw8"}, sched.called())
}

func TestActiveReservationPausesScheduling(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	srv := metricsServer(t, "618p0bw8", start.Unix())
	defer srv.Close()

	sched := &fakeScheduler{}
	m := New(Config{MetricsURL: srv.URL}, sched, 100*time.Second)
	m.now = func() time.Time { return start }
	m.StartSnapshotReservation("foo-bar")

	m.now = func() time.Time { return start.Add(150 * time.Second) }
	require.NoError(t, m.checkWatermarksAndScheduleCleanup(ctxBackground()))
	assert.Empty(t, sched.called(), "an active reservation must pause cleanup scheduling entirely")
}

func TestEndReservationExtendsCleanupDelay(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	srv := metricsServer(t, "618p0bw8", start.Unix())
	defer srv.Close()

	sched := &fakeScheduler{}
	m := New(Config{MetricsURL: srv.URL}, sched, 100*time.Second)
	m.now = func() time.Time { return start }
	m.StartSnapshotReservation("foo-bar")

	m.now = func() time.Time { return start.Add(125 * time.Second) }
	m.EndReservation("foo-bar", true)
	assert.Equal(t, 125*time.Second, m.cleanupDelay)

	// The reservation's extended 125s delay has just elapsed as of the
	// release instant (backupTime == start, release == start+125s), so
	// the very next check schedules the purge immediately on release.
	require.NoError(t, m.checkWatermarksAndScheduleCleanup(ctxBackground()))
	assert.Equal(t, []watermark.Watermark{"618p0bw8"}, sched.called())
}

func TestEndReservationByTransportClosureDoesNotExtendDelay(t *testing.T) {
	sched := &fakeScheduler{}
	m := New(Config{}, sched, 30*time.Second)
	start := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return start }
	m.StartSnapshotReservation("foo-bar")

	m.now = func() time.Time { return start.Add(time.Hour) }
	m.EndReservation("foo-bar", false)
	assert.Equal(t, 30*time.Second, m.cleanupDelay)
}
