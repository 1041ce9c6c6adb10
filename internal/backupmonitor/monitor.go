// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package backupmonitor converts external backup-progress observations
// and subscriber snapshot reservations into safe changeLog cleanup
// schedules.
package backupmonitor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cdcbroker/changestreamer/internal/protocol"
	"github.com/cdcbroker/changestreamer/internal/stopper"
	"github.com/cdcbroker/changestreamer/internal/watermark"
	log "github.com/sirupsen/logrus"
)

// scrapeInterval is how often the Prometheus backup-progress gauge is scraped.
const scrapeInterval = 60 * time.Second

// CleanupScheduler is the subset of forwarder.ChangeStreamerService the
// Monitor depends on.
type CleanupScheduler interface {
	ScheduleCleanup(w watermark.Watermark)
}

// reservation tracks one in-flight snapshot restore.
type reservation struct {
	start time.Time
}

// Config configures a Monitor.
type Config struct {
	// BackupURL is advertised to subscribers starting a snapshot
	// reservation.
	BackupURL string
	// MetricsURL is scraped every scrapeInterval for the
	// litestream_replica_progress gauge.
	MetricsURL string
}

// Monitor tracks external backup progress and subscriber snapshot
// reservations to decide when changeLog cleanup is safe to run.
type Monitor struct {
	cfg       Config
	client    *http.Client
	scheduler CleanupScheduler
	now       func() time.Time

	mu           sync.Mutex
	cleanupDelay time.Duration
	reservations map[string]*reservation
	observed     map[watermark.Watermark]time.Time
	lastObserved watermark.Watermark
}

// New constructs a Monitor. initialCleanupDelay is the starting
// floor for the retention window, typically forwarder.MinCleanupDelay.
func New(cfg Config, scheduler CleanupScheduler, initialCleanupDelay time.Duration) *Monitor {
	return &Monitor{
		cfg:          cfg,
		client:       &http.Client{Timeout: 10 * time.Second},
		scheduler:    scheduler,
		now:          time.Now,
		cleanupDelay: initialCleanupDelay,
		reservations: make(map[string]*reservation),
		observed:     make(map[watermark.Watermark]time.Time),
	}
}

// StartSnapshotReservation begins (or restarts) a reservation for
// taskID, pausing cleanup scheduling until it ends, and returns the
// first frame of its status-sequence.
func (m *Monitor) StartSnapshotReservation(taskID string) protocol.Frame {
	m.mu.Lock()
	m.reservations[taskID] = &reservation{start: m.now()}
	m.mu.Unlock()
	return protocol.NewBackupStatusFrame(m.cfg.BackupURL)
}

// EndReservation releases the reservation held for taskID. When
// updateDelay is true the cleanup retention window is extended to
// cover this reservation's full duration; a reservation ended by mere
// transport closure must pass updateDelay=false so an aborted restore
// cannot extend retention.
func (m *Monitor) EndReservation(taskID string, updateDelay bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[taskID]
	if !ok {
		return
	}
	delete(m.reservations, taskID)

	if updateDelay {
		elapsed := m.now().Sub(r.start)
		if elapsed > m.cleanupDelay {
			m.cleanupDelay = elapsed
		}
	}
}

// Run drives the ~60s scrape-and-schedule loop until ctx.Stopping
// fires.
func (m *Monitor) Run(ctx *stopper.Context) error {
	ticker := time.NewTicker(scrapeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Stopping():
			return nil
		case <-ticker.C:
			if err := m.checkWatermarksAndScheduleCleanup(ctx); err != nil {
				log.WithError(err).Warn("backupmonitor: scrape failed")
			}
		}
	}
}

// checkWatermarksAndScheduleCleanup scrapes, merges newly observed
// watermarks, and — if no reservation is active — schedules cleanup up
// to the newest watermark whose backup predates now-cleanupDelay.
func (m *Monitor) checkWatermarksAndScheduleCleanup(ctx context.Context) error {
	samples, err := m.scrape(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	for w, backupTime := range samples {
		if watermark.Less(m.lastObserved, w) {
			m.observed[w] = backupTime
		}
	}
	if len(m.reservations) > 0 {
		m.mu.Unlock()
		return nil
	}

	cutoff := m.now().Add(-m.cleanupDelay)
	var target watermark.Watermark
	found := false
	for w, backupTime := range m.observed {
		if backupTime.After(cutoff) {
			continue
		}
		if !found || watermark.Less(target, w) {
			target = w
			found = true
		}
	}
	if found {
		for w := range m.observed {
			if !watermark.Less(target, w) {
				delete(m.observed, w)
			}
		}
		if watermark.Less(m.lastObserved, target) {
			m.lastObserved = target
		}
	}
	m.mu.Unlock()

	if found {
		m.scheduler.ScheduleCleanup(target)
	}
	return nil
}
