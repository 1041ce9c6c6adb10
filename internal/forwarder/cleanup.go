// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package forwarder

import (
	"context"
	"time"

	"github.com/cdcbroker/changestreamer/internal/watermark"
	log "github.com/sirupsen/logrus"
)

// ScheduleCleanup is called by the BackupMonitor with a watermark it
// believes is safe to purge up to. It is idempotent
// and debounced: a call while a schedule is already pending only
// raises the pending target if w is newer, and the actual purge fires
// no sooner than MinCleanupDelay after the first call in a batch, by
// which point in-flight subscribers have had a chance to advance past
// w.
func (f *ChangeStreamerService) ScheduleCleanup(w watermark.Watermark) {
	f.cleanupMu.Lock()
	defer f.cleanupMu.Unlock()

	if watermark.Less(f.cleanupWatermark, w) {
		f.cleanupWatermark = w
	}
	if f.cleanupPending {
		return
	}
	f.cleanupPending = true
	f.cleanupTimer = time.AfterFunc(MinCleanupDelay, func() {
		f.runCleanup(context.Background())
	})
}

func (f *ChangeStreamerService) runCleanup(ctx context.Context) {
	f.cleanupMu.Lock()
	target := f.cleanupWatermark
	f.cleanupPending = false
	f.cleanupMu.Unlock()

	purgeTarget := watermark.Min(f.store.GetLastWatermark(), target)
	for _, sub := range f.liveSubscribers() {
		purgeTarget = watermark.Min(purgeTarget, sub.Watermark())
	}

	n, err := f.store.PurgeRecordsBefore(ctx, purgeTarget)
	if err != nil {
		log.WithError(err).WithField("watermark", purgeTarget).Error("forwarder: cleanup purge failed")
		return
	}
	log.WithFields(log.Fields{"watermark": purgeTarget, "rows": n}).Info("forwarder: purged changeLog")
}
