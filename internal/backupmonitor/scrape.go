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
	"time"

	"github.com/cdcbroker/changestreamer/internal/watermark"
	"github.com/pkg/errors"
	"github.com/prometheus/common/expfmt"
)

// progressMetric is the Prometheus gauge name scraped for backup progress.
const progressMetric = "litestream_replica_progress"

// scrape fetches m.cfg.MetricsURL and returns, per distinct watermark
// label value, the sample's unix-seconds gauge value as a time.Time.
func (m *Monitor) scrape(ctx context.Context) (map[watermark.Watermark]time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.MetricsURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "backupmonitor: build scrape request")
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "backupmonitor: scrape request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("backupmonitor: scrape returned status %d", resp.StatusCode)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "backupmonitor: parse metrics")
	}

	family, ok := families[progressMetric]
	if !ok {
		return map[watermark.Watermark]time.Time{}, nil
	}

	out := make(map[watermark.Watermark]time.Time, len(family.Metric))
	for _, metric := range family.Metric {
		if metric.Gauge == nil {
			continue
		}
		var w watermark.Watermark
		for _, label := range metric.Label {
			if label.GetName() == "watermark" {
				w = watermark.Watermark(label.GetValue())
				break
			}
		}
		if w == "" {
			continue
		}
		out[w] = time.Unix(int64(metric.Gauge.GetValue()), 0)
	}
	return out, nil
}
