/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package failuredetector

import (
	"context"
	"time"

	"github.com/cheshire-cat-ai/catmesh/mesh/membership"
	"github.com/cheshire-cat-ai/catmesh/pkg/metrics"
	"go.uber.org/zap"
)

type DetectorOptions struct {
	Logger  *zap.Logger
	Table   *membership.Table
	Timeout time.Duration
	Metrics *metrics.MeshMetrics

	// TickInterval is how often the table is swept. It defaults to a third
	// of Timeout so a silent peer is evicted within Timeout plus one tick.
	TickInterval time.Duration

	// OnEvict is invoked once for every evicted peer, outside of any lock.
	OnEvict func(rec membership.NodeRecord)

	Now func() time.Time
}

// Detector evicts peers that have not been heard from within the timeout.
// It never evicts the local node.
type Detector struct {
	logger       *zap.Logger
	table        *membership.Table
	timeout      time.Duration
	tickInterval time.Duration
	metrics      *metrics.MeshMetrics
	onEvict      func(rec membership.NodeRecord)
	now          func() time.Time
}

func NewDetector(opts DetectorOptions) *Detector {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.GetMeshMetrics()
	}

	tickInterval := opts.TickInterval
	if tickInterval <= 0 {
		tickInterval = opts.Timeout / 3
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Detector{
		logger:       logger,
		table:        opts.Table,
		timeout:      opts.Timeout,
		tickInterval: tickInterval,
		metrics:      m,
		onEvict:      opts.OnEvict,
		now:          now,
	}
}

func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(ctx, d.now())
		}
	}
}

// Sweep evicts every peer whose last sighting is more than the timeout
// before now, and returns what it evicted.
func (d *Detector) Sweep(ctx context.Context, now time.Time) []membership.NodeRecord {
	evicted := d.table.EvictOlderThan(now.Add(-d.timeout))

	for _, rec := range evicted {
		d.logger.Info("peer evicted",
			zap.String("nodeId", rec.NodeID),
			zap.String("address", rec.Address),
			zap.Duration("silentFor", now.Sub(rec.LastSeen)))

		d.metrics.PeersEvicted.Add(ctx, 1)
		d.metrics.ActivePeers.Add(ctx, -1)

		if d.onEvict != nil {
			d.onEvict(rec)
		}
	}

	return evicted
}
