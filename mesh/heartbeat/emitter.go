/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package heartbeat

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/cheshire-cat-ai/catmesh/mesh/discovery"
	"github.com/cheshire-cat-ai/catmesh/mesh/membership"
	"github.com/cheshire-cat-ai/catmesh/pkg/metrics"
	"go.uber.org/zap"
)

// Announcer is the sending half of a discovery transport.
type Announcer interface {
	Announce(ctx context.Context, data []byte) error
}

type EmitterOptions struct {
	Logger    *zap.Logger
	Announcer Announcer
	Table     *membership.Table
	Interval  time.Duration
	Metrics   *metrics.MeshMetrics

	// SendTimeout bounds a single announce. Defaults to the interval.
	SendTimeout time.Duration
}

// Emitter periodically announces the local node. Intervals are jittered by
// up to a tenth so that nodes started together drift apart.
type Emitter struct {
	logger      *zap.Logger
	announcer   Announcer
	table       *membership.Table
	interval    time.Duration
	sendTimeout time.Duration
	metrics     *metrics.MeshMetrics

	triggerCh chan struct{}
}

func NewEmitter(opts EmitterOptions) *Emitter {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.GetMeshMetrics()
	}

	sendTimeout := opts.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = opts.Interval
	}

	return &Emitter{
		logger:      logger,
		announcer:   opts.Announcer,
		table:       opts.Table,
		interval:    opts.Interval,
		sendTimeout: sendTimeout,
		metrics:     m,
		triggerCh:   make(chan struct{}, 1),
	}
}

// Trigger asks for an announcement ahead of the next tick. Multiple triggers
// before the emitter gets to them collapse into one.
func (e *Emitter) Trigger() {
	select {
	case e.triggerCh <- struct{}{}:
	default:
	}
}

func (e *Emitter) nextDelay() time.Duration {
	maxJitter := int64(e.interval / 10)
	if maxJitter <= 0 {
		return e.interval
	}
	return e.interval + time.Duration(rand.Int64N(maxJitter+1))
}

// Run announces immediately and then on every tick until ctx is cancelled.
func (e *Emitter) Run(ctx context.Context) {
	e.announce(ctx)

	timer := time.NewTimer(e.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-e.triggerCh:
			timer.Stop()
		}

		e.announce(ctx)
		timer.Reset(e.nextDelay())
	}
}

func (e *Emitter) announce(ctx context.Context) {
	self := e.table.Self()

	data, err := discovery.EncodeAnnouncement(&discovery.Announcement{
		NodeID:       self.NodeID,
		Address:      self.Address,
		KnownVersion: self.KnownVersion,
		Timestamp:    time.Now(),
	})
	if err != nil {
		e.logger.Error("failed to encode announcement", zap.Error(err))
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	err = e.announcer.Announce(sendCtx, data)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return
		}

		// the next tick retries, so a failed send is only ever logged
		e.metrics.AnnouncementSendFailures.Add(ctx, 1)
		e.logger.Warn("failed to send announcement", zap.Error(err))
		return
	}

	e.metrics.AnnouncementsSent.Add(ctx, 1)
	e.logger.Debug("sent announcement", zap.Uint64("knownVersion", self.KnownVersion))
}
