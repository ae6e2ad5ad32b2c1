/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package discovery

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cheshire-cat-ai/catmesh/mesh/membership"
	"github.com/cheshire-cat-ai/catmesh/pkg/metrics"
	"go.uber.org/zap"
)

// VersionObserver is told about every version a peer advertises. Observe
// must not block.
type VersionObserver interface {
	Observe(version uint64, source string)
}

type ListenerOptions struct {
	Logger    *zap.Logger
	Transport Transport
	Table     *membership.Table
	Observer  VersionObserver
	Metrics   *metrics.MeshMetrics

	// OnJoin is invoked whenever a node is admitted to the table, either for
	// the first time or after having been evicted.
	OnJoin func(rec membership.NodeRecord)
}

// Listener turns received announcements into membership and version
// observations, in the order they were received.
type Listener struct {
	logger    *zap.Logger
	transport Transport
	table     *membership.Table
	observer  VersionObserver
	metrics   *metrics.MeshMetrics
	onJoin    func(rec membership.NodeRecord)

	dropped atomic.Uint64
}

func NewListener(opts ListenerOptions) *Listener {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.GetMeshMetrics()
	}

	return &Listener{
		logger:    logger,
		transport: opts.Transport,
		table:     opts.Table,
		observer:  opts.Observer,
		metrics:   m,
		onJoin:    opts.OnJoin,
	}
}

// Dropped is the number of datagrams discarded as malformed.
func (l *Listener) Dropped() uint64 {
	return l.dropped.Load()
}

// Run receives until ctx is cancelled or the transport is closed. Receive
// errors are retried with backoff and never end the loop.
func (l *Listener) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		pkt, err := l.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrTransportClosed) {
				return
			}

			l.logger.Warn("failed to receive announcement", zap.Error(err))

			select {
			case <-time.After(b.NextBackOff()):
			case <-ctx.Done():
				return
			}
			continue
		}

		b.Reset()
		l.HandlePacket(ctx, pkt)
	}
}

func (l *Listener) HandlePacket(ctx context.Context, pkt *Packet) {
	l.metrics.AnnouncementsReceived.Add(ctx, 1)

	a, err := DecodeAnnouncement(pkt.Data)
	if err != nil {
		if errors.Is(err, ErrUnknownKind) {
			l.logger.Debug("ignoring announcement of unknown kind",
				zap.String("from", pkt.From),
				zap.Error(err))
			return
		}

		l.dropped.Add(1)
		l.metrics.AnnouncementsDropped.Add(ctx, 1)
		l.logger.Debug("dropping malformed announcement",
			zap.String("from", pkt.From),
			zap.Int("size", len(pkt.Data)),
			zap.Error(err))
		return
	}

	if a.NodeID == l.table.SelfID() {
		return
	}

	// LastSeen uses our own receipt time so clock skew between nodes can
	// never make a peer look fresher or staler than it is.
	receivedAt := pkt.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	res, err := l.table.Upsert(membership.NodeRecord{
		NodeID:       a.NodeID,
		Address:      a.Address,
		LastSeen:     receivedAt,
		KnownVersion: a.KnownVersion,
	})
	if err != nil {
		l.logger.Debug("failed to record announcement", zap.Error(err))
		return
	}

	if res.Joined {
		l.logger.Info("peer joined",
			zap.String("nodeId", a.NodeID),
			zap.String("address", a.Address),
			zap.Uint64("knownVersion", a.KnownVersion))
		l.metrics.PeersJoined.Add(ctx, 1)
		l.metrics.ActivePeers.Add(ctx, 1)

		if l.onJoin != nil {
			l.onJoin(res.Record)
		}
	}

	if l.observer != nil {
		l.observer.Observe(a.KnownVersion, a.NodeID)
	}
}
