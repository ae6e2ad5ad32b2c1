/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package metrics

import (
	"sync"

	"github.com/cheshire-cat-ai/catmesh/utils/buildversion"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type MeshMetrics struct {
	AnnouncementsSent        metric.Int64Counter
	AnnouncementSendFailures metric.Int64Counter
	AnnouncementsReceived    metric.Int64Counter
	AnnouncementsDropped     metric.Int64Counter

	PeersJoined  metric.Int64Counter
	PeersEvicted metric.Int64Counter
	ActivePeers  metric.Int64UpDownCounter

	UpdatesPublished    metric.Int64Counter
	UpdatesApplied      metric.Int64Counter
	UpdateFetchFailures metric.Int64Counter
	UnackedPushes       metric.Int64Counter
	PushLatency         metric.Float64Histogram
	CurrentVersion      metric.Int64Gauge

	PushRequests       metric.Int64Counter
	ActivePushRequests metric.Int64UpDownCounter
}

var (
	meshMetrics     *MeshMetrics
	meshMetricsLock sync.Mutex
)

func GetMeshMetrics() *MeshMetrics {
	meshMetricsLock.Lock()

	if meshMetrics != nil {
		meshMetricsLock.Unlock()
		return meshMetrics
	}

	meshMetrics = newMeshMetrics()

	meshMetricsLock.Unlock()
	return meshMetrics
}

func newMeshMetrics() *MeshMetrics {
	meter := otel.Meter(
		"ai.cheshirecat.catmesh",
		metric.WithInstrumentationVersion(buildversion.GetVersion()))

	announcementsSent, _ := meter.Int64Counter("mesh_announcements_sent_total")
	announcementSendFailures, _ := meter.Int64Counter("mesh_announcement_send_failures_total")
	announcementsReceived, _ := meter.Int64Counter("mesh_announcements_received_total")
	announcementsDropped, _ := meter.Int64Counter("mesh_announcements_dropped_total",
		metric.WithDescription("announcements discarded because they could not be decoded"))

	peersJoined, _ := meter.Int64Counter("mesh_peers_joined_total")
	peersEvicted, _ := meter.Int64Counter("mesh_peers_evicted_total")
	activePeers, _ := meter.Int64UpDownCounter("mesh_peers")

	updatesPublished, _ := meter.Int64Counter("mesh_updates_published_total")
	updatesApplied, _ := meter.Int64Counter("mesh_updates_applied_total")
	updateFetchFailures, _ := meter.Int64Counter("mesh_update_fetch_failures_total")
	unackedPushes, _ := meter.Int64Counter("mesh_update_unacked_pushes_total")
	pushLatency, _ := meter.Float64Histogram("mesh_update_push_seconds",
		metric.WithUnit("s"))
	currentVersion, _ := meter.Int64Gauge("mesh_update_current_version")

	pushRequests, _ := meter.Int64Counter("mesh_push_requests_total")
	activePushRequests, _ := meter.Int64UpDownCounter("mesh_push_requests_active")

	return &MeshMetrics{
		AnnouncementsSent:        announcementsSent,
		AnnouncementSendFailures: announcementSendFailures,
		AnnouncementsReceived:    announcementsReceived,
		AnnouncementsDropped:     announcementsDropped,
		PeersJoined:              peersJoined,
		PeersEvicted:             peersEvicted,
		ActivePeers:              activePeers,
		UpdatesPublished:         updatesPublished,
		UpdatesApplied:           updatesApplied,
		UpdateFetchFailures:      updateFetchFailures,
		UnackedPushes:            unackedPushes,
		PushLatency:              pushLatency,
		CurrentVersion:           currentVersion,
		PushRequests:             pushRequests,
		ActivePushRequests:       activePushRequests,
	}
}
