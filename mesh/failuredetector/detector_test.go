package failuredetector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cheshire-cat-ai/catmesh/mesh/membership"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestDetector(t *testing.T, onEvict func(membership.NodeRecord)) (*Detector, *membership.Table) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	table := membership.NewTable(membership.NodeRecord{NodeID: "self", Address: "self:1", LastSeen: testEpoch.Add(-time.Hour)})
	return NewDetector(DetectorOptions{
		Logger:  logger,
		Table:   table,
		Timeout: 90 * time.Second,
		OnEvict: onEvict,
	}), table
}

func TestDefaultTick(t *testing.T) {
	detector, _ := newTestDetector(t, nil)
	assert.Equal(t, 30*time.Second, detector.tickInterval)
}

func TestSweepEvictsStalePeers(t *testing.T) {
	var evictedIDs []string
	detector, table := newTestDetector(t, func(rec membership.NodeRecord) {
		evictedIDs = append(evictedIDs, rec.NodeID)
	})

	_, err := table.Upsert(membership.NodeRecord{NodeID: "stale", LastSeen: testEpoch})
	require.NoError(t, err)
	_, err = table.Upsert(membership.NodeRecord{NodeID: "fresh", LastSeen: testEpoch.Add(60 * time.Second)})
	require.NoError(t, err)

	// exactly at the timeout the peer is still considered alive
	evicted := detector.Sweep(context.Background(), testEpoch.Add(90*time.Second))
	assert.Empty(t, evicted)

	evicted = detector.Sweep(context.Background(), testEpoch.Add(91*time.Second))
	require.Len(t, evicted, 1)
	assert.Equal(t, "stale", evicted[0].NodeID)
	assert.Equal(t, []string{"stale"}, evictedIDs)

	_, ok := table.Get("fresh")
	assert.True(t, ok)
}

func TestSweepNeverEvictsSelf(t *testing.T) {
	detector, table := newTestDetector(t, nil)

	evicted := detector.Sweep(context.Background(), testEpoch.Add(24*time.Hour))
	assert.Empty(t, evicted)

	_, ok := table.Get("self")
	assert.True(t, ok)
}

func TestEvictedPeerReadmitted(t *testing.T) {
	detector, table := newTestDetector(t, nil)

	_, err := table.Upsert(membership.NodeRecord{NodeID: "flappy", LastSeen: testEpoch})
	require.NoError(t, err)

	detector.Sweep(context.Background(), testEpoch.Add(2*time.Minute))
	_, ok := table.Get("flappy")
	require.False(t, ok)

	res, err := table.Upsert(membership.NodeRecord{NodeID: "flappy", LastSeen: testEpoch.Add(2*time.Minute + time.Second)})
	require.NoError(t, err)
	assert.True(t, res.Joined)
}

func TestRunUsesClock(t *testing.T) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	var clockLock sync.Mutex
	now := testEpoch
	table := membership.NewTable(membership.NodeRecord{NodeID: "self"})
	evictedCh := make(chan string, 1)

	detector := NewDetector(DetectorOptions{
		Logger:       logger,
		Table:        table,
		Timeout:      time.Minute,
		TickInterval: time.Millisecond,
		OnEvict: func(rec membership.NodeRecord) {
			evictedCh <- rec.NodeID
		},
		Now: func() time.Time {
			clockLock.Lock()
			defer clockLock.Unlock()
			return now
		},
	})

	_, err = table.Upsert(membership.NodeRecord{NodeID: "peer", LastSeen: testEpoch})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go detector.Run(ctx)

	select {
	case id := <-evictedCh:
		t.Fatalf("evicted %s before the timeout elapsed", id)
	case <-time.After(20 * time.Millisecond):
	}

	clockLock.Lock()
	now = testEpoch.Add(2 * time.Minute)
	clockLock.Unlock()

	select {
	case id := <-evictedCh:
		assert.Equal(t, "peer", id)
	case <-time.After(time.Second):
		t.Fatalf("peer was not evicted")
	}
}
