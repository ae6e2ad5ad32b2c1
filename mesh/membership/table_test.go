package membership

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestTable() *Table {
	return NewTable(NodeRecord{
		NodeID:   "self",
		Address:  "10.0.0.1:8766",
		LastSeen: testEpoch,
	})
}

func TestUpsertNewPeer(t *testing.T) {
	table := newTestTable()

	res, err := table.Upsert(NodeRecord{NodeID: "a", Address: "10.0.0.2:8766", LastSeen: testEpoch, KnownVersion: 3})
	require.NoError(t, err)
	assert.True(t, res.Joined)
	assert.False(t, res.IsSelf)
	assert.Equal(t, uint64(3), res.Record.KnownVersion)
	assert.Equal(t, 1, table.Len())

	res, err = table.Upsert(NodeRecord{NodeID: "a", Address: "10.0.0.2:8766", LastSeen: testEpoch.Add(time.Second), KnownVersion: 3})
	require.NoError(t, err)
	assert.False(t, res.Joined)
	assert.Equal(t, 1, table.Len())
}

func TestUpsertRejectsEmptyID(t *testing.T) {
	table := newTestTable()

	_, err := table.Upsert(NodeRecord{Address: "10.0.0.2:8766", LastSeen: testEpoch})
	require.ErrorIs(t, err, ErrEmptyNodeID)
	assert.Equal(t, 0, table.Len())
}

func TestUpsertNeverRegresses(t *testing.T) {
	table := newTestTable()

	_, err := table.Upsert(NodeRecord{NodeID: "a", Address: "new:1", LastSeen: testEpoch.Add(10 * time.Second), KnownVersion: 7})
	require.NoError(t, err)

	// a delayed, older announcement arrives after the newer one
	res, err := table.Upsert(NodeRecord{NodeID: "a", Address: "old:1", LastSeen: testEpoch, KnownVersion: 5})
	require.NoError(t, err)

	assert.Equal(t, testEpoch.Add(10*time.Second), res.Record.LastSeen)
	assert.Equal(t, uint64(7), res.Record.KnownVersion)
	assert.Equal(t, "new:1", res.Record.Address)

	res, err = table.Upsert(NodeRecord{NodeID: "a", LastSeen: testEpoch.Add(20 * time.Second), KnownVersion: 6})
	require.NoError(t, err)
	assert.Equal(t, testEpoch.Add(20*time.Second), res.Record.LastSeen)
	assert.Equal(t, uint64(7), res.Record.KnownVersion)
	assert.Equal(t, "new:1", res.Record.Address)
}

func TestUpsertSelfIgnored(t *testing.T) {
	table := newTestTable()

	res, err := table.Upsert(NodeRecord{NodeID: "self", Address: "elsewhere:1", LastSeen: testEpoch.Add(time.Hour), KnownVersion: 99})
	require.NoError(t, err)
	assert.True(t, res.IsSelf)
	assert.False(t, res.Joined)
	assert.Equal(t, 0, table.Len())

	self := table.Self()
	assert.Equal(t, "10.0.0.1:8766", self.Address)
	assert.Equal(t, uint64(0), self.KnownVersion)
}

func TestEvict(t *testing.T) {
	table := newTestTable()
	_, err := table.Upsert(NodeRecord{NodeID: "a", LastSeen: testEpoch})
	require.NoError(t, err)

	rec, ok := table.Evict("a")
	assert.True(t, ok)
	assert.Equal(t, "a", rec.NodeID)

	_, ok = table.Evict("a")
	assert.False(t, ok)

	_, ok = table.Evict("self")
	assert.False(t, ok)

	_, ok = table.Get("self")
	assert.True(t, ok)
}

func TestEvictThenRejoin(t *testing.T) {
	table := newTestTable()
	_, err := table.Upsert(NodeRecord{NodeID: "a", LastSeen: testEpoch, KnownVersion: 4})
	require.NoError(t, err)

	_, ok := table.Evict("a")
	require.True(t, ok)

	res, err := table.Upsert(NodeRecord{NodeID: "a", LastSeen: testEpoch.Add(time.Minute), KnownVersion: 2})
	require.NoError(t, err)
	assert.True(t, res.Joined)
	assert.Equal(t, uint64(2), res.Record.KnownVersion)
}

func TestEvictOlderThan(t *testing.T) {
	table := newTestTable()
	for i, id := range []string{"c", "a", "b", "d"} {
		_, err := table.Upsert(NodeRecord{NodeID: id, LastSeen: testEpoch.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}

	evicted := table.EvictOlderThan(testEpoch.Add(2 * time.Second))
	require.Len(t, evicted, 2)
	assert.Equal(t, "a", evicted[0].NodeID)
	assert.Equal(t, "c", evicted[1].NodeID)

	assert.Equal(t, []string{"b", "d"}, table.Snapshot().PeerIDs())
	assert.Equal(t, "self", table.Snapshot().Self.NodeID)
}

func TestSetSelfVersion(t *testing.T) {
	table := newTestTable()

	table.SetSelfVersion(5)
	table.SetSelfVersion(3)
	assert.Equal(t, uint64(5), table.Self().KnownVersion)

	table.SetSelfAddress("10.0.0.9:1234")
	assert.Equal(t, "10.0.0.9:1234", table.Self().Address)
}

func TestSnapshotIsACopy(t *testing.T) {
	table := newTestTable()
	_, err := table.Upsert(NodeRecord{NodeID: "b", Address: "b:1", LastSeen: testEpoch, KnownVersion: 2})
	require.NoError(t, err)
	_, err = table.Upsert(NodeRecord{NodeID: "a", Address: "a:1", LastSeen: testEpoch, KnownVersion: 9})
	require.NoError(t, err)

	snap := table.Snapshot()
	assert.Equal(t, []string{"a", "b"}, snap.PeerIDs())
	assert.Equal(t, uint64(9), snap.HighestVersion())
	assert.Equal(t, map[string]string{"a": "a:1", "b": "b:1"}, snap.PeerAddresses())

	table.Evict("a")

	rec, ok := snap.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "a:1", rec.Address)
	_, ok = snap.Get("missing")
	assert.False(t, ok)
	_, ok = snap.Get("self")
	assert.True(t, ok)
}

func TestConcurrentUpserts(t *testing.T) {
	table := newTestTable()

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_, _ = table.Upsert(NodeRecord{
					NodeID:       fmt.Sprintf("node-%d", i%10),
					LastSeen:     testEpoch.Add(time.Duration(i) * time.Millisecond),
					KnownVersion: uint64(worker),
				})
				_ = table.Snapshot()
			}
		}(worker)
	}
	wg.Wait()

	snap := table.Snapshot()
	require.Len(t, snap.Peers, 10)
	for _, rec := range snap.Peers {
		assert.Equal(t, uint64(7), rec.KnownVersion)
	}
}
