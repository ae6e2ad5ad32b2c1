package mesh

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cheshire-cat-ai/catmesh/common/updatestore"
	"github.com/cheshire-cat-ai/catmesh/mesh/discovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testNode struct {
	coord    *Coordinator
	endpoint *discovery.InProcEndpoint

	lock    sync.Mutex
	payload string
}

func (n *testNode) appliedPayload() string {
	n.lock.Lock()
	defer n.lock.Unlock()

	return n.payload
}

func testConfig(nodeID string) Config {
	return Config{
		NodeID:             nodeID,
		AdvertiseHost:      "127.0.0.1",
		BindAddress:        "127.0.0.1",
		PushPort:           0,
		HeartbeatInterval:  20 * time.Millisecond,
		NodeTimeout:        200 * time.Millisecond,
		DetectorInterval:   20 * time.Millisecond,
		PropagationTimeout: 2 * time.Second,
	}
}

func startTestCluster(t *testing.T, store updatestore.Store, size int) []*testNode {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	hub := discovery.NewInProcHub()

	var nodes []*testNode
	for i := 0; i < size; i++ {
		nodeID := fmt.Sprintf("node-%d", i)
		node := &testNode{endpoint: hub.Endpoint(nodeID)}

		coord, err := NewCoordinator(Options{
			Logger:    logger,
			Config:    testConfig(nodeID),
			Transport: node.endpoint,
			Store:     store,
			Bootstrap: true,
			Apply: func(ctx context.Context, version uint64, payload []byte) error {
				node.lock.Lock()
				node.payload = string(payload)
				node.lock.Unlock()
				return nil
			},
		})
		require.NoError(t, err)
		require.NoError(t, coord.Start(context.Background()))

		node.coord = coord
		nodes = append(nodes, node)
	}

	t.Cleanup(func() {
		for _, node := range nodes {
			_ = node.coord.Stop()
		}
	})

	return nodes
}

func waitForPeers(t *testing.T, node *testNode, count int) {
	require.Eventually(t, func() bool {
		return len(node.coord.Peers()) == count
	}, 5*time.Second, 5*time.Millisecond, "%s never saw %d peers", node.coord.NodeID(), count)
}

func TestClusterDiscoversAndPropagates(t *testing.T) {
	store := updatestore.NewMemStore(updatestore.MemStoreOptions{})
	nodes := startTestCluster(t, store, 3)

	for _, node := range nodes {
		waitForPeers(t, node, 2)
	}

	version, unacked, err := nodes[0].coord.PublishUpdate(context.Background(), []byte("plugin_installed:weather"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)
	assert.Empty(t, unacked)

	// a peer only acknowledges once it has applied the version
	assert.Equal(t, uint64(1), nodes[1].coord.CurrentVersion())
	assert.Equal(t, uint64(1), nodes[2].coord.CurrentVersion())
	assert.Equal(t, "plugin_installed:weather", nodes[1].appliedPayload())
	assert.Equal(t, "plugin_installed:weather", nodes[2].appliedPayload())

	// the next publish from any node goes past everything seen
	version, _, err = nodes[2].coord.PublishUpdate(context.Background(), []byte("llm_update:gpt"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), version)

	for _, node := range nodes[:2] {
		assert.Equal(t, uint64(2), node.coord.CurrentVersion())
		assert.Equal(t, "llm_update:gpt", node.appliedPayload())
	}
}

func TestClusterEvictsAndReadmits(t *testing.T) {
	store := updatestore.NewMemStore(updatestore.MemStoreOptions{})
	nodes := startTestCluster(t, store, 3)

	for _, node := range nodes {
		waitForPeers(t, node, 2)
	}

	// cut node-2 off completely
	nodes[2].endpoint.SetDeaf(true)
	nodes[2].endpoint.SetMute(true)

	waitForPeers(t, nodes[0], 1)
	waitForPeers(t, nodes[1], 1)
	waitForPeers(t, nodes[2], 0)

	version, unacked, err := nodes[0].coord.PublishUpdate(context.Background(), []byte("plugin_uninstalled:weather"))
	require.NoError(t, err)
	assert.Empty(t, unacked)
	assert.Equal(t, uint64(0), nodes[2].coord.CurrentVersion())

	// heal the partition; node-2 catches up from heartbeats alone
	nodes[2].endpoint.SetDeaf(false)
	nodes[2].endpoint.SetMute(false)

	for _, node := range nodes {
		waitForPeers(t, node, 2)
	}

	require.Eventually(t, func() bool {
		return nodes[2].coord.CurrentVersion() == version
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "plugin_uninstalled:weather", nodes[2].appliedPayload())
}

func TestClusterReportsUnackedPeers(t *testing.T) {
	store := updatestore.NewMemStore(updatestore.MemStoreOptions{})
	nodes := startTestCluster(t, store, 3)

	for _, node := range nodes {
		waitForPeers(t, node, 2)
	}

	// node-2 stops serving pushes but is still in node-0's table
	require.NoError(t, nodes[2].coord.Stop())

	version, unacked, err := nodes[0].coord.PublishUpdate(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)
	assert.Equal(t, []string{"node-2"}, unacked)
	assert.Equal(t, uint64(1), nodes[1].coord.CurrentVersion())
}

func TestClusterConvergesAfterStoreOutage(t *testing.T) {
	store := updatestore.NewMemStore(updatestore.MemStoreOptions{})
	nodes := startTestCluster(t, store, 2)

	for _, node := range nodes {
		waitForPeers(t, node, 1)
	}

	require.NoError(t, store.Put(context.Background(), 5, []byte("five")))
	store.SetUnavailable(fmt.Errorf("store unreachable"))

	// both nodes hear about version 5 but cannot fetch it
	nodes[0].coord.propagator.Observe(5, "external")
	nodes[1].coord.propagator.Observe(5, "external")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, uint64(0), nodes[1].coord.CurrentVersion())

	_, _, err := nodes[0].coord.PublishUpdate(context.Background(), []byte("six"))
	require.Error(t, err)

	store.SetUnavailable(nil)

	version, _, err := nodes[0].coord.PublishUpdate(context.Background(), []byte("six"))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), version)

	assert.Equal(t, uint64(6), nodes[0].coord.CurrentVersion())
	assert.Equal(t, uint64(6), nodes[1].coord.CurrentVersion())
	assert.Equal(t, "six", nodes[1].appliedPayload())
}

func TestClusterDropsMalformedAnnouncements(t *testing.T) {
	store := updatestore.NewMemStore(updatestore.MemStoreOptions{})
	nodes := startTestCluster(t, store, 1)

	nodes[0].endpoint.Inject("attacker", []byte(`{"k":"hb","i":"x"`))
	nodes[0].endpoint.Inject("attacker", []byte(`{"k":"hb","i":"peer","a":"127.0.0.1:1","v":0,"t":0}`))

	waitForPeers(t, nodes[0], 1)
	assert.Equal(t, uint64(1), nodes[0].coord.DroppedAnnouncements())
}

func TestCoordinatorBootstrap(t *testing.T) {
	store := updatestore.NewMemStore(updatestore.MemStoreOptions{})
	require.NoError(t, store.Put(context.Background(), 3, []byte("three")))

	nodes := startTestCluster(t, store, 1)
	assert.Equal(t, uint64(3), nodes[0].coord.CurrentVersion())
	assert.Equal(t, "three", nodes[0].appliedPayload())
}

func TestCoordinatorLifecycle(t *testing.T) {
	hub := discovery.NewInProcHub()
	coord, err := NewCoordinator(Options{
		Config:    testConfig("solo"),
		Transport: hub.Endpoint("solo"),
		Store:     updatestore.NewMemStore(updatestore.MemStoreOptions{}),
	})
	require.NoError(t, err)

	_, _, err = coord.PublishUpdate(context.Background(), []byte("x"))
	require.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, coord.Start(context.Background()))
	require.ErrorIs(t, coord.Start(context.Background()), ErrAlreadyStarted)
	assert.True(t, coord.Running())
	assert.NotEqual(t, "127.0.0.1:0", coord.Address())

	version, unacked, err := coord.PublishUpdate(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)
	assert.Empty(t, unacked)

	require.NoError(t, coord.Stop())
	require.NoError(t, coord.Stop())
	assert.False(t, coord.Running())

	require.ErrorIs(t, coord.Start(context.Background()), ErrStopped)
	_, _, err = coord.PublishUpdate(context.Background(), []byte("y"))
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestConfigValidation(t *testing.T) {
	_, err := NewCoordinator(Options{
		Config: Config{
			HeartbeatInterval: time.Minute,
			NodeTimeout:       time.Second,
		},
		Transport: discovery.NewInProcHub().Endpoint("x"),
		Store:     updatestore.NewMemStore(updatestore.MemStoreOptions{}),
	})
	require.Error(t, err)

	config := Config{}.withDefaults()
	assert.NotEmpty(t, config.NodeID)
	assert.Equal(t, DefaultHeartbeatInterval, config.HeartbeatInterval)
	assert.Equal(t, DefaultNodeTimeout, config.NodeTimeout)
	assert.Equal(t, DefaultPropagationTimeout, config.FetchTimeout)
	require.NoError(t, config.Validate())
}
