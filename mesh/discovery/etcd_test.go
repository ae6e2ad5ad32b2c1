package discovery

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap/zaptest"
)

func getTestEtcdClient(t *testing.T) *etcd.Client {
	endpoints := os.Getenv("CATMESH_TEST_ETCD")
	if endpoints == "" {
		t.Skip("CATMESH_TEST_ETCD not set, skipping etcd tests")
	}

	etcdClient, err := etcd.New(etcd.Config{
		Endpoints:   strings.Split(endpoints, ","),
		DialTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = etcdClient.Close() })

	return etcdClient
}

func newTestEtcdTransport(t *testing.T, etcdClient *etcd.Client, prefix, nodeID string) *EtcdTransport {
	transport, err := NewEtcdTransport(EtcdTransportOptions{
		Logger:     zaptest.NewLogger(t),
		EtcdClient: etcdClient,
		KeyPrefix:  prefix,
		NodeID:     nodeID,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })

	return transport
}

// receiveFrom skips packets from other nodes, such as the receiver's own
// announcements.
func receiveFrom(ctx context.Context, t *testing.T, transport *EtcdTransport, from string) *Packet {
	for {
		pkt, err := transport.Receive(ctx)
		require.NoError(t, err)
		if pkt.From == from {
			return pkt
		}
	}
}

func TestEtcdTransport(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	etcdClient := getTestEtcdClient(t)
	prefix := "testing/" + uuid.NewString()

	a := newTestEtcdTransport(t, etcdClient, prefix, "node-a")
	b := newTestEtcdTransport(t, etcdClient, prefix, "node-b")

	require.NoError(t, a.Announce(ctx, []byte("first")))
	pkt := receiveFrom(ctx, t, b, "node-a")
	assert.Equal(t, "first", string(pkt.Data))

	require.NoError(t, a.Announce(ctx, []byte("second")))
	pkt = receiveFrom(ctx, t, b, "node-a")
	assert.Equal(t, "second", string(pkt.Data))

	// a node joining late still sees existing registrations
	c := newTestEtcdTransport(t, etcdClient, prefix, "node-c")
	pkt = receiveFrom(ctx, t, c, "node-a")
	assert.Equal(t, "second", string(pkt.Data))
}

func TestEtcdTransportCloseRevokesLease(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	etcdClient := getTestEtcdClient(t)
	prefix := "testing/" + uuid.NewString()

	transport := newTestEtcdTransport(t, etcdClient, prefix, "node-a")
	require.NoError(t, transport.Announce(ctx, []byte("hello")))

	resp, err := etcdClient.KV.Get(ctx, prefix+"/members/node-a")
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)
	assert.NotZero(t, resp.Kvs[0].Lease)

	require.NoError(t, transport.Close())
	require.NoError(t, transport.Close())

	resp, err = etcdClient.KV.Get(ctx, prefix+"/members/node-a")
	require.NoError(t, err)
	assert.Empty(t, resp.Kvs)

	_, err = transport.Receive(ctx)
	require.ErrorIs(t, err, ErrTransportClosed)
	require.ErrorIs(t, transport.Announce(ctx, []byte("late")), ErrTransportClosed)
}

func TestEtcdTransportRequiresClient(t *testing.T) {
	_, err := NewEtcdTransport(EtcdTransportOptions{NodeID: "a"})
	require.Error(t, err)
}
