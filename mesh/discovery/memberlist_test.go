package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newLoopbackMemberlist(t *testing.T, nodeID string, seeds ...string) *MemberlistTransport {
	transport, err := NewMemberlistTransport(MemberlistTransportOptions{
		Logger:        zaptest.NewLogger(t),
		NodeID:        nodeID,
		BindAddress:   "127.0.0.1",
		AdvertiseHost: "127.0.0.1",
		Seeds:         seeds,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })

	return transport
}

func TestMemberlistTransport(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := newLoopbackMemberlist(t, "node-a")
	b := newLoopbackMemberlist(t, "node-b", a.ml.LocalNode().Address())

	require.Eventually(t, func() bool {
		return a.ml.NumMembers() == 2 && b.ml.NumMembers() == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Announce(ctx, []byte("hello")))

	pkt, err := a.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(pkt.Data))
	assert.False(t, pkt.ReceivedAt.IsZero())

	// announcements are never delivered back to the sender
	recvCtx, recvCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer recvCancel()
	_, err = b.Receive(recvCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemberlistTransportClose(t *testing.T) {
	transport := newLoopbackMemberlist(t, "node-a")

	require.NoError(t, transport.Close())
	require.NoError(t, transport.Close())

	_, err := transport.Receive(context.Background())
	require.ErrorIs(t, err, ErrTransportClosed)
	require.ErrorIs(t, transport.Announce(context.Background(), []byte("x")), ErrTransportClosed)
}

func TestMemberlistTransportRequiresNodeID(t *testing.T) {
	_, err := NewMemberlistTransport(MemberlistTransportOptions{})
	require.Error(t, err)
}
