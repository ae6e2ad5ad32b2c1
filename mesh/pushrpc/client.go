/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package pushrpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var ErrClientClosed = errors.New("push client closed")

type ClientOptions struct {
	Logger *zap.Logger
	NodeID string

	// DialOptions are appended to the defaults, which use plaintext
	// transport.
	DialOptions []grpc.DialOption
}

// Client pushes versions to peers, keeping one connection per peer address.
type Client struct {
	logger      *zap.Logger
	nodeID      string
	dialOptions []grpc.DialOption

	lock   sync.Mutex
	conns  map[string]*grpc.ClientConn
	closed bool
}

func NewClient(opts ClientOptions) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialOptions := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	dialOptions = append(dialOptions, opts.DialOptions...)

	return &Client{
		logger:      logger,
		nodeID:      opts.NodeID,
		dialOptions: dialOptions,
		conns:       make(map[string]*grpc.ClientConn),
	}
}

func (c *Client) getConn(address string) (*grpc.ClientConn, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}

	if conn, ok := c.conns[address]; ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(address, c.dialOptions...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create client for %s", address)
	}

	c.conns[address] = conn
	return conn, nil
}

// Notify pushes version to the peer at address and waits for it to report
// that it has caught up.
func (c *Client) Notify(ctx context.Context, address string, version uint64) error {
	conn, err := c.getConn(address)
	if err != nil {
		return err
	}

	ctx = metadata.AppendToOutgoingContext(ctx, NodeIDMetadataKey, c.nodeID)

	out := new(wrapperspb.UInt64Value)
	err = conn.Invoke(ctx, notifyFullMethod, wrapperspb.UInt64(version), out)
	if err != nil {
		return err
	}

	if out.GetValue() < version {
		return fmt.Errorf("peer %s acknowledged version %d, expected at least %d", address, out.GetValue(), version)
	}

	return nil
}

// Forget closes the connection to a peer that has left the cluster.
func (c *Client) Forget(address string) {
	c.lock.Lock()
	conn, ok := c.conns[address]
	delete(c.conns, address)
	c.lock.Unlock()

	if ok {
		if err := conn.Close(); err != nil {
			c.logger.Debug("failed to close peer connection", zap.String("address", address), zap.Error(err))
		}
	}
}

func (c *Client) Close() error {
	c.lock.Lock()
	conns := c.conns
	c.conns = make(map[string]*grpc.ClientConn)
	c.closed = true
	c.lock.Unlock()

	var firstErr error
	for _, conn := range conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
