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
	"fmt"
	"net"

	"go.uber.org/zap"
)

type StaticTransportOptions struct {
	Logger *zap.Logger

	// BindAddress is the local host:port announcements are received on.
	BindAddress string

	// Peers lists the host:port of every other node's discovery socket.
	Peers []string
}

// StaticTransport sends each announcement by unicast to a fixed list of
// peers, for networks where multicast is unavailable.
type StaticTransport struct {
	logger   *zap.Logger
	conn     *net.UDPConn
	peers    []*net.UDPAddr
	receiver *udpReceiver
}

var _ Transport = (*StaticTransport)(nil)

func NewStaticTransport(opts StaticTransportOptions) (*StaticTransport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var peers []*net.UDPAddr
	for _, peer := range opts.Peers {
		addr, err := net.ResolveUDPAddr("udp", peer)
		if err != nil {
			return nil, fmt.Errorf("invalid static peer %q: %w", peer, err)
		}
		peers = append(peers, addr)
	}

	bindAddr, err := net.ResolveUDPAddr("udp", opts.BindAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid discovery bind address: %w", err)
	}

	conn, err := net.ListenUDP("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for announcements: %w", err)
	}

	logger.Info("listening for unicast announcements",
		zap.Stringer("address", conn.LocalAddr()),
		zap.Int("peers", len(peers)))

	return &StaticTransport{
		logger:   logger,
		conn:     conn,
		peers:    peers,
		receiver: newUDPReceiver(conn),
	}, nil
}

func (t *StaticTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Announce sends to every peer and reports the failures together. A failure
// for one peer does not stop delivery to the others.
func (t *StaticTransport) Announce(ctx context.Context, data []byte) error {
	var errs []error
	for _, peer := range t.peers {
		err := writeWithContext(ctx, t.conn, data, peer)
		if errors.Is(err, ErrTransportClosed) {
			return err
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", peer, err))
		}
	}
	return errors.Join(errs...)
}

func (t *StaticTransport) Receive(ctx context.Context) (*Packet, error) {
	return t.receiver.receive(ctx)
}

func (t *StaticTransport) Close() error {
	return t.conn.Close()
}
