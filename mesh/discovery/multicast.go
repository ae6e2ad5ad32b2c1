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
	"golang.org/x/net/ipv4"
)

const (
	DefaultMulticastGroup = "224.1.1.1"
	DefaultDiscoveryPort  = 8765
	DefaultMulticastTTL   = 2
)

type MulticastTransportOptions struct {
	Logger *zap.Logger

	Group string
	Port  int

	// InterfaceName selects the interface to join the group on. The system
	// default is used when empty.
	InterfaceName string

	// TTL bounds how many router hops an announcement may cross.
	TTL int
}

// MulticastTransport announces on and listens to a UDP multicast group.
// Multicast loopback is enabled so nodes sharing a host still see each other.
type MulticastTransport struct {
	logger    *zap.Logger
	groupAddr *net.UDPAddr
	recvConn  *net.UDPConn
	sendConn  *net.UDPConn
	receiver  *udpReceiver
}

var _ Transport = (*MulticastTransport)(nil)

func NewMulticastTransport(opts MulticastTransportOptions) (*MulticastTransport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	group := opts.Group
	if group == "" {
		group = DefaultMulticastGroup
	}
	port := opts.Port
	if port == 0 {
		port = DefaultDiscoveryPort
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = DefaultMulticastTTL
	}

	groupIP := net.ParseIP(group)
	if groupIP == nil || groupIP.To4() == nil || !groupIP.IsMulticast() {
		return nil, fmt.Errorf("invalid ipv4 multicast group %q", group)
	}
	groupAddr := &net.UDPAddr{IP: groupIP, Port: port}

	var ifi *net.Interface
	if opts.InterfaceName != "" {
		foundIfi, err := net.InterfaceByName(opts.InterfaceName)
		if err != nil {
			return nil, fmt.Errorf("failed to find multicast interface: %w", err)
		}
		ifi = foundIfi
	}

	recvConn, err := net.ListenMulticastUDP("udp4", ifi, groupAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to join multicast group: %w", err)
	}

	if err := recvConn.SetReadBuffer(maxDatagramSize); err != nil {
		logger.Debug("failed to grow multicast receive buffer", zap.Error(err))
	}

	sendConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		_ = recvConn.Close()
		return nil, fmt.Errorf("failed to open multicast send socket: %w", err)
	}

	pc := ipv4.NewPacketConn(sendConn)
	err = errors.Join(
		pc.SetMulticastTTL(ttl),
		pc.SetMulticastLoopback(true))
	if err == nil && ifi != nil {
		err = pc.SetMulticastInterface(ifi)
	}
	if err != nil {
		_ = recvConn.Close()
		_ = sendConn.Close()
		return nil, fmt.Errorf("failed to configure multicast send socket: %w", err)
	}

	logger.Info("joined multicast discovery group",
		zap.Stringer("group", groupAddr),
		zap.Int("ttl", ttl))

	return &MulticastTransport{
		logger:    logger,
		groupAddr: groupAddr,
		recvConn:  recvConn,
		sendConn:  sendConn,
		receiver:  newUDPReceiver(recvConn),
	}, nil
}

func (t *MulticastTransport) Announce(ctx context.Context, data []byte) error {
	return writeWithContext(ctx, t.sendConn, data, t.groupAddr)
}

func (t *MulticastTransport) Receive(ctx context.Context) (*Packet, error) {
	return t.receiver.receive(ctx)
}

func (t *MulticastTransport) Close() error {
	return errors.Join(t.recvConn.Close(), t.sendConn.Close())
}
