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
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

type MemberlistTransportOptions struct {
	Logger *zap.Logger
	NodeID string

	BindAddress   string
	BindPort      int
	AdvertiseHost string

	// Seeds are host:port addresses of existing gossip members to join
	// through. An empty list starts a new gossip pool.
	Seeds []string
}

// MemberlistTransport carries announcements as best effort user messages on
// top of a memberlist gossip pool. Only memberlist's transport is used; the
// membership decisions stay with the membership table.
type MemberlistTransport struct {
	logger   *zap.Logger
	ml       *memberlist.Memberlist
	packetCh chan *Packet

	closeOnce sync.Once
	closeCh   chan struct{}
}

var _ Transport = (*MemberlistTransport)(nil)

type memberlistDelegate struct {
	t *MemberlistTransport
}

func (d *memberlistDelegate) NodeMeta(limit int) []byte                  { return nil }
func (d *memberlistDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *memberlistDelegate) LocalState(join bool) []byte                { return nil }
func (d *memberlistDelegate) MergeRemoteState(buf []byte, join bool)     {}

func (d *memberlistDelegate) NotifyMsg(msg []byte) {
	// memberlist reuses msg once we return
	pkt := &Packet{
		Data:       slices.Clone(msg),
		ReceivedAt: time.Now(),
	}

	select {
	case d.t.packetCh <- pkt:
	default:
		d.t.logger.Debug("dropping gossip announcement, receive queue full")
	}
}

func NewMemberlistTransport(opts MemberlistTransportOptions) (*MemberlistTransport, error) {
	if opts.NodeID == "" {
		return nil, errors.New("a node id is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &MemberlistTransport{
		logger:   logger,
		packetCh: make(chan *Packet, inProcQueueSize),
		closeCh:  make(chan struct{}),
	}

	config := memberlist.DefaultLANConfig()
	config.Name = opts.NodeID
	if opts.BindAddress != "" {
		config.BindAddr = opts.BindAddress
	}
	config.BindPort = opts.BindPort
	config.AdvertisePort = opts.BindPort
	if opts.AdvertiseHost != "" {
		config.AdvertiseAddr = opts.AdvertiseHost
	}
	config.Delegate = &memberlistDelegate{t: t}
	config.Logger = zap.NewStdLog(logger.Named("memberlist"))

	ml, err := memberlist.Create(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create gossip pool: %w", err)
	}
	t.ml = ml

	if len(opts.Seeds) > 0 {
		joined, err := ml.Join(opts.Seeds)
		if err != nil {
			// the seeds may simply not be up yet; gossip converges later
			logger.Warn("failed to join gossip seeds", zap.Strings("seeds", opts.Seeds), zap.Error(err))
		} else {
			logger.Info("joined gossip pool", zap.Int("contacted", joined))
		}
	}

	return t, nil
}

func (t *MemberlistTransport) Announce(ctx context.Context, data []byte) error {
	select {
	case <-t.closeCh:
		return ErrTransportClosed
	default:
	}

	self := t.ml.LocalNode()

	var errs []error
	for _, node := range t.ml.Members() {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if node.Name == self.Name {
			continue
		}

		if err := t.ml.SendBestEffort(node, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", node.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (t *MemberlistTransport) Receive(ctx context.Context) (*Packet, error) {
	select {
	case <-t.closeCh:
		return nil, ErrTransportClosed
	default:
	}

	select {
	case pkt := <-t.packetCh:
		return pkt, nil
	case <-t.closeCh:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *MemberlistTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closeCh)
		err = errors.Join(
			t.ml.Leave(time.Second),
			t.ml.Shutdown())
	})
	return err
}
