/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package discovery

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

const inProcQueueSize = 256

// InProcHub connects any number of in-process endpoints as if they shared a
// multicast group. Every announcement is delivered to every endpoint,
// including the sender.
type InProcHub struct {
	lock      sync.Mutex
	endpoints []*InProcEndpoint
}

func NewInProcHub() *InProcHub {
	return &InProcHub{}
}

func (h *InProcHub) Endpoint(name string) *InProcEndpoint {
	ep := &InProcEndpoint{
		hub:     h,
		name:    name,
		inbox:   make(chan *Packet, inProcQueueSize),
		closeCh: make(chan struct{}),
	}

	h.lock.Lock()
	h.endpoints = append(h.endpoints, ep)
	h.lock.Unlock()

	return ep
}

func (h *InProcHub) removeEndpoint(ep *InProcEndpoint) {
	h.lock.Lock()
	idx := slices.Index(h.endpoints, ep)
	if idx != -1 {
		h.endpoints = slices.Delete(h.endpoints, idx, idx+1)
	}
	h.lock.Unlock()
}

func (h *InProcHub) deliver(from string, data []byte) {
	h.lock.Lock()
	endpoints := slices.Clone(h.endpoints)
	h.lock.Unlock()

	now := time.Now()
	for _, ep := range endpoints {
		ep.enqueue(&Packet{
			Data:       slices.Clone(data),
			From:       from,
			ReceivedAt: now,
		})
	}
}

type InProcEndpoint struct {
	hub   *InProcHub
	name  string
	inbox chan *Packet

	lock      sync.Mutex
	deaf      bool
	mute      bool
	closed    bool
	closeCh   chan struct{}
	dropCount int
	closeOnce sync.Once
}

var _ Transport = (*InProcEndpoint)(nil)

// SetDeaf makes the endpoint discard everything sent to it.
func (ep *InProcEndpoint) SetDeaf(deaf bool) {
	ep.lock.Lock()
	ep.deaf = deaf
	ep.lock.Unlock()
}

// SetMute makes the endpoint silently discard everything it announces.
func (ep *InProcEndpoint) SetMute(mute bool) {
	ep.lock.Lock()
	ep.mute = mute
	ep.lock.Unlock()
}

// Inject places raw bytes in this endpoint's inbox as if they came off the
// wire.
func (ep *InProcEndpoint) Inject(from string, data []byte) {
	ep.enqueue(&Packet{Data: data, From: from, ReceivedAt: time.Now()})
}

func (ep *InProcEndpoint) Dropped() int {
	ep.lock.Lock()
	defer ep.lock.Unlock()

	return ep.dropCount
}

func (ep *InProcEndpoint) enqueue(pkt *Packet) {
	ep.lock.Lock()
	defer ep.lock.Unlock()

	if ep.closed || ep.deaf {
		ep.dropCount++
		return
	}

	select {
	case ep.inbox <- pkt:
	default:
		// a full queue behaves like a full socket buffer
		ep.dropCount++
	}
}

func (ep *InProcEndpoint) Announce(ctx context.Context, data []byte) error {
	ep.lock.Lock()
	closed, mute := ep.closed, ep.mute
	ep.lock.Unlock()

	if closed {
		return ErrTransportClosed
	}
	if mute {
		return nil
	}

	ep.hub.deliver(ep.name, data)
	return nil
}

func (ep *InProcEndpoint) Receive(ctx context.Context) (*Packet, error) {
	select {
	case pkt := <-ep.inbox:
		return pkt, nil
	case <-ep.closeCh:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ep *InProcEndpoint) Close() error {
	ep.closeOnce.Do(func() {
		ep.lock.Lock()
		ep.closed = true
		ep.lock.Unlock()

		ep.hub.removeEndpoint(ep)
		close(ep.closeCh)
	})
	return nil
}
