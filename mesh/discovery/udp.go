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
	"net"
	"sync"
	"time"
)

// udpReceiver reads datagrams from a single socket. Reads are serialised so
// the receive buffer can be reused between calls.
type udpReceiver struct {
	lock sync.Mutex
	conn *net.UDPConn
	buf  []byte
}

func newUDPReceiver(conn *net.UDPConn) *udpReceiver {
	return &udpReceiver{
		conn: conn,
		buf:  make([]byte, maxDatagramSize),
	}
}

func (r *udpReceiver) receive(ctx context.Context) (*Packet, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if err := r.conn.SetReadDeadline(time.Time{}); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrTransportClosed
		}
		return nil, err
	}

	// unblock the read as soon as the context is cancelled
	stop := context.AfterFunc(ctx, func() {
		_ = r.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	n, from, err := r.conn.ReadFromUDP(r.buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrTransportClosed
		}
		return nil, err
	}

	data := make([]byte, n)
	copy(data, r.buf[:n])

	return &Packet{
		Data:       data,
		From:       from.String(),
		ReceivedAt: time.Now(),
	}, nil
}

func writeWithContext(ctx context.Context, conn *net.UDPConn, data []byte, to *net.UDPAddr) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	} else if err := conn.SetWriteDeadline(time.Time{}); err != nil {
		return err
	}

	_, err := conn.WriteToUDP(data, to)
	if errors.Is(err, net.ErrClosed) {
		return ErrTransportClosed
	}
	return err
}
