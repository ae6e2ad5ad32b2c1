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
	"time"
)

var ErrTransportClosed = errors.New("transport closed")

type Packet struct {
	Data       []byte
	From       string
	ReceivedAt time.Time
}

// Transport delivers announcements between nodes. Delivery is best effort:
// packets may be lost, duplicated or reordered.
//
// Announce and Receive may be called concurrently. After Close, Receive
// returns ErrTransportClosed.
type Transport interface {
	Announce(ctx context.Context, data []byte) error
	Receive(ctx context.Context) (*Packet, error)
	Close() error
}

// maxDatagramSize is larger than MaxAnnouncementSize so that oversize
// datagrams are seen whole and rejected by the decoder instead of being
// silently truncated by the socket.
const maxDatagramSize = 64 * 1024
