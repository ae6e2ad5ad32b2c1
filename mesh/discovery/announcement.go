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
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MaxAnnouncementSize bounds an encoded announcement so that it always fits a
// single receive buffer.
const MaxAnnouncementSize = 1024

const heartbeatKind = "hb"

var (
	ErrMalformedAnnouncement = errors.New("malformed announcement")
	ErrAnnouncementTooLarge  = errors.New("announcement too large")
	ErrUnknownKind           = errors.New("unknown announcement kind")
)

type Announcement struct {
	NodeID       string
	Address      string
	KnownVersion uint64
	Timestamp    time.Time
}

// The JSON names are kept to a single character to fit easily in a UDP
// datagram. Fields a peer does not understand are ignored on decode.
type jsonAnnouncement struct {
	Kind      string  `json:"k"`
	NodeID    string  `json:"i"`
	Address   string  `json:"a"`
	Version   *uint64 `json:"v"`
	Timestamp *int64  `json:"t"`
}

func EncodeAnnouncement(a *Announcement) ([]byte, error) {
	if a.NodeID == "" || a.Address == "" {
		return nil, fmt.Errorf("%w: node id and address are required", ErrMalformedAnnouncement)
	}

	version := a.KnownVersion
	timestamp := a.Timestamp.UnixMilli()

	data, err := json.Marshal(&jsonAnnouncement{
		Kind:      heartbeatKind,
		NodeID:    a.NodeID,
		Address:   a.Address,
		Version:   &version,
		Timestamp: &timestamp,
	})
	if err != nil {
		return nil, err
	}

	if len(data) > MaxAnnouncementSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrAnnouncementTooLarge, len(data))
	}

	return data, nil
}

// DecodeAnnouncement parses a datagram. Truncated, corrupted or incomplete
// datagrams yield ErrMalformedAnnouncement.
func DecodeAnnouncement(data []byte) (*Announcement, error) {
	if len(data) > MaxAnnouncementSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrAnnouncementTooLarge, len(data))
	}

	var ja jsonAnnouncement
	if err := json.Unmarshal(data, &ja); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedAnnouncement, err)
	}

	if ja.Kind != heartbeatKind {
		if ja.Kind == "" {
			return nil, fmt.Errorf("%w: missing kind", ErrMalformedAnnouncement)
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, ja.Kind)
	}

	if ja.NodeID == "" || ja.Address == "" || ja.Version == nil || ja.Timestamp == nil {
		return nil, fmt.Errorf("%w: missing required fields", ErrMalformedAnnouncement)
	}

	return &Announcement{
		NodeID:       ja.NodeID,
		Address:      ja.Address,
		KnownVersion: *ja.Version,
		Timestamp:    time.UnixMilli(*ja.Timestamp),
	}, nil
}
