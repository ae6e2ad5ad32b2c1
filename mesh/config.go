/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package mesh

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultPushPort           = 8766
	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultNodeTimeout        = 90 * time.Second
	DefaultPropagationTimeout = 10 * time.Second
)

// Config is fixed for the lifetime of a Coordinator.
type Config struct {
	// NodeID defaults to a random UUID.
	NodeID string

	// AdvertiseHost is the host peers use to reach this node's push service.
	AdvertiseHost string

	// BindAddress and PushPort select where the push service listens. A
	// PushPort of zero picks a free port.
	BindAddress string
	PushPort    int

	HeartbeatInterval  time.Duration
	NodeTimeout        time.Duration
	PropagationTimeout time.Duration

	// FetchTimeout bounds each store read or write. Defaults to
	// PropagationTimeout.
	FetchTimeout time.Duration

	// DetectorInterval defaults to a third of NodeTimeout.
	DetectorInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if c.AdvertiseHost == "" {
		c.AdvertiseHost = "127.0.0.1"
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.NodeTimeout == 0 {
		c.NodeTimeout = DefaultNodeTimeout
	}
	if c.PropagationTimeout == 0 {
		c.PropagationTimeout = DefaultPropagationTimeout
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = c.PropagationTimeout
	}
	return c
}

func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.NodeTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("node timeout (%s) must exceed the heartbeat interval (%s)",
			c.NodeTimeout, c.HeartbeatInterval)
	}
	if c.PropagationTimeout <= 0 || c.FetchTimeout <= 0 {
		return fmt.Errorf("propagation and fetch timeouts must be positive")
	}
	if c.PushPort < 0 || c.PushPort > 65535 {
		return fmt.Errorf("invalid push port %d", c.PushPort)
	}
	if c.DetectorInterval < 0 {
		return fmt.Errorf("detector interval must not be negative")
	}
	return nil
}
