/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package netutils

import (
	"errors"
	"net"
)

// probe targets for finding the interface that holds the default route; no
// packet is ever sent to them
var outboundProbes = []string{"8.8.8.8:80", "[2001:4860:4860::8888]:80"}

func GetOutboundIP() (net.IP, error) {
	var errs []error
	for _, target := range outboundProbes {
		conn, err := net.Dial("udp", target)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		localAddr := conn.LocalAddr().(*net.UDPAddr)
		_ = conn.Close()

		return localAddr.IP, nil
	}

	return nil, errors.Join(errs...)
}
