/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package netutils

// GetAdvertiseHost picks the host peers should use to reach this node. An
// explicit advertise host always wins, followed by a specific bind address,
// and finally the address of the interface holding the default route.
func GetAdvertiseHost(advertiseHost string, bindAddress string) (string, error) {
	if advertiseHost != "" {
		return advertiseHost, nil
	}

	if !IsInAddrAny(bindAddress) {
		return bindAddress, nil
	}

	outboundIP, err := GetOutboundIP()
	if err != nil {
		return "", err
	}

	return outboundIP.String(), nil
}
