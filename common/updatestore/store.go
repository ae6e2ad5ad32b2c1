/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package updatestore

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("update not found")

	// ErrVersionExists is returned by Put when another update already holds
	// the version. Stored updates are never replaced.
	ErrVersionExists = errors.New("update version already exists")
)

// Store is the shared key/version store that every node in the cluster can
// reach. Payloads are opaque and are stored keyed by their version.
type Store interface {
	// Put writes payload under version only if nothing was written there
	// before, and returns ErrVersionExists otherwise.
	Put(ctx context.Context, version uint64, payload []byte) error

	// Get returns ErrNotFound when the version was never written or has
	// since been pruned.
	Get(ctx context.Context, version uint64) ([]byte, error)
}

// LatestFinder is implemented by stores which can report the highest version
// they currently hold. It returns 0 when the store is empty.
type LatestFinder interface {
	LatestVersion(ctx context.Context) (uint64, error)
}
