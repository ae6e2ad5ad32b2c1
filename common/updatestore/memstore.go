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
	"sync"

	"golang.org/x/exp/slices"
)

type MemStoreOptions struct {
	// Retain is the number of most recent versions kept. Zero keeps everything.
	Retain int
}

// MemStore is an in-process Store. It is only shared between nodes living in
// the same process and is mainly useful for tests and single node setups.
type MemStore struct {
	lock     sync.Mutex
	retain   int
	payloads map[uint64][]byte
	unavail  error
}

var _ Store = (*MemStore)(nil)
var _ LatestFinder = (*MemStore)(nil)

func NewMemStore(opts MemStoreOptions) *MemStore {
	return &MemStore{
		retain:   opts.Retain,
		payloads: make(map[uint64][]byte),
	}
}

// SetUnavailable makes every subsequent call fail with err until it is called
// again with nil.
func (s *MemStore) SetUnavailable(err error) {
	s.lock.Lock()
	s.unavail = err
	s.lock.Unlock()
}

func (s *MemStore) Put(ctx context.Context, version uint64, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.unavail != nil {
		return s.unavail
	}

	if _, ok := s.payloads[version]; ok {
		return ErrVersionExists
	}

	s.payloads[version] = slices.Clone(payload)
	s.pruneLocked()

	return nil
}

func (s *MemStore) pruneLocked() {
	if s.retain <= 0 || len(s.payloads) <= s.retain {
		return
	}

	versions := make([]uint64, 0, len(s.payloads))
	for version := range s.payloads {
		versions = append(versions, version)
	}
	slices.Sort(versions)

	for _, version := range versions[:len(versions)-s.retain] {
		delete(s.payloads, version)
	}
}

func (s *MemStore) Get(ctx context.Context, version uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.unavail != nil {
		return nil, s.unavail
	}

	payload, ok := s.payloads[version]
	if !ok {
		return nil, ErrNotFound
	}

	return slices.Clone(payload), nil
}

func (s *MemStore) Delete(version uint64) {
	s.lock.Lock()
	delete(s.payloads, version)
	s.lock.Unlock()
}

func (s *MemStore) LatestVersion(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.unavail != nil {
		return 0, s.unavail
	}

	var latest uint64
	for version := range s.payloads {
		latest = max(latest, version)
	}
	return latest, nil
}
