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
	"fmt"
	"strconv"
	"strings"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

type EtcdStoreOptions struct {
	Logger     *zap.Logger
	EtcdClient *etcd.Client
	KeyPrefix  string

	// Retain is the number of most recent versions kept. Zero keeps everything.
	Retain int
}

// EtcdStore keeps each update under <prefix>/updates/<zero padded version>
// with its payload snappy compressed. Zero padding keeps etcd's lexical key
// order identical to numeric version order.
type EtcdStore struct {
	logger     *zap.Logger
	etcdClient *etcd.Client
	keyPrefix  string
	retain     int
}

var _ Store = (*EtcdStore)(nil)
var _ LatestFinder = (*EtcdStore)(nil)

func NewEtcdStore(opts EtcdStoreOptions) (*EtcdStore, error) {
	if opts.EtcdClient == nil {
		return nil, errors.New("an etcd client is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EtcdStore{
		logger:     logger,
		etcdClient: opts.EtcdClient,
		keyPrefix:  strings.TrimSuffix(opts.KeyPrefix, "/"),
		retain:     opts.Retain,
	}, nil
}

func (s *EtcdStore) updatesPrefix() string {
	return s.keyPrefix + "/updates/"
}

func (s *EtcdStore) key(version uint64) string {
	return fmt.Sprintf("%s%020d", s.updatesPrefix(), version)
}

func (s *EtcdStore) Put(ctx context.Context, version uint64, payload []byte) error {
	encoded := snappy.Encode(nil, payload)

	key := s.key(version)
	resp, err := s.etcdClient.KV.Txn(ctx).
		If(etcd.Compare(etcd.CreateRevision(key), "=", 0)).
		Then(etcd.OpPut(key, string(encoded))).
		Commit()
	if err != nil {
		return errors.Wrapf(err, "failed to write update %d", version)
	}
	if !resp.Succeeded {
		return ErrVersionExists
	}

	if s.retain > 0 && version > uint64(s.retain) {
		// deletes the range [0, version-retain], keeping the newest versions
		oldest := version - uint64(s.retain) + 1
		_, err := s.etcdClient.KV.Delete(ctx, s.key(0), etcd.WithRange(s.key(oldest)))
		if err != nil {
			s.logger.Warn("failed to prune old updates",
				zap.Uint64("keepFrom", oldest),
				zap.Error(err))
		}
	}

	return nil
}

func (s *EtcdStore) Get(ctx context.Context, version uint64) ([]byte, error) {
	resp, err := s.etcdClient.KV.Get(ctx, s.key(version))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read update %d", version)
	}

	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}

	payload, err := snappy.Decode(nil, resp.Kvs[0].Value)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decompress update %d", version)
	}

	return payload, nil
}

func (s *EtcdStore) LatestVersion(ctx context.Context) (uint64, error) {
	resp, err := s.etcdClient.KV.Get(ctx, s.updatesPrefix(),
		etcd.WithPrefix(),
		etcd.WithSort(etcd.SortByKey, etcd.SortDescend),
		etcd.WithLimit(1),
		etcd.WithKeysOnly())
	if err != nil {
		return 0, errors.Wrap(err, "failed to list updates")
	}

	if len(resp.Kvs) == 0 {
		return 0, nil
	}

	versionStr := strings.TrimPrefix(string(resp.Kvs[0].Key), s.updatesPrefix())
	version, err := strconv.ParseUint(versionStr, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "unexpected update key %q", resp.Kvs[0].Key)
	}

	return version, nil
}
