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
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// etcd refuses leases shorter than this
const minEtcdLeasePeriod = 5 * time.Second

type EtcdTransportOptions struct {
	Logger     *zap.Logger
	EtcdClient *etcd.Client
	KeyPrefix  string
	NodeID     string

	// LeasePeriod is how long an announcement survives in the registry
	// without being refreshed. It is normally the node timeout.
	LeasePeriod time.Duration
}

// EtcdTransport uses an etcd prefix as the announcement medium. Each node
// owns one leased key holding its latest announcement, and every node
// watches the whole prefix.
type EtcdTransport struct {
	logger      *zap.Logger
	etcdClient  *etcd.Client
	keyPrefix   string
	nodeID      string
	leasePeriod time.Duration

	leaseLock sync.Mutex
	leaseID   etcd.LeaseID

	packetCh  chan *Packet
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

var _ Transport = (*EtcdTransport)(nil)

func NewEtcdTransport(opts EtcdTransportOptions) (*EtcdTransport, error) {
	if opts.EtcdClient == nil {
		return nil, errors.New("an etcd client is required")
	}
	if opts.NodeID == "" {
		return nil, errors.New("a node id is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	leasePeriod := opts.LeasePeriod
	if leasePeriod < minEtcdLeasePeriod {
		leasePeriod = minEtcdLeasePeriod
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &EtcdTransport{
		logger:      logger,
		etcdClient:  opts.EtcdClient,
		keyPrefix:   strings.TrimSuffix(opts.KeyPrefix, "/") + "/members/",
		nodeID:      opts.NodeID,
		leasePeriod: leasePeriod,
		packetCh:    make(chan *Packet, inProcQueueSize),
		ctx:         ctx,
		cancel:      cancel,
	}

	t.wg.Add(1)
	go t.watchThread()

	return t, nil
}

func (t *EtcdTransport) key() string {
	return t.keyPrefix + t.nodeID
}

func (t *EtcdTransport) ensureLease(ctx context.Context) (etcd.LeaseID, error) {
	t.leaseLock.Lock()
	defer t.leaseLock.Unlock()

	if t.leaseID != etcd.NoLease {
		return t.leaseID, nil
	}

	lease, err := t.etcdClient.Lease.Grant(ctx, int64(t.leasePeriod/time.Second))
	if err != nil {
		return etcd.NoLease, err
	}

	kaCh, err := t.etcdClient.Lease.KeepAlive(t.ctx, lease.ID)
	if err != nil {
		return etcd.NoLease, err
	}

	leaseID := lease.ID
	t.leaseID = leaseID

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		for range kaCh {
		}

		// the keep-alive stopped, either because we closed or because the
		// lease was lost. The next announce grants a fresh one.
		t.leaseLock.Lock()
		if t.leaseID == leaseID {
			t.leaseID = etcd.NoLease
		}
		t.leaseLock.Unlock()

		if t.ctx.Err() == nil {
			t.logger.Warn("lost etcd registry lease", zap.Int64("leaseId", int64(leaseID)))
		}
	}()

	return leaseID, nil
}

func (t *EtcdTransport) Announce(ctx context.Context, data []byte) error {
	if t.ctx.Err() != nil {
		return ErrTransportClosed
	}

	leaseID, err := t.ensureLease(ctx)
	if err != nil {
		return err
	}

	_, err = t.etcdClient.KV.Put(ctx, t.key(), string(data), etcd.WithLease(leaseID))
	return err
}

func (t *EtcdTransport) watchThread() {
	defer t.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		err := t.watchOnce()
		if t.ctx.Err() != nil {
			return
		}

		t.logger.Warn("etcd registry watch ended, restarting", zap.Error(err))

		select {
		case <-time.After(b.NextBackOff()):
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *EtcdTransport) watchOnce() error {
	resp, err := t.etcdClient.KV.Get(t.ctx, t.keyPrefix, etcd.WithPrefix())
	if err != nil {
		return err
	}

	for _, kv := range resp.Kvs {
		t.emit(kv)
	}

	watchCh := t.etcdClient.Watcher.Watch(t.ctx, t.keyPrefix,
		etcd.WithPrefix(),
		etcd.WithRev(resp.Header.Revision+1))

	for watchResp := range watchCh {
		if err := watchResp.Err(); err != nil {
			return err
		}

		for _, evt := range watchResp.Events {
			// deletes are lease expiries; the failure detector handles those
			if evt.Type == mvccpb.PUT {
				t.emit(evt.Kv)
			}
		}
	}

	return errors.New("watch channel closed")
}

func (t *EtcdTransport) emit(kv *mvccpb.KeyValue) {
	pkt := &Packet{
		Data:       kv.Value,
		From:       strings.TrimPrefix(string(kv.Key), t.keyPrefix),
		ReceivedAt: time.Now(),
	}

	select {
	case t.packetCh <- pkt:
	case <-t.ctx.Done():
	}
}

func (t *EtcdTransport) Receive(ctx context.Context) (*Packet, error) {
	if t.ctx.Err() != nil {
		return nil, ErrTransportClosed
	}

	select {
	case pkt := <-t.packetCh:
		return pkt, nil
	case <-t.ctx.Done():
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops watching and revokes the lease so peers stop seeing this node
// in the registry straight away.
func (t *EtcdTransport) Close() error {
	t.closeOnce.Do(func() {
		// read the lease before cancelling, the keep-alive goroutine forgets
		// it as soon as its channel closes
		t.leaseLock.Lock()
		leaseID := t.leaseID
		t.leaseLock.Unlock()

		t.cancel()

		if leaseID != etcd.NoLease {
			revokeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_, t.closeErr = t.etcdClient.Lease.Revoke(revokeCtx, leaseID)
			cancel()
		}

		t.wg.Wait()
	})
	return t.closeErr
}
