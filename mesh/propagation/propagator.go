/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package propagation

import (
	"context"
	"sync"
	"time"

	"github.com/cheshire-cat-ai/catmesh/common/updatestore"
	"github.com/cheshire-cat-ai/catmesh/mesh/membership"
	"github.com/cheshire-cat-ai/catmesh/pkg/metrics"
	"github.com/cheshire-cat-ai/catmesh/utils/coalescechannel"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

var (
	// ErrUpdateUnavailable means the shared store no longer holds the
	// requested version. The node keeps running its last good version.
	ErrUpdateUnavailable = errors.New("update unavailable")

	ErrStopped = errors.New("propagator stopped")
)

const maxPublishAttempts = 16

// ApplyFunc hands a fetched payload to the host application. Returning an
// error leaves the node on its previous version.
type ApplyFunc func(ctx context.Context, version uint64, payload []byte) error

// PeerNotifier delivers a direct version notification to a peer and returns
// once that peer has acknowledged it.
type PeerNotifier interface {
	Notify(ctx context.Context, address string, version uint64) error
}

type PropagatorOptions struct {
	Logger   *zap.Logger
	Store    updatestore.Store
	Table    *membership.Table
	Notifier PeerNotifier
	Apply    ApplyFunc
	Metrics  *metrics.MeshMetrics

	// OnVersionChange is called after the local version advances, typically
	// to announce the new version early.
	OnVersionChange func(version uint64)

	PropagationTimeout time.Duration
	FetchTimeout       time.Duration
}

type PublishResult struct {
	Version uint64

	// Unacked lists the ids of peers that had not acknowledged the version
	// when the propagation timeout elapsed, ordered by id.
	Unacked []string
}

// Propagator moves the cluster towards the highest update version any node
// has seen. Publishing writes to the shared store and pushes the new version
// to peers; observing a higher version schedules a pull from the store.
type Propagator struct {
	logger             *zap.Logger
	tracer             trace.Tracer
	store              updatestore.Store
	table              *membership.Table
	notifier           PeerNotifier
	apply              ApplyFunc
	metrics            *metrics.MeshMetrics
	onVersionChange    func(version uint64)
	propagationTimeout time.Duration
	fetchTimeout       time.Duration

	lock        sync.Mutex
	highestSeen uint64
	current     uint64
	lastFailed  uint64
	changedCh   chan struct{}
	wantCh      chan uint64
	wantClosed  bool

	pullCh <-chan uint64

	// applyLock orders every change of the local version, so a slow pull of
	// an older version can never land after a local publish.
	applyLock sync.Mutex

	stopCtx    context.Context
	stopCancel context.CancelFunc
}

func NewPropagator(opts PropagatorOptions) *Propagator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.GetMeshMetrics()
	}

	wantCh := make(chan uint64)
	stopCtx, stopCancel := context.WithCancel(context.Background())

	return &Propagator{
		logger:             logger,
		tracer:             otel.Tracer("github.com/cheshire-cat-ai/catmesh/mesh/propagation"),
		store:              opts.Store,
		table:              opts.Table,
		notifier:           opts.Notifier,
		apply:              opts.Apply,
		metrics:            m,
		onVersionChange:    opts.OnVersionChange,
		propagationTimeout: opts.PropagationTimeout,
		fetchTimeout:       opts.FetchTimeout,
		changedCh:          make(chan struct{}),
		wantCh:             wantCh,
		pullCh:             coalescechannel.Max(wantCh),
		stopCtx:            stopCtx,
		stopCancel:         stopCancel,
	}
}

func (p *Propagator) CurrentVersion() uint64 {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.current
}

func (p *Propagator) HighestSeen() uint64 {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.highestSeen
}

// advance raises the local version. It returns false if the local version
// was already at or beyond version.
func (p *Propagator) advance(ctx context.Context, version uint64) bool {
	p.lock.Lock()
	if version > p.highestSeen {
		p.highestSeen = version
	}
	if version <= p.current {
		p.lock.Unlock()
		return false
	}

	p.current = version
	close(p.changedCh)
	p.changedCh = make(chan struct{})
	p.lock.Unlock()

	p.table.SetSelfVersion(version)
	p.metrics.CurrentVersion.Record(ctx, int64(version))

	if p.onVersionChange != nil {
		p.onVersionChange(version)
	}

	return true
}

// WaitForVersion blocks until the local version is at least version.
func (p *Propagator) WaitForVersion(ctx context.Context, version uint64) error {
	for {
		p.lock.Lock()
		if p.current >= version {
			p.lock.Unlock()
			return nil
		}
		changedCh := p.changedCh
		p.lock.Unlock()

		select {
		case <-changedCh:
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCtx.Done():
			return ErrStopped
		}
	}
}

// withStop derives a context that is also cancelled when the propagator stops.
func (p *Propagator) withStop(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	stop := context.AfterFunc(p.stopCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Publish issues a new version for payload. The version is one above the
// highest this node has seen anywhere. A store failure is returned as an
// error; peers failing to acknowledge are only reported in the result.
func (p *Propagator) Publish(ctx context.Context, payload []byte) (*PublishResult, error) {
	if p.stopCtx.Err() != nil {
		return nil, ErrStopped
	}

	ctx, span := p.tracer.Start(ctx, "Publish")
	defer span.End()

	p.applyLock.Lock()

	version, err := p.storeNext(ctx, payload)
	if err != nil {
		p.applyLock.Unlock()

		span.RecordError(err)
		span.SetStatus(codes.Error, "store write failed")
		return nil, err
	}

	span.SetAttributes(attribute.Int64("catmesh.version", int64(version)))

	p.advance(ctx, version)
	p.applyLock.Unlock()

	p.metrics.UpdatesPublished.Add(ctx, 1)
	p.logger.Info("published update",
		zap.Uint64("version", version),
		zap.Int("size", len(payload)))

	unacked := p.pushToPeers(ctx, version)
	if len(unacked) > 0 {
		p.metrics.UnackedPushes.Add(ctx, int64(len(unacked)))
		p.logger.Warn("some peers did not acknowledge update",
			zap.Uint64("version", version),
			zap.Strings("unacked", unacked))
	}

	return &PublishResult{
		Version: version,
		Unacked: unacked,
	}, nil
}

// storeNext writes payload under the lowest unused version above everything
// this node has seen. A version taken by a concurrent publisher elsewhere is
// treated as seen and the next one is tried.
func (p *Propagator) storeNext(ctx context.Context, payload []byte) (uint64, error) {
	p.lock.Lock()
	version := max(p.highestSeen, p.current) + 1
	p.lock.Unlock()

	for attempt := 1; ; attempt++ {
		storeCtx, cancel := p.withStop(ctx, p.fetchTimeout)
		err := p.store.Put(storeCtx, version, payload)
		cancel()
		if err == nil {
			return version, nil
		}

		if !errors.Is(err, updatestore.ErrVersionExists) || attempt >= maxPublishAttempts {
			return 0, errors.Wrapf(err, "failed to store update %d", version)
		}

		p.logger.Debug("update version already taken, trying the next one",
			zap.Uint64("version", version))

		p.lock.Lock()
		p.highestSeen = max(p.highestSeen, version)
		version = max(p.highestSeen, p.current) + 1
		p.lock.Unlock()
	}
}

func (p *Propagator) pushToPeers(ctx context.Context, version uint64) []string {
	snap := p.table.Snapshot()
	if len(snap.Peers) == 0 {
		return nil
	}

	if p.notifier == nil {
		return snap.PeerIDs()
	}

	pushCtx, cancel := p.withStop(ctx, p.propagationTimeout)
	defer cancel()

	var unackedLock sync.Mutex
	var unacked []string
	var wg sync.WaitGroup
	startTime := time.Now()

	for _, peer := range snap.Peers {
		wg.Add(1)
		go func(peer membership.NodeRecord) {
			defer wg.Done()

			err := p.notifier.Notify(pushCtx, peer.Address, version)
			if err != nil {
				p.logger.Debug("failed to push update to peer",
					zap.String("nodeId", peer.NodeID),
					zap.String("address", peer.Address),
					zap.Error(err))

				unackedLock.Lock()
				unacked = append(unacked, peer.NodeID)
				unackedLock.Unlock()
				return
			}

			p.metrics.PushLatency.Record(ctx, time.Since(startTime).Seconds())
		}(peer)
	}
	wg.Wait()

	slices.Sort(unacked)
	return unacked
}

// Observe records that a peer advertised version. If it is newer than what
// is applied locally, and newer than the last version that failed to pull,
// a pull is scheduled. Observe never blocks on I/O.
func (p *Propagator) Observe(version uint64, source string) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if version > p.highestSeen {
		p.highestSeen = version
	}

	// a version whose pull already failed is only retried once something
	// newer shows up, not on every heartbeat repeating it
	if version <= p.current || version <= p.lastFailed || p.wantClosed {
		return
	}

	// the coalescing pipe is always receiving, so this does not wait on
	// the pull worker
	p.wantCh <- version
}

// Run is the pull worker. It must be running for observations to be acted
// upon, and returns when ctx is cancelled or the propagator is stopped.
func (p *Propagator) Run(ctx context.Context) {
	defer p.closeWants()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCtx.Done():
			return
		case version, ok := <-p.pullCh:
			if !ok {
				return
			}

			err := p.Pull(ctx, version)
			if err != nil && ctx.Err() == nil && p.stopCtx.Err() == nil {
				p.lock.Lock()
				p.lastFailed = max(p.lastFailed, version)
				p.lock.Unlock()

				p.logger.Warn("failed to pull update, keeping current version",
					zap.Uint64("version", version),
					zap.Uint64("currentVersion", p.CurrentVersion()),
					zap.Error(err))
			}
		}
	}
}

func (p *Propagator) closeWants() {
	p.lock.Lock()
	if !p.wantClosed {
		p.wantClosed = true
		close(p.wantCh)
	}
	p.lock.Unlock()
}

// Pull fetches version from the store and applies it, unless the local
// version is already at or beyond it.
func (p *Propagator) Pull(ctx context.Context, version uint64) error {
	p.applyLock.Lock()
	defer p.applyLock.Unlock()

	if version <= p.CurrentVersion() {
		return nil
	}

	ctx, span := p.tracer.Start(ctx, "Pull",
		trace.WithAttributes(attribute.Int64("catmesh.version", int64(version))))
	defer span.End()

	fetchCtx, cancel := p.withStop(ctx, p.fetchTimeout)
	defer cancel()

	payload, err := p.store.Get(fetchCtx, version)
	if err != nil {
		p.metrics.UpdateFetchFailures.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")

		if errors.Is(err, updatestore.ErrNotFound) {
			return errors.Wrapf(ErrUpdateUnavailable, "version %d", version)
		}
		if p.stopCtx.Err() != nil {
			return ErrStopped
		}
		return errors.Wrapf(err, "failed to fetch update %d", version)
	}

	if p.apply != nil {
		err = p.apply(fetchCtx, version, payload)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "apply failed")
			return errors.Wrapf(err, "failed to apply update %d", version)
		}
	}

	if p.advance(ctx, version) {
		p.metrics.UpdatesApplied.Add(ctx, 1)
		p.logger.Info("applied update", zap.Uint64("version", version))
	}

	return nil
}

// HandlePush processes a direct notification from a peer. It returns once
// the local version has reached version, which is what the peer takes as
// an acknowledgement.
func (p *Propagator) HandlePush(ctx context.Context, version uint64, source string) (uint64, error) {
	p.lock.Lock()
	if version > p.highestSeen {
		p.highestSeen = version
	}
	p.lock.Unlock()

	p.logger.Debug("received update push",
		zap.String("source", source),
		zap.Uint64("version", version))

	if err := p.Pull(ctx, version); err != nil {
		return p.CurrentVersion(), err
	}

	return p.CurrentVersion(), nil
}

// Bootstrap moves a freshly started node to the latest version in the store
// without waiting for a peer to announce it.
func (p *Propagator) Bootstrap(ctx context.Context) error {
	finder, ok := p.store.(updatestore.LatestFinder)
	if !ok {
		return nil
	}

	fetchCtx, cancel := p.withStop(ctx, p.fetchTimeout)
	latest, err := finder.LatestVersion(fetchCtx)
	cancel()
	if err != nil {
		return errors.Wrap(err, "failed to find latest update")
	}

	if latest == 0 {
		return nil
	}

	p.lock.Lock()
	if latest > p.highestSeen {
		p.highestSeen = latest
	}
	p.lock.Unlock()

	return p.Pull(ctx, latest)
}

// Stop cancels in-flight pushes and fetches. Pending observations are
// discarded.
func (p *Propagator) Stop() {
	p.stopCancel()
	p.closeWants()
}
