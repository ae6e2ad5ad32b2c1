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
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cheshire-cat-ai/catmesh/common/updatestore"
	"github.com/cheshire-cat-ai/catmesh/mesh/discovery"
	"github.com/cheshire-cat-ai/catmesh/mesh/failuredetector"
	"github.com/cheshire-cat-ai/catmesh/mesh/heartbeat"
	"github.com/cheshire-cat-ai/catmesh/mesh/membership"
	"github.com/cheshire-cat-ai/catmesh/mesh/propagation"
	"github.com/cheshire-cat-ai/catmesh/mesh/pushrpc"
	"github.com/cheshire-cat-ai/catmesh/pkg/metrics"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

var (
	ErrAlreadyStarted = errors.New("coordinator already started")
	ErrNotRunning     = errors.New("coordinator is not running")
	ErrStopped        = errors.New("coordinator has been stopped")
)

type Options struct {
	Logger *zap.Logger
	Config Config

	Transport discovery.Transport
	Store     updatestore.Store

	// Apply receives every update pulled from the store. It may be nil, in
	// which case versions are tracked without any local effect.
	Apply propagation.ApplyFunc

	// Bootstrap pulls the latest version from the store during Start.
	Bootstrap bool

	PushDialOptions []grpc.DialOption
}

// Coordinator wires the membership table, discovery, failure detection and
// update propagation together for one node.
type Coordinator struct {
	logger    *zap.Logger
	config    Config
	transport discovery.Transport
	bootstrap bool
	metrics   *metrics.MeshMetrics

	table      *membership.Table
	listener   *discovery.Listener
	emitter    *heartbeat.Emitter
	detector   *failuredetector.Detector
	propagator *propagation.Propagator
	pushClient *pushrpc.Client
	pushServer *grpc.Server

	lock    sync.Mutex
	state   coordinatorState
	address string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type coordinatorState int

const (
	stateNew coordinatorState = iota
	stateRunning
	stateStopped
)

func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Transport == nil {
		return nil, errors.New("a discovery transport is required")
	}
	if opts.Store == nil {
		return nil, errors.New("an update store is required")
	}

	config := opts.Config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("nodeId", config.NodeID))

	c := &Coordinator{
		logger:    logger,
		config:    config,
		transport: opts.Transport,
		bootstrap: opts.Bootstrap,
		metrics:   metrics.GetMeshMetrics(),
	}

	c.table = membership.NewTable(membership.NodeRecord{
		NodeID:   config.NodeID,
		Address:  net.JoinHostPort(config.AdvertiseHost, strconv.Itoa(config.PushPort)),
		LastSeen: time.Now(),
	})

	c.pushClient = pushrpc.NewClient(pushrpc.ClientOptions{
		Logger:      logger.Named("push-client"),
		NodeID:      config.NodeID,
		DialOptions: opts.PushDialOptions,
	})

	c.emitter = heartbeat.NewEmitter(heartbeat.EmitterOptions{
		Logger:    logger.Named("heartbeat"),
		Announcer: opts.Transport,
		Table:     c.table,
		Interval:  config.HeartbeatInterval,
		Metrics:   c.metrics,
	})

	c.propagator = propagation.NewPropagator(propagation.PropagatorOptions{
		Logger:             logger.Named("propagator"),
		Store:              opts.Store,
		Table:              c.table,
		Notifier:           c.pushClient,
		Apply:              opts.Apply,
		Metrics:            c.metrics,
		PropagationTimeout: config.PropagationTimeout,
		FetchTimeout:       config.FetchTimeout,
		OnVersionChange: func(version uint64) {
			c.emitter.Trigger()
		},
	})

	c.listener = discovery.NewListener(discovery.ListenerOptions{
		Logger:    logger.Named("listener"),
		Transport: opts.Transport,
		Table:     c.table,
		Observer:  c.propagator,
		Metrics:   c.metrics,
	})

	c.detector = failuredetector.NewDetector(failuredetector.DetectorOptions{
		Logger:       logger.Named("failure-detector"),
		Table:        c.table,
		Timeout:      config.NodeTimeout,
		TickInterval: config.DetectorInterval,
		Metrics:      c.metrics,
		OnEvict: func(rec membership.NodeRecord) {
			c.pushClient.Forget(rec.Address)
		},
	})

	return c, nil
}

// Start binds the push listener and launches every background loop. The
// context only bounds start-up work such as bootstrapping; the loops run
// until Stop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	switch c.state {
	case stateRunning:
		return ErrAlreadyStarted
	case stateStopped:
		return ErrStopped
	}

	lis, err := net.Listen("tcp", net.JoinHostPort(c.config.BindAddress, strconv.Itoa(c.config.PushPort)))
	if err != nil {
		return err
	}

	// the advertised address follows whatever port was actually bound
	pushPort := lis.Addr().(*net.TCPAddr).Port
	c.address = net.JoinHostPort(c.config.AdvertiseHost, strconv.Itoa(pushPort))
	c.table.SetSelfAddress(c.address)

	c.pushServer = pushrpc.NewGrpcServer(c.logger.Named("push-server"), c.metrics)
	pushrpc.NewServer(pushrpc.ServerOptions{
		Logger:  c.logger.Named("push-server"),
		Handler: c.propagator,
	}).Register(c.pushServer)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		err := c.pushServer.Serve(lis)
		if err != nil {
			c.logger.Error("push server stopped unexpectedly", zap.Error(err))
		}
	}()

	if c.bootstrap {
		if err := c.propagator.Bootstrap(ctx); err != nil {
			c.logger.Warn("failed to bootstrap from the update store", zap.Error(err))
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.goRun(func() { c.listener.Run(runCtx) })
	c.goRun(func() { c.emitter.Run(runCtx) })
	c.goRun(func() { c.detector.Run(runCtx) })
	c.goRun(func() { c.propagator.Run(runCtx) })

	c.state = stateRunning

	c.logger.Info("coordinator started",
		zap.String("address", c.address),
		zap.Uint64("currentVersion", c.propagator.CurrentVersion()),
		zap.Duration("heartbeatInterval", c.config.HeartbeatInterval),
		zap.Duration("nodeTimeout", c.config.NodeTimeout))

	return nil
}

func (c *Coordinator) goRun(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// Stop cancels every loop along with any in-flight push or fetch, closes the
// transport and waits for all goroutines to finish.
func (c *Coordinator) Stop() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.state != stateRunning {
		c.state = stateStopped
		return nil
	}
	c.state = stateStopped

	c.cancel()
	c.propagator.Stop()

	transportErr := c.transport.Close()
	c.pushServer.GracefulStop()
	clientErr := c.pushClient.Close()

	c.wg.Wait()

	c.logger.Info("coordinator stopped")

	return errors.Join(transportErr, clientErr)
}

func (c *Coordinator) Running() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.state == stateRunning
}

// PublishUpdate stores payload as a new version and pushes it to every known
// peer. It returns the assigned version along with the ids of peers that did
// not acknowledge within the propagation timeout.
func (c *Coordinator) PublishUpdate(ctx context.Context, payload []byte) (uint64, []string, error) {
	if !c.Running() {
		return 0, nil, ErrNotRunning
	}

	res, err := c.propagator.Publish(ctx, payload)
	if err != nil {
		return 0, nil, err
	}

	return res.Version, res.Unacked, nil
}

func (c *Coordinator) CurrentVersion() uint64 {
	return c.propagator.CurrentVersion()
}

func (c *Coordinator) NodeID() string {
	return c.config.NodeID
}

// Address is the advertised push address, valid once started.
func (c *Coordinator) Address() string {
	return c.table.Self().Address
}

// Peers returns every live peer ordered by node id.
func (c *Coordinator) Peers() []membership.NodeRecord {
	return c.table.Snapshot().Peers
}

func (c *Coordinator) Snapshot() *membership.Snapshot {
	return c.table.Snapshot()
}

// DroppedAnnouncements counts received datagrams discarded as malformed.
func (c *Coordinator) DroppedAnnouncements() uint64 {
	return c.listener.Dropped()
}
