package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cheshire-cat-ai/catmesh/common/updatestore"
	"github.com/cheshire-cat-ai/catmesh/mesh"
	"github.com/cheshire-cat-ai/catmesh/mesh/discovery"
	"github.com/cheshire-cat-ai/catmesh/pkg/webapi"
	"github.com/cheshire-cat-ai/catmesh/utils/buildversion"
	"go.uber.org/zap"
)

var numInstances = flag.Uint("num-instances", 3, "how many instances to run")
var heartbeatInterval = flag.Duration("heartbeat-interval", time.Second, "how often each instance heartbeats")
var nodeTimeout = flag.Duration("node-timeout", 3*time.Second, "how long a silent instance is kept")
var publishEvery = flag.Duration("publish-every", 10*time.Second, "how often a random instance publishes an update, 0 to disable")
var webPort = flag.Int("web-port", 9091, "the web api port of the first instance")

// Runs a whole mesh inside one process, sharing an in-memory store and an
// in-process discovery hub, for poking at the web api locally.
func main() {
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Printf("failed to initialize logging: %s", err)
		os.Exit(1)
	}

	logger.Info("starting catmesh dev cluster", zap.String("version", buildversion.GetVersion()))

	hub := discovery.NewInProcHub()
	store := updatestore.NewMemStore(updatestore.MemStoreOptions{Retain: 100})

	var coordinators []*mesh.Coordinator
	for i := uint(0); i < *numInstances; i++ {
		nodeID := fmt.Sprintf("dev-%d", i)
		nodeLogger := logger.Named(nodeID)

		coord, err := mesh.NewCoordinator(mesh.Options{
			Logger: nodeLogger,
			Config: mesh.Config{
				NodeID:            nodeID,
				AdvertiseHost:     "127.0.0.1",
				BindAddress:       "127.0.0.1",
				HeartbeatInterval: *heartbeatInterval,
				NodeTimeout:       *nodeTimeout,
			},
			Transport: hub.Endpoint(nodeID),
			Store:     store,
			Bootstrap: true,
			Apply: func(ctx context.Context, version uint64, payload []byte) error {
				nodeLogger.Info("applied update", zap.Uint64("version", version), zap.ByteString("payload", payload))
				return nil
			},
		})
		if err != nil {
			log.Printf("failed to initialize instance %s: %s", nodeID, err)
			os.Exit(1)
		}

		err = coord.Start(context.Background())
		if err != nil {
			log.Printf("failed to start instance %s: %s", nodeID, err)
			os.Exit(1)
		}

		coordinators = append(coordinators, coord)
	}

	if len(coordinators) > 0 {
		webapi.InitializeWebServer(webapi.WebServerOptions{
			Logger:        logger.Named("webapi"),
			ListenAddress: fmt.Sprintf("127.0.0.1:%d", *webPort),
			Mesh:          coordinators[0],
		})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	wg := sync.WaitGroup{}
	if *publishEvery > 0 && len(coordinators) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			ticker := time.NewTicker(*publishEvery)
			defer ticker.Stop()

			for n := 0; ; n++ {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}

				coord := coordinators[n%len(coordinators)]
				payload := fmt.Sprintf(`{"source":%q,"seq":%d}`, coord.NodeID(), n)
				version, unacked, err := coord.PublishUpdate(ctx, []byte(payload))
				if err != nil {
					logger.Warn("dev publish failed", zap.Error(err))
					continue
				}

				logger.Info("dev publish",
					zap.String("source", coord.NodeID()),
					zap.Uint64("version", version),
					zap.Strings("unacked", unacked))
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()

	for _, coord := range coordinators {
		_ = coord.Stop()
	}
}
