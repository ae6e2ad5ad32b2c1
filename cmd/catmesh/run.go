package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cheshire-cat-ai/catmesh/common/updatestore"
	"github.com/cheshire-cat-ai/catmesh/mesh"
	"github.com/cheshire-cat-ai/catmesh/mesh/discovery"
	"github.com/cheshire-cat-ai/catmesh/pkg/webapi"
	"github.com/cheshire-cat-ai/catmesh/utils/netutils"
	"github.com/cheshire-cat-ai/catmesh/utils/secretsmanager"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	etcd "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

func fetchEtcdCredentials(ctx context.Context, logger *zap.Logger, config *config) error {
	var err error

	fetchers := 0
	for _, id := range []string{config.etcdCredsAwsId, config.etcdCredsAzureId, config.etcdCredsGcpId} {
		if id != "" {
			fetchers++
		}
	}
	if fetchers == 0 {
		return nil
	}
	if fetchers > 1 {
		return errors.New("only one cloud provider may supply etcd credentials")
	}
	if config.etcdUser != "" || config.etcdPass != "" {
		return errors.New("cannot use etcd-user or etcd-pass when fetching creds from cloud provider")
	}

	if config.etcdCredsAwsId != "" {
		if config.etcdCredsAwsRegion == "" {
			return errors.New("must specify region and id when fetching secrets from aws")
		}

		logger.Info("fetching etcd credentials from aws secrets manager")
		config.etcdUser, config.etcdPass, err = secretsmanager.FetchAWSSecret(ctx, config.etcdCredsAwsId, config.etcdCredsAwsRegion)
		if err != nil {
			return fmt.Errorf("failed to fetch etcd credentials from aws: %w", err)
		}
	}

	if config.etcdCredsAzureId != "" {
		if config.etcdCredsAzureVaultName == "" {
			return errors.New("must specify key vault name and id when fetching secrets from azure")
		}

		logger.Info("fetching etcd credentials from azure key vault")
		config.etcdUser, config.etcdPass, err = secretsmanager.FetchAzureSecret(ctx, config.etcdCredsAzureId, config.etcdCredsAzureVaultName)
		if err != nil {
			return fmt.Errorf("failed to fetch etcd credentials from azure: %w", err)
		}
	}

	if config.etcdCredsGcpId != "" {
		if config.etcdCredsGcpProjectId == "" {
			return errors.New("must specify project and secret ids when fetching secrets from gcp")
		}

		logger.Info("fetching etcd credentials from gcp secrets manager")
		config.etcdUser, config.etcdPass, err = secretsmanager.FetchGcpSecret(ctx, config.etcdCredsGcpId, config.etcdCredsGcpProjectId)
		if err != nil {
			return fmt.Errorf("failed to fetch etcd credentials from gcp: %w", err)
		}
	}

	return nil
}

func connectEtcd(ctx context.Context, logger *zap.Logger, config *config) (*etcd.Client, error) {
	if len(config.etcdEndpoints) == 0 {
		return nil, errors.New("at least one etcd endpoint is required")
	}

	logger.Info("connecting to etcd", zap.Strings("endpoints", config.etcdEndpoints))

	etcdClient, err := etcd.New(etcd.Config{
		Endpoints:   config.etcdEndpoints,
		DialTimeout: 5 * time.Second,
		Username:    config.etcdUser,
		Password:    config.etcdPass,
		Logger:      logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, err
	}

	// the client connects lazily, so check the cluster is actually there
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	err = backoff.RetryNotify(func() error {
		statusCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		_, err := etcdClient.Status(statusCtx, config.etcdEndpoints[0])
		return err
	}, backoff.WithContext(bo, ctx), func(err error, d time.Duration) {
		logger.Warn("etcd not reachable yet, retrying",
			zap.Error(err),
			zap.Duration("delay", d))
	})
	if err != nil {
		_ = etcdClient.Close()
		return nil, fmt.Errorf("failed to reach etcd: %w", err)
	}

	return etcdClient, nil
}

func newUpdateStore(logger *zap.Logger, config *config, etcdClient *etcd.Client) (updatestore.Store, error) {
	switch config.store {
	case "etcd":
		return updatestore.NewEtcdStore(updatestore.EtcdStoreOptions{
			Logger:     logger.Named("update-store"),
			EtcdClient: etcdClient,
			KeyPrefix:  config.etcdPrefix,
			Retain:     config.storeRetain,
		})
	default:
		logger.Warn("using the in-memory update store, updates are not shared with other processes")
		return updatestore.NewMemStore(updatestore.MemStoreOptions{
			Retain: config.storeRetain,
		}), nil
	}
}

func newTransport(logger *zap.Logger, config *config, nodeID string, advertiseHost string, etcdClient *etcd.Client) (discovery.Transport, error) {
	logger = logger.Named("transport")

	switch config.discoveryMode {
	case "static":
		return discovery.NewStaticTransport(discovery.StaticTransportOptions{
			Logger:      logger,
			BindAddress: net.JoinHostPort(config.bindAddress, strconv.Itoa(config.discoveryPort)),
			Peers:       config.staticPeers,
		})
	case "etcd":
		return discovery.NewEtcdTransport(discovery.EtcdTransportOptions{
			Logger:      logger,
			EtcdClient:  etcdClient,
			KeyPrefix:   config.etcdPrefix,
			NodeID:      nodeID,
			LeasePeriod: config.nodeTimeout,
		})
	case "memberlist":
		return discovery.NewMemberlistTransport(discovery.MemberlistTransportOptions{
			Logger:        logger,
			NodeID:        nodeID,
			BindAddress:   config.bindAddress,
			BindPort:      config.memberlistPort,
			AdvertiseHost: advertiseHost,
			Seeds:         config.memberlistSeeds,
		})
	default:
		return discovery.NewMulticastTransport(discovery.MulticastTransportOptions{
			Logger:        logger,
			Group:         config.multicastGroup,
			Port:          config.discoveryPort,
			InterfaceName: config.multicastInterface,
			TTL:           config.multicastTTL,
		})
	}
}

func startMesh() {
	// initialize the logger
	logLevel, logger := getLogger()

	logger.Info("starting catmesh", zap.String("version", buildVersion))

	logger.Info("parsed launch configuration",
		zap.String("config", cfgFile),
		zap.Bool("watch-config", watchCfgFile))

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			logger.Panic("failed to load specified config file", zap.Error(err))
		}
	}

	config, err := readConfig(logger)
	if err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		os.Exit(1)
	}

	logLevel.SetLevel(parseLogLevel(logger, config.logLevelStr))

	// setup tracing
	otlpTracerProvider, otlpMeterProvider, err :=
		initTelemetry(context.Background(),
			logger,
			config.otlpEndpoint,
			!config.disableOtlpTraces,
			!config.disableOtlpMetrics,
			config.traceEverything)
	if err != nil {
		logger.Error("failed to initialize opentelemetry tracing", zap.Error(err))
		os.Exit(1)
	}

	if otlpTracerProvider != nil {
		otel.SetTracerProvider(otlpTracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	}
	if otlpMeterProvider != nil {
		otel.SetMeterProvider(otlpMeterProvider)
	}

	nodeID := config.nodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	advertiseHost, err := netutils.GetAdvertiseHost(config.advertiseHost, config.bindAddress)
	if err != nil {
		logger.Error("failed to determine the advertise host", zap.Error(err))
		os.Exit(1)
	}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), time.Minute)
	defer startupCancel()

	var etcdClient *etcd.Client
	if config.usesEtcd() {
		err = fetchEtcdCredentials(startupCtx, logger, config)
		if err != nil {
			logger.Error("failed to resolve etcd credentials", zap.Error(err))
			os.Exit(1)
		}

		etcdClient, err = connectEtcd(startupCtx, logger, config)
		if err != nil {
			logger.Error("failed to connect to etcd", zap.Error(err))
			os.Exit(1)
		}
	}

	store, err := newUpdateStore(logger, config, etcdClient)
	if err != nil {
		logger.Error("failed to initialize the update store", zap.Error(err))
		os.Exit(1)
	}

	transport, err := newTransport(logger, config, nodeID, advertiseHost, etcdClient)
	if err != nil {
		logger.Error("failed to initialize the discovery transport", zap.Error(err))
		os.Exit(1)
	}

	coordinator, err := mesh.NewCoordinator(mesh.Options{
		Logger: logger.Named("mesh"),
		Config: mesh.Config{
			NodeID:             nodeID,
			AdvertiseHost:      advertiseHost,
			BindAddress:        config.bindAddress,
			PushPort:           config.pushPort,
			HeartbeatInterval:  config.heartbeatInterval,
			NodeTimeout:        config.nodeTimeout,
			PropagationTimeout: config.propagationTimeout,
			FetchTimeout:       config.fetchTimeout,
		},
		Transport: transport,
		Store:     store,
		Apply:     newApplyFunc(logger.Named("apply"), config.applyFile),
		Bootstrap: config.bootstrap,
	})
	if err != nil {
		logger.Error("failed to initialize the mesh", zap.Error(err))
		os.Exit(1)
	}

	err = coordinator.Start(startupCtx)
	if err != nil {
		logger.Error("failed to start the mesh", zap.Error(err))
		os.Exit(1)
	}

	// setup the web service
	webListenAddress := net.JoinHostPort(config.bindAddress, strconv.Itoa(config.webPort))
	webapi.InitializeWebServer(webapi.WebServerOptions{
		Logger:        logger.Named("webapi"),
		LogLevel:      &logLevel,
		ListenAddress: webListenAddress,
		Mesh:          coordinator,
	})

	var configLock sync.Mutex
	reloadConfiguration := func() {
		configLock.Lock()
		defer configLock.Unlock()

		if cfgFile != "" {
			err := viper.ReadInConfig()
			if err != nil {
				logger.Warn("failed to parse configuration file",
					zap.Error(err))
			}
		}

		newConfig, err := readConfig(logger)
		if err != nil {
			logger.Warn("ignoring invalid configuration change", zap.Error(err))
			return
		}

		if newConfig.nodeID != config.nodeID ||
			newConfig.bindAddress != config.bindAddress ||
			newConfig.advertiseHost != config.advertiseHost ||
			newConfig.pushPort != config.pushPort ||
			newConfig.webPort != config.webPort {
			logger.Warn("config changes for nodeId, bindAddress, advertiseHost, pushPort, or webPort require a restart")
		}

		if newConfig.discoveryMode != config.discoveryMode ||
			newConfig.discoveryPort != config.discoveryPort ||
			newConfig.multicastGroup != config.multicastGroup ||
			newConfig.multicastInterface != config.multicastInterface {
			logger.Warn("config changes for discovery settings require a restart")
		}

		if newConfig.heartbeatInterval != config.heartbeatInterval ||
			newConfig.nodeTimeout != config.nodeTimeout ||
			newConfig.propagationTimeout != config.propagationTimeout ||
			newConfig.fetchTimeout != config.fetchTimeout {
			logger.Warn("config changes for heartbeatInterval, nodeTimeout, propagationTimeout, or fetchTimeout require a restart")
		}

		if newConfig.store != config.store ||
			newConfig.applyFile != config.applyFile {
			logger.Warn("config changes for store or applyFile require a restart")
		}

		if newConfig.logLevelStr != config.logLevelStr {
			newParsedLogLevel := parseLogLevel(logger, newConfig.logLevelStr)
			logLevel.SetLevel(newParsedLogLevel)

			logger.Info("updated log level",
				zap.String("newLevel", newParsedLogLevel.String()))
		}

		config = newConfig
	}

	if watchCfgFile && cfgFile != "" {
		viper.OnConfigChange(func(in fsnotify.Event) {
			logger.Info("configuration file change detected")
			reloadConfiguration()
		})

		go viper.WatchConfig()
	}

	shutdownCh := make(chan struct{})
	var shutdownOnce sync.Once
	beginGracefulShutdown := func() {
		shutdownOnce.Do(func() { close(shutdownCh) })
	}

	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

		hasReceivedSigInt := false
		for sig := range sigCh {
			if sig == syscall.SIGINT {
				if hasReceivedSigInt {
					logger.Info("Received SIGINT a second time, terminating...")
					os.Exit(1)
				} else {
					logger.Info("Received SIGINT, attempting graceful shutdown...")
					hasReceivedSigInt = true
					beginGracefulShutdown()
				}
			} else if sig == syscall.SIGTERM {
				logger.Info("Received SIGTERM, attempting graceful shutdown...")
				beginGracefulShutdown()
			} else if sig == syscall.SIGHUP {
				logger.Info("Received SIGHUP, reloading configuration...")
				reloadConfiguration()
			}
		}
	}()

	<-shutdownCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	err = webapi.ShutdownWebServer(shutdownCtx)
	if err != nil {
		logger.Warn("failed to shutdown web server", zap.Error(err))
	}

	err = coordinator.Stop()
	if err != nil {
		logger.Warn("error while stopping the mesh", zap.Error(err))
	}

	if etcdClient != nil {
		_ = etcdClient.Close()
	}

	if otlpTracerProvider != nil {
		_ = otlpTracerProvider.Shutdown(shutdownCtx)
	}
	if otlpMeterProvider != nil {
		_ = otlpMeterProvider.Shutdown(shutdownCtx)
	}

	logger.Info("catmesh shutdown gracefully")
}
