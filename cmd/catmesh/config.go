package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// settings that can also be provided through the environment names used by
// existing cat deployments
var legacyEnvNames = map[string]string{
	"discovery-port":             "DISCOVERY_PORT",
	"multicast-group":            "MULTICAST_GROUP",
	"heartbeat-interval":         "HEARTBEAT_INTERVAL",
	"node-timeout":               "NODE_TIMEOUT",
	"update-propagation-timeout": "UPDATE_PROPAGATION_TIMEOUT",
	"advertise-host":             "CCAT_CORE_HOST",
}

func newConfigFlags() *pflag.FlagSet {
	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.String("node-id", "", "the id of this node, a random uuid when empty")
	configFlags.String("bind-address", "0.0.0.0", "the local address to bind to")
	configFlags.String("advertise-host", "", "the host peers use to reach this node")
	configFlags.Int("push-port", 8766, "the port update pushes are received on")
	configFlags.Int("web-port", 9091, "the web metrics/health/api port")
	configFlags.String("discovery-mode", "multicast", "how nodes find each other: multicast, static, etcd or memberlist")
	configFlags.Int("discovery-port", 8765, "the udp port heartbeats are sent to")
	configFlags.String("multicast-group", "224.1.1.1", "the multicast group heartbeats are sent to")
	configFlags.String("multicast-interface", "", "the interface to join the multicast group on")
	configFlags.Int("multicast-ttl", 2, "the ttl of multicast heartbeats")
	configFlags.String("static-peers", "", "comma separated host:port discovery addresses for static mode")
	configFlags.Int("memberlist-port", 7946, "the gossip port for memberlist mode")
	configFlags.String("memberlist-seeds", "", "comma separated host:port gossip seeds for memberlist mode")
	configFlags.String("heartbeat-interval", "30s", "how often heartbeats are sent")
	configFlags.String("node-timeout", "90s", "how long a silent peer is kept")
	configFlags.String("update-propagation-timeout", "10s", "how long a publish waits for peers to acknowledge")
	configFlags.String("fetch-timeout", "", "bound on each update store access, defaults to the propagation timeout")
	configFlags.String("store", "memory", "where updates are kept: memory or etcd")
	configFlags.Int("store-retain", 100, "how many recent updates the store keeps, 0 keeps all")
	configFlags.Bool("bootstrap", true, "pull the latest stored update on start")
	configFlags.String("apply-file", "", "file the latest applied update is written to")
	configFlags.String("etcd-endpoints", "localhost:2379", "comma separated etcd endpoints")
	configFlags.String("etcd-prefix", "/catmesh", "the key prefix used in etcd")
	configFlags.String("etcd-user", "", "the etcd username")
	configFlags.String("etcd-pass", "", "the etcd password")
	configFlags.String("etcd-creds-aws-id", "", "id of secret in aws sm storing etcd credentials")
	configFlags.String("etcd-creds-aws-region", "", "region of etcd-creds-aws-id secret")
	configFlags.String("etcd-creds-azure-id", "", "id of secret in azure kv storing etcd credentials")
	configFlags.String("etcd-creds-azure-vault-name", "", "name of key vault storing etcd-creds-azure-id")
	configFlags.String("etcd-creds-gcp-id", "", "id of secret in gcp sm storing etcd credentials")
	configFlags.String("etcd-creds-gcp-project-id", "", "id of project containing etcd-creds-gcp-id")
	configFlags.String("otlp-endpoint", "", "opentelemetry endpoint to send telemetry to")
	configFlags.Bool("disable-otlp-traces", false, "disable sending traces to otlp")
	configFlags.Bool("disable-otlp-metrics", false, "disable sending metrics to otlp")
	configFlags.Bool("trace-everything", false, "enables tracing of all components")
	return configFlags
}

func bindConfig(configFlags *pflag.FlagSet) {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("catmesh")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)

	for key, legacyName := range legacyEnvNames {
		envName := "CATMESH_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
		_ = viper.BindEnv(key, envName, legacyName)
	}
}

// parseDuration accepts go duration syntax as well as a bare number of
// seconds.
func parseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative duration %q", value)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", value)
	}
	return d, nil
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

type config struct {
	logLevelStr             string
	nodeID                  string
	bindAddress             string
	advertiseHost           string
	pushPort                int
	webPort                 int
	discoveryMode           string
	discoveryPort           int
	multicastGroup          string
	multicastInterface      string
	multicastTTL            int
	staticPeers             []string
	memberlistPort          int
	memberlistSeeds         []string
	heartbeatInterval       time.Duration
	nodeTimeout             time.Duration
	propagationTimeout      time.Duration
	fetchTimeout            time.Duration
	store                   string
	storeRetain             int
	bootstrap               bool
	applyFile               string
	etcdEndpoints           []string
	etcdPrefix              string
	etcdUser                string
	etcdPass                string
	etcdCredsAwsId          string
	etcdCredsAwsRegion      string
	etcdCredsAzureId        string
	etcdCredsAzureVaultName string
	etcdCredsGcpId          string
	etcdCredsGcpProjectId   string
	otlpEndpoint            string
	disableOtlpTraces       bool
	disableOtlpMetrics      bool
	traceEverything         bool
}

func readConfig(logger *zap.Logger) (*config, error) {
	config := &config{
		logLevelStr:             viper.GetString("log-level"),
		nodeID:                  viper.GetString("node-id"),
		bindAddress:             viper.GetString("bind-address"),
		advertiseHost:           viper.GetString("advertise-host"),
		pushPort:                viper.GetInt("push-port"),
		webPort:                 viper.GetInt("web-port"),
		discoveryMode:           strings.ToLower(viper.GetString("discovery-mode")),
		discoveryPort:           viper.GetInt("discovery-port"),
		multicastGroup:          viper.GetString("multicast-group"),
		multicastInterface:      viper.GetString("multicast-interface"),
		multicastTTL:            viper.GetInt("multicast-ttl"),
		staticPeers:             splitList(viper.GetString("static-peers")),
		memberlistPort:          viper.GetInt("memberlist-port"),
		memberlistSeeds:         splitList(viper.GetString("memberlist-seeds")),
		store:                   strings.ToLower(viper.GetString("store")),
		storeRetain:             viper.GetInt("store-retain"),
		bootstrap:               viper.GetBool("bootstrap"),
		applyFile:               viper.GetString("apply-file"),
		etcdEndpoints:           splitList(viper.GetString("etcd-endpoints")),
		etcdPrefix:              viper.GetString("etcd-prefix"),
		etcdUser:                viper.GetString("etcd-user"),
		etcdPass:                viper.GetString("etcd-pass"),
		etcdCredsAwsId:          viper.GetString("etcd-creds-aws-id"),
		etcdCredsAwsRegion:      viper.GetString("etcd-creds-aws-region"),
		etcdCredsAzureId:        viper.GetString("etcd-creds-azure-id"),
		etcdCredsAzureVaultName: viper.GetString("etcd-creds-azure-vault-name"),
		etcdCredsGcpId:          viper.GetString("etcd-creds-gcp-id"),
		etcdCredsGcpProjectId:   viper.GetString("etcd-creds-gcp-project-id"),
		otlpEndpoint:            viper.GetString("otlp-endpoint"),
		disableOtlpTraces:       viper.GetBool("disable-otlp-traces"),
		disableOtlpMetrics:      viper.GetBool("disable-otlp-metrics"),
		traceEverything:         viper.GetBool("trace-everything"),
	}

	var err error
	if config.heartbeatInterval, err = parseDuration(viper.GetString("heartbeat-interval")); err != nil {
		return nil, fmt.Errorf("heartbeat-interval: %w", err)
	}
	if config.nodeTimeout, err = parseDuration(viper.GetString("node-timeout")); err != nil {
		return nil, fmt.Errorf("node-timeout: %w", err)
	}
	if config.propagationTimeout, err = parseDuration(viper.GetString("update-propagation-timeout")); err != nil {
		return nil, fmt.Errorf("update-propagation-timeout: %w", err)
	}
	if config.fetchTimeout, err = parseDuration(viper.GetString("fetch-timeout")); err != nil {
		return nil, fmt.Errorf("fetch-timeout: %w", err)
	}

	switch config.discoveryMode {
	case "multicast", "static", "etcd", "memberlist":
	default:
		return nil, fmt.Errorf("unknown discovery mode %q", config.discoveryMode)
	}
	switch config.store {
	case "memory", "etcd":
	default:
		return nil, fmt.Errorf("unknown update store %q", config.store)
	}

	logger.Info("parsed mesh configuration",
		zap.String("logLevelStr", config.logLevelStr),
		zap.String("nodeId", config.nodeID),
		zap.String("bindAddress", config.bindAddress),
		zap.String("advertiseHost", config.advertiseHost),
		zap.Int("pushPort", config.pushPort),
		zap.Int("webPort", config.webPort),
		zap.String("discoveryMode", config.discoveryMode),
		zap.Int("discoveryPort", config.discoveryPort),
		zap.String("multicastGroup", config.multicastGroup),
		zap.String("multicastInterface", config.multicastInterface),
		zap.Int("multicastTTL", config.multicastTTL),
		zap.Strings("staticPeers", config.staticPeers),
		zap.Int("memberlistPort", config.memberlistPort),
		zap.Strings("memberlistSeeds", config.memberlistSeeds),
		zap.Duration("heartbeatInterval", config.heartbeatInterval),
		zap.Duration("nodeTimeout", config.nodeTimeout),
		zap.Duration("propagationTimeout", config.propagationTimeout),
		zap.Duration("fetchTimeout", config.fetchTimeout),
		zap.String("store", config.store),
		zap.Int("storeRetain", config.storeRetain),
		zap.Bool("bootstrap", config.bootstrap),
		zap.String("applyFile", config.applyFile),
		zap.Strings("etcdEndpoints", config.etcdEndpoints),
		zap.String("etcdPrefix", config.etcdPrefix),
		zap.String("etcdUser", config.etcdUser),
		// zap.String("etcdPass", config.etcdPass),
		zap.String("etcdCredsAwsId", config.etcdCredsAwsId),
		zap.String("etcdCredsAzureId", config.etcdCredsAzureId),
		zap.String("etcdCredsGcpId", config.etcdCredsGcpId),
		zap.String("otlpEndpoint", config.otlpEndpoint),
		zap.Bool("disableOtlpTraces", config.disableOtlpTraces),
		zap.Bool("disableOtlpMetrics", config.disableOtlpMetrics),
		zap.Bool("traceEverything", config.traceEverything))

	return config, nil
}

func (c *config) usesEtcd() bool {
	return c.store == "etcd" || c.discoveryMode == "etcd"
}
