package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cheshire-cat-ai/catmesh/utils/buildversion"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

var buildVersion string = buildversion.GetVersion()

var rootCmd = &cobra.Command{
	Version: buildVersion,

	Use:   "catmesh",
	Short: "Keeps a cluster of Cheshire Cat replicas aware of each other and in sync",

	Run: func(cmd *cobra.Command, args []string) {
		if autoRestart && !autoRestartProc {
			startMeshWatchdog()
			return
		}

		startMesh()
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish [file]",
	Short: "Publish an update to the mesh through a running node",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload []byte
		var err error
		if len(args) == 0 || args[0] == "-" {
			payload, err = io.ReadAll(cmd.InOrStdin())
		} else {
			payload, err = os.ReadFile(args[0])
		}
		if err != nil {
			return err
		}

		res, err := publishUpdate(cmd.Context(), webURL, payload)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "published version %d\n", res.Version)
		if len(res.Unacked) > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "not acknowledged by: %s\n", strings.Join(res.Unacked, ", "))
		}
		return nil
	},
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List the nodes a running node currently knows about",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodes, err := listNodes(cmd.Context(), webURL)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NODE ID\tADDRESS\tVERSION\tLAST SEEN")
		for _, node := range nodes {
			id := node.NodeID
			if node.IsSelf {
				id += " (self)"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", id, node.Address, node.KnownVersion, node.LastSeen.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var cfgFile string
var watchCfgFile bool
var autoRestart bool
var autoRestartProc bool
var webURL string

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.Flags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")
	rootCmd.Flags().BoolVar(&autoRestart, "auto-restart", false, "in auto-restart mode, we run in a child process to auto-restart on failure")
	rootCmd.Flags().BoolVar(&autoRestartProc, "auto-restart-proc", false, "in auto-restart mode, indicates we are the child process")
	_ = rootCmd.Flags().MarkHidden("auto-restart-proc")

	configFlags := newConfigFlags()
	rootCmd.Flags().AddFlagSet(configFlags)
	bindConfig(configFlags)

	for _, cmd := range []*cobra.Command{publishCmd, peersCmd} {
		cmd.Flags().StringVar(&webURL, "web-url", "http://127.0.0.1:9091", "the web api of a running node")
		rootCmd.AddCommand(cmd)
	}
}

type nodeInfo struct {
	NodeID       string    `json:"node_id"`
	Address      string    `json:"address"`
	LastSeen     time.Time `json:"last_seen"`
	KnownVersion uint64    `json:"known_version"`
	IsSelf       bool      `json:"is_self"`
}

type publishResult struct {
	Version uint64   `json:"version"`
	Unacked []string `json:"unacked"`
}

var apiClient = &http.Client{
	Transport: otelhttp.NewTransport(http.DefaultTransport),
	Timeout:   time.Minute,
}

func doAPIRequest(req *http.Request, out interface{}) error {
	resp, err := apiClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return fmt.Errorf("request to %s failed: %s", req.URL.Path, apiErr.Error)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func publishUpdate(ctx context.Context, baseURL string, payload []byte) (*publishResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(baseURL, "/")+"/api/updates", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	var res publishResult
	err = doAPIRequest(req, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func listNodes(ctx context.Context, baseURL string) ([]nodeInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(baseURL, "/")+"/api/network/nodes", nil)
	if err != nil {
		return nil, err
	}

	var nodes []nodeInfo
	err = doAPIRequest(req, &nodes)
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

func startMeshWatchdog() {
	_, logger := getLogger()
	logger = logger.Named("watchdog")

	execProc := os.Args[0]
	execArgs := append([]string{"--auto-restart-proc"}, os.Args[1:]...)

	hasReceivedSigInt := false
	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		for sig := range sigCh {
			if sig == syscall.SIGINT {
				if hasReceivedSigInt {
					logger.Info("received sigint a second time, terminating...")
					os.Exit(1)
				} else {
					logger.Info("received sigint, waiting for graceful shutdown...")
					hasReceivedSigInt = true
				}
			} else if sig == syscall.SIGTERM {
				logger.Info("received sigterm, waiting for graceful shutdown...")
			}
		}
	}()

	for {
		logger.Info("starting sub-process")

		cmd := exec.Command(execProc, execArgs...)
		cmd.Stderr = os.Stderr
		cmd.Stdout = os.Stdout

		err := cmd.Start()
		if err != nil {
			logger.Info("failed to start sub-process", zap.Error(err))
		}

		err = cmd.Wait()
		if err != nil {
			logger.Info("sub-process exited with error", zap.Error(err))
		}

		if hasReceivedSigInt {
			break
		}

		delayTime := 1 * time.Second
		logger.Info("crash detected, restarting", zap.Duration("delay", delayTime))
		time.Sleep(delayTime)
	}
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
