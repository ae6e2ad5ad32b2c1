// This file is to handle things such as metrics/health and the small network
// inspection api exposed next to the mesh.

package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cheshire-cat-ai/catmesh/mesh/membership"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const maxUpdateBodySize = 4 * 1024 * 1024

// MeshAPI is the part of a mesh coordinator the web api needs.
type MeshAPI interface {
	NodeID() string
	Address() string
	Running() bool
	CurrentVersion() uint64
	DroppedAnnouncements() uint64
	Snapshot() *membership.Snapshot
	PublishUpdate(ctx context.Context, payload []byte) (uint64, []string, error)
}

type WebServerOptions struct {
	Logger        *zap.Logger
	LogLevel      *zap.AtomicLevel
	ListenAddress string
	Mesh          MeshAPI
}

type WebServer struct {
	logger        *zap.Logger
	logLevel      *zap.AtomicLevel
	listenAddress string
	mesh          MeshAPI
	httpServer    *http.Server
}

func NewWebServer(opts WebServerOptions) *WebServer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &WebServer{
		logger:        logger,
		logLevel:      opts.LogLevel,
		listenAddress: opts.ListenAddress,
		mesh:          opts.Mesh,
	}
	w.httpServer = &http.Server{
		Handler:      w.Handler(),
		Addr:         w.listenAddress,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return w
}

type jsonNode struct {
	NodeID       string    `json:"node_id"`
	Address      string    `json:"address"`
	LastSeen     time.Time `json:"last_seen"`
	KnownVersion uint64    `json:"known_version"`
	IsSelf       bool      `json:"is_self"`
}

type jsonStatus struct {
	NodeID               string `json:"node_id"`
	Address              string `json:"address"`
	Running              bool   `json:"running"`
	CurrentVersion       uint64 `json:"current_version"`
	HighestKnownVersion  uint64 `json:"highest_known_version"`
	PeerCount            int    `json:"peer_count"`
	DroppedAnnouncements uint64 `json:"dropped_announcements"`
	LogLevel             string `json:"log_level,omitempty"`
}

type jsonPublishResult struct {
	Version uint64   `json:"version"`
	Unacked []string `json:"unacked"`
}

type jsonError struct {
	Error string `json:"error"`
}

func (w *WebServer) writeJSON(rw http.ResponseWriter, status int, body interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)

	err := json.NewEncoder(rw).Encode(body)
	if err != nil {
		w.logger.Debug("failed to write json response", zap.Error(err))
	}
}

func (w *WebServer) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(200)
	_, err := rw.Write([]byte("Welcome to the catmesh internal webapi"))
	if err != nil {
		w.logger.Debug("failed to write generic root response", zap.Error(err))
	}
}

func (w *WebServer) handleHealth(rw http.ResponseWriter, r *http.Request) {
	if w.mesh == nil || !w.mesh.Running() {
		w.writeJSON(rw, http.StatusServiceUnavailable, jsonError{Error: "mesh is not running"})
		return
	}

	w.writeJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
}

func (w *WebServer) handleNodes(rw http.ResponseWriter, r *http.Request) {
	snap := w.mesh.Snapshot()

	nodes := make([]jsonNode, 0, len(snap.Peers)+1)
	nodes = append(nodes, jsonNode{
		NodeID:       snap.Self.NodeID,
		Address:      snap.Self.Address,
		LastSeen:     snap.Self.LastSeen,
		KnownVersion: snap.Self.KnownVersion,
		IsSelf:       true,
	})
	for _, peer := range snap.Peers {
		nodes = append(nodes, jsonNode{
			NodeID:       peer.NodeID,
			Address:      peer.Address,
			LastSeen:     peer.LastSeen,
			KnownVersion: peer.KnownVersion,
		})
	}

	w.writeJSON(rw, http.StatusOK, nodes)
}

func (w *WebServer) handleStatus(rw http.ResponseWriter, r *http.Request) {
	snap := w.mesh.Snapshot()

	status := jsonStatus{
		NodeID:               w.mesh.NodeID(),
		Address:              w.mesh.Address(),
		Running:              w.mesh.Running(),
		CurrentVersion:       w.mesh.CurrentVersion(),
		HighestKnownVersion:  snap.HighestVersion(),
		PeerCount:            len(snap.Peers),
		DroppedAnnouncements: w.mesh.DroppedAnnouncements(),
	}
	if w.logLevel != nil {
		status.LogLevel = w.logLevel.String()
	}

	w.writeJSON(rw, http.StatusOK, status)
}

func (w *WebServer) handlePublish(rw http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxUpdateBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			w.writeJSON(rw, http.StatusRequestEntityTooLarge, jsonError{Error: "update payload too large"})
			return
		}

		w.writeJSON(rw, http.StatusBadRequest, jsonError{Error: err.Error()})
		return
	}

	if len(payload) == 0 {
		w.writeJSON(rw, http.StatusBadRequest, jsonError{Error: "update payload is empty"})
		return
	}

	version, unacked, err := w.mesh.PublishUpdate(r.Context(), payload)
	if err != nil {
		w.logger.Warn("failed to publish update from web api", zap.Error(err))
		w.writeJSON(rw, http.StatusServiceUnavailable, jsonError{Error: err.Error()})
		return
	}

	if unacked == nil {
		unacked = []string{}
	}

	w.writeJSON(rw, http.StatusOK, jsonPublishResult{
		Version: version,
		Unacked: unacked,
	})
}

// Handler builds the full routed handler, including CORS and tracing.
func (w *WebServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", w.handleHealth).Methods(http.MethodGet)
	if w.mesh != nil {
		api := r.PathPrefix("/api").Subrouter()
		api.HandleFunc("/network/nodes", w.handleNodes).Methods(http.MethodGet)
		api.HandleFunc("/network/status", w.handleStatus).Methods(http.MethodGet)
		api.HandleFunc("/updates", w.handlePublish).Methods(http.MethodPost)
	}
	r.HandleFunc("/", w.handleRoot)

	corsHandler := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}).Handler(r)

	return otelhttp.NewHandler(corsHandler, "webapi")
}

func (w *WebServer) ListenAndServe() error {
	return w.httpServer.ListenAndServe()
}

func (w *WebServer) Shutdown(ctx context.Context) error {
	return w.httpServer.Shutdown(ctx)
}

var globalWebLock sync.Mutex
var globalWebServer *WebServer = nil

func InitializeWebServer(opts WebServerOptions) {
	globalWebLock.Lock()
	if globalWebServer != nil {
		globalWebLock.Unlock()
		return
	}

	globalWebServer = NewWebServer(opts)
	globalWebLock.Unlock()
	go func() {
		err := globalWebServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			globalWebServer.logger.Error("Failed to listen and serve web server", zap.Error(err))
		}
	}()
}

func ShutdownWebServer(ctx context.Context) error {
	globalWebLock.Lock()
	server := globalWebServer
	globalWebLock.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
