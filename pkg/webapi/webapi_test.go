package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cheshire-cat-ai/catmesh/mesh/membership"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeMesh struct {
	running    bool
	version    uint64
	publishErr error
	published  [][]byte
}

func (m *fakeMesh) NodeID() string               { return "self" }
func (m *fakeMesh) Address() string              { return "10.0.0.1:8766" }
func (m *fakeMesh) Running() bool                { return m.running }
func (m *fakeMesh) CurrentVersion() uint64       { return m.version }
func (m *fakeMesh) DroppedAnnouncements() uint64 { return 2 }

func (m *fakeMesh) Snapshot() *membership.Snapshot {
	seen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &membership.Snapshot{
		Self: membership.NodeRecord{NodeID: "self", Address: "10.0.0.1:8766", LastSeen: seen, KnownVersion: m.version},
		Peers: []membership.NodeRecord{
			{NodeID: "a", Address: "10.0.0.2:8766", LastSeen: seen, KnownVersion: 7},
			{NodeID: "b", Address: "10.0.0.3:8766", LastSeen: seen, KnownVersion: 4},
		},
	}
}

func (m *fakeMesh) PublishUpdate(ctx context.Context, payload []byte) (uint64, []string, error) {
	if m.publishErr != nil {
		return 0, nil, m.publishErr
	}
	m.published = append(m.published, payload)
	m.version++
	return m.version, []string{"b"}, nil
}

func newTestServer(mesh *fakeMesh) *httptest.Server {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	w := NewWebServer(WebServerOptions{
		Logger:   zap.NewNop(),
		LogLevel: &level,
		Mesh:     mesh,
	})
	return httptest.NewServer(w.Handler())
}

func TestHealth(t *testing.T) {
	mesh := &fakeMesh{running: true}
	srv := newTestServer(mesh)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	mesh.running = false
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestNetworkNodes(t *testing.T) {
	srv := newTestServer(&fakeMesh{running: true, version: 7})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/network/nodes")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var nodes []jsonNode
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&nodes))
	require.Len(t, nodes, 3)
	assert.Equal(t, "self", nodes[0].NodeID)
	assert.True(t, nodes[0].IsSelf)
	assert.Equal(t, "a", nodes[1].NodeID)
	assert.Equal(t, uint64(7), nodes[1].KnownVersion)
	assert.False(t, nodes[2].IsSelf)
}

func TestNetworkStatus(t *testing.T) {
	srv := newTestServer(&fakeMesh{running: true, version: 3})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/network/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status jsonStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "self", status.NodeID)
	assert.Equal(t, uint64(3), status.CurrentVersion)
	assert.Equal(t, uint64(7), status.HighestKnownVersion)
	assert.Equal(t, 2, status.PeerCount)
	assert.Equal(t, uint64(2), status.DroppedAnnouncements)
	assert.Equal(t, "info", status.LogLevel)
}

func TestPublishUpdate(t *testing.T) {
	mesh := &fakeMesh{running: true}
	srv := newTestServer(mesh)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/updates", "application/json", strings.NewReader(`{"plugin":"weather"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res jsonPublishResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, uint64(1), res.Version)
	assert.Equal(t, []string{"b"}, res.Unacked)
	require.Len(t, mesh.published, 1)
	assert.Equal(t, `{"plugin":"weather"}`, string(mesh.published[0]))
}

func TestPublishUpdateRejected(t *testing.T) {
	mesh := &fakeMesh{running: true}
	srv := newTestServer(mesh)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/updates", "application/json", strings.NewReader(""))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// served in-process so the early response cannot race the body upload
	big := httptest.NewRequest(http.MethodPost, "/api/updates",
		strings.NewReader(strings.Repeat("x", maxUpdateBodySize+1)))
	rec := httptest.NewRecorder()
	NewWebServer(WebServerOptions{Mesh: mesh}).Handler().ServeHTTP(rec, big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	mesh.publishErr = errors.New("store unreachable")
	resp, err = http.Post(srv.URL+"/api/updates", "application/json", strings.NewReader("x"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	assert.Empty(t, mesh.published)
}

func TestMetricsAndMethods(t *testing.T) {
	srv := newTestServer(&fakeMesh{running: true})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/updates")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
