package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/lattice/collab/internal/auth"
	"github.com/manpreetbhatti/lattice/collab/internal/crdt"
	"github.com/manpreetbhatti/lattice/collab/internal/metrics"
	"github.com/manpreetbhatti/lattice/collab/internal/protocol"
	"github.com/manpreetbhatti/lattice/collab/internal/ws"
)

const (
	adminSecret = "admin-secret"
	jwtSecret   = "jwt-secret"
)

type testEnv struct {
	hub      *ws.Hub
	verifier *auth.Verifier
	server   *httptest.Server
}

func setupTestAPI(t *testing.T) *testEnv {
	t.Helper()

	verifier, err := auth.NewVerifier(jwtSecret)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	hub := ws.NewHub(ws.Options{Verifier: verifier, Metrics: metrics.New(reg)})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(New(hub, adminSecret, reg, nil).Routes())
	t.Cleanup(func() {
		server.Close()
		cancel()
		<-hub.Done()
	})
	return &testEnv{hub: hub, verifier: verifier, server: server}
}

func (e *testEnv) request(t *testing.T, method, path string, body []byte, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) admin(t *testing.T, method, path string, body []byte) *http.Response {
	t.Helper()
	return e.request(t, method, path, body, http.Header{"Authorization": {"Bearer " + adminSecret}})
}

// connect joins room as userID and consumes the initial sync step
func (e *testEnv) connect(t *testing.T, room, userID string) *websocket.Conn {
	t.Helper()
	token, err := e.verifier.Sign(userID, nil)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/" + room + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)
	return conn
}

func TestHealthHandler(t *testing.T) {
	e := setupTestAPI(t)

	resp := e.request(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsHandler(t *testing.T) {
	e := setupTestAPI(t)
	e.connect(t, "doc-1", "1")

	resp := e.request(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "collab_rooms 1")
	assert.Contains(t, buf.String(), "collab_connections 1")
}

func TestInternalRequiresSecret(t *testing.T) {
	e := setupTestAPI(t)

	resp := e.request(t, http.MethodGet, "/internal/stats", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.request(t, http.MethodGet, "/internal/stats", nil, http.Header{"Authorization": {"Bearer wrong"}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.request(t, http.MethodGet, "/internal/stats", nil, http.Header{"X-Internal-Secret": {adminSecret}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.admin(t, http.MethodGet, "/internal/stats", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatsHandler(t *testing.T) {
	e := setupTestAPI(t)
	e.connect(t, "doc-1", "1")
	e.connect(t, "doc-1", "2")
	e.connect(t, "doc-2", "1")

	resp := e.admin(t, http.MethodGet, "/internal/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, float64(2), body["active_rooms"])
	assert.Equal(t, float64(3), body["active_connections"])
	assert.Equal(t, false, body["closing"])
}

func TestDocumentStateHandler(t *testing.T) {
	e := setupTestAPI(t)

	resp := e.admin(t, http.MethodGet, "/internal/documents/42/state", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	conn := e.connect(t, "doc-42", "1")
	update, err := crdt.NewDoc().Append(1, []byte("hello"), nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeUpdateMessage(update)))

	require.Eventually(t, func() bool {
		resp := e.admin(t, http.MethodGet, "/internal/documents/42/state", nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var body DocumentStateResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false
		}
		doc := crdt.NewDoc()
		return doc.ApplyUpdate(body.Binary, nil) == nil && doc.Len() == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDeleteDocumentHandler(t *testing.T) {
	e := setupTestAPI(t)
	conn := e.connect(t, "doc-7", "1")

	resp := e.admin(t, http.MethodDelete, "/internal/documents/7", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.JSONEq(t, `{"type":"document-deleted"}`, string(data))

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))

	resp = e.admin(t, http.MethodDelete, "/internal/documents/7", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPermissionHandler(t *testing.T) {
	e := setupTestAPI(t)
	conn := e.connect(t, "doc-9", "12")

	tests := []struct {
		name    string
		body    string
		status  int
		updated bool
	}{
		{"string user id", `{"user_id":"12","role":"viewer"}`, http.StatusOK, true},
		{"numeric user id", `{"user_id":12,"role":"owner"}`, http.StatusOK, true},
		{"unknown user", `{"user_id":"99","role":"editor"}`, http.StatusOK, false},
		{"missing role", `{"user_id":"12"}`, http.StatusBadRequest, false},
		{"bad user id", `{"user_id":true,"role":"editor"}`, http.StatusBadRequest, false},
		{"not json", `nope`, http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.admin(t, http.MethodPut, "/internal/documents/9/permission", []byte(tt.body))
			require.Equal(t, tt.status, resp.StatusCode)
			if tt.status != http.StatusOK {
				return
			}
			var body map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, true, body["ok"])
			assert.Equal(t, tt.updated, body["updated"])
		})
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"permission-changed","role":"viewer"}`, string(data))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"permission-changed","role":"owner"}`, string(data))

	resp := e.admin(t, http.MethodPut, "/internal/documents/missing/permission", []byte(`{"user_id":"1","role":"none"}`))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
