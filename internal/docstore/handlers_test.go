package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/lattice/collab/internal/auth"
	"github.com/manpreetbhatti/lattice/collab/internal/backend"
	"github.com/manpreetbhatti/lattice/collab/internal/compaction"
	"github.com/manpreetbhatti/lattice/collab/internal/crdt"
	"github.com/manpreetbhatti/lattice/collab/internal/db"
)

const secret = "store-secret"

type testStore struct {
	server   *httptest.Server
	database *db.Database
	client   *backend.Client
}

func setupStore(t *testing.T, defaultRole auth.Role) *testStore {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	compactor := compaction.New(database, compaction.Config{Interval: time.Hour, UpdateThreshold: 2, KeepRecentUpdates: 0}, nil)
	server := httptest.NewServer(New(database, compactor, secret, defaultRole, nil).Routes())
	t.Cleanup(server.Close)

	return &testStore{
		server:   server,
		database: database,
		client:   backend.New(server.URL, secret, nil),
	}
}

func (s *testStore) do(t *testing.T, method, path string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+secret)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func ops(t *testing.T, client uint64, n int) [][]byte {
	t.Helper()
	doc := crdt.NewDoc()
	out := make([][]byte, n)
	for i := range out {
		u, err := doc.Append(client, []byte{byte(i)}, nil)
		require.NoError(t, err)
		out[i] = u
	}
	return out
}

func TestHealthIsPublic(t *testing.T) {
	s := setupStore(t, auth.RoleNone)

	resp, err := http.Get(s.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(s.server.URL + "/internal/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBackendClientRoundTrip(t *testing.T) {
	s := setupStore(t, auth.RoleNone)
	ctx := context.Background()

	state, err := s.client.FetchLastState(ctx, "42")
	require.NoError(t, err)
	assert.Nil(t, state, "unknown documents have no state")

	updates := ops(t, 1, 3)
	for _, u := range updates {
		require.NoError(t, s.client.PostUpdate(ctx, "42", u, "alice"))
	}

	state, err = s.client.FetchLastState(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Empty(t, state.Snapshot)
	require.Len(t, state.Updates, 3)
	assert.Equal(t, updates[0], state.Updates[0].Binary)

	doc := crdt.NewDoc()
	require.NoError(t, state.Apply(doc))
	assert.Equal(t, 3, doc.Len())

	// a shutdown snapshot folds the log
	live := crdt.NewDoc()
	require.NoError(t, state.Apply(live))
	_, err = live.Append(2, []byte("unsent"), nil)
	require.NoError(t, err)
	require.NoError(t, s.client.PostSnapshot(ctx, "42", live.EncodeStateAsUpdate()))

	state, err = s.client.FetchLastState(ctx, "42")
	require.NoError(t, err)
	assert.Empty(t, state.Updates)
	assert.Positive(t, state.SnapshotSeq)

	doc = crdt.NewDoc()
	require.NoError(t, state.Apply(doc))
	assert.Equal(t, 4, doc.Len())
}

func TestMalformedUpdatesAreRejected(t *testing.T) {
	s := setupStore(t, auth.RoleNone)

	err := s.client.PostUpdate(context.Background(), "1", []byte{9, 9}, "")
	var se *backend.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, "Malformed update", se.Message)
}

func TestRoleLookup(t *testing.T) {
	s := setupStore(t, auth.RoleViewer)
	ctx := context.Background()

	role, err := s.client.GetRole(ctx, "7", "bob")
	require.NoError(t, err)
	assert.Equal(t, auth.RoleViewer, role, "default role")

	resp := s.do(t, http.MethodPut, "/internal/documents/7/permissions", []byte(`{"user_id":"bob","role":"owner"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = s.do(t, http.MethodPut, "/internal/documents/7/permissions", []byte(`{"user_id":"eve","role":"none"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	role, err = s.client.GetRole(ctx, "7", "bob")
	require.NoError(t, err)
	assert.Equal(t, auth.RoleOwner, role)

	role, err = s.client.GetRole(ctx, "7", "eve")
	require.NoError(t, err)
	assert.Equal(t, auth.RoleNone, role)

	resp = s.do(t, http.MethodPut, "/internal/documents/7/permissions", []byte(`{"role":"owner"}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDocumentLifecycle(t *testing.T) {
	s := setupStore(t, auth.RoleNone)

	resp := s.do(t, http.MethodPut, "/internal/documents/5", []byte(`{"title":"Plan"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	state, err := s.client.FetchLastState(context.Background(), "5")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "Plan", state.Title)

	resp = s.do(t, http.MethodGet, "/internal/documents?limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Documents []db.Document `json:"documents"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Documents, 1)
	assert.Equal(t, "5", list.Documents[0].ID)

	resp = s.do(t, http.MethodDelete, "/internal/documents/5", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	state, err = s.client.FetchLastState(context.Background(), "5")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestCompactEndpoint(t *testing.T) {
	s := setupStore(t, auth.RoleNone)
	ctx := context.Background()
	for _, u := range ops(t, 3, 4) {
		require.NoError(t, s.client.PostUpdate(ctx, "9", u, ""))
	}

	resp := s.do(t, http.MethodPost, "/internal/documents/9/compact", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body["compacted"])

	state, err := s.client.FetchLastState(ctx, "9")
	require.NoError(t, err)
	assert.Empty(t, state.Updates)
	doc := crdt.NewDoc()
	require.NoError(t, state.Apply(doc))
	assert.Equal(t, 4, doc.Len())
}
