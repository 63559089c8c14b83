package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adwski/webrtc-meet/backend/model"
	"github.com/adwski/webrtc-meet/backend/server"
	"github.com/adwski/webrtc-meet/backend/storage/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeService struct {
	*memory.MemStore
}

func newTestServer(t *testing.T, origins server.Origins) (*Server, *memory.MemStore) {
	t.Helper()
	logger := zerolog.Nop()
	store := memory.NewMemStore(0)
	return NewServer(Config{
		Logger:         &logger,
		RoomService:    storeService{store},
		AllowedOrigins: origins,
	}), store
}

func TestServer_GetRoom(t *testing.T) {
	srv, store := newTestServer(t, nil)
	_, _, err := store.Join("b", "r1", "Bob")
	require.NoError(t, err)
	_, _, err = store.Join("a", "r1", "Alice")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/room/r1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var resp struct {
		Data RoomResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "r1", resp.Data.ID)
	require.Len(t, resp.Data.Participants, 2)
	assert.Equal(t, []model.Participant{
		{ID: "a", DisplayName: "Alice", AudioEnabled: true, VideoEnabled: true},
		{ID: "b", DisplayName: "Bob", AudioEnabled: true, VideoEnabled: true},
	}, resp.Data.Participants)

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/room/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Health(t *testing.T) {
	srv, store := newTestServer(t, nil)
	_, _, err := store.Join("a", "r1", "Alice")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data HealthResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, HealthResponse{Rooms: 1, Participants: 1}, resp.Data)
}

func TestServer_CORS(t *testing.T) {
	srv, _ := newTestServer(t, server.ParseOrigins([]string{"https://meet.example"}))

	req := httptest.NewRequest(http.MethodOptions, "/api/room/r1", nil)
	req.Header.Set("Origin", "https://meet.example")
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://meet.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/room/r1", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
