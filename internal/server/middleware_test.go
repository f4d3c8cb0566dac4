package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/comfyq/internal/app"
)

func testServer() *Server {
	return &Server{app: &app.App{Logger: arbor.NewLogger()}}
}

func TestMiddlewareCORSPreflight(t *testing.T) {
	s := testServer()
	h := s.withMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("preflight must not reach the handler")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/jobs", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestMiddlewareRecoversPanic(t *testing.T) {
	s := testServer()
	h := s.withMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	require.NotPanics(t, func() {
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMiddlewareWebSocketBypassKeepsHijacker(t *testing.T) {
	s := testServer()
	var gotRawWriter bool
	h := s.withMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The /ws route must see the raw ResponseWriter, not the
		// logging recorder.
		_, gotRawWriter = w.(*httptest.ResponseRecorder)
		w.WriteHeader(http.StatusSwitchingProtocols)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	assert.True(t, gotRawWriter, "handler should receive the unwrapped writer on /ws")
	assert.Equal(t, http.StatusSwitchingProtocols, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMiddlewarePassesStatusThrough(t *testing.T) {
	s := testServer()
	h := s.withMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs?limit=1", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
