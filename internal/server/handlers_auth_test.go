// SPDX-License-Identifier: MIT

package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/voxgate/transcribe-server/internal/config"
	"github.com/voxgate/transcribe-server/internal/ratelimit"
	"github.com/voxgate/transcribe-server/internal/sessionauth"
	"github.com/voxgate/transcribe-server/internal/tokenstore"
)

func testConfig() config.AppConfig {
	return config.Default()
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	store, err := tokenstore.Open(filepath.Join(t.TempDir(), "tokens.json"), zerolog.Nop())
	require.NoError(t, err)

	toks, err := store.List()
	require.NoError(t, err)
	require.Len(t, toks, 1)

	_, plaintext, err := store.Generate("test-client", false, 30)
	require.NoError(t, err)

	deps := Deps{
		Tokens:      store,
		Sessions:    sessionauth.New(store),
		FailureRLim: ratelimit.NewFailureLimiter(),
		Logger:      zerolog.Nop(),
	}
	return New(testConfig(), deps), plaintext
}

func TestHandleLogin_RejectsBadToken(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"token":"not-a-real-token"}`))
	rec := httptest.NewRecorder()

	srv.handleLogin(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleLogin_AcceptsValidToken(t *testing.T) {
	srv, plaintext := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"token":"`+plaintext+`"}`))
	rec := httptest.NewRecorder()

	srv.handleLogin(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleLogin_LocksOutAfterRepeatedFailures(t *testing.T) {
	srv, _ := newTestServer(t)

	var rec *httptest.ResponseRecorder
	for i := 0; i < ratelimit.FailureMaxAttempts; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"token":"wrong"}`))
		req.RemoteAddr = "203.0.113.7:5555"
		rec = httptest.NewRecorder()
		srv.handleLogin(rec, req)
	}
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"token":"wrong"}`))
	req.RemoteAddr = "203.0.113.7:5555"
	rec = httptest.NewRecorder()
	srv.handleLogin(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}
