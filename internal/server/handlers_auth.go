// SPDX-License-Identifier: MIT

package server

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	xglog "github.com/voxgate/transcribe-server/internal/log"
)

type loginRequest struct {
	Token string `json:"token"`
}

type loginUser struct {
	Name      string     `json:"name"`
	IsAdmin   bool       `json:"is_admin"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type loginResponse struct {
	Success bool      `json:"success"`
	User    loginUser `json:"user"`
}

// handleLogin validates a plaintext token under a per-IP login
// rate-limiting policy: failed attempts from a source IP accumulate
// against FailureLimiter, and once blocked the token is not even checked.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	logger := xglog.WithComponentFromContext(r.Context(), "auth")
	ip := clientIP(r)

	if blocked, retryAfter := s.deps.FailureRLim.IsBlocked(ip); blocked {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"success":     false,
			"message":     "too many failed login attempts",
			"retry_after": retryAfter,
		})
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeJSONError(w, http.StatusBadRequest, "malformed_request", "missing token")
		return
	}

	stored, err := s.deps.Tokens.Validate(req.Token)
	if err != nil || stored == nil {
		s.deps.FailureRLim.Record(ip, false)
		remaining := s.deps.FailureRLim.RemainingAttempts(ip)
		logger.Warn().Str("event", "auth.login_failed").Str("ip", ip).Msg("login failed")
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"success":            false,
			"message":            "invalid, revoked, or expired token",
			"remaining_attempts": remaining,
		})
		return
	}

	s.deps.FailureRLim.Record(ip, true)
	writeJSON(w, http.StatusOK, loginResponse{
		Success: true,
		User: loginUser{
			Name:      stored.ClientName,
			IsAdmin:   stored.Admin,
			CreatedAt: stored.CreatedAt,
			ExpiresAt: stored.ExpiresAt,
		},
	})
}

// maskToken renders a stored token hash as "XXXXXXXX...YYYY" so the list
// endpoint can identify a token to an operator without ever exposing
// enough of it to be useful as a credential.
func maskToken(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:8] + "..." + hash[len(hash)-4:]
}

type tokenSummary struct {
	TokenID    string     `json:"token_id"`
	Token      string     `json:"token"`
	ClientName string     `json:"client_name"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	IsAdmin    bool       `json:"is_admin"`
}

// handleListTokens returns metadata for every stored token, with each
// token's hash masked to a "XXXXXXXX...YYYY" form; plaintexts are never
// persisted and are shown in full only once, at creation time.
func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	toks, err := s.deps.Tokens.List()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store_error", "could not list tokens")
		return
	}

	out := make([]tokenSummary, 0, len(toks))
	for _, t := range toks {
		out = append(out, tokenSummary{
			TokenID:    t.ID,
			Token:      maskToken(t.Hash),
			ClientName: t.ClientName,
			CreatedAt:  t.CreatedAt,
			ExpiresAt:  t.ExpiresAt,
			IsAdmin:    t.Admin,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": out})
}

type createTokenRequest struct {
	ClientName string `json:"client_name"`
	IsAdmin    bool   `json:"is_admin"`
	ExpiryDays int    `json:"expiry_days"`
}

type createTokenResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Token   tokenSummary `json:"token"`
}

// handleCreateToken mints a new token and returns its plaintext exactly
// once; it is never recoverable from the store afterward.
func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientName == "" {
		writeJSONError(w, http.StatusBadRequest, "malformed_request", "missing client_name")
		return
	}

	expiry := req.ExpiryDays
	if expiry == 0 && !req.IsAdmin {
		expiry = 30
	}

	stored, plaintext, err := s.deps.Tokens.Generate(req.ClientName, req.IsAdmin, expiry)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store_error", "could not create token")
		return
	}

	writeJSON(w, http.StatusOK, createTokenResponse{
		Success: true,
		Message: "Save this token now! It will only be shown once.",
		Token: tokenSummary{
			TokenID:    stored.ID,
			Token:      plaintext,
			ClientName: stored.ClientName,
			CreatedAt:  stored.CreatedAt,
			ExpiresAt:  stored.ExpiresAt,
			IsAdmin:    stored.Admin,
		},
	})
}

// handleRevokeToken revokes a token by its non-secret ID. Revoking the
// token currently holding the active WebSocket session is refused
// (sessionauth.ErrSelfRevoke) so an admin cannot accidentally sever the
// one connection they may be using to manage the server.
func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "token_id")
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "malformed_request", "missing token_id")
		return
	}

	found, err := s.deps.Sessions.RevokeByID(id)
	if err != nil {
		writeJSONError(w, http.StatusConflict, "self_revoke", err.Error())
		return
	}
	if !found {
		writeJSONError(w, http.StatusNotFound, "not_found", "no such token")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
