// SPDX-License-Identifier: MIT

package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/voxgate/transcribe-server/internal/log"
)

// ExtractToken retrieves the bearer token from an HTTP request, checking in order:
// 1. Authorization: Bearer <token>
// 2. Cookie: session_token
// 3. Query: ?token= (if allowed; used only by the WebSocket upgrade path)
func ExtractToken(r *http.Request, allowQuery bool) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}

	if c, err := r.Cookie("session_token"); err == nil && c.Value != "" {
		return c.Value
	}

	if allowQuery {
		if t := r.URL.Query().Get("token"); t != "" {
			log.L().Warn().
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Msg("query parameter authentication used; prefer Authorization header")
			return t
		}
	}

	return ""
}

// AuthorizeToken returns true if got matches expected using constant-time comparison.
// Empty tokens are always treated as unauthorized.
func AuthorizeToken(got, expected string) bool {
	if strings.TrimSpace(expected) == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// AuthorizeRequest extracts a token from r and validates it against expectedToken.
func AuthorizeRequest(r *http.Request, expectedToken string, allowQuery bool) bool {
	if r == nil {
		return false
	}
	return AuthorizeToken(ExtractToken(r, allowQuery), expectedToken)
}
