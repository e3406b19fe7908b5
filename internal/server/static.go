// SPDX-License-Identifier: MIT

package server

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	xglog "github.com/voxgate/transcribe-server/internal/log"
)

// handleStatic serves the bundled web UI from cfg.Data.StaticDir with the
// same traversal/symlink-escape hardening the teacher's fileserver uses,
// falling back to index.html for any path that doesn't resolve to a real
// file so client-side routing works.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	logger := xglog.WithComponentFromContext(r.Context(), "static")

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := r.URL.Path
	if isPathTraversal(path) {
		logger.Warn().Str("event", "static.denied").Str("path", path).Str("reason", "path_escape").Msg("rejected traversal attempt")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	staticDir := s.cfg.Data.StaticDir
	absDir, err := filepath.Abs(staticDir)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	served := s.serveStaticFile(w, r, absDir, path)
	if served {
		return
	}

	// SPA fallback: unresolved paths that don't look like asset requests
	// get index.html so client-side routing can take over.
	if !strings.Contains(path, ".") {
		s.serveStaticFile(w, r, absDir, "/index.html")
		return
	}

	http.NotFound(w, r)
}

// serveStaticFile resolves path within absDir, applying the same
// containment checks as the teacher's secureFileServer, and serves it with
// an ETag. It returns false if the file does not exist or fails
// validation, letting the caller decide on a fallback.
func (s *Server) serveStaticFile(w http.ResponseWriter, r *http.Request, absDir, path string) bool {
	logger := xglog.WithComponentFromContext(r.Context(), "static")

	if path == "" || strings.HasSuffix(path, "/") {
		path = "/index.html"
	}

	fullPath := filepath.Join(absDir, path)

	realPath, err := filepath.EvalSymlinks(fullPath)
	if err != nil {
		return false
	}
	realDir, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return false
	}

	relPath, err := filepath.Rel(realDir, realPath)
	if err != nil || strings.HasPrefix(relPath, "..") || filepath.IsAbs(relPath) {
		logger.Warn().Str("event", "static.denied").Str("path", path).Str("reason", "path_escape").Msg("resolved path escapes static dir")
		return false
	}

	info, err := os.Stat(realPath)
	if err != nil || info.IsDir() {
		return false
	}

	f, err := os.Open(realPath)
	if err != nil {
		return false
	}
	defer f.Close()

	etag := fmt.Sprintf(`W/"%x-%x"`, info.ModTime().UnixNano(), info.Size())
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return true
	}

	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	return true
}

// isPathTraversal performs the same multi-pass decode + Unicode
// normalization traversal check the teacher's static file server uses,
// catching double-encoded ".." sequences and overlong UTF-8 dot encodings
// that a single url.PathUnescape pass would miss.
func isPathTraversal(p string) bool {
	decoded := p
	for i := 0; i < 3; i++ {
		prev := decoded
		if d, err := url.PathUnescape(decoded); err == nil {
			decoded = d
		} else if d2, err2 := url.QueryUnescape(decoded); err2 == nil {
			decoded = d2
		}
		if decoded == prev {
			break
		}
	}

	lower := strings.ToLower(decoded)
	dangerSubstrings := []string{
		"..",
		"..\\",
		"%00",
		"\x00",
		"%c0%ae",
		"%e0%80%ae",
	}
	for _, pat := range dangerSubstrings {
		if strings.Contains(lower, pat) {
			return true
		}
	}

	normalized := strings.ToLower(norm.NFC.String(decoded))
	return strings.Contains(normalized, "..") || strings.Contains(normalized, "..\\")
}
