// SPDX-License-Identifier: MIT

package server

import "net/http"

type statusResponse struct {
	Recording    bool   `json:"recording"`
	EngineLoaded bool   `json:"engine_loaded"`
	EngineBusy   bool   `json:"engine_busy"`
	ActiveClient string `json:"active_client,omitempty"`
}

// handleStatus reports a point-in-time snapshot of session and engine
// state. It requires no authentication: it exposes no audio, transcripts,
// or token material, only the coarse busy/idle signal a dashboard needs.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Recording:    s.deps.Sessions.IsSessionActive(),
		EngineLoaded: s.deps.Engine.IsLoaded(),
		EngineBusy:   s.deps.Engine.IsBusy(),
	}
	if client, ok := s.deps.Sessions.ActiveClientName(); ok {
		resp.ActiveClient = client
	}
	writeJSON(w, http.StatusOK, resp)
}
