package httpapi

import "net/http"

// handleProviders reports circuit state for every speech and language
// backend so an operator can see which side of a primary/fallback route
// is serving traffic.
func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	if s.monitor == nil {
		respondJSON(w, http.StatusOK, map[string]any{"backends": []any{}})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"backends": s.monitor.Snapshot(),
	})
}
