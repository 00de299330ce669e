package httpapi

import "net/http"

func (s *Server) handleAnalysisStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStages())
}
