package httpapi

import "net/http"

type healthResponse struct {
	Status      string `json:"status"`
	ONNXEnabled bool   `json:"onnx_enabled"`
	Int8Enabled bool   `json:"int8_enabled"`
	Version     string `json:"version"`
}

// handleHealth reports liveness plus the embedding runtime flags.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:      "healthy",
		ONNXEnabled: s.cfg.ONNXEnabled,
		Int8Enabled: s.cfg.Int8Enabled,
		Version:     s.cfg.Version,
	})
}

// handleSeedStatus reports corpus seeding progress. GET /seed-status
func (s *Server) handleSeedStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.tracker == nil {
		http.Error(w, "seeding not configured", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, s.tracker.Status())
}
