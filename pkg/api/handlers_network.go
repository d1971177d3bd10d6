package api

import (
	"context"
	"net/http"
	"time"

	"github.com/manoj0727/Wi-fi-firewall/pkg/events"
)

// handleGetPrivacy handles GET /api/privacy/settings
func (s *Server) handleGetPrivacy(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.privacy.Settings())
}

// handleSetPrivacy handles PUT /api/privacy/settings
func (s *Server) handleSetPrivacy(w http.ResponseWriter, r *http.Request) {
	var req privacyRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeRequestError(w, err)
		return
	}

	if err := s.privacy.SetMode(req.Mode); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("Privacy mode changed", "mode", req.Mode)

	s.writeJSON(w, http.StatusOK, PrivacyResponse{Success: true, Settings: s.privacy.Settings()})
}

// handleClearPrivacy handles POST /api/privacy/clear. History and
// per-domain counters are dropped along with the sanitizer's memo.
func (s *Server) handleClearPrivacy(w http.ResponseWriter, r *http.Request) {
	s.privacy.Reset()
	s.pipeline.ClearStats()
	s.writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "Private data cleared"})
}

// handleNetworkStatus handles GET /api/network/status
func (s *Server) handleNetworkStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.enforcement.Status())
}

// handleEnforce handles POST /api/network/enforce
func (s *Server) handleEnforce(w http.ResponseWriter, r *http.Request) {
	s.setEnforcement(w, r, s.enforcement.Enable)
}

// handleDisableEnforcement handles POST /api/network/disable-enforcement
func (s *Server) handleDisableEnforcement(w http.ResponseWriter, r *http.Request) {
	s.setEnforcement(w, r, s.enforcement.Disable)
}

func (s *Server) setEnforcement(w http.ResponseWriter, r *http.Request, apply func(context.Context) error) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := apply(ctx); err != nil {
		s.logger.Error("Failed to change network enforcement", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to change network enforcement")
		return
	}

	status := s.enforcement.Status()
	if s.hub != nil {
		s.hub.Publish(events.TopicEnforcement, status)
	}
	s.writeJSON(w, http.StatusOK, status)
}
