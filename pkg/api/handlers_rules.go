package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/manoj0727/Wi-fi-firewall/pkg/rules"

	"github.com/go-chi/chi/v5"
)

type ruleMutation func(ctx context.Context, domain string) (*rules.Snapshot, error)

// handleGetRules handles GET /api/rules
func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pipeline.Rules())
}

// handleAddBlocked handles POST /api/rules/block
func (s *Server) handleAddBlocked(w http.ResponseWriter, r *http.Request) {
	s.mutateFromBody(w, r, s.pipeline.AddBlockedDomain)
}

// handleRemoveBlocked handles DELETE /api/rules/block/{domain}
func (s *Server) handleRemoveBlocked(w http.ResponseWriter, r *http.Request) {
	s.mutateFromPath(w, r, s.pipeline.RemoveBlockedDomain)
}

// handleAddAllowed handles POST /api/rules/allow
func (s *Server) handleAddAllowed(w http.ResponseWriter, r *http.Request) {
	s.mutateFromBody(w, r, s.pipeline.AddAllowedDomain)
}

// handleRemoveAllowed handles DELETE /api/rules/allow/{domain}
func (s *Server) handleRemoveAllowed(w http.ResponseWriter, r *http.Request) {
	s.mutateFromPath(w, r, s.pipeline.RemoveAllowedDomain)
}

// handleToggleCategory handles POST /api/rules/category/{name}
func (s *Server) handleToggleCategory(w http.ResponseWriter, r *http.Request) {
	s.applyMutation(w, r, s.pipeline.ToggleCategory, pathParam(r, "name"))
}

// handleSetMode handles PUT /api/rules/mode
func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeRequestError(w, err)
		return
	}
	s.applyMutation(w, r, s.pipeline.SetMode, req.Mode)
}

// handleTestDomain handles GET /api/test?domain=
func (s *Server) handleTestDomain(w http.ResponseWriter, r *http.Request) {
	domain := strings.TrimSpace(r.URL.Query().Get("domain"))
	if domain == "" {
		s.writeError(w, http.StatusBadRequest, "domain parameter is required")
		return
	}

	v := s.pipeline.TestDomain(domain)
	s.writeJSON(w, http.StatusOK, TestDomainResponse{
		Domain:  domain,
		Status:  v.Status(),
		Verdict: v,
	})
}

func (s *Server) mutateFromBody(w http.ResponseWriter, r *http.Request, fn ruleMutation) {
	var req domainRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeRequestError(w, err)
		return
	}
	s.applyMutation(w, r, fn, req.Domain)
}

func (s *Server) mutateFromPath(w http.ResponseWriter, r *http.Request, fn ruleMutation) {
	s.applyMutation(w, r, fn, pathParam(r, "domain"))
}

func (s *Server) applyMutation(w http.ResponseWriter, r *http.Request, fn ruleMutation, arg string) {
	snap, err := fn(r.Context(), arg)
	if err != nil {
		if rules.IsValidationError(err) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("Rule mutation failed", "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to update rules")
		return
	}

	s.writeJSON(w, http.StatusOK, RulesResponse{Version: snap.Version(), Policy: snap.Policy()})
}

func pathParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if unescaped, err := url.PathUnescape(v); err == nil {
		return unescaped
	}
	return v
}
