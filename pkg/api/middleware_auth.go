package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/manoj0727/Wi-fi-firewall/pkg/config"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHeader = "X-API-Key"

var authBypassPaths = map[string]struct{}{
	"/api/health": {},
}

// applyAuthConfig replaces the credentials checked by authMiddleware.
// Auth is on whenever an API key or a username with a bcrypt hash is set.
func (s *Server) applyAuthConfig(cfg config.APIConfig) {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	s.apiKey = strings.TrimSpace(cfg.APIKey)
	s.basicUser = strings.TrimSpace(cfg.Username)
	s.passwordHash = strings.TrimSpace(cfg.PasswordHash)
	s.authEnabled = s.apiKey != "" || (s.basicUser != "" && s.passwordHash != "")
}

// UpdateAuth applies reloaded API credentials
func (s *Server) UpdateAuth(cfg config.APIConfig) {
	s.applyAuthConfig(cfg)
	s.logger.Info("API credentials updated")
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.isAuthRequired(r) {
			next.ServeHTTP(w, r)
			return
		}

		if s.authorizeRequest(r) {
			next.ServeHTTP(w, r)
			return
		}

		if s.hasBasicCredentials() {
			w.Header().Set("WWW-Authenticate", `Basic realm="wifi-firewall", charset="UTF-8"`)
		}
		s.writeError(w, http.StatusUnauthorized, "Unauthorized")
	})
}

func (s *Server) isAuthRequired(r *http.Request) bool {
	s.authMu.RLock()
	enabled := s.authEnabled
	s.authMu.RUnlock()

	if !enabled || r.Method == http.MethodOptions {
		return false
	}

	_, bypass := authBypassPaths[r.URL.Path]
	return !bypass
}

func (s *Server) hasBasicCredentials() bool {
	s.authMu.RLock()
	defer s.authMu.RUnlock()
	return s.basicUser != "" && s.passwordHash != ""
}

func (s *Server) authorizeRequest(r *http.Request) bool {
	s.authMu.RLock()
	apiKey := s.apiKey
	username := s.basicUser
	passwordHash := s.passwordHash
	s.authMu.RUnlock()

	if apiKey != "" {
		if token := extractAPIKey(r); token != "" {
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) == 1 {
				return true
			}
		}
	}

	if username != "" && passwordHash != "" {
		if user, pass, ok := r.BasicAuth(); ok {
			if subtle.ConstantTimeCompare([]byte(user), []byte(username)) != 1 {
				return false
			}
			return bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(pass)) == nil
		}
	}

	return false
}

// extractAPIKey reads the key from X-API-Key, a Bearer token, or the
// api_key query parameter. EventSource cannot set headers, hence the last.
func extractAPIKey(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(apiKeyHeader)); v != "" {
		return v
	}

	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}

	return strings.TrimSpace(r.URL.Query().Get("api_key"))
}
