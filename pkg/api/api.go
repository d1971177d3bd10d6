// Package api exposes the administrative HTTP surface: statistics, rule
// management, device tracking, privacy settings, enforcement control and a
// server-sent event stream of live activity.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/manoj0727/Wi-fi-firewall/pkg/config"
	"github.com/manoj0727/Wi-fi-firewall/pkg/dns"
	"github.com/manoj0727/Wi-fi-firewall/pkg/enforcement"
	"github.com/manoj0727/Wi-fi-firewall/pkg/events"
	"github.com/manoj0727/Wi-fi-firewall/pkg/logging"
	"github.com/manoj0727/Wi-fi-firewall/pkg/privacy"
	"github.com/manoj0727/Wi-fi-firewall/pkg/storage"

	"github.com/go-chi/chi/v5"
)

// AccessLogReader lists persisted query decisions
type AccessLogReader interface {
	RecentAccess(ctx context.Context, limit, offset int) ([]*storage.AccessLog, error)
	Ping(ctx context.Context) error
}

// Server represents the API server
type Server struct {
	handler    http.Handler
	httpServer *http.Server
	logger     *logging.Logger

	// Dependencies
	pipeline    *dns.Pipeline
	hub         *events.Hub
	privacy     *privacy.Sanitizer
	enforcement enforcement.NetworkEnforcement
	accessLog   AccessLogReader
	storageOn   bool

	// Auth state, replaceable on config reload
	authMu       sync.RWMutex
	authEnabled  bool
	apiKey       string
	basicUser    string
	passwordHash string

	// Metadata
	version   string
	startTime time.Time

	listenMu sync.Mutex
	listener net.Listener

	shutdownOnce sync.Once
	shutdownErr  error
}

// Config holds API server configuration
type Config struct {
	ListenAddress string
	Auth          config.APIConfig
	Pipeline      *dns.Pipeline
	Hub           *events.Hub
	Privacy       *privacy.Sanitizer
	Enforcement   enforcement.NetworkEnforcement
	AccessLog     AccessLogReader
	StorageOn     bool
	Logger        *logging.Logger
	Version       string
}

// New creates a new API server
func New(cfg *Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDefault()
	}
	if cfg.Enforcement == nil {
		cfg.Enforcement = enforcement.NewNoOp(cfg.Logger)
	}
	if cfg.Privacy == nil {
		cfg.Privacy = privacy.NewSanitizer(privacy.ModeOff)
	}

	s := &Server{
		logger:      cfg.Logger,
		pipeline:    cfg.Pipeline,
		hub:         cfg.Hub,
		privacy:     cfg.Privacy,
		enforcement: cfg.Enforcement,
		accessLog:   cfg.AccessLog,
		storageOn:   cfg.StorageOn,
		version:     cfg.Version,
		startTime:   time.Now(),
	}
	s.applyAuthConfig(cfg.Auth)

	r := chi.NewRouter()
	r.Use(s.recoveryMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.authMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Statistics
		r.Get("/stats", s.handleStats)
		r.Post("/stats/clear", s.handleClearStats)
		r.Get("/history", s.handleHistory)
		r.Get("/logs", s.handleLogs)

		// Rules
		r.Get("/rules", s.handleGetRules)
		r.Post("/rules/block", s.handleAddBlocked)
		r.Delete("/rules/block/{domain}", s.handleRemoveBlocked)
		r.Post("/rules/allow", s.handleAddAllowed)
		r.Delete("/rules/allow/{domain}", s.handleRemoveAllowed)
		r.Post("/rules/category/{name}", s.handleToggleCategory)
		r.Put("/rules/mode", s.handleSetMode)
		r.Get("/test", s.handleTestDomain)

		// Devices
		r.Get("/devices", s.handleDevices)
		r.Get("/devices/active", s.handleActiveDevices)
		r.Get("/devices/{ip}", s.handleDevice)
		r.Put("/devices/{ip}/name", s.handleSetDeviceName)

		// Privacy
		r.Get("/privacy/settings", s.handleGetPrivacy)
		r.Put("/privacy/settings", s.handleSetPrivacy)
		r.Post("/privacy/clear", s.handleClearPrivacy)

		// Network enforcement
		r.Get("/network/status", s.handleNetworkStatus)
		r.Post("/network/enforce", s.handleEnforce)
		r.Post("/network/disable-enforcement", s.handleDisableEnforcement)

		r.Get("/events", s.handleEvents)
		r.Get("/system", s.handleSystem)
	})

	s.handler = r
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: /api/events streams indefinitely
	}

	return s
}

// Handler returns the router, for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the API server and blocks until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("API listen failed: %w", err)
	}
	s.listenMu.Lock()
	s.listener = ln
	s.listenMu.Unlock()

	s.logger.Info("Starting API server", "address", ln.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown gracefully shuts down the API server. Later calls return the
// first result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.logger.Info("Shutting down API server")
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		s.shutdownErr = s.httpServer.Shutdown(ctx)
	})
	return s.shutdownErr
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Code:    statusCode,
		Message: message,
	})
}

// getUptime returns the server uptime as a string
func (s *Server) getUptime() string {
	uptime := time.Since(s.startTime)

	hours := int(uptime.Hours())
	minutes := int(uptime.Minutes()) % 60
	seconds := int(uptime.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
