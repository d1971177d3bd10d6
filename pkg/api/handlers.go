package api

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// handleHealth handles GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:       "ok",
		Uptime:       s.getUptime(),
		Version:      s.version,
		RulesVersion: s.pipeline.Store().Version(),
	})
}

// handleStats handles GET /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.pipeline.Stats().Snapshot()

	var blockRate float64
	if snap.TotalQueries > 0 {
		blockRate = float64(snap.BlockedQueries) / float64(snap.TotalQueries) * 100
	}

	s.writeJSON(w, http.StatusOK, StatsResponse{
		Snapshot:     snap,
		BlockRate:    blockRate,
		Cache:        s.pipeline.Cache().Stats(),
		RulesVersion: s.pipeline.Store().Version(),
		Uptime:       s.getUptime(),
		Database:     s.databaseStatus(r.Context()),
	})
}

func (s *Server) databaseStatus(ctx context.Context) DatabaseStatus {
	if !s.storageOn || s.accessLog == nil {
		return DatabaseStatus{}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.accessLog.Ping(ctx); err != nil {
		return DatabaseStatus{Error: err.Error()}
	}
	return DatabaseStatus{Connected: true}
}

// handleClearStats handles POST /api/stats/clear
func (s *Server) handleClearStats(w http.ResponseWriter, r *http.Request) {
	s.pipeline.ClearStats()
	s.writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// handleHistory handles GET /api/history
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePage(r)
	items, total := s.pipeline.Stats().History(limit, offset)

	s.writeJSON(w, http.StatusOK, HistoryResponse{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleLogs handles GET /api/logs
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !s.storageOn || s.accessLog == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Storage not available")
		return
	}

	limit, offset := parsePage(r)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	logs, err := s.accessLog.RecentAccess(ctx, limit, offset)
	if err != nil {
		s.logger.Error("Failed to read access log", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve logs")
		return
	}

	s.writeJSON(w, http.StatusOK, LogsResponse{Logs: logs, Limit: limit, Offset: offset})
}

// handleSystem handles GET /api/system
func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	s.writeJSON(w, http.StatusOK, collectSystemMetrics(ctx))
}

// parsePage reads limit and offset query parameters
func parsePage(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 && l <= maxPageSize {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}
