package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/quantrails/strikeline/internal/domain"
	"github.com/quantrails/strikeline/internal/positions"
)

func (s *Server) handlePositionSnapshot(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	if s.tracker == nil {
		s.writeError(w, http.StatusServiceUnavailable, "position tracker not running")
		return
	}

	snapshot := s.tracker.Snapshot(account)
	if snapshot == nil {
		snapshot = []domain.Position{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": account,
		"positions":  snapshot,
	})
}

func (s *Server) handleCleanupLog(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	rows, err := s.ordersRepo.ListCleanupLog(r.Context(), account, limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list cleanup log")
		s.writeError(w, http.StatusInternalServerError, "failed to list cleanup log")
		return
	}
	if rows == nil {
		rows = []positions.CleanupLogRow{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": rows})
}
