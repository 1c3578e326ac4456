package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/quantrails/strikeline/internal/alerts"
)

// alertRequest is the POST/PATCH body for alert definitions.
type alertRequest struct {
	UserID               string          `json:"user_id"`
	Name                 string          `json:"name"`
	AlertType            string          `json:"alert_type"`
	Priority             string          `json:"priority"`
	ConditionConfig      json.RawMessage `json:"condition_config"`
	NotificationChannels []string        `json:"notification_channels"`
	EvaluationIntervalS  int64           `json:"evaluation_interval_seconds"`
	CooldownSeconds      int64           `json:"cooldown_seconds"`
	MaxTriggersPerDay    *int64          `json:"max_triggers_per_day,omitempty"`
}

func (req *alertRequest) validate() string {
	if req.Name == "" {
		return "name is required"
	}
	if len(req.ConditionConfig) == 0 {
		return "condition_config is required"
	}
	if req.Priority != "" && !alerts.ValidPriority(req.Priority) {
		return "unknown priority"
	}
	if _, err := alerts.ParseCondition(req.ConditionConfig); err != nil {
		return "invalid condition_config: " + err.Error()
	}
	return ""
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	status := r.URL.Query().Get("status")

	list, err := s.alertsRepo.ListAlerts(r.Context(), userID, status)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to list alerts")
		s.writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	if list == nil {
		list = []alerts.Alert{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": list})
}

func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	var req alertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if msg := req.validate(); msg != "" {
		s.writeError(w, http.StatusBadRequest, msg)
		return
	}

	alert := &alerts.Alert{
		UserID:               req.UserID,
		Name:                 req.Name,
		AlertType:            req.AlertType,
		Priority:             req.Priority,
		ConditionConfig:      req.ConditionConfig,
		NotificationChannels: req.NotificationChannels,
		EvaluationIntervalS:  req.EvaluationIntervalS,
		CooldownSeconds:      req.CooldownSeconds,
		MaxTriggersPerDay:    req.MaxTriggersPerDay,
	}
	if err := s.alertsRepo.CreateAlert(r.Context(), alert); err != nil {
		s.log.Error().Err(err).Msg("Failed to create alert")
		s.writeError(w, http.StatusInternalServerError, "failed to create alert")
		return
	}
	s.writeJSON(w, http.StatusCreated, alert)
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, ok := s.loadAlert(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

// handleUpdateAlert merges the PATCH body into the stored definition. A
// status field moves the alert through the lifecycle, including the manual
// "triggered" transition.
func (s *Server) handleUpdateAlert(w http.ResponseWriter, r *http.Request) {
	alert, ok := s.loadAlert(w, r)
	if !ok {
		return
	}

	var patch struct {
		alertRequest
		Status *string `json:"status,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if patch.Name != "" {
		alert.Name = patch.Name
	}
	if patch.AlertType != "" {
		alert.AlertType = patch.AlertType
	}
	if patch.Priority != "" {
		if !alerts.ValidPriority(patch.Priority) {
			s.writeError(w, http.StatusBadRequest, "unknown priority")
			return
		}
		alert.Priority = patch.Priority
	}
	if len(patch.ConditionConfig) > 0 {
		if _, err := alerts.ParseCondition(patch.ConditionConfig); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid condition_config: "+err.Error())
			return
		}
		alert.ConditionConfig = patch.ConditionConfig
	}
	if patch.NotificationChannels != nil {
		alert.NotificationChannels = patch.NotificationChannels
	}
	if patch.EvaluationIntervalS > 0 {
		alert.EvaluationIntervalS = patch.EvaluationIntervalS
	}
	if patch.CooldownSeconds > 0 {
		alert.CooldownSeconds = patch.CooldownSeconds
	}
	if patch.MaxTriggersPerDay != nil {
		alert.MaxTriggersPerDay = patch.MaxTriggersPerDay
	}

	if err := s.alertsRepo.UpdateAlert(r.Context(), alert); err != nil {
		s.log.Error().Err(err).Str("alert_id", alert.AlertID).Msg("Failed to update alert")
		s.writeError(w, http.StatusInternalServerError, "failed to update alert")
		return
	}

	if patch.Status != nil {
		if !validStatusTransition(*patch.Status) {
			s.writeError(w, http.StatusBadRequest, "unknown status")
			return
		}
		if err := s.alertsRepo.UpdateStatus(r.Context(), alert.AlertID, *patch.Status); err != nil {
			s.log.Error().Err(err).Str("alert_id", alert.AlertID).Msg("Failed to update alert status")
			s.writeError(w, http.StatusInternalServerError, "failed to update alert status")
			return
		}
		alert.Status = *patch.Status
	}

	s.writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")
	if err := s.alertsRepo.UpdateStatus(r.Context(), alertID, alerts.StatusDeleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, http.StatusNotFound, "alert not found")
			return
		}
		s.log.Error().Err(err).Str("alert_id", alertID).Msg("Failed to delete alert")
		s.writeError(w, http.StatusInternalServerError, "failed to delete alert")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"alert_id": alertID, "status": alerts.StatusDeleted})
}

func (s *Server) handlePauseAlert(w http.ResponseWriter, r *http.Request) {
	s.transitionAlert(w, r, alerts.StatusPaused)
}

func (s *Server) handleResumeAlert(w http.ResponseWriter, r *http.Request) {
	s.transitionAlert(w, r, alerts.StatusActive)
}

func (s *Server) transitionAlert(w http.ResponseWriter, r *http.Request, status string) {
	alertID := chi.URLParam(r, "alertID")
	if err := s.alertsRepo.UpdateStatus(r.Context(), alertID, status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, http.StatusNotFound, "alert not found")
			return
		}
		s.log.Error().Err(err).Str("alert_id", alertID).Msg("Failed to transition alert")
		s.writeError(w, http.StatusInternalServerError, "failed to update alert status")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"alert_id": alertID, "status": status})
}

func (s *Server) handleTriggerAlert(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")
	if s.alertsWork == nil {
		s.writeError(w, http.StatusServiceUnavailable, "alert worker not running")
		return
	}
	if err := s.alertsWork.EvaluateNow(r.Context(), alertID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, http.StatusNotFound, "alert not found")
			return
		}
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"alert_id": alertID, "result": "evaluated"})
}

func (s *Server) handleAlertEvents(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := s.alertsRepo.ListEvents(r.Context(), alertID, limit)
	if err != nil {
		s.log.Error().Err(err).Str("alert_id", alertID).Msg("Failed to list alert events")
		s.writeError(w, http.StatusInternalServerError, "failed to list alert events")
		return
	}
	if events == nil {
		events = []alerts.Event{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"alert_id": alertID, "events": events})
}

func (s *Server) loadAlert(w http.ResponseWriter, r *http.Request) (*alerts.Alert, bool) {
	alertID := chi.URLParam(r, "alertID")
	alert, err := s.alertsRepo.GetAlert(r.Context(), alertID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, http.StatusNotFound, "alert not found")
			return nil, false
		}
		s.log.Error().Err(err).Str("alert_id", alertID).Msg("Failed to fetch alert")
		s.writeError(w, http.StatusInternalServerError, "failed to fetch alert")
		return nil, false
	}
	return alert, true
}

func validStatusTransition(status string) bool {
	switch status {
	case alerts.StatusActive, alerts.StatusPaused, alerts.StatusTriggered,
		alerts.StatusExpired, alerts.StatusDeleted:
		return true
	}
	return false
}
