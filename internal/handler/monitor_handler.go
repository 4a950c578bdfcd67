package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"threat-monitor/internal/entity"
	"threat-monitor/internal/models"
	"threat-monitor/internal/repository/scylla"
	"threat-monitor/internal/service"
)

// MonitorHandler exposes the monitor facade on the internal ops surface.
type MonitorHandler struct {
	monitor    *service.MonitorService
	thresholds scylla.ThresholdRepository
	logger     *zap.Logger
}

func NewMonitorHandler(monitor *service.MonitorService, thresholds scylla.ThresholdRepository, logger *zap.Logger) *MonitorHandler {
	return &MonitorHandler{
		monitor:    monitor,
		thresholds: thresholds,
		logger:     logger,
	}
}

func (h *MonitorHandler) RegisterRoutes(r chi.Router) {
	r.Post("/events", h.TrackEvent)
	r.Post("/events/import", h.ImportEvents)
	r.Get("/scores/{type}/{value}", h.GetThreatScore)
	r.Post("/blocks", h.Block)
	r.Delete("/blocks/{type}/{value}", h.Unblock)
	r.Get("/blocks/{type}/{value}", h.IsBlocked)
	r.Get("/stats", h.Stats)
	r.Post("/cleanup", h.Cleanup)
	r.Get("/thresholds", h.ListThresholds)
	r.Put("/thresholds/{name}", h.PutThreshold)
}

type trackEventRequest struct {
	EventType string            `json:"event_type"`
	Severity  string            `json:"severity"`
	UserID    string            `json:"user_id,omitempty"`
	IPAddress string            `json:"ip_address,omitempty"`
	RiskScore int64             `json:"risk_score"`
	Details   map[string]string `json:"details,omitempty"`
	EventTime time.Time         `json:"event_time,omitempty"`
}

func (req *trackEventRequest) toModel() *models.SecurityEvent {
	return &models.SecurityEvent{
		EventType: req.EventType,
		Severity:  req.Severity,
		UserID:    req.UserID,
		IPAddress: req.IPAddress,
		RiskScore: req.RiskScore,
		Details:   req.Details,
		EventTime: req.EventTime,
	}
}

func (h *MonitorHandler) TrackEvent(w http.ResponseWriter, r *http.Request) {
	var req trackEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.monitor.TrackEvent(r.Context(), req.toModel())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, result)
}

func (h *MonitorHandler) ImportEvents(w http.ResponseWriter, r *http.Request) {
	var reqs []trackEventRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	events := make([]*models.SecurityEvent, 0, len(reqs))
	for i := range reqs {
		events = append(events, reqs[i].toModel())
	}

	imported, err := h.monitor.ImportEvents(r.Context(), events)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]int{"imported": imported})
}

func (h *MonitorHandler) GetThreatScore(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "type")
	entityValue := chi.URLParam(r, "value")

	score, err := h.monitor.GetThreatScore(r.Context(), entityValue, entityType)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entity_type":  entityType,
		"entity_value": entityValue,
		"score":        score,
	})
}

type blockRequest struct {
	EntityType  string `json:"entity_type"`
	EntityValue string `json:"entity_value"`
	Reason      string `json:"reason"`
	BlockedBy   string `json:"blocked_by"`
	TTLSeconds  int64  `json:"ttl_seconds,omitempty"` // 0 blocks indefinitely
}

func (h *MonitorHandler) Block(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second

	var err error
	switch req.EntityType {
	case entity.TypeIP:
		err = h.monitor.BlockIP(r.Context(), req.EntityValue, req.Reason, req.BlockedBy, ttl)
	case entity.TypeUser:
		err = h.monitor.BlockUser(r.Context(), req.EntityValue, req.Reason, req.BlockedBy, ttl)
	default:
		writeError(w, http.StatusBadRequest, "entity_type must be ip or user")
		return
	}
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "blocked"})
}

func (h *MonitorHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "type")
	entityValue := chi.URLParam(r, "value")

	if err := h.monitor.Unblock(r.Context(), entityValue, entityType); err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "unblocked"})
}

func (h *MonitorHandler) IsBlocked(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "type")
	entityValue := chi.URLParam(r, "value")

	var blocked bool
	var err error
	if r.URL.Query().Get("consistent") == "true" {
		blocked, err = h.monitor.IsBlockedConsistent(r.Context(), entityValue, entityType)
	} else {
		blocked, err = h.monitor.IsBlocked(r.Context(), entityValue, entityType)
	}
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entity_type":  entityType,
		"entity_value": entityValue,
		"blocked":      blocked,
	})
}

func (h *MonitorHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.monitor.GetMonitoringStats(r.Context()))
}

type cleanupRequest struct {
	RetentionHours int `json:"retention_hours,omitempty"`
}

func (h *MonitorHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	summary, err := h.monitor.CleanupOldData(r.Context(), req.RetentionHours)
	if err != nil {
		// partial summaries still carry value for the scheduler's logs
		h.logger.Error("cleanup finished with errors", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, summary)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (h *MonitorHandler) ListThresholds(w http.ResponseWriter, r *http.Request) {
	thresholds, err := h.thresholds.List(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, thresholds)
}

type thresholdRequest struct {
	ThresholdValue int64             `json:"threshold_value"`
	Description    string            `json:"description,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IsActive       bool              `json:"is_active"`
}

func (h *MonitorHandler) PutThreshold(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req thresholdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	threshold := &models.MonitoringThreshold{
		ThresholdName:  name,
		ThresholdValue: req.ThresholdValue,
		Description:    req.Description,
		Metadata:       req.Metadata,
		IsActive:       req.IsActive,
	}

	if err := h.thresholds.Upsert(r.Context(), threshold); err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, threshold)
}

func (h *MonitorHandler) writeServiceError(w http.ResponseWriter, err error) {
	var verr *entity.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, service.ErrBlockStatusUnknown):
		writeError(w, http.StatusServiceUnavailable, "block status unknown")
	case errors.Is(err, service.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
