package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"vitalwatch-core/internal/models"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Service 对外暴露的核心能力（service.Guardian 实现）
type Service interface {
	GetSnapshot() models.SensorSnapshot
	Permissions() []models.CapabilityPermission
	RequestPermission(ctx context.Context, capability models.Capability) models.PermissionState
	EmergencyState() (models.EmergencyState, string)
	TriggerEmergency(reason models.TriggerReason) (string, models.EmergencyState, error)
	CancelEmergency(id string) (models.EmergencyState, error)
	ResolveEmergency(id string) (models.EmergencyState, error)
	ConfirmEmergency(id string) (models.EmergencyState, error)
	Arm() (models.EmergencyState, error)
	Disarm() (models.EmergencyState, error)
	Reset() (models.EmergencyState, error)
	GetIncident(ctx context.Context, id string) (models.EmergencyIncident, error)
	ListIncidents(ctx context.Context) ([]models.EmergencyIncident, error)
	ExportIncidents(ctx context.Context) ([]byte, error)
}

// Handler HTTP 处理器
type Handler struct {
	svc    Service
	logger *zap.Logger
}

// NewHandler 创建处理器
func NewHandler(svc Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// EmergencyStatus 紧急状态响应
type EmergencyStatus struct {
	State      models.EmergencyState `json:"state"`
	IncidentID string                `json:"incident_id,omitempty"`
}

type triggerRequest struct {
	Reason models.TriggerReason `json:"reason"`
}

type permissionResponse struct {
	Capability models.Capability      `json:"capability"`
	State      models.PermissionState `json:"state"`
}

// GetSnapshot GET /api/v1/snapshot
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Ok(h.svc.GetSnapshot()))
}

// GetPermissions GET /api/v1/permissions
func (h *Handler) GetPermissions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Ok(h.svc.Permissions()))
}

// RequestPermission POST /api/v1/permissions/{capability}/request
func (h *Handler) RequestPermission(w http.ResponseWriter, r *http.Request) {
	capability := models.Capability(mux.Vars(r)["capability"])
	if !capability.Valid() {
		writeJSON(w, http.StatusBadRequest, Fail("unknown capability: "+string(capability)))
		return
	}

	state := h.svc.RequestPermission(r.Context(), capability)
	writeJSON(w, http.StatusOK, Ok(permissionResponse{Capability: capability, State: state}))
}

// GetEmergency GET /api/v1/emergency
func (h *Handler) GetEmergency(w http.ResponseWriter, r *http.Request) {
	state, id := h.svc.EmergencyState()
	writeJSON(w, http.StatusOK, Ok(EmergencyStatus{State: state, IncidentID: id}))
}

const maxTriggerBody = 1 << 16

// TriggerEmergency POST /api/v1/emergency/trigger（默认 manual）
func (h *Handler) TriggerEmergency(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := readBodyJSON(r, maxTriggerBody, &req); err != nil {
		if errors.Is(err, errBodyTooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, Fail(err.Error()))
			return
		}
		writeJSON(w, http.StatusBadRequest, Fail("invalid request body"))
		return
	}
	if req.Reason == "" {
		req.Reason = models.TriggerManual
	}

	id, state, err := h.svc.TriggerEmergency(req.Reason)
	if err != nil {
		h.writeTransitionError(w, err, EmergencyStatus{State: state, IncidentID: id})
		return
	}

	h.logger.Warn("Emergency triggered via API",
		zap.String("incident_id", id),
		zap.String("reason", string(req.Reason)),
	)
	writeJSON(w, http.StatusOK, Ok(EmergencyStatus{State: state, IncidentID: id}))
}

// incidentAction 处理 cancel/resolve/confirm
func (h *Handler) incidentAction(action func(id string) (models.EmergencyState, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		state, err := action(id)
		if err != nil {
			h.writeTransitionError(w, err, EmergencyStatus{State: state, IncidentID: id})
			return
		}
		writeJSON(w, http.StatusOK, Ok(EmergencyStatus{State: state, IncidentID: id}))
	}
}

// stateAction 处理 arm/disarm/reset
func (h *Handler) stateAction(action func() (models.EmergencyState, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := action()
		if err != nil {
			h.writeTransitionError(w, err, EmergencyStatus{State: state})
			return
		}
		writeJSON(w, http.StatusOK, Ok(EmergencyStatus{State: state}))
	}
}

// ListIncidents GET /api/v1/incidents
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := h.svc.ListIncidents(r.Context())
	if err != nil {
		h.logger.Error("Failed to list incidents", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to list incidents"))
		return
	}
	if incidents == nil {
		incidents = []models.EmergencyIncident{}
	}
	writeJSON(w, http.StatusOK, Ok(incidents))
}

// GetIncident GET /api/v1/incidents/{id}
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	incident, err := h.svc.GetIncident(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrIncidentNotFound) {
			writeJSON(w, http.StatusNotFound, Fail("incident not found"))
			return
		}
		h.logger.Error("Failed to get incident", zap.String("incident_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to get incident"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(incident))
}

// ExportIncidents GET /api/v1/incidents/export
func (h *Handler) ExportIncidents(w http.ResponseWriter, r *http.Request) {
	data, err := h.svc.ExportIncidents(r.Context())
	if err != nil {
		h.logger.Error("Failed to export incidents", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to export incidents"))
		return
	}

	filename := "incidents_" + time.Now().Format("20060102_150405") + ".xlsx"
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// writeTransitionError 非法迁移返回 409 与当前状态
func (h *Handler) writeTransitionError(w http.ResponseWriter, err error, status EmergencyStatus) {
	switch {
	case errors.Is(err, models.ErrIncidentNotFound):
		writeJSON(w, http.StatusNotFound, FailWith(err.Error(), status))
	case errors.Is(err, models.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, FailWith(err.Error(), status))
	default:
		h.logger.Error("Emergency operation failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, FailWith(err.Error(), status))
	}
}
