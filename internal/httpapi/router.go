package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const apiPrefix = "/api/v1"

// NewRouter 注册全部路由；metricsHandler 为 nil 时不暴露 /metrics
func NewRouter(h *Handler, metricsHandler http.Handler, logger *zap.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(accessLog(logger))
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, Fail("not found"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, Fail("method not allowed"))
	})

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, Ok("ok"))
	}).Methods(http.MethodGet)
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	}

	r.HandleFunc(apiPrefix+"/snapshot", h.GetSnapshot).Methods(http.MethodGet)
	r.HandleFunc(apiPrefix+"/permissions", h.GetPermissions).Methods(http.MethodGet)
	r.HandleFunc(apiPrefix+"/permissions/{capability}/request", h.RequestPermission).Methods(http.MethodPost)

	r.HandleFunc(apiPrefix+"/emergency", h.GetEmergency).Methods(http.MethodGet)
	r.HandleFunc(apiPrefix+"/emergency/trigger", h.TriggerEmergency).Methods(http.MethodPost)
	r.HandleFunc(apiPrefix+"/emergency/arm", h.stateAction(h.svc.Arm)).Methods(http.MethodPost)
	r.HandleFunc(apiPrefix+"/emergency/disarm", h.stateAction(h.svc.Disarm)).Methods(http.MethodPost)
	r.HandleFunc(apiPrefix+"/emergency/reset", h.stateAction(h.svc.Reset)).Methods(http.MethodPost)
	r.HandleFunc(apiPrefix+"/emergency/{id}/cancel", h.incidentAction(h.svc.CancelEmergency)).Methods(http.MethodPost)
	r.HandleFunc(apiPrefix+"/emergency/{id}/resolve", h.incidentAction(h.svc.ResolveEmergency)).Methods(http.MethodPost)
	r.HandleFunc(apiPrefix+"/emergency/{id}/confirm", h.incidentAction(h.svc.ConfirmEmergency)).Methods(http.MethodPost)

	// export 必须先于 {id} 注册
	r.HandleFunc(apiPrefix+"/incidents", h.ListIncidents).Methods(http.MethodGet)
	r.HandleFunc(apiPrefix+"/incidents/export", h.ExportIncidents).Methods(http.MethodGet)
	r.HandleFunc(apiPrefix+"/incidents/{id}", h.GetIncident).Methods(http.MethodGet)

	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func accessLog(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
