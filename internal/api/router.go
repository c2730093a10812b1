package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// buildRouter creates the HTTP router with all routes and middleware.
//
// Static segments are matched before parameters, so /boxes/data resolves
// to the multi-box query and /boxes/{boxId}/data to batch ingestion.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeErrorCode(w, http.StatusNotFound, ErrCodeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeErrorCode(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	// Long-lived connections stay outside the request deadline.
	wsPath := s.wsCfg.Path
	if wsPath == "" {
		wsPath = "/ws"
	}
	r.Get(wsPath, s.handleWebSocket)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.timeoutMiddleware)

		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)
		r.Get("/boxes.{format}", s.handleListBoxes)

		r.Route("/users/{boxId}", func(r chi.Router) {
			r.Get("/", s.handleValidateAPIKey)
		})

		r.Route("/boxes", func(r chi.Router) {
			r.Get("/", s.handleListBoxes)
			r.Post("/", s.handleCreateBox)

			r.Get("/data", s.handleMultiBox)
			r.Post("/data", s.handleMultiBox)

			r.Route("/{boxId}", func(r chi.Router) {
				r.Get("/", s.handleGetBox)
				r.Get("/sensors", s.handleBoxSensors)
				r.Get("/data/{sensorId}", s.handleSensorHistory)

				// Ingestion: open, but rate limited per client.
				r.Group(func(r chi.Router) {
					r.Use(s.rateLimitMiddleware)
					r.Post("/data", s.handleSubmitBatch)
					r.Post("/{sensorId}", s.handleSubmitMeasurement)
					r.Get("/{sensorId}/submitMeasurement/{value}", s.handleSubmitMeasurementPath)
				})

				// Secured: the apikey must own the box.
				r.Group(func(r chi.Router) {
					r.Use(s.apiKeyMiddleware)
					r.Put("/", s.handleUpdateBox)
					r.Delete("/", s.handleDeleteBox)
					r.Get("/script", s.handleFirmware)
					r.Get("/audit", s.handleListAuditLogs)
				})
			})
		})
	})

	return r
}

// handleHealth reports storage and transport health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime:       runtimeMetrics(),
		WebSocket:     WSMetrics{ConnectedClients: s.hub.ClientCount()},
	}
	if s.mqtt != nil {
		resp.MQTT = &MQTTMetrics{Connected: s.mqtt.IsConnected()}
	}

	status := http.StatusOK
	if s.db != nil {
		if err := s.db.HealthCheck(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}
		resp.Database = databaseMetrics(s.db.Stats())
	}

	writeJSON(w, status, resp)
}
