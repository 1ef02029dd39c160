package main

import (
	"net/http"

	"fitsync/internal/metrics"
	"fitsync/internal/tracing"

	"github.com/sirupsen/logrus"
)

// handleMetrics returns the metrics registry plus the live queue depth and
// backend circuit breaker state
func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := tracing.GetRequestID(r.Context())

		if pending, err := s.app.store.GetAll(r.Context()); err == nil {
			metrics.SetGauge(metrics.QueueDepth, float64(len(pending)), nil, "Actions waiting in the local queue")
		} else {
			s.logger.WithFields(logrus.Fields{
				"request_id": requestID,
				"error":      err,
			}).Warn("Failed to read queue depth for metrics")
		}

		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")

		s.writeJSON(w, http.StatusOK, map[string]any{
			"metrics": metrics.GetAllMetrics(),
			"backend": s.app.backend.BreakerStats(),
		})

		s.logger.WithFields(logrus.Fields{
			"request_id": requestID,
			"endpoint":   "/metrics",
		}).Debug("Metrics endpoint served successfully")
	}
}
