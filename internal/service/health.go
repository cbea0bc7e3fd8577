package service

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// HealthStatus is the aggregate service health snapshot.
type HealthStatus struct {
	Status        string `json:"status"` // "healthy", "degraded", "unhealthy"
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	Workers        int     `json:"workers"`
	Processed      uint64  `json:"frames_processed"`
	Failures       uint64  `json:"inference_failures"`
	WorkerRestarts uint64  `json:"worker_restarts"`
	AvgLatencyMS   float64 `json:"avg_latency_ms"`

	ActiveSessions int  `json:"active_sessions"`
	FailedSessions int  `json:"failed_sessions"`
	Saturated      bool `json:"saturated"`

	Delivered   uint64 `json:"batches_delivered"`
	Undelivered uint64 `json:"batches_undelivered"`

	MQTTConnected bool `json:"mqtt_connected"`
	WSClients     int  `json:"ws_clients"`
}

// Health computes the current health status. Degraded means the service
// still answers requests but something downstream needs attention:
// admission saturation, failed sessions or a disconnected event bus.
func (s *Service) Health() HealthStatus {
	poolStats := s.workers.Stats()
	emitStats := s.emitter.Stats()

	status := HealthStatus{
		Status:         "healthy",
		Version:        Version,
		UptimeSeconds:  int64(s.Uptime().Seconds()),
		Workers:        poolStats.Workers,
		Processed:      poolStats.Processed,
		Failures:       poolStats.Failures,
		WorkerRestarts: poolStats.Restarts,
		AvgLatencyMS:   poolStats.AvgLatencyMS,
		ActiveSessions: s.sessions.ActiveCount(),
		FailedSessions: s.sessions.FailedCount(),
		Saturated:      s.adm.Saturated(),
		Delivered:      emitStats.Delivered,
		Undelivered:    emitStats.Undelivered,
	}
	if s.mqttSink != nil {
		status.MQTTConnected = s.mqttSink.Connected()
	}
	if s.wsSink != nil {
		status.WSClients = s.wsSink.Clients()
	}

	switch {
	case !s.isRunning() || poolStats.Workers == 0:
		status.Status = "unhealthy"
	case status.Saturated,
		status.FailedSessions > 0,
		s.mqttSink != nil && !status.MQTTConnected:
		status.Status = "degraded"
	}
	return status
}

// LivenessHandler answers /health: 200 whenever the process is alive.
func (s *Service) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "alive",
		"version": Version,
		"uptime":  int64(s.Uptime().Seconds()),
	})
}

// ReadinessHandler answers /readiness with the full health snapshot.
// Degraded still reports ready; only unhealthy returns 503.
func (s *Service) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := s.Health()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// MetricsHandler answers /metrics in Prometheus text format.
func (s *Service) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	health := s.Health()
	admStats := s.adm.Stats()

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "argusd_uptime_seconds{instance=%q} %d\n", s.cfg.InstanceID, health.UptimeSeconds)
	fmt.Fprintf(w, "argusd_frames_processed_total{instance=%q} %d\n", s.cfg.InstanceID, health.Processed)
	fmt.Fprintf(w, "argusd_inference_failures_total{instance=%q} %d\n", s.cfg.InstanceID, health.Failures)
	fmt.Fprintf(w, "argusd_worker_restarts_total{instance=%q} %d\n", s.cfg.InstanceID, health.WorkerRestarts)
	fmt.Fprintf(w, "argusd_avg_latency_ms{instance=%q} %.2f\n", s.cfg.InstanceID, health.AvgLatencyMS)
	fmt.Fprintf(w, "argusd_active_sessions{instance=%q} %d\n", s.cfg.InstanceID, health.ActiveSessions)
	fmt.Fprintf(w, "argusd_frames_admitted_total{instance=%q} %d\n", s.cfg.InstanceID, admStats.Accepted)
	fmt.Fprintf(w, "argusd_frames_queued_total{instance=%q} %d\n", s.cfg.InstanceID, admStats.Queued)
	fmt.Fprintf(w, "argusd_frames_rejected_total{instance=%q} %d\n", s.cfg.InstanceID, admStats.Rejected)
	fmt.Fprintf(w, "argusd_batches_delivered_total{instance=%q} %d\n", s.cfg.InstanceID, health.Delivered)
	fmt.Fprintf(w, "argusd_batches_undelivered_total{instance=%q} %d\n", s.cfg.InstanceID, health.Undelivered)
}

// StartHealthServer serves the health endpoints and, when the websocket
// sink is enabled, the live detection feed. Non-blocking; the returned
// server is shut down by the caller.
func (s *Service) StartHealthServer(port string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	mux.HandleFunc("/metrics", s.MetricsHandler)
	if s.wsSink != nil {
		mux.HandleFunc("/ws", s.wsSink.Handler)
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting health server",
		"port", port,
		"websocket", s.wsSink != nil,
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server failed", "error", err)
		}
	}()

	return server
}
