package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route (realtime gateway)
	mux.HandleFunc("/ws", s.app.Gateway.HandleWebSocket)

	// API routes - Pipeline
	mux.HandleFunc("/api/pipeline/process", s.app.PipelineHandler.ProcessHandler)
	mux.HandleFunc("/api/pipeline/batch", s.app.PipelineHandler.BatchHandler)
	mux.HandleFunc("/api/pipeline/dedupe", s.app.PipelineHandler.DedupeHandler)
	mux.HandleFunc("/api/pipeline/status", s.app.PipelineHandler.StatusHandler)
	mux.HandleFunc("/api/pipeline/config", s.app.PipelineHandler.ConfigHandler)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/api/status", s.app.APIHandler.StatusHandler)

	// Bare aliases for load balancer probes
	mux.HandleFunc("/healthz", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/status", s.app.APIHandler.StatusHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}
