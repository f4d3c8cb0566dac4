package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.Handle)

	// API routes - Workflow catalog
	mux.HandleFunc("/api/workflows", s.app.WorkflowHandler.List)
	mux.HandleFunc("/api/reload/workflows", s.app.WorkflowHandler.Reload)
	mux.HandleFunc("/api/resolution-presets", s.app.WorkflowHandler.ResolutionPresets)

	// API routes - Jobs
	mux.HandleFunc("/api/jobs", s.app.JobHandler.Collection)     // GET (list), POST (batch submit)
	mux.HandleFunc("/api/jobs/single", s.app.JobHandler.SubmitSingle)
	mux.HandleFunc("/api/jobs/", s.app.JobHandler.Item) // /{id}, /{id}/cancel, /{id}/retry, /{id}/log

	// API routes - Queue controls
	mux.HandleFunc("/api/queue/pause", s.app.QueueHandler.Pause)
	mux.HandleFunc("/api/queue/resume", s.app.QueueHandler.Resume)
	mux.HandleFunc("/api/queue/clear", s.app.QueueHandler.Clear)
	mux.HandleFunc("/api/health", s.app.QueueHandler.Health)

	// API routes - Presets and history
	mux.HandleFunc("/api/input-dirs/recent", s.app.PresetHandler.RecentInputDirs)
	mux.HandleFunc("/api/prompt-presets", s.app.PresetHandler.PromptPresets)
	mux.HandleFunc("/api/settings-presets", s.app.PresetHandler.SettingsPresets)

	return mux
}
