package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/comfyq/internal/comfy"
	"github.com/ternarybob/comfyq/internal/models"
	"github.com/ternarybob/comfyq/internal/services/queue"
	storage "github.com/ternarybob/comfyq/internal/storage/badger"
)

// QueueHandler serves queue controls and the health view.
type QueueHandler struct {
	service *queue.Service
	store   *storage.QueueStore
	client  *comfy.Client
	logger  arbor.ILogger
}

// NewQueueHandler creates a queue handler.
func NewQueueHandler(service *queue.Service, store *storage.QueueStore, client *comfy.Client, logger arbor.ILogger) *QueueHandler {
	return &QueueHandler{service: service, store: store, client: client, logger: logger}
}

// Pause handles POST /api/queue/pause
func (h *QueueHandler) Pause(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if err := h.service.Pause(r.Context()); err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"paused": true})
}

// Resume handles POST /api/queue/resume
func (h *QueueHandler) Resume(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if err := h.service.Resume(r.Context()); err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"paused": false})
}

// Clear handles POST /api/queue/clear
func (h *QueueHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	summary, err := h.service.Clear(r.Context())
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, summary)
}

// Health handles GET /api/health
func (h *QueueHandler) Health(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	counts, err := h.store.QueueCounts()
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	workerState := "running"
	if h.store.IsPaused() {
		workerState = "paused"
	}

	WriteJSON(w, http.StatusOK, models.HealthResponse{
		Comfy:   h.client.Health(r.Context()),
		Worker:  workerState,
		Pending: counts.Pending,
		Running: counts.Running,
	})
}
