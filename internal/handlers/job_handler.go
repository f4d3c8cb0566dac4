package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/comfyq/internal/models"
	"github.com/ternarybob/comfyq/internal/services/queue"
	storage "github.com/ternarybob/comfyq/internal/storage/badger"
)

// JobHandler serves job submission, inspection, and lifecycle actions.
type JobHandler struct {
	service *queue.Service
	store   *storage.QueueStore
	logsDir string
	logger  arbor.ILogger
}

// NewJobHandler creates a job handler. logsDir is where the worker
// writes per-prompt log files.
func NewJobHandler(service *queue.Service, store *storage.QueueStore, logsDir string, logger arbor.ILogger) *JobHandler {
	return &JobHandler{service: service, store: store, logsDir: logsDir, logger: logger}
}

// Collection handles /api/jobs: POST submits a batch, GET lists jobs.
func (h *JobHandler) Collection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.submitBatch(w, r)
	case http.MethodGet:
		h.list(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *JobHandler) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req models.JobCreateRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	resp, split, err := h.service.SubmitBatch(r.Context(), &req)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	if split != nil {
		WriteJSON(w, http.StatusCreated, split)
		return
	}
	WriteJSON(w, http.StatusCreated, resp)
}

// SubmitSingle handles POST /api/jobs/single
func (h *JobHandler) SubmitSingle(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req models.SingleJobCreateRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	resp, err := h.service.SubmitSingle(r.Context(), &req)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, resp)
}

func (h *JobHandler) list(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit := QueryInt(r, "limit", 0)

	jobs, err := h.store.ListJobs(status, limit)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// Item dispatches /api/jobs/{id} and its action sub-paths.
func (h *JobHandler) Item(w http.ResponseWriter, r *http.Request) {
	id, ok := PathID(r.URL.Path, "/api/jobs/")
	if !ok {
		WriteError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	switch {
	case strings.HasSuffix(r.URL.Path, "/cancel"):
		h.cancel(w, r, id)
	case strings.HasSuffix(r.URL.Path, "/retry"):
		h.retry(w, r, id)
	case strings.HasSuffix(r.URL.Path, "/log"):
		h.promptLog(w, r, id)
	case r.Method == http.MethodDelete:
		h.delete(w, r, id)
	default:
		h.detail(w, r, id)
	}
}

func (h *JobHandler) detail(w http.ResponseWriter, r *http.Request, id uint64) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	detail, err := h.store.GetJobDetail(id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, detail)
}

func (h *JobHandler) cancel(w http.ResponseWriter, r *http.Request, id uint64) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	summary, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, summary)
}

func (h *JobHandler) retry(w http.ResponseWriter, r *http.Request, id uint64) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	job, err := h.service.Retry(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

func (h *JobHandler) delete(w http.ResponseWriter, r *http.Request, id uint64) {
	if err := h.store.DeleteJob(id); err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteSuccess(w, "job deleted")
}

// promptLog concatenates the job's per-prompt log files as plain text,
// one section per prompt.
func (h *JobHandler) promptLog(w http.ResponseWriter, r *http.Request, id uint64) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	job, err := h.store.GetJob(id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	promptRows, err := h.store.GetPrompts(job.ID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	var buf bytes.Buffer
	for _, p := range promptRows {
		path := filepath.Join(h.logsDir, fmt.Sprintf("%d_%d.log", job.ID, p.ID))
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		fmt.Fprintf(&buf, "=== prompt %d ===\n", p.ID)
		buf.Write(data)
		if len(data) > 0 && data[len(data)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	// A known job with no log files yet still answers 200, just empty.
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}
