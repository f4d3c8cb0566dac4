package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/comfyq/internal/models"
	storage "github.com/ternarybob/comfyq/internal/storage/badger"
)

// PresetHandler serves prompt presets, settings presets, and the
// recent input directory history.
type PresetHandler struct {
	store  *storage.PresetStore
	logger arbor.ILogger
}

// NewPresetHandler creates a preset handler.
func NewPresetHandler(store *storage.PresetStore, logger arbor.ILogger) *PresetHandler {
	return &PresetHandler{store: store, logger: logger}
}

// RecentInputDirs handles GET /api/input-dirs/recent
func (h *PresetHandler) RecentInputDirs(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	entries, err := h.store.ListInputDirs(QueryInt(r, "limit", 20))
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"dirs": entries})
}

// PromptPresets handles /api/prompt-presets: GET lists (optionally by
// mode), POST upserts.
func (h *PresetHandler) PromptPresets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		presets, err := h.store.ListPromptPresets(r.URL.Query().Get("mode"), QueryInt(r, "limit", 0))
		if err != nil {
			WriteServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"presets": presets})

	case http.MethodPost:
		var req models.PromptPresetSaveRequest
		if !DecodeJSON(w, r, &req) {
			return
		}
		preset := &models.PromptPreset{
			Name:           req.Name,
			Mode:           req.Mode,
			PositivePrompt: req.PositivePrompt,
			NegativePrompt: req.NegativePrompt,
		}
		if err := h.store.SavePromptPreset(preset); err != nil {
			WriteServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, preset)

	case http.MethodDelete:
		name := r.URL.Query().Get("name")
		if name == "" {
			WriteError(w, http.StatusBadRequest, "name query parameter is required")
			return
		}
		if err := h.store.DeletePromptPreset(name); err != nil {
			WriteServiceError(w, err)
			return
		}
		WriteSuccess(w, "preset deleted")

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// SettingsPresets handles /api/settings-presets: GET lists, POST upserts.
func (h *PresetHandler) SettingsPresets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		presets, err := h.store.ListSettingsPresets(QueryInt(r, "limit", 0))
		if err != nil {
			WriteServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"presets": presets})

	case http.MethodPost:
		var req models.SettingsPresetSaveRequest
		if !DecodeJSON(w, r, &req) {
			return
		}
		preset := &models.SettingsPreset{Name: req.Name, Payload: req.Payload}
		if err := h.store.SaveSettingsPreset(preset); err != nil {
			WriteServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, preset)

	case http.MethodDelete:
		name := r.URL.Query().Get("name")
		if name == "" {
			WriteError(w, http.StatusBadRequest, "name query parameter is required")
			return
		}
		if err := h.store.DeleteSettingsPreset(name); err != nil {
			WriteServiceError(w, err)
			return
		}
		WriteSuccess(w, "preset deleted")

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
