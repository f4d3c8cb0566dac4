package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/comfyq/internal/definitions"
	"github.com/ternarybob/comfyq/internal/models"
)

// WorkflowHandler serves the loaded workflow catalog.
type WorkflowHandler struct {
	registry *definitions.Registry
	logger   arbor.ILogger
}

// NewWorkflowHandler creates a workflow handler.
func NewWorkflowHandler(registry *definitions.Registry, logger arbor.ILogger) *WorkflowHandler {
	return &WorkflowHandler{registry: registry, logger: logger}
}

// List handles GET /api/workflows
func (h *WorkflowHandler) List(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	workflows := h.registry.List()
	views := make([]models.WorkflowView, 0, len(workflows))
	for _, wf := range workflows {
		views = append(views, workflowView(wf))
	}
	WriteJSON(w, http.StatusOK, map[string]any{"workflows": views})
}

// Reload handles POST /api/reload/workflows
func (h *WorkflowHandler) Reload(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	count, err := h.registry.Load()
	if err != nil {
		h.logger.Warn().Err(err).Msg("Workflow reload failed")
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"workflows": count,
	})
}

// ResolutionPresets handles GET /api/resolution-presets
func (h *WorkflowHandler) ResolutionPresets(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"presets": models.ResolutionPresets})
}

func workflowView(wf *models.WorkflowDef) models.WorkflowView {
	params := make(map[string]models.ParameterView, len(wf.Parameters))
	for name, p := range wf.Parameters {
		params[name] = models.ParameterView{
			Label:   p.Label,
			Type:    p.Type,
			Default: p.Default,
			Min:     p.Min,
			Max:     p.Max,
		}
	}

	displayName := wf.DisplayName
	if displayName == "" {
		displayName = wf.Name
	}

	return models.WorkflowView{
		Name:               wf.Name,
		DisplayName:        displayName,
		Group:              wf.Group,
		Category:           wf.Category,
		Description:        wf.Description,
		InputType:          wf.InputType,
		InputExtensions:    wf.InputExtensions,
		SupportsResolution: supportsResolution(wf),
		Parameters:         params,
	}
}

// supportsResolution reports whether any template node carries numeric
// width and height inputs the resolution override could target.
func supportsResolution(wf *models.WorkflowDef) bool {
	for _, node := range wf.TemplatePrompt {
		n, ok := node.(map[string]any)
		if !ok {
			continue
		}
		inputs, ok := n["inputs"].(map[string]any)
		if !ok {
			continue
		}
		if isNumeric(inputs["width"]) && isNumeric(inputs["height"]) {
			return true
		}
	}
	return false
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int64, float64:
		return true
	default:
		return false
	}
}
