package models

// Prompt modes accepted on batch submit
const (
	PromptModeManual         = "manual"
	PromptModePerImageManual = "per-image manual"
	PromptModePerImageAuto   = "per-image auto"
)

// JobCreateRequest is the batch submit payload: every matching file in
// input_dir becomes a prompt (or its own job when split_by_input is set).
type JobCreateRequest struct {
	WorkflowName     string                    `json:"workflow_name" validate:"required"`
	JobName          string                    `json:"job_name"`
	InputDir         string                    `json:"input_dir"`
	PromptMode       string                    `json:"prompt_mode"`
	Params           map[string]any            `json:"params"`
	PerFileParams    map[string]map[string]any `json:"per_file_params"`
	ResolutionPreset string                    `json:"resolution_preset"`
	FlipOrientation  bool                      `json:"flip_orientation"`
	MoveProcessed    bool                      `json:"move_processed"`
	SplitByInput     bool                      `json:"split_by_input"`
	Priority         int                       `json:"priority"`
}

// SingleJobCreateRequest submits a job for one explicit input file.
type SingleJobCreateRequest struct {
	WorkflowName     string         `json:"workflow_name" validate:"required"`
	JobName          string         `json:"job_name"`
	InputImage       string         `json:"input_image" validate:"required"`
	Params           map[string]any `json:"params"`
	ResolutionPreset string         `json:"resolution_preset"`
	FlipOrientation  bool           `json:"flip_orientation"`
	MoveProcessed    bool           `json:"move_processed"`
	Priority         int            `json:"priority"`
}

// JobCreateResponse reports a created job.
type JobCreateResponse struct {
	JobID       uint64 `json:"job_id"`
	JobName     string `json:"job_name,omitempty"`
	PromptCount int    `json:"prompt_count"`
	InputDir    string `json:"input_dir"`
}

// SplitJobCreateResponse reports a fan-out of single-input jobs.
type SplitJobCreateResponse struct {
	JobIDs      []uint64 `json:"job_ids"`
	JobCount    int      `json:"job_count"`
	PromptCount int      `json:"prompt_count"`
	InputDir    string   `json:"input_dir"`
}

// PromptPresetSaveRequest upserts a prompt preset.
type PromptPresetSaveRequest struct {
	Name           string `json:"name" validate:"required"`
	Mode           string `json:"mode"`
	PositivePrompt string `json:"positive_prompt"`
	NegativePrompt string `json:"negative_prompt"`
}

// SettingsPresetSaveRequest upserts a settings preset.
type SettingsPresetSaveRequest struct {
	Name    string         `json:"name" validate:"required"`
	Payload map[string]any `json:"payload"`
}

// HealthResponse is the adapter's health view.
type HealthResponse struct {
	Comfy   bool   `json:"comfy"`
	Worker  string `json:"worker"` // "running" or "paused"
	Pending int    `json:"pending"`
	Running int    `json:"running"`
}

// WorkflowView is the derived per-workflow listing surfaced to clients.
type WorkflowView struct {
	Name               string                   `json:"name"`
	DisplayName        string                   `json:"display_name"`
	Group              string                   `json:"group"`
	Category           string                   `json:"category,omitempty"`
	Description        string                   `json:"description"`
	InputType          string                   `json:"input_type"`
	InputExtensions    []string                 `json:"input_extensions"`
	SupportsResolution bool                     `json:"supports_resolution"`
	Parameters         map[string]ParameterView `json:"parameters"`
}

// ParameterView is the client-facing parameter schema.
type ParameterView struct {
	Label   string   `json:"label"`
	Type    string   `json:"type"`
	Default any      `json:"default"`
	Min     *float64 `json:"min"`
	Max     *float64 `json:"max"`
}
