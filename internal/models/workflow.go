package models

// Parameter types accepted by workflow definitions
const (
	ParamTypeText  = "text"
	ParamTypeBool  = "bool"
	ParamTypeInt   = "int"
	ParamTypeFloat = "float"
)

// Input types accepted by workflow definitions
const (
	InputTypeImage = "image"
	InputTypeVideo = "video"
	InputTypeNone  = "none"
)

// Well-known file binding names
const (
	BindingLoadImage    = "load_image"
	BindingLoadVideo    = "load_video"
	BindingInputFile    = "input_file"
	BindingSeed         = "seed"
	BindingOutputPrefix = "output_prefix"
)

// NodeBinding maps a well-known binding name onto template nodes.
// Field is the preferred target; Fields is an ordered candidate list.
type NodeBinding struct {
	Nodes  []string `json:"nodes"`
	Field  string   `json:"field,omitempty"`
	Fields []string `json:"fields,omitempty"`
}

// ParameterDef declares a single user-facing workflow knob.
type ParameterDef struct {
	Name    string   `json:"name"`
	Label   string   `json:"label"`
	Type    string   `json:"type"`
	Default any      `json:"default,omitempty"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Nodes   []string `json:"nodes,omitempty"`
	Field   string   `json:"field,omitempty"`
	Fields  []string `json:"fields,omitempty"`
}

// SwitchState is written unconditionally into a template node.
type SwitchState struct {
	NodeID string `json:"node_id"`
	Field  string `json:"field"`
	Value  any    `json:"value"`
}

// WorkflowDef is a validated workflow definition, immutable after load.
type WorkflowDef struct {
	Name            string
	DisplayName     string
	Group           string
	Category        string
	Description     string
	TemplatePath    string
	InputType       string
	InputExtensions []string
	FileBindings    map[string]NodeBinding
	Parameters      map[string]ParameterDef
	ParamOrder      []string // Declaration order, preserved for deterministic application
	SwitchStates    []SwitchState
	MoveProcessed   bool
	TemplatePrompt  map[string]any
	SourceFile      string
}

// Binding returns the named file binding, or nil when undefined.
func (w *WorkflowDef) Binding(name string) *NodeBinding {
	if b, ok := w.FileBindings[name]; ok {
		return &b
	}
	return nil
}

// AcceptsFiles reports whether the workflow consumes input files.
func (w *WorkflowDef) AcceptsFiles() bool {
	return w.InputType == InputTypeImage || w.InputType == InputTypeVideo
}

// ResolutionPreset is one entry of the fixed resolution table.
type ResolutionPreset struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// ResolutionPresets is the fixed table surfaced to clients and accepted
// as resolution_preset on submit.
var ResolutionPresets = []ResolutionPreset{
	{ID: "384x672", Label: "384 x 672", Width: 384, Height: 672},
	{ID: "480x848", Label: "480 x 848", Width: 480, Height: 848},
	{ID: "576x1024", Label: "576 x 1024", Width: 576, Height: 1024},
	{ID: "640x1136", Label: "640 x 1136", Width: 640, Height: 1136},
	{ID: "768x1360", Label: "768 x 1360", Width: 768, Height: 1360},
}
