package definitions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ternarybob/comfyq/internal/models"
)

// DefinitionError is a load-time structural violation, naming the
// definition file and the offending field path.
type DefinitionError struct {
	Path  string
	Field string
	Msg   string
}

func (e *DefinitionError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Msg)
	}
	return fmt.Sprintf("%s: field '%s': %s", e.Path, e.Field, e.Msg)
}

func defErr(path, field, msg string) *DefinitionError {
	return &DefinitionError{Path: path, Field: field, Msg: msg}
}

var allowedParamTypes = map[string]bool{
	models.ParamTypeText:  true,
	models.ParamTypeBool:  true,
	models.ParamTypeInt:   true,
	models.ParamTypeFloat: true,
}

var allowedInputTypes = map[string]bool{
	models.InputTypeImage: true,
	models.InputTypeVideo: true,
	models.InputTypeNone:  true,
}

// LoadAll loads every *.yaml definition under defsDir in sorted order.
// A missing directory yields an empty list; the first structural
// violation or duplicate workflow name is fatal.
func LoadAll(defsDir string) ([]*models.WorkflowDef, error) {
	if _, err := os.Stat(defsDir); os.IsNotExist(err) {
		return nil, nil
	}

	paths, err := filepath.Glob(filepath.Join(defsDir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan definitions directory %s: %w", defsDir, err)
	}
	sort.Strings(paths)

	var workflows []*models.WorkflowDef
	names := make(map[string]bool)
	for _, path := range paths {
		wf, err := LoadOne(path)
		if err != nil {
			return nil, err
		}
		if names[wf.Name] {
			return nil, fmt.Errorf("duplicate workflow name '%s' in %s", wf.Name, path)
		}
		names[wf.Name] = true
		workflows = append(workflows, wf)
	}
	return workflows, nil
}

// LoadOne loads and validates a single definition file.
func LoadOne(path string) (*models.WorkflowDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &DefinitionError{Path: path, Msg: fmt.Sprintf("invalid YAML: %v", err)}
	}
	if raw == nil {
		return nil, &DefinitionError{Path: path, Msg: "top-level YAML must be a mapping"}
	}

	for _, required := range []string{"name", "description", "input_type", "input_extensions"} {
		if _, ok := raw[required]; !ok {
			return nil, defErr(path, required, "is required")
		}
	}

	name, ok := raw["name"].(string)
	if !ok || strings.TrimSpace(name) == "" {
		return nil, defErr(path, "name", "must be a non-empty string")
	}
	description, ok := raw["description"].(string)
	if !ok {
		return nil, defErr(path, "description", "must be a string")
	}
	displayName, err := optionalString(path, raw, "display_name")
	if err != nil {
		return nil, err
	}
	group, err := optionalString(path, raw, "group")
	if err != nil {
		return nil, err
	}
	category, err := optionalString(path, raw, "category")
	if err != nil {
		return nil, err
	}

	inputType, ok := raw["input_type"].(string)
	if !ok || !allowedInputTypes[inputType] {
		return nil, defErr(path, "input_type", "must be 'image', 'video', or 'none'")
	}

	extsRaw, ok := raw["input_extensions"].([]any)
	if !ok || len(extsRaw) == 0 {
		return nil, defErr(path, "input_extensions", "must be a non-empty list")
	}
	exts := make([]string, 0, len(extsRaw))
	for _, e := range extsRaw {
		ext, ok := e.(string)
		if !ok || !strings.HasPrefix(ext, ".") {
			return nil, defErr(path, "input_extensions", "must contain extensions like '.png'")
		}
		exts = append(exts, ext)
	}

	templatePath, templatePrompt, err := loadTemplate(path, raw)
	if err != nil {
		return nil, err
	}

	bindings, err := parseBindings(path, raw)
	if err != nil {
		return nil, err
	}

	params, paramOrder, err := parseParameters(path, raw, data)
	if err != nil {
		return nil, err
	}

	switches, err := parseSwitchStates(path, raw)
	if err != nil {
		return nil, err
	}

	moveProcessed := false
	if v, ok := raw["move_processed"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, defErr(path, "move_processed", "must be a bool")
		}
		moveProcessed = b
	}

	wf := &models.WorkflowDef{
		Name:            name,
		DisplayName:     displayName,
		Group:           group,
		Category:        category,
		Description:     description,
		TemplatePath:    templatePath,
		InputType:       inputType,
		InputExtensions: exts,
		FileBindings:    bindings,
		Parameters:      params,
		ParamOrder:      paramOrder,
		SwitchStates:    switches,
		MoveProcessed:   moveProcessed,
		TemplatePrompt:  templatePrompt,
		SourceFile:      path,
	}

	if err := validateTemplateRefs(path, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

func optionalString(path string, raw map[string]any, field string) (string, error) {
	v, ok := raw[field]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", defErr(path, field, "must be a string")
	}
	return s, nil
}

// loadTemplate resolves the graph template, either inline or from an
// adjacent JSON file, unwrapping a top-level "prompt" envelope.
func loadTemplate(path string, raw map[string]any) (string, map[string]any, error) {
	if inline, ok := raw["template_inline"]; ok {
		m, ok := inline.(map[string]any)
		if !ok {
			return "", nil, defErr(path, "template_inline", "must be a mapping")
		}
		return "", m, nil
	}

	template, ok := raw["template"].(string)
	if !ok || strings.TrimSpace(template) == "" {
		return "", nil, defErr(path, "template", "is required unless template_inline is provided")
	}

	templatePath := template
	if !filepath.IsAbs(templatePath) {
		templatePath = filepath.Join(filepath.Dir(path), templatePath)
	}
	data, err := os.ReadFile(templatePath)
	if err != nil {
		return "", nil, defErr(path, "template", fmt.Sprintf("template file does not exist: %s", templatePath))
	}

	var obj any
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", nil, defErr(path, "template", fmt.Sprintf("invalid JSON: %v", err))
	}

	prompt := obj
	if m, ok := obj.(map[string]any); ok {
		if inner, ok := m["prompt"]; ok {
			prompt = inner
		}
	}
	m, ok := prompt.(map[string]any)
	if !ok {
		return "", nil, defErr(path, "template", "template JSON must be a prompt mapping")
	}
	return templatePath, m, nil
}

func parseBindings(path string, raw map[string]any) (map[string]models.NodeBinding, error) {
	out := make(map[string]models.NodeBinding)
	v, ok := raw["file_bindings"]
	if !ok || v == nil {
		return out, nil
	}
	mapping, ok := v.(map[string]any)
	if !ok {
		return nil, defErr(path, "file_bindings", "must be a mapping")
	}

	for name, value := range mapping {
		entry, ok := value.(map[string]any)
		if !ok {
			return nil, defErr(path, "file_bindings."+name, "must be a mapping")
		}

		nodes, err := stringList(entry["nodes"])
		if err != nil || len(nodes) == 0 {
			return nil, defErr(path, "file_bindings."+name+".nodes", "must be a non-empty list of strings")
		}

		binding := models.NodeBinding{Nodes: nodes}
		fieldVal, hasField := entry["field"]
		fieldsVal, hasFields := entry["fields"]
		if !hasField && !hasFields {
			return nil, defErr(path, "file_bindings."+name, "must include 'field' or 'fields'")
		}
		if hasField {
			f, ok := fieldVal.(string)
			if !ok {
				return nil, defErr(path, "file_bindings."+name+".field", "must be a string")
			}
			binding.Field = f
		}
		if hasFields {
			fields, err := stringList(fieldsVal)
			if err != nil || len(fields) == 0 {
				return nil, defErr(path, "file_bindings."+name+".fields", "must be a non-empty list of strings")
			}
			binding.Fields = fields
		}
		out[name] = binding
	}
	return out, nil
}

func parseParameters(path string, raw map[string]any, data []byte) (map[string]models.ParameterDef, []string, error) {
	out := make(map[string]models.ParameterDef)
	v, ok := raw["parameters"]
	if !ok || v == nil {
		return out, nil, nil
	}
	mapping, ok := v.(map[string]any)
	if !ok {
		return nil, nil, defErr(path, "parameters", "must be a mapping")
	}

	for name, value := range mapping {
		entry, ok := value.(map[string]any)
		if !ok {
			return nil, nil, defErr(path, "parameters."+name, "must be a mapping")
		}

		ptype, _ := entry["type"].(string)
		if !allowedParamTypes[ptype] {
			return nil, nil, defErr(path, "parameters."+name+".type", "must be one of bool, float, int, text")
		}

		label := name
		if lv, ok := entry["label"]; ok {
			l, ok := lv.(string)
			if !ok {
				return nil, nil, defErr(path, "parameters."+name+".label", "must be a string")
			}
			label = l
		}

		param := models.ParameterDef{
			Name:    name,
			Label:   label,
			Type:    ptype,
			Default: entry["default"],
		}

		if nv, ok := entry["nodes"]; ok && nv != nil {
			nodes, err := stringList(nv)
			if err != nil {
				return nil, nil, defErr(path, "parameters."+name+".nodes", "must be a list of strings")
			}
			param.Nodes = nodes
		}
		if fv, ok := entry["field"]; ok && fv != nil {
			f, ok := fv.(string)
			if !ok {
				return nil, nil, defErr(path, "parameters."+name+".field", "must be a string")
			}
			param.Field = f
		}
		if fv, ok := entry["fields"]; ok && fv != nil {
			fields, err := stringList(fv)
			if err != nil {
				return nil, nil, defErr(path, "parameters."+name+".fields", "must be a list of strings")
			}
			param.Fields = fields
		}

		min, err := optionalNumber(entry["min"])
		if err != nil {
			return nil, nil, defErr(path, "parameters."+name+".min", "must be numeric")
		}
		max, err := optionalNumber(entry["max"])
		if err != nil {
			return nil, nil, defErr(path, "parameters."+name+".max", "must be numeric")
		}
		param.Min = min
		param.Max = max

		out[name] = param
	}

	order, err := parameterOrder(data)
	if err != nil {
		return nil, nil, defErr(path, "parameters", err.Error())
	}
	return out, order, nil
}

// parameterOrder re-reads the document as a yaml.Node to recover the
// declaration order of the parameters mapping, which plain map
// decoding discards. Application order matters when two parameters
// target the same node field.
func parameterOrder(data []byte) ([]string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, nil
	}
	root := doc.Content[0]
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value != "parameters" {
			continue
		}
		params := root.Content[i+1]
		if params.Kind != yaml.MappingNode {
			return nil, nil
		}
		order := make([]string, 0, len(params.Content)/2)
		for j := 0; j+1 < len(params.Content); j += 2 {
			order = append(order, params.Content[j].Value)
		}
		return order, nil
	}
	return nil, nil
}

func parseSwitchStates(path string, raw map[string]any) ([]models.SwitchState, error) {
	v, ok := raw["switch_states"]
	if !ok || v == nil {
		return nil, nil
	}
	mapping, ok := v.(map[string]any)
	if !ok {
		return nil, defErr(path, "switch_states", "must be a mapping")
	}

	nodeIDs := make([]string, 0, len(mapping))
	for nodeID := range mapping {
		nodeIDs = append(nodeIDs, nodeID)
	}
	sort.Strings(nodeIDs)

	var switches []models.SwitchState
	for _, nodeID := range nodeIDs {
		cfg, ok := mapping[nodeID].(map[string]any)
		if !ok {
			return nil, defErr(path, "switch_states."+nodeID, "must be a mapping")
		}
		field, ok := cfg["field"].(string)
		if !ok {
			return nil, defErr(path, "switch_states."+nodeID+".field", "must be a string")
		}
		value, ok := cfg["value"]
		if !ok {
			return nil, defErr(path, "switch_states."+nodeID+".value", "is required")
		}
		switches = append(switches, models.SwitchState{NodeID: nodeID, Field: field, Value: value})
	}
	return switches, nil
}

// validateTemplateRefs checks that every node id referenced by a
// binding, parameter, or switch exists as a key of the template.
func validateTemplateRefs(path string, wf *models.WorkflowDef) error {
	for bname, binding := range wf.FileBindings {
		for _, nid := range binding.Nodes {
			if _, ok := wf.TemplatePrompt[nid]; !ok {
				return defErr(path, "file_bindings."+bname+".nodes", fmt.Sprintf("node id '%s' not in template", nid))
			}
		}
	}
	for pname, param := range wf.Parameters {
		for _, nid := range param.Nodes {
			if _, ok := wf.TemplatePrompt[nid]; !ok {
				return defErr(path, "parameters."+pname+".nodes", fmt.Sprintf("node id '%s' not in template", nid))
			}
		}
	}
	for _, sw := range wf.SwitchStates {
		if _, ok := wf.TemplatePrompt[sw.NodeID]; !ok {
			return defErr(path, "switch_states", fmt.Sprintf("node id '%s' not in template", sw.NodeID))
		}
	}
	return nil
}

func stringList(v any) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("not a list")
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("not a string")
		}
		out = append(out, s)
	}
	return out, nil
}

func optionalNumber(v any) (*float64, error) {
	if v == nil {
		return nil, nil
	}
	switch n := v.(type) {
	case int:
		f := float64(n)
		return &f, nil
	case int64:
		f := float64(n)
		return &f, nil
	case float64:
		return &n, nil
	default:
		return nil, fmt.Errorf("not numeric")
	}
}
