package prompts

import (
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/comfyq/internal/models"
)

// contextScheduleAliases rewrites known context_schedule aliases to the
// canonical spelling expected by current WanContextWindowsManual nodes.
var contextScheduleAliases = map[string]string{
	"uniform_standard": "standard_uniform",
}

const contextWindowClass = "WanContextWindowsManual"

// PromptSpec is one fully materialized submission unit.
type PromptSpec struct {
	InputFile    string
	Prompt       map[string]any
	SeedUsed     *int64
	OutputPrefix string
}

// Resolution is an explicit width/height override.
type Resolution struct {
	Width  int
	Height int
}

// BuildOptions carries the optional submit-time knobs for Build.
type BuildOptions struct {
	PerFileParams   map[string]map[string]any // Keyed by absolute path or basename
	ComfyInputDir   string                    // Upstream-visible input root, for relative path rewrite
	Resolution      *Resolution
	FlipOrientation bool
}

// Build expands a workflow definition into one PromptSpec per input per
// try. Input-less workflows synthesize a single no-input iteration.
func Build(wf *models.WorkflowDef, inputFiles []string, params map[string]any, opts BuildOptions) ([]PromptSpec, error) {
	resolved, err := Resolve(wf, params)
	if err != nil {
		return nil, err
	}

	var paths []string
	hasInputs := len(inputFiles) > 0
	if hasInputs {
		for _, p := range inputFiles {
			abs, err := filepath.Abs(p)
			if err != nil {
				abs = p
			}
			paths = append(paths, abs)
		}
	} else {
		// Input-less workflows (e.g. T2I) still need one prompt per try.
		paths = []string{""}
	}

	tries := int(asInt(resolved["tries"], 1))
	if tries < 1 {
		tries = 1
	}
	randomize := asBool(resolved["randomize_seed"]) || tries > 1
	flip := opts.FlipOrientation || asBool(resolved["flip_orientation"])
	outputPrefixBase := asString(resolved["output_prefix"])

	var specs []PromptSpec
	for _, path := range paths {
		relInput := ""
		if path != "" {
			relInput = relativeToInputRoot(path, opts.ComfyInputDir)
		}

		effective := resolved
		if path != "" {
			override := opts.PerFileParams[path]
			if override == nil {
				override = opts.PerFileParams[filepath.Base(path)]
			}
			if override != nil {
				merged := make(map[string]any, len(resolved)+len(override))
				for k, v := range resolved {
					merged[k] = v
				}
				for k, v := range override {
					merged[k] = v
				}
				effective, err = Resolve(wf, merged)
				if err != nil {
					return nil, err
				}
			}
		}

		for attempt := 1; attempt <= tries; attempt++ {
			prompt := cloneTree(wf.TemplatePrompt)
			if path != "" {
				applyInputBinding(prompt, wf, relInput)
			}
			applyParamOverrides(prompt, wf, effective)
			applySwitchStates(prompt, wf)
			normalizeContextSchedule(prompt)
			if opts.Resolution != nil {
				applyResolution(prompt, opts.Resolution.Width, opts.Resolution.Height)
			}
			if flip {
				flipOrientation(prompt)
			}

			stem := "prompt"
			if path != "" {
				stem = fileStem(path)
			}
			if tries > 1 {
				stem = fmt.Sprintf("%s_try%02d", stem, attempt)
			}
			outPrefix := setOutputPrefix(prompt, wf, outputPrefixBase, stem)
			seedUsed := setSeed(prompt, wf, randomize)

			specs = append(specs, PromptSpec{
				InputFile:    path,
				Prompt:       prompt,
				SeedUsed:     seedUsed,
				OutputPrefix: outPrefix,
			})
		}
	}
	return specs, nil
}

// relativeToInputRoot rewrites an input path relative to the upstream
// input root when the file lives underneath it; otherwise the absolute
// path is passed through verbatim.
func relativeToInputRoot(path, inputRoot string) string {
	if inputRoot == "" {
		return path
	}
	root, err := filepath.Abs(inputRoot)
	if err != nil {
		return path
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	target := path
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		target = resolved
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return filepath.ToSlash(rel)
}

// setCandidateField writes value into the preferred field when given,
// else into the first candidate already present, else into the first
// candidate. Returns whether anything was written.
func setCandidateField(inputs map[string]any, preferred string, candidates []string, value any) bool {
	if preferred != "" {
		inputs[preferred] = value
		return true
	}
	if len(candidates) > 0 {
		for _, field := range candidates {
			if _, ok := inputs[field]; ok {
				inputs[field] = value
				return true
			}
		}
		inputs[candidates[0]] = value
		return true
	}
	return false
}

func nodeInputs(prompt map[string]any, nodeID string) map[string]any {
	node, ok := prompt[nodeID].(map[string]any)
	if !ok {
		return nil
	}
	inputs, ok := node["inputs"].(map[string]any)
	if !ok {
		inputs = make(map[string]any)
		node["inputs"] = inputs
	}
	return inputs
}

func applyInputBinding(prompt map[string]any, wf *models.WorkflowDef, relInput string) {
	for _, name := range []string{models.BindingLoadImage, models.BindingLoadVideo, models.BindingInputFile} {
		binding := wf.Binding(name)
		if binding == nil {
			continue
		}
		for _, nid := range binding.Nodes {
			if inputs := nodeInputs(prompt, nid); inputs != nil {
				setCandidateField(inputs, binding.Field, binding.Fields, relInput)
			}
		}
	}
}

func applySwitchStates(prompt map[string]any, wf *models.WorkflowDef) {
	for _, sw := range wf.SwitchStates {
		if inputs := nodeInputs(prompt, sw.NodeID); inputs != nil {
			inputs[sw.Field] = sw.Value
		}
	}
}

func applyParamOverrides(prompt map[string]any, wf *models.WorkflowDef, resolved map[string]any) {
	for _, pname := range paramNames(wf) {
		pdef := wf.Parameters[pname]
		if len(pdef.Nodes) == 0 {
			continue
		}
		value := resolved[pname]
		// Some LoRA loader nodes validate lora_name against a non-empty list
		// even when strength is 0. Keep template defaults when an extra lora
		// name is left blank.
		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" &&
			strings.HasPrefix(pname, "extra_lora") && strings.HasSuffix(pname, "_name") {
			continue
		}
		for _, nid := range pdef.Nodes {
			if inputs := nodeInputs(prompt, nid); inputs != nil {
				setCandidateField(inputs, pdef.Field, pdef.Fields, value)
			}
		}
	}

	// Explicit enable + name requirements for extra LoRA slots take
	// precedence over strength values. Inactive slots get their strengths
	// forced to 0 so users do not have to zero them manually.
	for _, idx := range []int{1, 2, 3} {
		keyBase := extraSlotKey(idx)
		if extraSlotActive(resolved, idx) {
			continue
		}
		for _, strengthKey := range []string{
			keyBase + "_strength_high",
			keyBase + "_strength_low",
			keyBase + "_strength", // backward compatibility
		} {
			strengthDef, ok := wf.Parameters[strengthKey]
			if !ok || len(strengthDef.Nodes) == 0 {
				continue
			}
			for _, nid := range strengthDef.Nodes {
				if inputs := nodeInputs(prompt, nid); inputs != nil {
					setCandidateField(inputs, strengthDef.Field, strengthDef.Fields, 0.0)
				}
			}
		}
	}

	// The single-pass WAN workflow bypasses unused extra LoRA nodes so the
	// original base-model path is preserved when extras are not enabled.
	if wf.Name == "wan-context-lite-2stage" {
		e1 := extraSlotActive(resolved, 1)
		e2 := extraSlotActive(resolved, 2)

		setModel := func(nodeID, srcID string) {
			if inputs := nodeInputs(prompt, nodeID); inputs != nil {
				inputs["model"] = []any{srcID, 0}
			}
		}

		// Slot 1 always chains from the base 4-step LoRA nodes.
		setModel("201", "101")
		setModel("202", "102")

		// Slot 2 chains from slot 1 when enabled, else directly from base.
		if e1 {
			setModel("211", "201")
			setModel("212", "202")
		} else {
			setModel("211", "101")
			setModel("212", "102")
		}

		// Sampler model source follows the highest enabled slot.
		switch {
		case e2:
			setModel("104", "211") // high-noise branch
			setModel("103", "212") // low-noise branch
		case e1:
			setModel("104", "201")
			setModel("103", "202")
		default:
			setModel("104", "101")
			setModel("103", "102")
		}
	}
}

func extraSlotKey(idx int) string {
	if idx == 1 {
		return "extra_lora"
	}
	return fmt.Sprintf("extra_lora%d", idx)
}

// extraSlotActive reports whether an extra LoRA slot is explicitly
// enabled with both high/low names provided.
func extraSlotActive(resolved map[string]any, idx int) bool {
	keyBase := extraSlotKey(idx)
	if !asBool(resolved[keyBase+"_enabled"]) {
		return false
	}
	high := strings.TrimSpace(asString(resolved[keyBase+"_high_name"]))
	low := strings.TrimSpace(asString(resolved[keyBase+"_low_name"]))
	return high != "" && low != ""
}

func normalizeContextSchedule(prompt map[string]any) {
	for _, node := range prompt {
		n, ok := node.(map[string]any)
		if !ok || n["class_type"] != contextWindowClass {
			continue
		}
		inputs, ok := n["inputs"].(map[string]any)
		if !ok {
			continue
		}
		if value, ok := inputs["context_schedule"].(string); ok {
			if canonical, ok := contextScheduleAliases[value]; ok {
				inputs["context_schedule"] = canonical
			}
		}
	}
}

func flipOrientation(prompt map[string]any) {
	for _, node := range prompt {
		n, ok := node.(map[string]any)
		if !ok {
			continue
		}
		inputs, ok := n["inputs"].(map[string]any)
		if !ok {
			continue
		}
		width, wok := numericValue(inputs["width"])
		height, hok := numericValue(inputs["height"])
		if !wok || !hok {
			continue
		}
		inputs["width"], inputs["height"] = height, width
	}
}

func applyResolution(prompt map[string]any, width, height int) {
	for _, node := range prompt {
		n, ok := node.(map[string]any)
		if !ok {
			continue
		}
		inputs, ok := n["inputs"].(map[string]any)
		if !ok {
			continue
		}
		if _, wok := numericValue(inputs["width"]); !wok {
			continue
		}
		if _, hok := numericValue(inputs["height"]); !hok {
			continue
		}
		inputs["width"] = width
		inputs["height"] = height
	}
}

func setOutputPrefix(prompt map[string]any, wf *models.WorkflowDef, outputPrefix, stem string) string {
	binding := wf.Binding(models.BindingOutputPrefix)
	if binding == nil {
		return stem
	}

	base := strings.TrimRight(outputPrefix, "/")
	final := stem
	if base != "" {
		final = base + "/" + stem
	}
	for _, nid := range binding.Nodes {
		if inputs := nodeInputs(prompt, nid); inputs != nil {
			setCandidateField(inputs, binding.Field, binding.Fields, final)
		}
	}
	return final
}

func setSeed(prompt map[string]any, wf *models.WorkflowDef, randomize bool) *int64 {
	if !randomize {
		return nil
	}
	binding := wf.Binding(models.BindingSeed)
	if binding == nil {
		return nil
	}

	seed := (time.Now().UnixNano() ^ rand.Int63n(1<<31)) % math.MaxInt64
	for _, nid := range binding.Nodes {
		inputs := nodeInputs(prompt, nid)
		if inputs == nil {
			continue
		}
		if len(binding.Fields) > 0 {
			for _, f := range binding.Fields {
				if _, ok := inputs[f]; ok {
					inputs[f] = seed
				}
			}
		} else if binding.Field != "" {
			inputs[binding.Field] = seed
		}
	}
	return &seed
}

// paramNames returns parameter names in declaration order, falling back
// to sorted order for definitions without recorded ordering.
func paramNames(wf *models.WorkflowDef) []string {
	if len(wf.ParamOrder) == len(wf.Parameters) {
		return wf.ParamOrder
	}
	names := make([]string, 0, len(wf.Parameters))
	for name := range wf.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func cloneTree(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneTree(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case bool:
		return 0, false
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func fileStem(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext)
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any, fallback int64) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return fallback
	}
}
