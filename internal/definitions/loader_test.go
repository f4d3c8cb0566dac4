package definitions

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/comfyq/internal/models"
)

const templateJSON = `{
  "prompt": {
    "1": {"class_type": "LoadImage", "inputs": {"image": ""}},
    "3": {"class_type": "KSampler", "inputs": {"seed": 0, "steps": 20}},
    "7": {"class_type": "Switch", "inputs": {"enabled": false}},
    "9": {"class_type": "SaveImage", "inputs": {"filename_prefix": "out"}}
  }
}`

const defYAML = `name: img-basic
display_name: Basic Image
group: Images
description: Basic image workflow
input_type: image
input_extensions: [".png", ".jpg"]
template: img-basic.json
file_bindings:
  load_image:
    nodes: ["1"]
    field: image
  seed:
    nodes: ["3"]
    fields: [seed, noise_seed]
parameters:
  positive_prompt:
    type: text
    label: Prompt
    default: a cat
  steps:
    type: int
    default: 20
    min: 1
    max: 100
    nodes: ["3"]
    field: steps
  cfg:
    type: float
    default: 7.5
switch_states:
  "7":
    field: enabled
    value: true
move_processed: true
`

func writeDef(t *testing.T, dir, name, yaml string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func setupDefDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "img-basic.json"), []byte(templateJSON), 0o644))
	writeDef(t, dir, "img-basic.yaml", defYAML)
	return dir
}

func TestLoadOne(t *testing.T) {
	dir := setupDefDir(t)

	wf, err := LoadOne(filepath.Join(dir, "img-basic.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "img-basic", wf.Name)
	assert.Equal(t, "Basic Image", wf.DisplayName)
	assert.Equal(t, "Images", wf.Group)
	assert.Equal(t, models.InputTypeImage, wf.InputType)
	assert.Equal(t, []string{".png", ".jpg"}, wf.InputExtensions)
	assert.True(t, wf.MoveProcessed)
	assert.True(t, wf.AcceptsFiles())

	// Template unwrapped from the "prompt" envelope.
	require.Contains(t, wf.TemplatePrompt, "3")

	binding := wf.Binding(models.BindingLoadImage)
	require.NotNil(t, binding)
	assert.Equal(t, []string{"1"}, binding.Nodes)
	assert.Equal(t, "image", binding.Field)

	seed := wf.Binding(models.BindingSeed)
	require.NotNil(t, seed)
	assert.Equal(t, []string{"seed", "noise_seed"}, seed.Fields)

	steps := wf.Parameters["steps"]
	assert.Equal(t, models.ParamTypeInt, steps.Type)
	require.NotNil(t, steps.Min)
	assert.Equal(t, 1.0, *steps.Min)
	require.NotNil(t, steps.Max)
	assert.Equal(t, 100.0, *steps.Max)
	assert.Equal(t, "steps", steps.Field)

	// Label defaults to the parameter name.
	assert.Equal(t, "cfg", wf.Parameters["cfg"].Label)

	// Declaration order is preserved.
	assert.Equal(t, []string{"positive_prompt", "steps", "cfg"}, wf.ParamOrder)

	require.Len(t, wf.SwitchStates, 1)
	assert.Equal(t, "7", wf.SwitchStates[0].NodeID)
	assert.Equal(t, true, wf.SwitchStates[0].Value)
}

func TestLoadAllMissingDir(t *testing.T) {
	workflows, err := LoadAll(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, workflows)
}

func TestLoadAllDuplicateName(t *testing.T) {
	dir := setupDefDir(t)
	writeDef(t, dir, "zz-copy.yaml", defYAML)

	_, err := LoadAll(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate workflow name 'img-basic'")
}

func TestLoadOneValidationFailures(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "t.json"), []byte(templateJSON), 0o644))

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			"missing name",
			"description: d\ninput_type: image\ninput_extensions: ['.png']\ntemplate: t.json\n",
			"field 'name'",
		},
		{
			"bad input type",
			"name: x\ndescription: d\ninput_type: audio\ninput_extensions: ['.png']\ntemplate: t.json\n",
			"'image', 'video', or 'none'",
		},
		{
			"extension without dot",
			"name: x\ndescription: d\ninput_type: image\ninput_extensions: ['png']\ntemplate: t.json\n",
			"extensions like '.png'",
		},
		{
			"missing template",
			"name: x\ndescription: d\ninput_type: image\ninput_extensions: ['.png']\ntemplate: gone.json\n",
			"template file does not exist",
		},
		{
			"bad parameter type",
			"name: x\ndescription: d\ninput_type: image\ninput_extensions: ['.png']\ntemplate: t.json\nparameters:\n  p:\n    type: string\n",
			"must be one of bool, float, int, text",
		},
		{
			"binding without field",
			"name: x\ndescription: d\ninput_type: image\ninput_extensions: ['.png']\ntemplate: t.json\nfile_bindings:\n  load_image:\n    nodes: ['1']\n",
			"must include 'field' or 'fields'",
		},
		{
			"binding to unknown node",
			"name: x\ndescription: d\ninput_type: image\ninput_extensions: ['.png']\ntemplate: t.json\nfile_bindings:\n  load_image:\n    nodes: ['99']\n    field: image\n",
			"node id '99' not in template",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeDef(t, dir, "case.yaml", tt.yaml)
			_, err := LoadOne(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRegistryReload(t *testing.T) {
	dir := setupDefDir(t)
	reg := NewRegistry(dir, arbor.NewLogger())

	n, err := reg.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	wf, err := reg.Get("img-basic")
	require.NoError(t, err)
	assert.Equal(t, "img-basic", wf.Name)

	_, err = reg.Get("missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown workflow 'missing'")

	// A broken file fails the reload and keeps the old set.
	writeDef(t, dir, "broken.yaml", "name: broken\n")
	_, err = reg.Load()
	require.Error(t, err)
	assert.Len(t, reg.List(), 1)

	// Fixing the file makes the reload pick it up.
	require.NoError(t, os.Remove(filepath.Join(dir, "broken.yaml")))
	n, err = reg.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
