package queue

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/comfyq/internal/common"
	"github.com/ternarybob/comfyq/internal/definitions"
	"github.com/ternarybob/comfyq/internal/models"
	"github.com/ternarybob/comfyq/internal/prompts"
	"github.com/ternarybob/comfyq/internal/services/events"
	"github.com/ternarybob/comfyq/internal/staging"
	storage "github.com/ternarybob/comfyq/internal/storage/badger"
)

const testTemplate = `{
  "1": {"class_type": "LoadImage", "inputs": {"image": ""}},
  "3": {"class_type": "KSampler", "inputs": {"seed": 0, "steps": 20}},
  "5": {"class_type": "EmptyLatentImage", "inputs": {"width": 512, "height": 768}},
  "9": {"class_type": "SaveImage", "inputs": {"filename_prefix": "out"}}
}`

const testDef = `name: img-basic
description: test workflow
input_type: image
input_extensions: [".png"]
template: img-basic.json
move_processed: true
file_bindings:
  load_image:
    nodes: ["1"]
    field: image
  output_prefix:
    nodes: ["9"]
    field: filename_prefix
parameters:
  steps:
    type: int
    default: 20
    nodes: ["3"]
    field: steps
  output_prefix:
    type: text
    default: outputs/basic
`

type fixture struct {
	svc       *Service
	store     *storage.QueueStore
	presets   *storage.PresetStore
	comfyRoot string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := arbor.NewLogger()

	defsDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(defsDir, "img-basic.json"), []byte(testTemplate), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(defsDir, "img-basic.yaml"), []byte(testDef), 0o644))
	registry := definitions.NewRegistry(defsDir, logger)
	_, err := registry.Load()
	require.NoError(t, err)

	db, err := storage.NewBadgerDB(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := storage.NewQueueStore(db, logger)
	presets := storage.NewPresetStore(db, logger)

	comfyRoot := t.TempDir()
	inputRoot := filepath.Join(comfyRoot, "input")
	require.NoError(t, os.MkdirAll(inputRoot, 0o755))

	svc := NewService(registry, store, presets, staging.New(inputRoot, logger),
		events.NewService(logger), inputRoot, logger)
	return &fixture{svc: svc, store: store, presets: presets, comfyRoot: comfyRoot}
}

func writeInputs(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	}
	return dir
}

func TestSubmitBatch(t *testing.T) {
	f := newFixture(t)
	inputDir := writeInputs(t, "b.png", "a.png", "skip.txt")

	resp, split, err := f.svc.SubmitBatch(context.Background(), &models.JobCreateRequest{
		WorkflowName: "img-basic",
		JobName:      "my batch",
		InputDir:     inputDir,
		Params:       map[string]any{"steps": 30},
		Priority:     2,
	})
	require.NoError(t, err)
	require.Nil(t, split)
	require.NotNil(t, resp)
	assert.Equal(t, 2, resp.PromptCount, "only matching extensions count")

	job, err := f.store.GetJob(resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, "my batch", job.JobName)
	assert.Equal(t, 2, job.Priority)
	assert.True(t, job.MoveProcessed, "inherited from the workflow definition")

	// Stored params are the resolved values, defaults included.
	assert.EqualValues(t, 30, job.Params["steps"])
	assert.Equal(t, "outputs/basic", job.Params["output_prefix"])

	rows, err := f.store.GetPrompts(job.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Scan is sorted by name; prompts keep the original source paths.
	assert.Equal(t, filepath.Join(inputDir, "a.png"), rows[0].InputFile)
	assert.Equal(t, filepath.Join(inputDir, "b.png"), rows[1].InputFile)

	// The stored graph references the staged copy, relative to the
	// upstream input root.
	var graph map[string]any
	require.NoError(t, json.Unmarshal([]byte(rows[0].PromptJSON), &graph))
	image := graph["1"].(map[string]any)["inputs"].(map[string]any)["image"].(string)
	assert.Contains(t, image, staging.StagingDirName+"/")
	assert.Contains(t, image, "a.png")
	steps := graph["3"].(map[string]any)["inputs"].(map[string]any)["steps"]
	assert.Equal(t, float64(30), steps)

	// Input dir recorded in the recency history.
	dirs, err := f.presets.ListInputDirs(0)
	require.NoError(t, err)
	require.Len(t, dirs, 1)
	assert.Equal(t, inputDir, dirs[0].Path)
}

func TestSubmitBatchUnknownWorkflow(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.SubmitBatch(context.Background(), &models.JobCreateRequest{WorkflowName: "nope"})
	require.Error(t, err)
	var verr *prompts.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Msg, "unknown workflow 'nope'")
}

func TestSubmitBatchUnknownResolutionPreset(t *testing.T) {
	f := newFixture(t)
	inputDir := writeInputs(t, "a.png")
	_, _, err := f.svc.SubmitBatch(context.Background(), &models.JobCreateRequest{
		WorkflowName:     "img-basic",
		InputDir:         inputDir,
		ResolutionPreset: "999x999",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown resolution_preset '999x999'")
	assert.Contains(t, err.Error(), "480x848")
}

func TestSubmitBatchResolutionApplied(t *testing.T) {
	f := newFixture(t)
	inputDir := writeInputs(t, "a.png")

	resp, _, err := f.svc.SubmitBatch(context.Background(), &models.JobCreateRequest{
		WorkflowName:     "img-basic",
		InputDir:         inputDir,
		ResolutionPreset: "480x848",
	})
	require.NoError(t, err)

	rows, err := f.store.GetPrompts(resp.JobID)
	require.NoError(t, err)
	var graph map[string]any
	require.NoError(t, json.Unmarshal([]byte(rows[0].PromptJSON), &graph))
	latent := graph["5"].(map[string]any)["inputs"].(map[string]any)
	assert.Equal(t, float64(480), latent["width"])
	assert.Equal(t, float64(848), latent["height"])
}

func TestSubmitBatchNoMatchingFiles(t *testing.T) {
	f := newFixture(t)
	inputDir := writeInputs(t, "only.txt")
	_, _, err := f.svc.SubmitBatch(context.Background(), &models.JobCreateRequest{
		WorkflowName: "img-basic",
		InputDir:     inputDir,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no input files matching")
}

func TestSubmitBatchInvalidPromptMode(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.SubmitBatch(context.Background(), &models.JobCreateRequest{
		WorkflowName: "img-basic",
		PromptMode:   "telepathy",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown prompt_mode 'telepathy'")
}

func TestSubmitBatchPerImageModeNeedsPerFileParams(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.SubmitBatch(context.Background(), &models.JobCreateRequest{
		WorkflowName: "img-basic",
		PromptMode:   models.PromptModePerImageManual,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires per_file_params")
}

func TestSubmitBatchSplitByInput(t *testing.T) {
	f := newFixture(t)
	inputDir := writeInputs(t, "a.png", "b.png")

	resp, split, err := f.svc.SubmitBatch(context.Background(), &models.JobCreateRequest{
		WorkflowName: "img-basic",
		JobName:      "series",
		InputDir:     inputDir,
		SplitByInput: true,
	})
	require.NoError(t, err)
	require.Nil(t, resp)
	require.NotNil(t, split)
	assert.Equal(t, 2, split.JobCount)
	assert.Equal(t, 2, split.PromptCount)
	require.Len(t, split.JobIDs, 2)

	first, err := f.store.GetJob(split.JobIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "series | a", first.JobName)
	second, err := f.store.GetJob(split.JobIDs[1])
	require.NoError(t, err)
	assert.Equal(t, "series | b", second.JobName)
}

func TestSubmitBatchSplitSingleFile(t *testing.T) {
	f := newFixture(t)
	inputDir := writeInputs(t, "a.png")

	resp, split, err := f.svc.SubmitBatch(context.Background(), &models.JobCreateRequest{
		WorkflowName: "img-basic",
		InputDir:     inputDir,
		SplitByInput: true,
	})
	require.NoError(t, err)
	require.Nil(t, resp)
	require.NotNil(t, split)
	assert.Equal(t, 1, split.JobCount)

	// Without a batch name the job carries the bare file stem.
	job, err := f.store.GetJob(split.JobIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "a", job.JobName)
}

func TestSubmitSingle(t *testing.T) {
	f := newFixture(t)
	inputDir := writeInputs(t, "solo.png")

	resp, err := f.svc.SubmitSingle(context.Background(), &models.SingleJobCreateRequest{
		WorkflowName: "img-basic",
		InputImage:   filepath.Join(inputDir, "solo.png"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.PromptCount)
	assert.Equal(t, inputDir, resp.InputDir)

	rows, err := f.store.GetPrompts(resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(inputDir, "solo.png"), rows[0].InputFile)
}

func TestSubmitSingleMissingFile(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SubmitSingle(context.Background(), &models.SingleJobCreateRequest{
		WorkflowName: "img-basic",
		InputImage:   "/nope/missing.png",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input file does not exist")
}

func TestSubmitSingleWrongExtension(t *testing.T) {
	f := newFixture(t)
	inputDir := writeInputs(t, "notes.txt")
	_, err := f.svc.SubmitSingle(context.Background(), &models.SingleJobCreateRequest{
		WorkflowName: "img-basic",
		InputImage:   filepath.Join(inputDir, "notes.txt"),
	})
	require.Error(t, err)
	var verr *prompts.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Msg, "not accepted by workflow")
	assert.Contains(t, verr.Msg, ".png")
}

// stagingToken matches the per-batch directory segment in staged paths.
var stagingToken = regexp.MustCompile(`staging/\d+_\d{6}/`)

func TestSubmitSingleMatchesSingleFileBatch(t *testing.T) {
	f := newFixture(t)
	inputDir := writeInputs(t, "solo.png")
	params := map[string]any{"steps": 25}

	batchResp, _, err := f.svc.SubmitBatch(context.Background(), &models.JobCreateRequest{
		WorkflowName: "img-basic",
		InputDir:     inputDir,
		Params:       params,
	})
	require.NoError(t, err)
	singleResp, err := f.svc.SubmitSingle(context.Background(), &models.SingleJobCreateRequest{
		WorkflowName: "img-basic",
		InputImage:   filepath.Join(inputDir, "solo.png"),
		Params:       params,
	})
	require.NoError(t, err)

	batchJob, err := f.store.GetJob(batchResp.JobID)
	require.NoError(t, err)
	singleJob, err := f.store.GetJob(singleResp.JobID)
	require.NoError(t, err)
	assert.Equal(t, batchJob.Params, singleJob.Params)
	assert.Equal(t, batchJob.InputDir, singleJob.InputDir)

	batchRows, err := f.store.GetPrompts(batchResp.JobID)
	require.NoError(t, err)
	singleRows, err := f.store.GetPrompts(singleResp.JobID)
	require.NoError(t, err)
	require.Len(t, batchRows, 1)
	require.Len(t, singleRows, 1)

	assert.Equal(t, batchRows[0].InputFile, singleRows[0].InputFile)
	// Graphs differ only in the per-submission staging token.
	normalize := func(s string) string { return stagingToken.ReplaceAllString(s, "staging/X/") }
	assert.Equal(t, normalize(batchRows[0].PromptJSON), normalize(singleRows[0].PromptJSON))
}

func TestQueueControls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inputDir := writeInputs(t, "a.png")

	resp, _, err := f.svc.SubmitBatch(ctx, &models.JobCreateRequest{
		WorkflowName: "img-basic",
		InputDir:     inputDir,
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.Pause(ctx))
	assert.True(t, f.store.IsPaused())
	require.NoError(t, f.svc.Resume(ctx))
	assert.False(t, f.store.IsPaused())

	summary, err := f.svc.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.CanceledPending)

	// Clearing canceled the prompt; retry lifts the cancel flag but
	// does not rewind canceled prompts.
	job, err := f.svc.Retry(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, job.Status)
	assert.False(t, job.CancelRequested)

	cancelSummary, err := f.svc.Cancel(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.CancelModeImmediate, cancelSummary.Mode)
}
