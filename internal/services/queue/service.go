package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/comfyq/internal/definitions"
	"github.com/ternarybob/comfyq/internal/models"
	"github.com/ternarybob/comfyq/internal/prompts"
	"github.com/ternarybob/comfyq/internal/services/events"
	"github.com/ternarybob/comfyq/internal/staging"
	storage "github.com/ternarybob/comfyq/internal/storage/badger"
)

var validPromptModes = map[string]bool{
	models.PromptModeManual:         true,
	models.PromptModePerImageManual: true,
	models.PromptModePerImageAuto:   true,
}

// Service turns submit requests into persisted jobs: it scans inputs,
// stages them into the upstream input root, materializes prompt graphs,
// and writes everything through the queue store.
type Service struct {
	registry *definitions.Registry
	store    *storage.QueueStore
	presets  *storage.PresetStore
	stager   *staging.Stager
	events   *events.Service
	inputDir string // upstream-visible input root
	logger   arbor.ILogger
}

// NewService wires the submission pipeline.
func NewService(registry *definitions.Registry, store *storage.QueueStore, presets *storage.PresetStore,
	stager *staging.Stager, eventService *events.Service, comfyInputDir string, logger arbor.ILogger) *Service {
	return &Service{
		registry: registry,
		store:    store,
		presets:  presets,
		stager:   stager,
		events:   eventService,
		inputDir: comfyInputDir,
		logger:   logger,
	}
}

// SubmitBatch creates one job covering every matching file in the
// request's input directory, or one job per file when split_by_input
// is set.
func (s *Service) SubmitBatch(ctx context.Context, req *models.JobCreateRequest) (*models.JobCreateResponse, *models.SplitJobCreateResponse, error) {
	wf, err := s.registry.Get(req.WorkflowName)
	if err != nil {
		return nil, nil, prompts.Validationf("%s", err.Error())
	}
	if req.PromptMode != "" && !validPromptModes[req.PromptMode] {
		return nil, nil, prompts.Validationf("unknown prompt_mode '%s'", req.PromptMode)
	}
	if (req.PromptMode == models.PromptModePerImageManual || req.PromptMode == models.PromptModePerImageAuto) &&
		len(req.PerFileParams) == 0 {
		return nil, nil, prompts.Validationf("prompt_mode '%s' requires per_file_params", req.PromptMode)
	}
	resolution, err := resolvePreset(req.ResolutionPreset)
	if err != nil {
		return nil, nil, err
	}

	var files []string
	if wf.AcceptsFiles() {
		if req.InputDir == "" {
			return nil, nil, prompts.Validationf("input_dir is required for workflow '%s'", wf.Name)
		}
		files, err = scanInputDir(req.InputDir, wf.InputExtensions)
		if err != nil {
			return nil, nil, err
		}
		if len(files) == 0 {
			return nil, nil, prompts.Validationf("no input files matching %s in %s",
				strings.Join(wf.InputExtensions, ", "), req.InputDir)
		}
	}

	if req.SplitByInput && len(files) > 0 {
		resp, err := s.submitSplit(ctx, wf, req, files, resolution)
		return nil, resp, err
	}

	job, promptRows, err := s.buildJob(wf, req, files, resolution, req.JobName)
	if err != nil {
		return nil, nil, err
	}
	if err := s.store.CreateJob(job, promptRows); err != nil {
		return nil, nil, err
	}
	s.afterSubmit(ctx, req.InputDir, job)

	return &models.JobCreateResponse{
		JobID:       job.ID,
		JobName:     job.JobName,
		PromptCount: len(promptRows),
		InputDir:    req.InputDir,
	}, nil, nil
}

// SubmitSingle creates a job for one explicit input file.
func (s *Service) SubmitSingle(ctx context.Context, req *models.SingleJobCreateRequest) (*models.JobCreateResponse, error) {
	batchReq := &models.JobCreateRequest{
		WorkflowName:     req.WorkflowName,
		JobName:          req.JobName,
		Params:           req.Params,
		ResolutionPreset: req.ResolutionPreset,
		FlipOrientation:  req.FlipOrientation,
		MoveProcessed:    req.MoveProcessed,
		Priority:         req.Priority,
	}
	wf, err := s.registry.Get(req.WorkflowName)
	if err != nil {
		return nil, prompts.Validationf("%s", err.Error())
	}
	if !wf.AcceptsFiles() {
		return nil, prompts.Validationf("workflow '%s' does not take input files", wf.Name)
	}
	if _, err := os.Stat(req.InputImage); err != nil {
		return nil, prompts.Validationf("input file does not exist: %s", req.InputImage)
	}
	if !extensionAllowed(req.InputImage, wf.InputExtensions) {
		return nil, prompts.Validationf("file extension '%s' is not accepted by workflow '%s', expected one of: %s",
			filepath.Ext(req.InputImage), wf.Name, strings.Join(wf.InputExtensions, ", "))
	}
	resolution, err := resolvePreset(req.ResolutionPreset)
	if err != nil {
		return nil, err
	}

	batchReq.InputDir = filepath.Dir(req.InputImage)
	job, promptRows, err := s.buildJob(wf, batchReq, []string{req.InputImage}, resolution, req.JobName)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateJob(job, promptRows); err != nil {
		return nil, err
	}
	s.afterSubmit(ctx, batchReq.InputDir, job)

	return &models.JobCreateResponse{
		JobID:       job.ID,
		JobName:     job.JobName,
		PromptCount: len(promptRows),
		InputDir:    batchReq.InputDir,
	}, nil
}

// submitSplit fans a directory out into one job per input file. Job
// names carry the file stem so the queue view stays readable.
func (s *Service) submitSplit(ctx context.Context, wf *models.WorkflowDef, req *models.JobCreateRequest,
	files []string, resolution *prompts.Resolution) (*models.SplitJobCreateResponse, error) {
	resp := &models.SplitJobCreateResponse{InputDir: req.InputDir}
	for _, file := range files {
		stem := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
		name := stem
		if req.JobName != "" {
			name = fmt.Sprintf("%s | %s", req.JobName, stem)
		}
		job, promptRows, err := s.buildJob(wf, req, []string{file}, resolution, name)
		if err != nil {
			return nil, err
		}
		if err := s.store.CreateJob(job, promptRows); err != nil {
			return nil, err
		}
		resp.JobIDs = append(resp.JobIDs, job.ID)
		resp.PromptCount += len(promptRows)
		s.publishJob(ctx, job)
	}
	resp.JobCount = len(resp.JobIDs)

	if err := s.presets.TouchInputDir(req.InputDir); err != nil {
		s.logger.Warn().Err(err).Msg("Could not record input dir history")
	}
	return resp, nil
}

// buildJob stages inputs, materializes the prompt graphs, and shapes
// the storage rows. Prompts keep the ORIGINAL source path in InputFile
// while their graphs reference the staged copy.
func (s *Service) buildJob(wf *models.WorkflowDef, req *models.JobCreateRequest, files []string,
	resolution *prompts.Resolution, jobName string) (*models.Job, []*models.Prompt, error) {

	buildFiles := files
	var staged *staging.Result
	if len(files) > 0 {
		var err error
		staged, err = s.stager.Stage(files)
		if err != nil {
			return nil, nil, err
		}
		buildFiles = staged.StagedPaths
	}

	opts := prompts.BuildOptions{
		PerFileParams:   req.PerFileParams,
		ComfyInputDir:   s.inputDir,
		Resolution:      resolution,
		FlipOrientation: req.FlipOrientation,
	}
	if staged != nil {
		opts.PerFileParams = staged.RekeyOverrides(req.PerFileParams)
	}

	specs, err := prompts.Build(wf, buildFiles, req.Params, opts)
	if err != nil {
		return nil, nil, err
	}

	// The job record keeps the resolved values (defaults filled in,
	// types coerced), not the raw request payload.
	params, err := prompts.Resolve(wf, req.Params)
	if err != nil {
		return nil, nil, err
	}
	if req.PromptMode != "" {
		params["prompt_mode"] = req.PromptMode
	}

	job := &models.Job{
		WorkflowName:  wf.Name,
		JobName:       jobName,
		Priority:      req.Priority,
		InputDir:      req.InputDir,
		Params:        params,
		CreatedAt:     time.Now().UTC(),
		MoveProcessed: req.MoveProcessed || wf.MoveProcessed,
	}

	promptRows := make([]*models.Prompt, 0, len(specs))
	for _, spec := range specs {
		graph, err := json.Marshal(spec.Prompt)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode prompt graph: %w", err)
		}
		inputFile := spec.InputFile
		if staged != nil {
			if src, ok := staged.SourceOf[spec.InputFile]; ok {
				inputFile = src
			}
		}
		promptRows = append(promptRows, &models.Prompt{
			InputFile:  inputFile,
			PromptJSON: string(graph),
			SeedUsed:   spec.SeedUsed,
		})
	}
	return job, promptRows, nil
}

func (s *Service) afterSubmit(ctx context.Context, inputDir string, job *models.Job) {
	if inputDir != "" {
		if err := s.presets.TouchInputDir(inputDir); err != nil {
			s.logger.Warn().Err(err).Msg("Could not record input dir history")
		}
	}
	s.publishJob(ctx, job)
}

func (s *Service) publishJob(ctx context.Context, job *models.Job) {
	if s.events != nil {
		s.events.Publish(ctx, models.EventJobUpdated, map[string]any{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

// Cancel requests cooperative cancellation of a job.
func (s *Service) Cancel(ctx context.Context, jobID uint64) (*models.CancelSummary, error) {
	summary, job, err := s.store.CancelJob(jobID)
	if err != nil {
		return nil, err
	}
	s.publishJob(ctx, job)
	return summary, nil
}

// Retry requeues a job's failed prompts.
func (s *Service) Retry(ctx context.Context, jobID uint64) (*models.Job, error) {
	job, err := s.store.RetryJob(jobID)
	if err != nil {
		return nil, err
	}
	s.publishJob(ctx, job)
	return job, nil
}

// Pause stops scheduling new prompts.
func (s *Service) Pause(ctx context.Context) error {
	if err := s.store.Pause(); err != nil {
		return err
	}
	s.publishQueueState(ctx, true)
	return nil
}

// Resume restarts scheduling.
func (s *Service) Resume(ctx context.Context) error {
	if err := s.store.Resume(); err != nil {
		return err
	}
	s.publishQueueState(ctx, false)
	return nil
}

// Clear cancels every pending prompt across all jobs.
func (s *Service) Clear(ctx context.Context) (*models.ClearSummary, error) {
	summary, err := s.store.ClearQueue()
	if err != nil {
		return nil, err
	}
	if s.events != nil {
		s.events.Publish(ctx, models.EventQueueState, map[string]any{
			"cleared":          true,
			"canceled_pending": summary.CanceledPending,
		})
	}
	return summary, nil
}

func (s *Service) publishQueueState(ctx context.Context, paused bool) {
	if s.events != nil {
		s.events.Publish(ctx, models.EventQueueState, map[string]any{"paused": paused})
	}
}

// resolvePreset maps a preset id onto explicit dimensions.
func resolvePreset(id string) (*prompts.Resolution, error) {
	if id == "" {
		return nil, nil
	}
	for _, p := range models.ResolutionPresets {
		if p.ID == id {
			return &prompts.Resolution{Width: p.Width, Height: p.Height}, nil
		}
	}
	known := make([]string, 0, len(models.ResolutionPresets))
	for _, p := range models.ResolutionPresets {
		known = append(known, p.ID)
	}
	return nil, prompts.Validationf("unknown resolution_preset '%s', expected one of: %s", id, strings.Join(known, ", "))
}

// extensionAllowed checks a file's extension against a workflow's
// accepted list, case-insensitively.
func extensionAllowed(file string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(file))
	for _, allowed := range extensions {
		if strings.ToLower(allowed) == ext {
			return true
		}
	}
	return false
}

// scanInputDir lists the files with allowed extensions, sorted by name.
func scanInputDir(dir string, extensions []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, prompts.Validationf("cannot read input_dir %s: %v", dir, err)
	}

	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = true
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if allowed[strings.ToLower(filepath.Ext(entry.Name()))] {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
