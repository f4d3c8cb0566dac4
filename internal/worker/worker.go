package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/comfyq/internal/comfy"
	"github.com/ternarybob/comfyq/internal/models"
	"github.com/ternarybob/comfyq/internal/services/events"
	storage "github.com/ternarybob/comfyq/internal/storage/badger"
)

// Exit statuses recorded on finished prompts
const (
	ExitSuccess     = "success"
	ExitError       = "error"
	ExitValidation  = "validation_error"
	ExitUnreachable = "unreachable"
	ExitInterrupted = "interrupted"
	ExitCanceled    = "canceled"
	ExitTimeout     = "timeout"
)

// backoffSteps spaces health probes while the upstream is down.
var backoffSteps = []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second, 60 * time.Second}

// Options tunes the scheduler loop.
type Options struct {
	LogsDir    string
	IdleSleep  time.Duration // sleep when nothing is claimable (default 1s)
	PauseSleep time.Duration // sleep while the queue is paused (default 1s)
}

// Worker drains the prompt queue one prompt at a time: claim, submit
// upstream, poll to completion, finalize, repeat. Exactly one worker
// runs per process.
type Worker struct {
	store  *storage.QueueStore
	client *comfy.Client
	events *events.Service
	logger arbor.ILogger
	opts   Options

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New creates a worker.
func New(store *storage.QueueStore, client *comfy.Client, eventService *events.Service, opts Options, logger arbor.ILogger) *Worker {
	if opts.IdleSleep <= 0 {
		opts.IdleSleep = time.Second
	}
	if opts.PauseSleep <= 0 {
		opts.PauseSleep = time.Second
	}
	return &Worker{
		store:  store,
		client: client,
		events: eventService,
		logger: logger,
		opts:   opts,
	}
}

// Start reconciles orphaned work and launches the scheduler loop.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("worker already running")
	}

	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.running = true

	w.reconcile(true)

	w.wg.Add(1)
	go w.loop()

	w.logger.Info().Msg("Worker started")
	return nil
}

// Stop halts the loop and waits for the in-flight prompt to settle.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info().Msg("Worker stopped")
}

// IsRunning reports whether the scheduler loop is active.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// reconcile aligns running prompts with upstream reality. History is
// consulted first: a terminal entry finalizes the prompt with its real
// verdict even though this process never polled it. Prompts known to
// neither history nor the upstream queue are failed as interrupted,
// but only in strict (startup) mode; the in-loop pass leaves them for
// a later look. An unreachable upstream leaves everything running.
func (w *Worker) reconcile(strict bool) {
	running, err := w.store.ListRunningPrompts()
	if err != nil {
		w.logger.Warn().Err(err).Msg("Reconciliation scan failed")
		return
	}
	if len(running) == 0 {
		return
	}

	var queued map[string]bool
	for _, prompt := range running {
		job, err := w.store.GetJob(prompt.JobID)
		if err != nil {
			continue
		}

		if prompt.UpstreamPromptID == "" {
			// Never submitted, so there is nothing upstream to wait for.
			if strict {
				w.interruptPrompt(prompt, job)
			}
			continue
		}

		entry, err := w.client.History(w.ctx, prompt.UpstreamPromptID)
		if err != nil {
			w.logger.Warn().Err(err).
				Int64("prompt_id", int64(prompt.ID)).
				Msg("Upstream unreachable during reconciliation, leaving prompts running")
			return
		}
		if entry != nil {
			if entry.Terminal() {
				w.finalizePrompt(prompt, job, entry, nil)
			}
			continue
		}

		if queued == nil {
			queued, err = w.client.QueuePromptIDs(w.ctx)
			if err != nil {
				w.logger.Warn().Err(err).Msg("Could not read upstream queue during reconciliation")
				return
			}
		}
		if queued[prompt.UpstreamPromptID] {
			continue
		}
		if strict {
			w.interruptPrompt(prompt, job)
		}
	}
}

func (w *Worker) interruptPrompt(prompt *models.Prompt, job *models.Job) {
	w.failPrompt(prompt, job, ExitInterrupted, "interrupted by restart")
	w.logger.Warn().
		Int64("prompt_id", int64(prompt.ID)).
		Int64("job_id", int64(prompt.JobID)).
		Msg("Prompt interrupted by restart")
}

func (w *Worker) loop() {
	defer w.wg.Done()
	backoff := 0

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		if w.store.IsPaused() {
			w.sleep(w.opts.PauseSleep)
			continue
		}

		// Probe connectivity before claiming so pending prompts sit out
		// an upstream outage instead of burning down as unreachable.
		if !w.client.Health(w.ctx) {
			step := backoffSteps[min(backoff, len(backoffSteps)-1)]
			backoff++
			w.logger.Warn().Dur("backoff", step).Msg("Upstream unreachable, backing off")
			w.sleep(step)
			continue
		}
		backoff = 0

		w.reconcile(false)

		prompt, job, err := w.store.ClaimNext()
		if err != nil {
			w.logger.Error().Err(err).Msg("Failed to claim next prompt")
			w.sleep(w.opts.IdleSleep)
			continue
		}
		if prompt == nil {
			w.sleep(w.opts.IdleSleep)
			continue
		}

		w.publishPrompt(prompt.ID, job)
		w.runPrompt(prompt, job)
	}
}

// runPrompt drives one claimed prompt to a terminal state.
func (w *Worker) runPrompt(prompt *models.Prompt, job *models.Job) {
	logFile := w.openPromptLog(prompt, job)
	defer logFile.Close()

	if w.store.IsCancelRequested(job.ID) {
		logFile.log("prompt canceled before execution")
		w.cancelPrompt(prompt, job, "canceled before execution")
		return
	}

	var graph map[string]any
	if err := json.Unmarshal([]byte(prompt.PromptJSON), &graph); err != nil {
		logFile.log("stored prompt graph is corrupt: %v", err)
		w.failPrompt(prompt, job, ExitError, fmt.Sprintf("stored prompt graph is corrupt: %v", err))
		return
	}

	logFile.log("submitting prompt (input=%s)", prompt.InputFile)
	upstreamID, err := w.client.QueuePrompt(w.ctx, graph)
	if err != nil {
		exit := classifyExit(err)
		logFile.log("submit failed (%s): %v", exit, err)
		w.failPrompt(prompt, job, exit, err.Error())
		w.afterPrompt(job)
		return
	}

	logFile.log("accepted upstream as %s, polling", upstreamID)
	if updatedJob, err := w.store.UpdatePromptStatus(prompt.ID, storage.PromptUpdate{
		UpstreamPromptID: &upstreamID,
	}); err == nil {
		job = updatedJob
	}

	entry, err := w.client.PollUntilDone(w.ctx, upstreamID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logFile.log("shutdown while polling, prompt stays running for recovery")
			return
		}
		exit := classifyExit(err)
		logFile.log("poll failed (%s): %v", exit, err)
		w.failPrompt(prompt, job, exit, err.Error())
		w.afterPrompt(job)
		return
	}

	w.finalizePrompt(prompt, job, entry, logFile)
	w.afterPrompt(job)
}

func (w *Worker) finalizePrompt(prompt *models.Prompt, job *models.Job, entry *comfy.HistoryEntry, logFile *promptLog) {
	outputs := entry.OutputPaths()
	if entry.Succeeded() {
		if logFile != nil {
			logFile.log("prompt succeeded with %d outputs", len(outputs))
		}
		updatedJob, err := w.store.UpdatePromptStatus(prompt.ID, storage.PromptUpdate{
			Status:      models.StatusSucceeded,
			ExitStatus:  strPtr(ExitSuccess),
			OutputPaths: outputs,
		})
		if err != nil {
			w.logger.Error().Err(err).Int64("prompt_id", int64(prompt.ID)).Msg("Failed to finalize prompt")
			return
		}
		prompt.Status = models.StatusSucceeded
		w.publishPrompt(prompt.ID, updatedJob)
		return
	}

	reported := entry.Status.StatusStr
	if reported == "" {
		reported = ExitError
	}
	if reported == ExitCanceled {
		if logFile != nil {
			logFile.log("prompt canceled upstream")
		}
		w.cancelPrompt(prompt, job, "canceled upstream")
		return
	}

	detail := fmt.Sprintf("upstream reported %s", reported)
	if logFile != nil {
		logFile.log("prompt failed: %s", detail)
	}
	w.failPrompt(prompt, job, reported, detail)
}

func (w *Worker) failPrompt(prompt *models.Prompt, job *models.Job, exit, detail string) {
	updatedJob, err := w.store.UpdatePromptStatus(prompt.ID, storage.PromptUpdate{
		Status:      models.StatusFailed,
		ExitStatus:  &exit,
		ErrorDetail: &detail,
	})
	if err != nil {
		w.logger.Error().Err(err).Int64("prompt_id", int64(prompt.ID)).Msg("Failed to record prompt failure")
		return
	}
	prompt.Status = models.StatusFailed
	if err := w.store.SetJobLastError(job.ID, detail); err == nil {
		updatedJob.LastError = detail
	}
	w.publishPrompt(prompt.ID, updatedJob)
}

func (w *Worker) cancelPrompt(prompt *models.Prompt, job *models.Job, detail string) {
	updatedJob, err := w.store.UpdatePromptStatus(prompt.ID, storage.PromptUpdate{
		Status:      models.StatusCanceled,
		ExitStatus:  strPtr(ExitCanceled),
		ErrorDetail: &detail,
	})
	if err != nil {
		w.logger.Error().Err(err).Int64("prompt_id", int64(prompt.ID)).Msg("Failed to record prompt cancel")
		return
	}
	prompt.Status = models.StatusCanceled
	w.publishPrompt(prompt.ID, updatedJob)
}

// afterPrompt handles post-run duties: sweeping newly requested
// cancels and, once the whole job has succeeded, moving its inputs
// aside.
func (w *Worker) afterPrompt(job *models.Job) {
	if w.store.IsCancelRequested(job.ID) {
		if _, _, err := w.store.CancelJob(job.ID); err != nil && !errors.Is(err, storage.ErrJobNotFound) {
			w.logger.Warn().Err(err).Int64("job_id", int64(job.ID)).Msg("Post-run cancel sweep failed")
		}
	}

	current, err := w.store.GetJob(job.ID)
	if err != nil {
		return
	}
	if current.MoveProcessed && current.Status == models.StatusSucceeded {
		w.moveProcessedInputs(current)
	}
}

// moveProcessedInputs relocates every distinct source file of a
// succeeded job into _processed/ under the job's input directory.
// Best effort: missing files are skipped, as are files still
// referenced by active prompts of other jobs.
func (w *Worker) moveProcessedInputs(job *models.Job) {
	prompts, err := w.store.GetPrompts(job.ID)
	if err != nil {
		w.logger.Warn().Err(err).Int64("job_id", int64(job.ID)).Msg("Could not list prompts for move-processed")
		return
	}

	seen := map[string]bool{}
	for _, p := range prompts {
		src := p.InputFile
		if src == "" || seen[src] {
			continue
		}
		seen[src] = true

		if _, err := os.Stat(src); err != nil {
			continue
		}
		active, err := w.store.HasActivePromptsForInput(src, job.ID)
		if err != nil || active {
			if active {
				w.logger.Debug().
					Str("input", src).
					Msg("Skipping move-processed, file still referenced by active prompts")
			}
			continue
		}

		baseDir := job.InputDir
		if baseDir == "" {
			baseDir = filepath.Dir(src)
		}
		destDir := filepath.Join(baseDir, "_processed")
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			w.logger.Warn().Err(err).Str("dir", destDir).Msg("Could not create _processed dir")
			return
		}

		dest := filepath.Join(destDir, filepath.Base(src))
		if _, err := os.Stat(dest); err == nil {
			ext := filepath.Ext(dest)
			stem := dest[:len(dest)-len(ext)]
			dest = fmt.Sprintf("%s_%d%s", stem, time.Now().Unix(), ext)
		}
		if err := os.Rename(src, dest); err != nil {
			w.logger.Warn().Err(err).Str("src", src).Msg("Move-processed failed")
			continue
		}
		w.logger.Info().Str("src", src).Str("dest", dest).Msg("Input moved to _processed")
	}
}

func (w *Worker) publishPrompt(promptID uint64, job *models.Job) {
	if w.events == nil || job == nil {
		return
	}
	w.events.Publish(w.ctx, models.EventPromptUpdated, map[string]any{
		"prompt_id": promptID,
		"job_id":    job.ID,
	})
	w.events.Publish(w.ctx, models.EventJobUpdated, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	})
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.ctx.Done():
	case <-time.After(d):
	}
}

func classifyExit(err error) string {
	var unreachable *comfy.UnreachableError
	var validation *comfy.ValidationError
	var timeout *comfy.TimeoutError
	switch {
	case errors.As(err, &unreachable):
		return ExitUnreachable
	case errors.As(err, &validation):
		return ExitValidation
	case errors.As(err, &timeout):
		return ExitTimeout
	default:
		return ExitError
	}
}

func strPtr(s string) *string { return &s }
