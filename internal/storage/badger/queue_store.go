package badger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/comfyq/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ErrJobNotFound is returned for lookups of unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// PromptUpdate carries the whitelisted mutable prompt fields. Nil
// pointers leave the stored value untouched.
type PromptUpdate struct {
	Status           string
	UpstreamPromptID *string
	ExitStatus       *string
	ErrorDetail      *string
	OutputPaths      []string
	SeedUsed         *int64
}

// QueueStore persists jobs and prompts and owns every status
// transition. All read-modify-write cycles run under a single mutex on
// top of Badger transactions so derived job statuses never go stale.
type QueueStore struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewQueueStore creates a queue store over an open connection.
func NewQueueStore(db *BadgerDB, logger arbor.ILogger) *QueueStore {
	return &QueueStore{db: db, logger: logger}
}

// CreateJob inserts a job and its prompts atomically. IDs are assigned
// from monotonic sequences so insertion order is recoverable.
func (s *QueueStore) CreateJob(job *models.Job, prompts []*models.Prompt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	store := s.db.Store()
	job.Status = models.StatusPending
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Params == nil {
		job.Params = map[string]any{}
	}

	err := store.Badger().Update(func(tx *badgerdb.Txn) error {
		if err := store.TxInsert(tx, badgerhold.NextSequence(), job); err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}
		for _, p := range prompts {
			p.JobID = job.ID
			p.Status = models.StatusPending
			if p.OutputPaths == nil {
				p.OutputPaths = []string{}
			}
			if err := store.TxInsert(tx, badgerhold.NextSequence(), p); err != nil {
				return fmt.Errorf("failed to insert prompt for job %d: %w", job.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info().
		Int64("job_id", int64(job.ID)).
		Str("workflow", job.WorkflowName).
		Int("prompts", len(prompts)).
		Msg("Job created")
	return nil
}

// ClaimNext atomically selects and claims the next runnable prompt:
// highest job priority first, then oldest job, then lowest prompt id.
// Prompts of paused queues, cancel-requested jobs, or inactive jobs are
// skipped. Returns (nil, nil, nil) when there is nothing to run.
func (s *QueueStore) ClaimNext() (*models.Prompt, *models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isPaused() {
		return nil, nil, nil
	}

	store := s.db.Store()
	var pending []*models.Prompt
	if err := store.Find(&pending, badgerhold.Where("Status").Eq(models.StatusPending)); err != nil {
		return nil, nil, fmt.Errorf("failed to list pending prompts: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil, nil
	}

	jobs := make(map[uint64]*models.Job)
	var runnable []*models.Prompt
	for _, p := range pending {
		job, ok := jobs[p.JobID]
		if !ok {
			var j models.Job
			if err := store.Get(p.JobID, &j); err != nil {
				continue // orphaned prompt, skip
			}
			job = &j
			jobs[p.JobID] = job
		}
		if job.CancelRequested || !job.IsActive() {
			continue
		}
		runnable = append(runnable, p)
	}
	if len(runnable) == 0 {
		return nil, nil, nil
	}

	sort.Slice(runnable, func(i, j int) bool {
		ji, jj := jobs[runnable[i].JobID], jobs[runnable[j].JobID]
		if ji.Priority != jj.Priority {
			return ji.Priority > jj.Priority
		}
		if !ji.CreatedAt.Equal(jj.CreatedAt) {
			return ji.CreatedAt.Before(jj.CreatedAt)
		}
		return runnable[i].ID < runnable[j].ID
	})

	prompt := runnable[0]
	now := time.Now().UTC()
	prompt.Status = models.StatusRunning
	prompt.StartedAt = &now

	var job *models.Job
	err := store.Badger().Update(func(tx *badgerdb.Txn) error {
		if err := store.TxUpdate(tx, prompt.ID, prompt); err != nil {
			return err
		}
		updated, err := s.recomputeJobStatus(tx, prompt.JobID)
		if err != nil {
			return err
		}
		job = updated
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to claim prompt %d: %w", prompt.ID, err)
	}
	return prompt, job, nil
}

// UpdatePromptStatus applies a transition and recomputes the parent
// job. StartedAt is set once on entering running; FinishedAt is set on
// terminal statuses and cleared when the prompt goes back to pending.
func (s *QueueStore) UpdatePromptStatus(promptID uint64, update PromptUpdate) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatePromptLocked(promptID, update)
}

func (s *QueueStore) updatePromptLocked(promptID uint64, update PromptUpdate) (*models.Job, error) {
	store := s.db.Store()
	var job *models.Job
	err := store.Badger().Update(func(tx *badgerdb.Txn) error {
		var prompt models.Prompt
		if err := store.TxGet(tx, promptID, &prompt); err != nil {
			return fmt.Errorf("prompt %d not found: %w", promptID, err)
		}

		now := time.Now().UTC()
		if update.Status != "" {
			prompt.Status = update.Status
			switch {
			case update.Status == models.StatusRunning && prompt.StartedAt == nil:
				prompt.StartedAt = &now
			case prompt.IsTerminal():
				prompt.FinishedAt = &now
			case update.Status == models.StatusPending:
				prompt.StartedAt = nil
				prompt.FinishedAt = nil
			}
		}
		if update.UpstreamPromptID != nil {
			prompt.UpstreamPromptID = *update.UpstreamPromptID
		}
		if update.ExitStatus != nil {
			prompt.ExitStatus = *update.ExitStatus
		}
		if update.ErrorDetail != nil {
			prompt.ErrorDetail = *update.ErrorDetail
		}
		if update.OutputPaths != nil {
			prompt.OutputPaths = update.OutputPaths
		}
		if update.SeedUsed != nil {
			prompt.SeedUsed = update.SeedUsed
		}

		if err := store.TxUpdate(tx, promptID, &prompt); err != nil {
			return err
		}
		updated, err := s.recomputeJobStatus(tx, prompt.JobID)
		if err != nil {
			return err
		}
		job = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// recomputeJobStatus derives the job status from its prompt counts.
// Runs inside the caller's transaction.
func (s *QueueStore) recomputeJobStatus(tx *badgerdb.Txn, jobID uint64) (*models.Job, error) {
	store := s.db.Store()
	var job models.Job
	if err := store.TxGet(tx, jobID, &job); err != nil {
		return nil, fmt.Errorf("job %d not found: %w", jobID, err)
	}

	var prompts []*models.Prompt
	if err := store.TxFind(tx, &prompts, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return nil, err
	}
	var counts models.PromptCounts
	for _, p := range prompts {
		counts.Add(p.Status)
	}

	now := time.Now().UTC()
	job.Status = models.DeriveJobStatus(counts, job.CancelRequested)
	if job.Status != models.StatusPending && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if job.IsTerminal() {
		if job.FinishedAt == nil {
			job.FinishedAt = &now
		}
	} else {
		job.FinishedAt = nil
	}

	if err := store.TxUpdate(tx, jobID, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// CancelJob flags the job and cancels its pending prompts. Running
// prompts keep running; the worker observes the flag cooperatively.
// Safe to call repeatedly and on terminal jobs.
func (s *QueueStore) CancelJob(jobID uint64) (*models.CancelSummary, *models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	store := s.db.Store()
	summary := &models.CancelSummary{}
	var job *models.Job
	err := store.Badger().Update(func(tx *badgerdb.Txn) error {
		var j models.Job
		if err := store.TxGet(tx, jobID, &j); err != nil {
			return ErrJobNotFound
		}
		j.CancelRequested = true
		if err := store.TxUpdate(tx, jobID, &j); err != nil {
			return err
		}

		var prompts []*models.Prompt
		if err := store.TxFind(tx, &prompts, badgerhold.Where("JobID").Eq(jobID)); err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, p := range prompts {
			switch p.Status {
			case models.StatusPending:
				p.Status = models.StatusCanceled
				p.FinishedAt = &now
				if err := store.TxUpdate(tx, p.ID, p); err != nil {
					return err
				}
				summary.CanceledPending++
			case models.StatusRunning:
				summary.RunningPrompts++
			}
		}

		updated, err := s.recomputeJobStatus(tx, jobID)
		if err != nil {
			return err
		}
		job = updated
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	if summary.RunningPrompts > 0 {
		summary.Mode = models.CancelModeCancelAfterCurrent
	} else {
		summary.Mode = models.CancelModeImmediate
	}
	s.logger.Info().
		Int64("job_id", int64(jobID)).
		Str("mode", summary.Mode).
		Int("canceled_pending", summary.CanceledPending).
		Int("running_prompts", summary.RunningPrompts).
		Msg("Job cancel requested")
	return summary, job, nil
}

// RetryJob rewinds a job's failed prompts back to pending with their
// execution fields cleared, and lifts the cancel flag. Canceled and
// succeeded prompts are left alone; retry is allowed in any job state.
func (s *QueueStore) RetryJob(jobID uint64) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	store := s.db.Store()
	var job *models.Job
	err := store.Badger().Update(func(tx *badgerdb.Txn) error {
		var j models.Job
		if err := store.TxGet(tx, jobID, &j); err != nil {
			return ErrJobNotFound
		}

		var prompts []*models.Prompt
		if err := store.TxFind(tx, &prompts, badgerhold.Where("JobID").Eq(jobID)); err != nil {
			return err
		}
		for _, p := range prompts {
			if p.Status != models.StatusFailed {
				continue
			}
			p.Status = models.StatusPending
			p.UpstreamPromptID = ""
			p.StartedAt = nil
			p.FinishedAt = nil
			p.ExitStatus = ""
			p.ErrorDetail = ""
			p.OutputPaths = []string{}
			if err := store.TxUpdate(tx, p.ID, p); err != nil {
				return err
			}
		}

		j.CancelRequested = false
		j.LastError = ""
		j.StartedAt = nil
		j.FinishedAt = nil
		if err := store.TxUpdate(tx, jobID, &j); err != nil {
			return err
		}

		updated, err := s.recomputeJobStatus(tx, jobID)
		if err != nil {
			return err
		}
		job = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("job_id", int64(jobID)).Msg("Job queued for retry")
	return job, nil
}

// ClearQueue cancels every pending prompt across all jobs.
func (s *QueueStore) ClearQueue() (*models.ClearSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	store := s.db.Store()
	summary := &models.ClearSummary{}
	err := store.Badger().Update(func(tx *badgerdb.Txn) error {
		var pending []*models.Prompt
		if err := store.TxFind(tx, &pending, badgerhold.Where("Status").Eq(models.StatusPending)); err != nil {
			return err
		}
		now := time.Now().UTC()
		affected := map[uint64]bool{}
		for _, p := range pending {
			p.Status = models.StatusCanceled
			p.FinishedAt = &now
			if err := store.TxUpdate(tx, p.ID, p); err != nil {
				return err
			}
			summary.CanceledPending++
			affected[p.JobID] = true
		}
		for jobID := range affected {
			var j models.Job
			if err := store.TxGet(tx, jobID, &j); err != nil {
				continue
			}
			j.CancelRequested = true
			if err := store.TxUpdate(tx, jobID, &j); err != nil {
				return err
			}
			if _, err := s.recomputeJobStatus(tx, jobID); err != nil {
				return err
			}
		}
		summary.AffectedJobs = len(affected)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Int("canceled_pending", summary.CanceledPending).
		Int("affected_jobs", summary.AffectedJobs).
		Msg("Queue cleared")
	return summary, nil
}

// Pause stops the scheduler from claiming new prompts.
func (s *QueueStore) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setPaused(true)
}

// Resume re-enables scheduling.
func (s *QueueStore) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setPaused(false)
}

// IsPaused reports the queue pause flag.
func (s *QueueStore) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isPaused()
}

func (s *QueueStore) isPaused() bool {
	var state models.QueueState
	if err := s.db.Store().Get(models.QueueStateID, &state); err != nil {
		return false
	}
	return state.Paused
}

func (s *QueueStore) setPaused(paused bool) error {
	state := models.QueueState{ID: models.QueueStateID, Paused: paused}
	if err := s.db.Store().Upsert(models.QueueStateID, &state); err != nil {
		return fmt.Errorf("failed to persist queue state: %w", err)
	}
	return nil
}

// QueueCounts tallies pending and running prompts globally.
func (s *QueueStore) QueueCounts() (models.QueueCounts, error) {
	store := s.db.Store()
	var counts models.QueueCounts

	pending, err := store.Count(&models.Prompt{}, badgerhold.Where("Status").Eq(models.StatusPending))
	if err != nil {
		return counts, err
	}
	running, err := store.Count(&models.Prompt{}, badgerhold.Where("Status").Eq(models.StatusRunning))
	if err != nil {
		return counts, err
	}
	counts.Pending = int(pending)
	counts.Running = int(running)
	return counts, nil
}

// ListJobs returns job summaries newest-first, optionally filtered by
// status. limit <= 0 means no limit.
func (s *QueueStore) ListJobs(status string, limit int) ([]*models.JobSummary, error) {
	store := s.db.Store()
	var jobs []*models.Job
	var err error
	if status != "" {
		err = store.Find(&jobs, badgerhold.Where("Status").Eq(status))
	} else {
		err = store.Find(&jobs, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID > jobs[j].ID
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}

	summaries := make([]*models.JobSummary, 0, len(jobs))
	for _, job := range jobs {
		var prompts []*models.Prompt
		if err := store.Find(&prompts, badgerhold.Where("JobID").Eq(job.ID)); err != nil {
			return nil, err
		}
		var counts models.PromptCounts
		for _, p := range prompts {
			counts.Add(p.Status)
		}
		summaries = append(summaries, &models.JobSummary{
			Job:          job,
			PromptCounts: counts,
			PromptCount:  counts.Total(),
		})
	}
	return summaries, nil
}

// GetJob fetches a single job.
func (s *QueueStore) GetJob(jobID uint64) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// GetJobDetail fetches a job with its prompts ordered by id.
func (s *QueueStore) GetJobDetail(jobID uint64) (*models.JobDetail, error) {
	job, err := s.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	prompts, err := s.GetPrompts(jobID)
	if err != nil {
		return nil, err
	}
	return &models.JobDetail{Job: job, Prompts: prompts}, nil
}

// GetPrompts returns a job's prompts ordered by id.
func (s *QueueStore) GetPrompts(jobID uint64) ([]*models.Prompt, error) {
	var prompts []*models.Prompt
	if err := s.db.Store().Find(&prompts, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return nil, err
	}
	sort.Slice(prompts, func(i, j int) bool { return prompts[i].ID < prompts[j].ID })
	return prompts, nil
}

// GetPrompt fetches a single prompt.
func (s *QueueStore) GetPrompt(promptID uint64) (*models.Prompt, error) {
	var prompt models.Prompt
	if err := s.db.Store().Get(promptID, &prompt); err != nil {
		return nil, err
	}
	return &prompt, nil
}

// ListRunningPrompts returns all prompts currently marked running.
func (s *QueueStore) ListRunningPrompts() ([]*models.Prompt, error) {
	var prompts []*models.Prompt
	if err := s.db.Store().Find(&prompts, badgerhold.Where("Status").Eq(models.StatusRunning)); err != nil {
		return nil, err
	}
	return prompts, nil
}

// IsCancelRequested reports a job's cancel flag; unknown jobs read as
// canceled so in-flight work for deleted jobs stops.
func (s *QueueStore) IsCancelRequested(jobID uint64) bool {
	job, err := s.GetJob(jobID)
	if err != nil {
		return true
	}
	return job.CancelRequested
}

// HasActivePromptsForInput reports whether any other job still has
// pending or running prompts referencing the given source file.
func (s *QueueStore) HasActivePromptsForInput(inputFile string, excludeJobID uint64) (bool, error) {
	var prompts []*models.Prompt
	err := s.db.Store().Find(&prompts, badgerhold.Where("InputFile").Eq(inputFile))
	if err != nil {
		return false, err
	}
	for _, p := range prompts {
		if p.JobID == excludeJobID {
			continue
		}
		if p.Status == models.StatusPending || p.Status == models.StatusRunning {
			return true, nil
		}
	}
	return false, nil
}

// SetJobLogPath records where the job's first prompt log landed.
func (s *QueueStore) SetJobLogPath(jobID uint64, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	store := s.db.Store()
	return store.Badger().Update(func(tx *badgerdb.Txn) error {
		var job models.Job
		if err := store.TxGet(tx, jobID, &job); err != nil {
			return ErrJobNotFound
		}
		if job.LogPath == "" {
			job.LogPath = path
			return store.TxUpdate(tx, jobID, &job)
		}
		return nil
	})
}

// SetJobLastError records the most recent failure detail on the job.
func (s *QueueStore) SetJobLastError(jobID uint64, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	store := s.db.Store()
	return store.Badger().Update(func(tx *badgerdb.Txn) error {
		var job models.Job
		if err := store.TxGet(tx, jobID, &job); err != nil {
			return ErrJobNotFound
		}
		job.LastError = detail
		return store.TxUpdate(tx, jobID, &job)
	})
}

// DeleteJob removes a job and its prompts. Active jobs must be
// canceled first.
func (s *QueueStore) DeleteJob(jobID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	store := s.db.Store()
	return store.Badger().Update(func(tx *badgerdb.Txn) error {
		var job models.Job
		if err := store.TxGet(tx, jobID, &job); err != nil {
			return ErrJobNotFound
		}
		if job.IsActive() {
			return fmt.Errorf("job %d is %s, cancel it before deleting", jobID, job.Status)
		}
		var prompts []*models.Prompt
		if err := store.TxFind(tx, &prompts, badgerhold.Where("JobID").Eq(jobID)); err != nil {
			return err
		}
		for _, p := range prompts {
			if err := store.TxDelete(tx, p.ID, &models.Prompt{}); err != nil {
				return err
			}
		}
		return store.TxDelete(tx, jobID, &models.Job{})
	})
}
