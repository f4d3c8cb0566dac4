package badger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/comfyq/internal/common"
	"github.com/ternarybob/comfyq/internal/models"
)

func newTestStore(t *testing.T) *QueueStore {
	t.Helper()
	logger := arbor.NewLogger()
	db, err := NewBadgerDB(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewQueueStore(db, logger)
}

func strPtr(s string) *string { return &s }

func makeJob(t *testing.T, s *QueueStore, priority int, promptFiles ...string) *models.Job {
	t.Helper()
	job := &models.Job{
		WorkflowName: "test-wf",
		Priority:     priority,
		Params:       map[string]any{},
	}
	prompts := make([]*models.Prompt, 0, len(promptFiles))
	for _, f := range promptFiles {
		prompts = append(prompts, &models.Prompt{InputFile: f, PromptJSON: "{}"})
	}
	require.NoError(t, s.CreateJob(job, prompts))
	return job
}

func TestCreateJobAssignsMonotonicIDs(t *testing.T) {
	s := newTestStore(t)
	j1 := makeJob(t, s, 0, "a.png")
	j2 := makeJob(t, s, 0, "b.png")
	assert.Less(t, j1.ID, j2.ID)
	assert.Equal(t, models.StatusPending, j1.Status)

	p1, err := s.GetPrompts(j1.ID)
	require.NoError(t, err)
	p2, err := s.GetPrompts(j2.ID)
	require.NoError(t, err)
	require.Len(t, p1, 1)
	require.Len(t, p2, 1)
	assert.Less(t, p1[0].ID, p2[0].ID)
	assert.Equal(t, []string{}, p1[0].OutputPaths)
}

func TestClaimNextOrdering(t *testing.T) {
	s := newTestStore(t)

	low := makeJob(t, s, 0, "low1.png", "low2.png")
	time.Sleep(2 * time.Millisecond)
	high := makeJob(t, s, 5, "high.png")

	// Priority wins over insertion order.
	prompt, job, err := s.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, prompt)
	assert.Equal(t, high.ID, job.ID)
	assert.Equal(t, "high.png", prompt.InputFile)
	assert.Equal(t, models.StatusRunning, prompt.Status)
	require.NotNil(t, prompt.StartedAt)
	assert.Equal(t, models.StatusRunning, job.Status)

	// Within a job, lowest prompt id first.
	_, err = s.UpdatePromptStatus(prompt.ID, PromptUpdate{Status: models.StatusSucceeded})
	require.NoError(t, err)

	prompt, job, err = s.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, prompt)
	assert.Equal(t, low.ID, job.ID)
	assert.Equal(t, "low1.png", prompt.InputFile)
}

func TestClaimNextSkipsPausedQueue(t *testing.T) {
	s := newTestStore(t)
	makeJob(t, s, 0, "a.png")

	require.NoError(t, s.Pause())
	assert.True(t, s.IsPaused())

	prompt, _, err := s.ClaimNext()
	require.NoError(t, err)
	assert.Nil(t, prompt)

	require.NoError(t, s.Resume())
	prompt, _, err = s.ClaimNext()
	require.NoError(t, err)
	assert.NotNil(t, prompt)
}

func TestClaimNextSkipsCancelRequestedJobs(t *testing.T) {
	s := newTestStore(t)
	job := makeJob(t, s, 0, "a.png")

	_, _, err := s.CancelJob(job.ID)
	require.NoError(t, err)

	prompt, _, err := s.ClaimNext()
	require.NoError(t, err)
	assert.Nil(t, prompt)
}

func TestPromptLifecycleTimestamps(t *testing.T) {
	s := newTestStore(t)
	job := makeJob(t, s, 0, "a.png")

	prompt, _, err := s.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, prompt.StartedAt)
	assert.Nil(t, prompt.FinishedAt)

	updatedJob, err := s.UpdatePromptStatus(prompt.ID, PromptUpdate{
		Status:      models.StatusSucceeded,
		OutputPaths: []string{"out/a_00001.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, updatedJob.Status)
	require.NotNil(t, updatedJob.StartedAt)
	require.NotNil(t, updatedJob.FinishedAt)

	stored, err := s.GetPrompt(prompt.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.FinishedAt)
	assert.Equal(t, []string{"out/a_00001.png"}, stored.OutputPaths)

	// Retry on a fully succeeded job is a no-op for its prompts.
	retried, err := s.RetryJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, retried.Status)
	stored, err = s.GetPrompt(prompt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, stored.Status)
	assert.Equal(t, []string{"out/a_00001.png"}, stored.OutputPaths)
}

func TestUpdatePromptSeedUsed(t *testing.T) {
	s := newTestStore(t)
	makeJob(t, s, 0, "a.png")

	prompt, _, err := s.ClaimNext()
	require.NoError(t, err)

	seed := int64(424242)
	_, err = s.UpdatePromptStatus(prompt.ID, PromptUpdate{SeedUsed: &seed})
	require.NoError(t, err)

	stored, err := s.GetPrompt(prompt.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.SeedUsed)
	assert.Equal(t, seed, *stored.SeedUsed)
	assert.Equal(t, models.StatusRunning, stored.Status, "seed update does not transition the prompt")
}

func TestJobStatusDerivation(t *testing.T) {
	s := newTestStore(t)
	job := makeJob(t, s, 0, "a.png", "b.png")

	// One failure fails the job once nothing is pending or running.
	p1, _, err := s.ClaimNext()
	require.NoError(t, err)
	_, err = s.UpdatePromptStatus(p1.ID, PromptUpdate{
		Status:      models.StatusFailed,
		ExitStatus:  strPtr("error"),
		ErrorDetail: strPtr("boom"),
	})
	require.NoError(t, err)

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status, "remaining pending prompt keeps the job schedulable")

	p2, _, err := s.ClaimNext()
	require.NoError(t, err)
	updatedJob, err := s.UpdatePromptStatus(p2.ID, PromptUpdate{Status: models.StatusSucceeded})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, updatedJob.Status)
	require.NotNil(t, updatedJob.FinishedAt)
}

func TestCancelJobImmediate(t *testing.T) {
	s := newTestStore(t)
	job := makeJob(t, s, 0, "a.png", "b.png")

	summary, updated, err := s.CancelJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CancelModeImmediate, summary.Mode)
	assert.Equal(t, 2, summary.CanceledPending)
	assert.Equal(t, 0, summary.RunningPrompts)
	assert.Equal(t, models.StatusCanceled, updated.Status)
	require.NotNil(t, updated.StartedAt, "leaving pending stamps started_at even without a run")
	require.NotNil(t, updated.FinishedAt)

	// Idempotent.
	summary, updated, err = s.CancelJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.CanceledPending)
	assert.Equal(t, models.StatusCanceled, updated.Status)
}

func TestCancelJobAfterCurrent(t *testing.T) {
	s := newTestStore(t)
	job := makeJob(t, s, 0, "a.png", "b.png")

	running, _, err := s.ClaimNext()
	require.NoError(t, err)

	summary, updated, err := s.CancelJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CancelModeCancelAfterCurrent, summary.Mode)
	assert.Equal(t, 1, summary.CanceledPending)
	assert.Equal(t, 1, summary.RunningPrompts)
	// Running prompt keeps running until the worker finishes it.
	assert.Equal(t, models.StatusRunning, updated.Status)
	assert.True(t, s.IsCancelRequested(job.ID))

	// Worker lets the prompt finish; succeeded+canceled mix under a
	// cancel request collapses to canceled.
	updated, err = s.UpdatePromptStatus(running.ID, PromptUpdate{Status: models.StatusSucceeded})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, updated.Status)
}

func TestRetryJobRewindsFailures(t *testing.T) {
	s := newTestStore(t)
	job := makeJob(t, s, 0, "a.png")

	prompt, _, err := s.ClaimNext()
	require.NoError(t, err)
	_, err = s.UpdatePromptStatus(prompt.ID, PromptUpdate{
		Status:           models.StatusFailed,
		UpstreamPromptID: strPtr("abc-123"),
		ExitStatus:       strPtr("error"),
		ErrorDetail:      strPtr("node exploded"),
		OutputPaths:      []string{"partial.png"},
	})
	require.NoError(t, err)

	updated, err := s.RetryJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, updated.Status)
	assert.False(t, updated.CancelRequested)
	assert.Nil(t, updated.FinishedAt)

	stored, err := s.GetPrompt(prompt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Empty(t, stored.UpstreamPromptID)
	assert.Empty(t, stored.ExitStatus)
	assert.Empty(t, stored.ErrorDetail)
	assert.Nil(t, stored.StartedAt)
	assert.Nil(t, stored.FinishedAt)
	assert.Equal(t, []string{}, stored.OutputPaths)

	// Retried prompt is schedulable again.
	next, _, err := s.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, prompt.ID, next.ID)
}

func TestRetryResetsOnlyFailedPrompts(t *testing.T) {
	s := newTestStore(t)
	job := makeJob(t, s, 0, "a.png", "b.png", "c.png")

	p1, _, err := s.ClaimNext()
	require.NoError(t, err)
	_, err = s.UpdatePromptStatus(p1.ID, PromptUpdate{Status: models.StatusSucceeded})
	require.NoError(t, err)

	p2, _, err := s.ClaimNext()
	require.NoError(t, err)
	_, err = s.UpdatePromptStatus(p2.ID, PromptUpdate{
		Status:      models.StatusFailed,
		ExitStatus:  strPtr("error"),
		ErrorDetail: strPtr("boom"),
	})
	require.NoError(t, err)

	p3, _, err := s.ClaimNext()
	require.NoError(t, err)
	_, err = s.UpdatePromptStatus(p3.ID, PromptUpdate{Status: models.StatusCanceled})
	require.NoError(t, err)

	updated, err := s.RetryJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, updated.Status)
	assert.Nil(t, updated.StartedAt, "retry clears the job timestamps")

	s1, err := s.GetPrompt(p1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, s1.Status)
	s2, err := s.GetPrompt(p2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, s2.Status)
	s3, err := s.GetPrompt(p3.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, s3.Status, "canceled prompts are not rewound")
}

func TestRetryCanceledJob(t *testing.T) {
	s := newTestStore(t)
	job := makeJob(t, s, 0, "a.png")
	_, _, err := s.CancelJob(job.ID)
	require.NoError(t, err)

	// No failed prompts, so retry only lifts the cancel flag; the
	// canceled prompt stays canceled and so does the job.
	updated, err := s.RetryJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, updated.Status)
	assert.False(t, updated.CancelRequested)

	prompts, err := s.GetPrompts(job.ID)
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, models.StatusCanceled, prompts[0].Status)
}

func TestClearQueue(t *testing.T) {
	s := newTestStore(t)
	j1 := makeJob(t, s, 0, "a.png", "b.png")
	j2 := makeJob(t, s, 0, "c.png")

	running, _, err := s.ClaimNext()
	require.NoError(t, err)
	require.Equal(t, j1.ID, running.JobID)

	summary, err := s.ClearQueue()
	require.NoError(t, err)
	assert.Equal(t, 2, summary.CanceledPending)
	assert.Equal(t, 2, summary.AffectedJobs)

	got2, err := s.GetJob(j2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, got2.Status)

	// The running prompt is untouched.
	got1, err := s.GetJob(j1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got1.Status)
	assert.True(t, got1.CancelRequested)
}

func TestQueueCounts(t *testing.T) {
	s := newTestStore(t)
	makeJob(t, s, 0, "a.png", "b.png")

	counts, err := s.QueueCounts()
	require.NoError(t, err)
	assert.Equal(t, models.QueueCounts{Pending: 2, Running: 0}, counts)

	_, _, err = s.ClaimNext()
	require.NoError(t, err)
	counts, err = s.QueueCounts()
	require.NoError(t, err)
	assert.Equal(t, models.QueueCounts{Pending: 1, Running: 1}, counts)
}

func TestListJobsFilterAndLimit(t *testing.T) {
	s := newTestStore(t)
	makeJob(t, s, 0, "a.png")
	time.Sleep(2 * time.Millisecond)
	j2 := makeJob(t, s, 0, "b.png")
	time.Sleep(2 * time.Millisecond)
	j3 := makeJob(t, s, 0, "c.png")

	all, err := s.ListJobs("", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, j3.ID, all[0].Job.ID, "newest first")
	assert.Equal(t, 1, all[0].PromptCount)
	assert.Equal(t, 1, all[0].Pending)

	limited, err := s.ListJobs("", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, _, err = s.CancelJob(j2.ID)
	require.NoError(t, err)
	canceled, err := s.ListJobs(models.StatusCanceled, 0)
	require.NoError(t, err)
	require.Len(t, canceled, 1)
	assert.Equal(t, j2.ID, canceled[0].Job.ID)
}

func TestHasActivePromptsForInput(t *testing.T) {
	s := newTestStore(t)
	j1 := makeJob(t, s, 0, "/in/a.png")
	j2 := makeJob(t, s, 0, "/in/a.png")

	active, err := s.HasActivePromptsForInput("/in/a.png", j1.ID)
	require.NoError(t, err)
	assert.True(t, active, "other job still references the file")

	_, _, err = s.CancelJob(j2.ID)
	require.NoError(t, err)
	active, err = s.HasActivePromptsForInput("/in/a.png", j1.ID)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestDeleteJobCascade(t *testing.T) {
	s := newTestStore(t)
	job := makeJob(t, s, 0, "a.png")

	err := s.DeleteJob(job.ID)
	require.Error(t, err, "active job cannot be deleted")

	_, _, err = s.CancelJob(job.ID)
	require.NoError(t, err)
	require.NoError(t, s.DeleteJob(job.ID))

	_, err = s.GetJob(job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	prompts, err := s.GetPrompts(job.ID)
	require.NoError(t, err)
	assert.Empty(t, prompts)
}

func TestSetJobLogPathOnce(t *testing.T) {
	s := newTestStore(t)
	job := makeJob(t, s, 0, "a.png")

	require.NoError(t, s.SetJobLogPath(job.ID, "/logs/1_1.log"))
	require.NoError(t, s.SetJobLogPath(job.ID, "/logs/1_2.log"))

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "/logs/1_1.log", got.LogPath)
}
