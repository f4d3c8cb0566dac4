package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/comfyq/internal/models"
)

// promptLog appends timestamped lines to a per-prompt log file. A nil
// receiver and a failed open both degrade to no-ops so logging never
// blocks execution.
type promptLog struct {
	file *os.File
}

// openPromptLog creates {jobID}_{promptID}.log under the logs dir and
// records it as the job's log path on first use.
func (w *Worker) openPromptLog(prompt *models.Prompt, job *models.Job) *promptLog {
	if w.opts.LogsDir == "" {
		return &promptLog{}
	}
	if err := os.MkdirAll(w.opts.LogsDir, 0o755); err != nil {
		w.logger.Warn().Err(err).Str("dir", w.opts.LogsDir).Msg("Could not create prompt log dir")
		return &promptLog{}
	}

	path := filepath.Join(w.opts.LogsDir, fmt.Sprintf("%d_%d.log", job.ID, prompt.ID))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		w.logger.Warn().Err(err).Str("path", path).Msg("Could not open prompt log")
		return &promptLog{}
	}

	if err := w.store.SetJobLogPath(job.ID, path); err != nil {
		w.logger.Warn().Err(err).Int64("job_id", int64(job.ID)).Msg("Could not record job log path")
	}
	return &promptLog{file: file}
}

func (l *promptLog) log(format string, args ...any) {
	if l == nil || l.file == nil {
		return
	}
	line := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.file, "[%s] %s\n", time.Now().UTC().Format(time.RFC3339), line)
}

func (l *promptLog) Close() {
	if l != nil && l.file != nil {
		l.file.Close()
	}
}
