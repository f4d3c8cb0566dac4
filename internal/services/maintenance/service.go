package maintenance

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
)

// Service sweeps aged per-prompt log files on a cron schedule.
type Service struct {
	logsDir   string
	retention time.Duration
	schedule  string
	logger    arbor.ILogger
	cron      *cron.Cron
}

// NewService creates a sweeper for logsDir keeping retentionDays of
// history.
func NewService(logsDir, schedule string, retentionDays int, logger arbor.ILogger) *Service {
	return &Service{
		logsDir:   logsDir,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		schedule:  schedule,
		logger:    logger,
	}
}

// Start registers the cron entry and begins scheduling.
func (s *Service) Start() error {
	s.cron = cron.New(cron.WithSeconds())
	if _, err := s.cron.AddFunc(s.schedule, func() {
		if n, err := s.Sweep(); err != nil {
			s.logger.Warn().Err(err).Msg("Log sweep failed")
		} else if n > 0 {
			s.logger.Info().Int("removed", n).Msg("Log sweep completed")
		}
	}); err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.logger.Info().Str("schedule", s.schedule).Msg("Maintenance scheduler started")
	return nil
}

// Stop halts the scheduler.
func (s *Service) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// Sweep removes prompt log files older than the retention window and
// returns how many were deleted.
func (s *Service) Sweep() (int, error) {
	entries, err := os.ReadDir(s.logsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-s.retention)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.logsDir, entry.Name())); err != nil {
			s.logger.Warn().Err(err).Str("file", entry.Name()).Msg("Could not remove aged log")
			continue
		}
		removed++
	}
	return removed, nil
}
