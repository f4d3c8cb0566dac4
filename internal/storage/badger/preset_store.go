package badger

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/comfyq/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// PresetStore persists prompt presets, settings presets, and the
// recently used input directory history.
type PresetStore struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewPresetStore creates a preset store over an open connection.
func NewPresetStore(db *BadgerDB, logger arbor.ILogger) *PresetStore {
	return &PresetStore{db: db, logger: logger}
}

// TouchInputDir upserts an input directory into the recency history.
func (s *PresetStore) TouchInputDir(path string) error {
	if path == "" {
		return nil
	}
	store := s.db.Store()
	entry := models.InputDirEntry{Path: path, LastUsedAt: time.Now().UTC(), UseCount: 1}

	var existing models.InputDirEntry
	if err := store.Get(path, &existing); err == nil {
		entry.UseCount = existing.UseCount + 1
	} else if !errors.Is(err, badgerhold.ErrNotFound) {
		return err
	}
	if err := store.Upsert(path, &entry); err != nil {
		return fmt.Errorf("failed to record input dir: %w", err)
	}
	return nil
}

// ListInputDirs returns recently used input directories, most recent
// first. limit <= 0 means no limit. When no history has been recorded
// yet, it falls back to the distinct input dirs of existing jobs,
// newest job first.
func (s *PresetStore) ListInputDirs(limit int) ([]*models.InputDirEntry, error) {
	var entries []*models.InputDirEntry
	if err := s.db.Store().Find(&entries, nil); err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastUsedAt.After(entries[j].LastUsedAt)
	})

	if len(entries) == 0 {
		var jobs []*models.Job
		if err := s.db.Store().Find(&jobs, nil); err != nil {
			return nil, err
		}
		sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
		seen := make(map[string]bool)
		for _, job := range jobs {
			if job.InputDir == "" || seen[job.InputDir] {
				continue
			}
			seen[job.InputDir] = true
			entries = append(entries, &models.InputDirEntry{Path: job.InputDir, LastUsedAt: job.CreatedAt})
		}
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// SavePromptPreset upserts a named prompt preset.
func (s *PresetStore) SavePromptPreset(preset *models.PromptPreset) error {
	if preset.Name == "" {
		return fmt.Errorf("preset name is required")
	}
	preset.UpdatedAt = time.Now().UTC()
	if err := s.db.Store().Upsert(preset.Name, preset); err != nil {
		return fmt.Errorf("failed to save prompt preset: %w", err)
	}
	s.logger.Debug().Str("name", preset.Name).Msg("Prompt preset saved")
	return nil
}

// ListPromptPresets returns presets, optionally filtered by mode, most
// recently updated first. limit <= 0 means no limit.
func (s *PresetStore) ListPromptPresets(mode string, limit int) ([]*models.PromptPreset, error) {
	var presets []*models.PromptPreset
	var err error
	if mode != "" {
		err = s.db.Store().Find(&presets, badgerhold.Where("Mode").Eq(mode))
	} else {
		err = s.db.Store().Find(&presets, nil)
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(presets, func(i, j int) bool {
		if !presets[i].UpdatedAt.Equal(presets[j].UpdatedAt) {
			return presets[i].UpdatedAt.After(presets[j].UpdatedAt)
		}
		return presets[i].Name < presets[j].Name
	})
	if limit > 0 && len(presets) > limit {
		presets = presets[:limit]
	}
	return presets, nil
}

// DeletePromptPreset removes a preset by name. Unknown names are not
// an error.
func (s *PresetStore) DeletePromptPreset(name string) error {
	err := s.db.Store().Delete(name, &models.PromptPreset{})
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil
	}
	return err
}

// SaveSettingsPreset upserts a named settings preset.
func (s *PresetStore) SaveSettingsPreset(preset *models.SettingsPreset) error {
	if preset.Name == "" {
		return fmt.Errorf("preset name is required")
	}
	if preset.Payload == nil {
		preset.Payload = map[string]any{}
	}
	preset.UpdatedAt = time.Now().UTC()
	if err := s.db.Store().Upsert(preset.Name, preset); err != nil {
		return fmt.Errorf("failed to save settings preset: %w", err)
	}
	s.logger.Debug().Str("name", preset.Name).Msg("Settings preset saved")
	return nil
}

// ListSettingsPresets returns settings presets, most recently updated
// first. limit <= 0 means no limit.
func (s *PresetStore) ListSettingsPresets(limit int) ([]*models.SettingsPreset, error) {
	var presets []*models.SettingsPreset
	if err := s.db.Store().Find(&presets, nil); err != nil {
		return nil, err
	}
	sort.Slice(presets, func(i, j int) bool {
		if !presets[i].UpdatedAt.Equal(presets[j].UpdatedAt) {
			return presets[i].UpdatedAt.After(presets[j].UpdatedAt)
		}
		return presets[i].Name < presets[j].Name
	})
	if limit > 0 && len(presets) > limit {
		presets = presets[:limit]
	}
	return presets, nil
}

// DeleteSettingsPreset removes a settings preset by name.
func (s *PresetStore) DeleteSettingsPreset(name string) error {
	err := s.db.Store().Delete(name, &models.SettingsPreset{})
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil
	}
	return err
}
