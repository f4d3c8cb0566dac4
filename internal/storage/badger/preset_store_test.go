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

func newTestPresetStore(t *testing.T) *PresetStore {
	t.Helper()
	logger := arbor.NewLogger()
	db, err := NewBadgerDB(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPresetStore(db, logger)
}

func TestInputDirHistory(t *testing.T) {
	s := newTestPresetStore(t)

	require.NoError(t, s.TouchInputDir("/media/clips"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.TouchInputDir("/media/photos"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.TouchInputDir("/media/clips"))
	require.NoError(t, s.TouchInputDir("")) // no-op

	entries, err := s.ListInputDirs(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "/media/clips", entries[0].Path, "most recently used first")
	assert.Equal(t, 2, entries[0].UseCount)
	assert.Equal(t, "/media/photos", entries[1].Path)

	limited, err := s.ListInputDirs(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestInputDirHistoryFallsBackToJobDirs(t *testing.T) {
	logger := arbor.NewLogger()
	db, err := NewBadgerDB(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	queueStore := NewQueueStore(db, logger)
	presetStore := NewPresetStore(db, logger)

	older := &models.Job{WorkflowName: "wf", InputDir: "/media/old"}
	require.NoError(t, queueStore.CreateJob(older, []*models.Prompt{{PromptJSON: "{}"}}))
	time.Sleep(2 * time.Millisecond)
	newer := &models.Job{WorkflowName: "wf", InputDir: "/media/new"}
	require.NoError(t, queueStore.CreateJob(newer, []*models.Prompt{{PromptJSON: "{}"}}))

	entries, err := presetStore.ListInputDirs(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "/media/new", entries[0].Path, "newest job's dir first")
	assert.Equal(t, "/media/old", entries[1].Path)

	// Once real history exists, jobs no longer contribute.
	require.NoError(t, presetStore.TouchInputDir("/media/touched"))
	entries, err = presetStore.ListInputDirs(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/media/touched", entries[0].Path)
}

func TestPromptPresetRoundTrip(t *testing.T) {
	s := newTestPresetStore(t)

	require.Error(t, s.SavePromptPreset(&models.PromptPreset{}), "name required")

	require.NoError(t, s.SavePromptPreset(&models.PromptPreset{
		Name: "cinematic", Mode: models.PromptModeManual,
		PositivePrompt: "slow dolly shot", NegativePrompt: "blurry",
	}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.SavePromptPreset(&models.PromptPreset{
		Name: "auto-caption", Mode: models.PromptModePerImageAuto,
	}))

	all, err := s.ListPromptPresets("", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "auto-caption", all[0].Name, "most recently updated first")

	manual, err := s.ListPromptPresets(models.PromptModeManual, 0)
	require.NoError(t, err)
	require.Len(t, manual, 1)
	assert.Equal(t, "cinematic", manual[0].Name)
	assert.Equal(t, "slow dolly shot", manual[0].PositivePrompt)

	// Upsert overwrites in place.
	require.NoError(t, s.SavePromptPreset(&models.PromptPreset{
		Name: "cinematic", Mode: models.PromptModeManual, PositivePrompt: "wide shot",
	}))
	manual, err = s.ListPromptPresets(models.PromptModeManual, 0)
	require.NoError(t, err)
	require.Len(t, manual, 1)
	assert.Equal(t, "wide shot", manual[0].PositivePrompt)

	require.NoError(t, s.DeletePromptPreset("cinematic"))
	require.NoError(t, s.DeletePromptPreset("cinematic"), "delete is idempotent")
	all, err = s.ListPromptPresets("", 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSettingsPresetRoundTrip(t *testing.T) {
	s := newTestPresetStore(t)

	require.NoError(t, s.SaveSettingsPreset(&models.SettingsPreset{
		Name:    "wan-defaults",
		Payload: map[string]any{"steps": 6, "cfg": 1.0},
	}))

	all, err := s.ListSettingsPresets(0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "wan-defaults", all[0].Name)
	assert.Equal(t, 1.0, all[0].Payload["cfg"])
	assert.False(t, all[0].UpdatedAt.IsZero())

	require.NoError(t, s.DeleteSettingsPreset("wan-defaults"))
	all, err = s.ListSettingsPresets(0)
	require.NoError(t, err)
	assert.Empty(t, all)
}
