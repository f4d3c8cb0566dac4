package maintenance

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestSweepRemovesOnlyAgedLogs(t *testing.T) {
	dir := t.TempDir()

	old := filepath.Join(dir, "1_1.log")
	fresh := filepath.Join(dir, "2_2.log")
	other := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(old, []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("fresh"), 0o644))
	require.NoError(t, os.WriteFile(other, []byte("keep"), 0o644))

	stale := time.Now().Add(-40 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(old, stale, stale))
	require.NoError(t, os.Chtimes(other, stale, stale))

	svc := NewService(dir, "0 0 3 * * *", 30, arbor.NewLogger())
	removed, err := svc.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
	_, err = os.Stat(other)
	assert.NoError(t, err, "non-log files are never touched")
}

func TestSweepMissingDir(t *testing.T) {
	svc := NewService(filepath.Join(t.TempDir(), "gone"), "0 0 3 * * *", 30, arbor.NewLogger())
	removed, err := svc.Sweep()
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	svc := NewService(t.TempDir(), "not-a-schedule", 30, arbor.NewLogger())
	err := svc.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid maintenance schedule")
}
