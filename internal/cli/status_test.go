package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/steward/pkg/cron"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand_Empty(t *testing.T) {
	path, _ := writeConfig(t, nil)

	out, err := executeCommand(t, "--config", path, "status")
	require.NoError(t, err)

	assert.Contains(t, out, "Daemon: stopped")
	assert.Contains(t, out, "Threads: 0")
	assert.Contains(t, out, "Pending approvals: 0")
	assert.Contains(t, out, "Maintenance: no runs recorded")
}

func TestStatusCommand_JobState(t *testing.T) {
	path, dataDir := writeConfig(t, nil)

	last := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)
	states := map[string]cron.JobState{
		cron.JobAttachmentCleanup: {LastRunAt: &last, LastStatus: cron.StatusOK, LastSummary: "removed 2 attachments, 1 blobs"},
		cron.JobApprovalSweep:     {LastRunAt: &last, LastStatus: cron.StatusError, LastError: "checkpoint dir unreadable"},
	}
	data, err := json.Marshal(states)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, cronStateFile), data, 0600))

	out, err := executeCommand(t, "--config", path, "status")
	require.NoError(t, err)

	assert.Contains(t, out, "removed 2 attachments, 1 blobs")
	assert.Contains(t, out, "checkpoint dir unreadable")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.duration))
		})
	}
}
