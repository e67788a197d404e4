package output

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screenshot-audit/model"
)

func result(index int, raw string, state model.VerdictState, shot []byte) model.CaptureResult {
	r := model.CaptureResult{
		Index:   index,
		RunID:   "run-1",
		Task:    model.NewTask(raw),
		Verdict: model.Verdict{State: state, Reason: "r"},
	}
	if shot != nil {
		r.Observation = &model.Observation{RequestedURL: r.Task.NormalizedURL, Screenshot: shot}
	}
	return r
}

func TestWriter(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	w, err := NewWriter(dir, "jpeg", log.New(io.Discard))
	require.NoError(t, err)

	ok := result(1, "https://www.instagram.com/some.user/", model.Available, []byte{0xff, 0xd8})
	failed := result(0, "https://unreachable.example/", model.Error, nil)

	path, err := w.WriteScreenshot(ok)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "0001-instagram.com_some.user.jpeg"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8}, data)

	path, err = w.WriteScreenshot(failed)
	require.NoError(t, err)
	assert.Empty(t, path)

	reportPath, err := w.WriteResults([]model.CaptureResult{ok, failed})
	require.NoError(t, err)

	raw, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	var report struct {
		RunID   string         `json:"runId"`
		Summary map[string]int `json:"summary"`
		Results []struct {
			Index          int    `json:"index"`
			ScreenshotPath string `json:"screenshotPath"`
			Verdict        struct {
				State string `json:"state"`
			} `json:"verdict"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(raw, &report))

	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, map[string]int{"AVAILABLE": 1, "ERROR": 1}, report.Summary)
	require.Len(t, report.Results, 2)
	assert.Equal(t, 0, report.Results[0].Index)
	assert.Empty(t, report.Results[0].ScreenshotPath)
	assert.Equal(t, "ERROR", report.Results[0].Verdict.State)
	assert.Equal(t, 1, report.Results[1].Index)
	assert.NotEmpty(t, report.Results[1].ScreenshotPath)
	assert.NotContains(t, string(raw), "screenshot\":")
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "example.com_a_b", sanitizeFilename("example.com/a/b"))
	assert.Equal(t, "q_x_1", sanitizeFilename("q?x=1"))
	assert.Equal(t, "page", sanitizeFilename("///"))
	assert.Len(t, sanitizeFilename(strings.Repeat("a", 300)), 100)
}
