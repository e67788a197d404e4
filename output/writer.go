// Package output persists capture results: one screenshot file per task and
// a results.json report for the whole batch.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"screenshot-audit/model"
)

// ResultsFile is the report written by WriteResults.
const ResultsFile = "results.json"

// Entry is one result in the report.
type Entry struct {
	model.CaptureResult
	ScreenshotPath string `json:"screenshotPath,omitempty"`
}

// Report is the content of results.json.
type Report struct {
	RunID       string                     `json:"runId"`
	GeneratedAt string                     `json:"generatedAt"`
	Summary     map[model.VerdictState]int `json:"summary"`
	Results     []Entry                    `json:"results"`
}

// Writer stores screenshots as results arrive and writes the final report.
type Writer struct {
	dir    string
	ext    string
	logger *log.Logger

	mu    sync.Mutex
	paths map[int]string
}

// NewWriter creates dir if needed. format is png or jpeg.
func NewWriter(dir, format string, logger *log.Logger) (*Writer, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	if format != "jpeg" {
		format = "png"
	}
	return &Writer{dir: dir, ext: format, logger: logger, paths: make(map[int]string)}, nil
}

// WriteScreenshot saves the result's screenshot, if any, and returns its path.
func (w *Writer) WriteScreenshot(res model.CaptureResult) (string, error) {
	if res.Observation == nil || len(res.Observation.Screenshot) == 0 {
		return "", nil
	}
	path := filepath.Join(w.dir, screenshotName(res.Task, res.Index, w.ext))
	if err := os.WriteFile(path, res.Observation.Screenshot, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}

	w.mu.Lock()
	w.paths[res.Index] = path
	w.mu.Unlock()

	w.logger.Debug("output: screenshot saved", "index", res.Index, "path", path)
	return path, nil
}

// WriteResults writes results.json and returns its path. Results are written
// in index order regardless of input order.
func (w *Writer) WriteResults(results []model.CaptureResult) (string, error) {
	sorted := make([]model.CaptureResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	report := Report{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Summary:     Summarize(sorted),
		Results:     make([]Entry, 0, len(sorted)),
	}
	if len(sorted) > 0 {
		report.RunID = sorted[0].RunID
	}

	w.mu.Lock()
	for _, r := range sorted {
		report.Results = append(report.Results, Entry{CaptureResult: r, ScreenshotPath: w.paths[r.Index]})
	}
	w.mu.Unlock()

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode results: %w", err)
	}

	path := filepath.Join(w.dir, ResultsFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write results: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("write results: %w", err)
	}
	w.logger.Info("output: results written", "path", path, "results", len(sorted))
	return path, nil
}

// Summarize counts results per verdict state.
func Summarize(results []model.CaptureResult) map[model.VerdictState]int {
	out := make(map[model.VerdictState]int)
	for _, r := range results {
		out[r.Verdict.State]++
	}
	return out
}
