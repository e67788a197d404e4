package output

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"screenshot-audit/model"
)

var illegalChars = regexp.MustCompile(`[\\/:*?"<>|&=%#\s]+`)

// sanitizeFilename replaces characters that are unsafe in file names
func sanitizeFilename(filename string) string {
	sanitized := illegalChars.ReplaceAllString(filename, "_")
	sanitized = strings.Trim(sanitized, "_.")

	// Limit length to avoid issues with long filenames
	if len(sanitized) > 100 {
		sanitized = sanitized[:100]
	}
	if sanitized == "" {
		sanitized = "page"
	}
	return sanitized
}

// screenshotName is "<index>-<host><path>.<ext>", index zero-padded so files
// sort in submission order.
func screenshotName(task model.CaptureTask, index int, ext string) string {
	name := model.Hostname(task.NormalizedURL)
	if u, err := url.Parse(task.NormalizedURL); err == nil {
		name += strings.TrimRight(u.EscapedPath(), "/")
	}
	return fmt.Sprintf("%04d-%s.%s", index, sanitizeFilename(name), ext)
}
