package screenshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NavigationError is a transport-level failure: DNS, refused connection,
// TLS or timeout. It is the only error the orchestrator retries.
type NavigationError struct {
	URL string
	Op  string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was the hard navigation timeout.
func (e *NavigationError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded) || strings.Contains(e.Err.Error(), "ERR_TIMED_OUT")
}

// isErrorPage reports whether the final location is Chrome's own error page.
func isErrorPage(location string) bool {
	return location == "" || location == "about:blank" || strings.HasPrefix(location, "chrome-error://")
}
