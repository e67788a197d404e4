// Package model holds the records shared by the capture engine: tasks,
// sessions, observations, verdicts and results.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Platform is the site category a URL belongs to
type Platform string

const (
	Facebook  Platform = "FACEBOOK"
	Instagram Platform = "INSTAGRAM"
	Generic   Platform = "GENERIC"
)

// Platforms lists every known platform in a stable order
var Platforms = []Platform{Facebook, Instagram, Generic}

// ParsePlatform converts a case-insensitive name into a Platform
func ParsePlatform(s string) (Platform, error) {
	switch Platform(strings.ToUpper(strings.TrimSpace(s))) {
	case Facebook:
		return Facebook, nil
	case Instagram:
		return Instagram, nil
	case Generic:
		return Generic, nil
	}
	return "", fmt.Errorf("unknown platform: %q", s)
}

// Valid reports whether p is one of the known platforms
func (p Platform) Valid() bool {
	return p == Facebook || p == Instagram || p == Generic
}

// Social reports whether the platform needs login-session handling
func (p Platform) Social() bool {
	return p == Facebook || p == Instagram
}

// CaptureTask is a single URL submitted for capture. It is never mutated
// after creation.
type CaptureTask struct {
	RawURL        string   `json:"rawUrl"`
	NormalizedURL string   `json:"normalizedUrl"`
	Platform      Platform `json:"platform"`
}

// NewTask builds a task from a raw URL, normalizing it and detecting the platform
func NewTask(rawURL string) CaptureTask {
	normalized := NormalizeURL(rawURL)
	return CaptureTask{
		RawURL:        rawURL,
		NormalizedURL: normalized,
		Platform:      DetectPlatform(normalized),
	}
}

// Cookie represents a browser cookie kept in a session record
type Cookie struct {
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Domain   string     `json:"domain,omitempty"`
	Path     string     `json:"path,omitempty"`
	Expires  *time.Time `json:"expires,omitempty"`
	Secure   bool       `json:"secure,omitempty"`
	HTTPOnly bool       `json:"httpOnly,omitempty"`
}

// CloneCookies returns a deep copy of cookies
func CloneCookies(cookies []Cookie) []Cookie {
	if cookies == nil {
		return nil
	}
	out := make([]Cookie, len(cookies))
	for i, c := range cookies {
		out[i] = c
		if c.Expires != nil {
			exp := *c.Expires
			out[i].Expires = &exp
		}
	}
	return out
}

// SessionRecord is the persisted authentication state of one platform
type SessionRecord struct {
	Platform        Platform  `json:"platform"`
	Cookies         []Cookie  `json:"cookies"`
	CapturedAt      time.Time `json:"capturedAt"`
	LastValidatedAt time.Time `json:"lastValidatedAt"`
	Valid           bool      `json:"valid"`
}

// Clone returns a deep copy of the record
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Cookies = CloneCookies(r.Cookies)
	return &c
}

// ProbeStatus summarizes the pre-navigation HTTP reachability probe
type ProbeStatus string

const (
	ProbeNotRun      ProbeStatus = ""
	ProbeOK          ProbeStatus = "OK"
	ProbeRedirect    ProbeStatus = "REDIRECT"
	ProbeNotFound    ProbeStatus = "NOT_FOUND"
	ProbeForbidden   ProbeStatus = "FORBIDDEN"
	ProbeClientError ProbeStatus = "CLIENT_ERROR"
	ProbeServerError ProbeStatus = "SERVER_ERROR"
	ProbeUnreachable ProbeStatus = "UNREACHABLE"
)

// ProbeStatusFromCode maps an HTTP status code onto a ProbeStatus
func ProbeStatusFromCode(code int) ProbeStatus {
	switch {
	case code >= 200 && code < 300:
		return ProbeOK
	case code >= 300 && code < 400:
		return ProbeRedirect
	case code == 404 || code == 410:
		return ProbeNotFound
	case code == 401 || code == 403 || code == 451:
		return ProbeForbidden
	case code >= 400 && code < 500:
		return ProbeClientError
	case code >= 500:
		return ProbeServerError
	}
	return ProbeUnreachable
}

// Observation is the raw outcome of one navigation attempt
type Observation struct {
	RequestedURL                     string      `json:"requestedUrl"`
	FinalURL                         string      `json:"finalUrl"`
	PageTitle                        string      `json:"pageTitle"`
	VisibleText                      string      `json:"-"`
	Screenshot                       []byte      `json:"-"`
	LoginWallDetected                bool        `json:"loginWallDetected"`
	RedirectedToKnownAuthorityDomain bool        `json:"redirectedToKnownAuthorityDomain"`
	ProbeStatus                      ProbeStatus `json:"httpProbeStatus,omitempty"`
	ProbeCode                        int         `json:"httpProbeCode,omitempty"`

	// Authenticated is true when session cookies were injected for the visit.
	Authenticated bool `json:"authenticated"`
	// Partial is true when the render was kept after a transport failure.
	Partial bool `json:"partial,omitempty"`
}

// VerdictState is the accessibility classification of a capture
type VerdictState string

const (
	Available          VerdictState = "AVAILABLE"
	BlockedNotFound    VerdictState = "BLOCKED_NOT_FOUND"
	BlockedByAuthority VerdictState = "BLOCKED_BY_AUTHORITY"
	LoginRequired      VerdictState = "LOGIN_REQUIRED"
	PrivateContent     VerdictState = "PRIVATE_CONTENT"
	Error              VerdictState = "ERROR"
)

// Signal is one indicator checked by the classifier
type Signal struct {
	Name    string `json:"name"`
	Matched bool   `json:"matched"`
	Detail  string `json:"detail,omitempty"`
}

// Verdict is the classification assigned to a capture attempt
type Verdict struct {
	State   VerdictState `json:"state"`
	Reason  string       `json:"reason"`
	Signals []Signal     `json:"confidenceSignals"`
}

// ErrorVerdict builds an ERROR verdict carrying reason
func ErrorVerdict(reason string) Verdict {
	return Verdict{State: Error, Reason: reason}
}

// CaptureResult is the terminal record for a task
type CaptureResult struct {
	Index          int          `json:"index"`
	RunID          string       `json:"runId"`
	Task           CaptureTask  `json:"task"`
	Observation    *Observation `json:"observation"`
	Verdict        Verdict      `json:"verdict"`
	AttemptCount   int          `json:"attemptCount"`
	TotalLatencyMs int64        `json:"totalLatencyMs"`
	Timestamp      string       `json:"timestampIso"`
}
