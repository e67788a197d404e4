package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"screenshot-audit/model"
	"screenshot-audit/session"
)

// State is a step of the login state machine.
type State string

const (
	Unauthenticated         State = "UNAUTHENTICATED"
	CredentialsSubmitted    State = "CREDENTIALS_SUBMITTED"
	AwaitingManualChallenge State = "AWAITING_MANUAL_CHALLENGE"
	Authenticated           State = "AUTHENTICATED"
	Partial                 State = "PARTIAL"
	Failed                  State = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Authenticated || s == Partial || s == Failed
}

var (
	ErrNoProfile     = errors.New("auth: platform has no login profile")
	ErrNoCredentials = errors.New("auth: no credentials configured")
)

// Credentials for one platform account.
type Credentials struct {
	Username string
	Password string
}

// Empty reports whether login cannot be attempted.
func (c Credentials) Empty() bool {
	return c.Username == "" || c.Password == ""
}

// Driver performs the browser side of a login. It is implemented by a
// navigation lane.
type Driver interface {
	OpenLogin(ctx context.Context, loginURL string) error
	SubmitCredentials(ctx context.Context, form LoginForm, creds Credentials) error
	// Inspect observes the current page without navigating.
	Inspect(ctx context.Context) (*model.Observation, error)
	Cookies(ctx context.Context) ([]model.Cookie, error)
}

// Outcome is the terminal result of a login attempt.
type Outcome struct {
	Platform model.Platform
	State    State
	Cookies  []model.Cookie
	// Valid is the session validity after the post-login probe
	// navigation. It stays false for PARTIAL and FAILED logins.
	Valid bool
	Err   error
}

// Degraded reports whether captures for the platform run without a
// fully verified session.
func (o Outcome) Degraded() bool {
	return o.State != Authenticated || !o.Valid
}

// Flow runs platform logins and persists the resulting cookies.
type Flow struct {
	store    *session.Store
	profiles map[model.Platform]Profile
	logger   *log.Logger

	// ChallengeWindow bounds the wait for a human to clear a CAPTCHA or
	// step-up verification.
	ChallengeWindow time.Duration
	// PollInterval is how often the page is inspected during the window.
	PollInterval time.Duration
}

// NewFlow creates a login flow. A nil profiles map uses DefaultProfiles.
func NewFlow(store *session.Store, profiles map[model.Platform]Profile, logger *log.Logger) *Flow {
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Flow{
		store:           store,
		profiles:        profiles,
		logger:          logger,
		ChallengeWindow: 90 * time.Second,
		PollInterval:    3 * time.Second,
	}
}

// Profile returns the login profile for platform.
func (f *Flow) Profile(platform model.Platform) (Profile, bool) {
	p, ok := f.profiles[platform]
	return p, ok
}

// Run logs into platform through d. An AUTHENTICATED session is validated
// by check, which must navigate to a known account page with the fresh
// cookies; a nil check leaves the session unvalidated. Failures are
// reported in the Outcome, never panicked or returned as fatal errors.
func (f *Flow) Run(ctx context.Context, platform model.Platform, creds Credentials, d Driver, check session.ProbeFunc) Outcome {
	out := Outcome{Platform: platform, State: Unauthenticated}

	profile, ok := f.profiles[platform]
	if !ok {
		out.State, out.Err = Failed, ErrNoProfile
		return out
	}
	if creds.Empty() {
		out.State, out.Err = Failed, ErrNoCredentials
		return out
	}

	f.logger.Info("auth: opening login page", "platform", platform, "url", profile.LoginURL)
	if err := d.OpenLogin(ctx, profile.LoginURL); err != nil {
		return f.finish(ctx, out, d, check, fmt.Errorf("open login: %w", err))
	}

	if err := d.SubmitCredentials(ctx, profile.Form, creds); err != nil {
		return f.finish(ctx, out, d, check, fmt.Errorf("submit credentials: %w", err))
	}
	out.State = CredentialsSubmitted
	f.logger.Debug("auth: credentials submitted", "platform", platform)

	out.State = AwaitingManualChallenge
	obs, err := f.awaitChallenge(ctx, platform, profile, d)
	if err != nil {
		return f.finish(ctx, out, d, check, err)
	}
	out.State = resolveState(profile, obs)
	return f.finish(ctx, out, d, check, nil)
}

// awaitChallenge polls the page until the home surface appears or the
// challenge window ends, then returns the last inspection.
func (f *Flow) awaitChallenge(ctx context.Context, platform model.Platform, profile Profile, d Driver) (*model.Observation, error) {
	window := f.ChallengeWindow
	poll := f.PollInterval
	if poll <= 0 || poll > window {
		poll = window
	}

	deadline := time.NewTimer(window)
	defer deadline.Stop()
	ticker := time.NewTicker(maxDuration(poll, time.Millisecond))
	defer ticker.Stop()

	f.logger.Info("auth: waiting for manual challenge", "platform", platform, "window", window)

	var last *model.Observation
	inspect := func() bool {
		obs, err := d.Inspect(ctx)
		if err != nil {
			f.logger.Debug("auth: inspect failed", "platform", platform, "error", err)
			return false
		}
		last = obs
		return resolveState(profile, obs) == Authenticated
	}

	if inspect() {
		return last, nil
	}
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			if obs, err := d.Inspect(ctx); err == nil {
				last = obs
			} else if last == nil {
				return nil, fmt.Errorf("inspect: %w", err)
			}
			return last, nil
		case <-ticker.C:
			if inspect() {
				f.logger.Info("auth: home surface reached", "platform", platform)
				return last, nil
			}
		}
	}
}

// finish persists cookies for every terminal state. Only AUTHENTICATED
// sessions are validated, and only through check.
func (f *Flow) finish(ctx context.Context, out Outcome, d Driver, check session.ProbeFunc, cause error) Outcome {
	if cause != nil {
		out.State = Failed
		out.Err = cause
	}

	cookies, err := d.Cookies(ctx)
	if err != nil {
		f.logger.Warn("auth: reading cookies failed", "platform", out.Platform, "error", err)
	}
	out.Cookies = cookies

	if f.store != nil && len(cookies) > 0 {
		if err := f.store.Save(ctx, out.Platform, cookies); err != nil {
			f.logger.Warn("auth: cookies not persisted", "platform", out.Platform, "error", err)
		}
		switch {
		case out.State != Authenticated:
		case check == nil:
			f.logger.Debug("auth: no validation navigation, session left unverified", "platform", out.Platform)
		default:
			valid, err := f.store.Validate(ctx, out.Platform, check)
			if err != nil {
				f.logger.Warn("auth: validation failed", "platform", out.Platform, "error", err)
			}
			out.Valid = valid
		}
	}

	logFn := f.logger.Info
	if out.State != Authenticated {
		logFn = f.logger.Warn
	}
	logFn("auth: finished", "platform", out.Platform, "state", out.State, "valid", out.Valid, "cookies", len(cookies))
	return out
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
