package auth

import (
	"strings"

	"screenshot-audit/model"
)

// LoginForm holds CSS selectors for a platform's login form.
type LoginForm struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	// Submit may be empty, in which case the password field's form is submitted.
	Submit string `json:"submit,omitempty" yaml:"submit,omitempty"`
}

// Profile describes how to log into a platform and how to recognise the
// page reached afterwards.
type Profile struct {
	LoginURL string    `json:"login_url" yaml:"login_url"`
	Form     LoginForm `json:"form" yaml:"form"`
	// Domain is the platform's registrable domain.
	Domain                string   `json:"domain" yaml:"domain"`
	LoginURLMarkers       []string `json:"login_url_markers" yaml:"login_url_markers"`
	CheckpointURLMarkers  []string `json:"checkpoint_url_markers" yaml:"checkpoint_url_markers"`
	CheckpointTextMarkers []string `json:"checkpoint_text_markers" yaml:"checkpoint_text_markers"`
	HomeTextMarkers       []string `json:"home_text_markers" yaml:"home_text_markers"`
}

// DefaultProfiles returns the built-in login profiles. GENERIC has none.
func DefaultProfiles() map[model.Platform]Profile {
	return map[model.Platform]Profile{
		model.Facebook: {
			LoginURL: "https://www.facebook.com/login/",
			Form: LoginForm{
				Username: `input[name="email"]`,
				Password: `input[name="pass"]`,
				Submit:   `button[name="login"]`,
			},
			Domain:               "facebook.com",
			LoginURLMarkers:      []string{"/login", "login.php", "/recover"},
			CheckpointURLMarkers: []string{"/checkpoint", "two_step_verification", "/two_factor"},
			CheckpointTextMarkers: []string{
				"enter the code",
				"approve from another device",
				"confirm your identity",
				"security check",
				"check your notifications on another device",
			},
			HomeTextMarkers: []string{"what's on your mind", "create story"},
		},
		model.Instagram: {
			LoginURL: "https://www.instagram.com/accounts/login/",
			Form: LoginForm{
				Username: `input[name="username"]`,
				Password: `input[name="password"]`,
				Submit:   `button[type="submit"]`,
			},
			Domain:               "instagram.com",
			LoginURLMarkers:      []string{"/accounts/login"},
			CheckpointURLMarkers: []string{"/challenge", "/two_factor", "/accounts/suspended"},
			CheckpointTextMarkers: []string{
				"enter the 6-digit code",
				"enter security code",
				"suspicious login attempt",
				"help us confirm it's you",
			},
			HomeTextMarkers: []string{"suggested for you", "switch"},
		},
	}
}

// resolveState maps the inspected page to a terminal state. A checkpoint
// wins over everything, a login form means failure, and any other page on
// the platform domain counts as the authenticated home surface.
func resolveState(p Profile, obs *model.Observation) State {
	if obs == nil {
		return Failed
	}
	finalURL := strings.ToLower(obs.FinalURL)
	text := strings.ToLower(obs.VisibleText)

	switch {
	case containsAny(finalURL, p.CheckpointURLMarkers), containsAny(text, p.CheckpointTextMarkers):
		return Partial
	case obs.LoginWallDetected, containsAny(finalURL, p.LoginURLMarkers):
		return Failed
	case containsAny(text, p.HomeTextMarkers):
		return Authenticated
	case p.Domain != "" && model.HostMatches(model.Hostname(obs.FinalURL), p.Domain):
		return Authenticated
	}
	return Failed
}

func containsAny(s string, markers []string) bool {
	if s == "" {
		return false
	}
	for _, m := range markers {
		if m != "" && strings.Contains(s, strings.ToLower(m)) {
			return true
		}
	}
	return false
}
