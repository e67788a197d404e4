// Package classify turns a page Observation into an accessibility Verdict.
//
// Classification is a pure function of the Observation, the platform and the
// phrase Dictionary. Structural signals are checked before phrase matching:
//
//  1. redirect to an authority block-notice domain -> BLOCKED_BY_AUTHORITY
//  2. no observation                                -> ERROR
//  3. login wall and requested path not reached     -> LOGIN_REQUIRED
//  4. unavailable phrase and URL changed            -> BLOCKED_NOT_FOUND
//  5. private phrase without unavailable phrase     -> PRIVATE_CONTENT
//  6. screenshot of a complete render               -> AVAILABLE
//  7. anything else                                 -> ERROR (inconclusive)
package classify

import (
	"fmt"
	"net/url"
	"strings"

	"screenshot-audit/model"
)

// Signal names recorded on every verdict.
const (
	SignalAuthorityDomain = "authority_domain_redirect"
	SignalLoginWall       = "login_wall"
	SignalReachedPath     = "reached_requested_path"
	SignalUnavailable     = "unavailable_phrase"
	SignalPrivate         = "private_phrase"
	SignalScreenshot      = "screenshot"
	SignalPartial         = "partial_render"
	SignalAuthenticated   = "session_authenticated"
	SignalProbe           = "http_probe"
)

// ReasonInconclusive is the reason attached when no rule matched.
const ReasonInconclusive = "inconclusive observation"

// Classifier applies the decision rules with a fixed phrase dictionary.
type Classifier struct {
	unavailable map[model.Platform][]string
	private     map[model.Platform][]string
}

// New creates a Classifier using dict.
func New(dict Dictionary) *Classifier {
	c := &Classifier{
		unavailable: make(map[model.Platform][]string),
		private:     make(map[model.Platform][]string),
	}
	for _, p := range model.Platforms {
		c.unavailable[p], c.private[p] = dict.phrases(p)
	}
	return c
}

// Default returns a Classifier with the built-in dictionary.
func Default() *Classifier {
	return New(DefaultDictionary())
}

// Classify maps an observation to a verdict. A nil observation yields ERROR.
func (c *Classifier) Classify(obs *model.Observation, platform model.Platform) model.Verdict {
	if obs == nil {
		return model.Verdict{
			State:  model.Error,
			Reason: "navigation failed: no observation",
		}
	}

	text := normalizeText(obs.VisibleText)
	unavailable := firstMatch(text, c.unavailable[platform])
	private := firstMatch(text, c.private[platform])
	reached := sameResource(obs.RequestedURL, obs.FinalURL)
	moved := obs.FinalURL != "" && !reached

	signals := []model.Signal{
		{Name: SignalAuthorityDomain, Matched: obs.RedirectedToKnownAuthorityDomain, Detail: hostDetail(obs.RedirectedToKnownAuthorityDomain, obs.FinalURL)},
		{Name: SignalLoginWall, Matched: obs.LoginWallDetected},
		{Name: SignalReachedPath, Matched: reached, Detail: obs.FinalURL},
		{Name: SignalUnavailable, Matched: unavailable != "", Detail: unavailable},
		{Name: SignalPrivate, Matched: private != "", Detail: private},
		{Name: SignalScreenshot, Matched: len(obs.Screenshot) > 0},
		{Name: SignalPartial, Matched: obs.Partial},
		{Name: SignalAuthenticated, Matched: obs.Authenticated},
	}
	if obs.ProbeStatus != model.ProbeNotRun {
		signals = append(signals, model.Signal{
			Name:    SignalProbe,
			Matched: obs.ProbeStatus == model.ProbeOK || obs.ProbeStatus == model.ProbeRedirect,
			Detail:  probeDetail(obs),
		})
	}

	verdict := func(state model.VerdictState, reason string) model.Verdict {
		return model.Verdict{State: state, Reason: reason, Signals: signals}
	}

	switch {
	case obs.RedirectedToKnownAuthorityDomain:
		return verdict(model.BlockedByAuthority,
			fmt.Sprintf("redirected to authority block notice at %s", model.Hostname(obs.FinalURL)))

	case obs.LoginWallDetected && !reached:
		if obs.Authenticated {
			return verdict(model.LoginRequired,
				"login wall shown despite an authenticated session; the session may have expired")
		}
		return verdict(model.LoginRequired,
			"login wall shown to an unauthenticated session; the resource likely exists behind login")

	case unavailable != "" && moved:
		return verdict(model.BlockedNotFound,
			fmt.Sprintf("content-unavailable phrase %q matched and page moved to %s", unavailable, obs.FinalURL))

	case private != "" && unavailable == "":
		return verdict(model.PrivateContent,
			fmt.Sprintf("private-account phrase %q matched", private))

	case len(obs.Screenshot) > 0 && !obs.Partial:
		return verdict(model.Available, "page rendered and captured")
	}

	return verdict(model.Error, ReasonInconclusive)
}

func firstMatch(text string, phrases []string) string {
	if text == "" {
		return ""
	}
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return p
		}
	}
	return ""
}

// sameResource reports whether final points at the same host and path as
// requested. Scheme, query, fragment, "www."/"m." prefixes, letter case and
// trailing slashes are ignored.
func sameResource(requested, final string) bool {
	if final == "" {
		return false
	}
	rh, rp, ok := hostPath(requested)
	if !ok {
		return false
	}
	fh, fp, ok := hostPath(final)
	if !ok {
		return false
	}
	return rh == fh && rp == fp
}

func hostPath(raw string) (host, path string, ok bool) {
	u, err := url.Parse(model.NormalizeURL(raw))
	if err != nil || u.Host == "" {
		return "", "", false
	}
	host = model.Hostname(raw)
	path = strings.ToLower(strings.TrimRight(u.EscapedPath(), "/"))
	return host, path, true
}

func hostDetail(matched bool, finalURL string) string {
	if !matched {
		return ""
	}
	return model.Hostname(finalURL)
}

func probeDetail(obs *model.Observation) string {
	if obs.ProbeCode > 0 {
		return fmt.Sprintf("%s (%d)", obs.ProbeStatus, obs.ProbeCode)
	}
	return string(obs.ProbeStatus)
}
