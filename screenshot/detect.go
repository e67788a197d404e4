package screenshot

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"screenshot-audit/model"
)

// DefaultAuthorityDomains are hosts that serve government or regulator
// block notices in place of the requested page.
var DefaultAuthorityDomains = []string{
	"warning.rt.ru",
	"blocklist.rkn.gov.ru",
	"eais.rkn.gov.ru",
	"internetpositif.id",
	"internet-positif.info",
	"ukispcourtorders.co.uk",
}

// AuthorityMatcher checks final URLs against a block-notice domain allow-list.
type AuthorityMatcher struct {
	domains []string
}

// NewAuthorityMatcher builds a matcher; entries may be bare domains or URLs.
func NewAuthorityMatcher(domains []string) *AuthorityMatcher {
	m := &AuthorityMatcher{}
	for _, d := range domains {
		d = strings.TrimSpace(strings.ToLower(d))
		if strings.Contains(d, "/") {
			d = model.Hostname(d)
		}
		d = strings.TrimPrefix(d, ".")
		if d != "" {
			m.domains = append(m.domains, d)
		}
	}
	return m
}

// Match reports whether navigation from requested ended on an authority
// domain. Requesting an authority domain directly is not a redirect.
func (m *AuthorityMatcher) Match(requested, final string) bool {
	if m == nil || final == "" {
		return false
	}
	finalHost := model.Hostname(final)
	if finalHost == "" || finalHost == model.Hostname(requested) {
		return false
	}
	return m.contains(finalHost) && !m.contains(model.Hostname(requested))
}

func (m *AuthorityMatcher) contains(host string) bool {
	for _, d := range m.domains {
		if model.HostMatches(host, d) {
			return true
		}
	}
	return false
}

const (
	passwordSelector = `input[type="password"], input[type="Password"], input[type="PASSWORD"]`
	userSelector     = `input[name="email"], input[name="username"], input[name="login"], input[autocomplete="username"], input[type="email"]`
)

var loginFormHints = []string{"login", "log_in", "signin", "sign_in", "accounts/login"}

// DetectLoginWall inspects rendered HTML for a credential form: any password
// input, or a username/email input inside a form that posts to a login
// endpoint. It returns the matched evidence for logging.
func DetectLoginWall(html string) (bool, string) {
	if strings.TrimSpace(html) == "" {
		return false, ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false, ""
	}

	if doc.Find(passwordSelector).Length() > 0 {
		return true, "password input"
	}

	found := false
	evidence := ""
	doc.Find("form").EachWithBreak(func(_ int, form *goquery.Selection) bool {
		if form.Find(userSelector).Length() == 0 {
			return true
		}
		action, _ := form.Attr("action")
		id, _ := form.Attr("id")
		hint := strings.ToLower(action + " " + id)
		for _, h := range loginFormHints {
			if strings.Contains(hint, h) {
				found = true
				evidence = "login form " + strings.TrimSpace(hint)
				return false
			}
		}
		return true
	})
	return found, evidence
}
