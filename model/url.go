package model

import (
	"net/url"
	"strings"
)

// NormalizeURL ensures the URL has a scheme. No other rewriting is done.
func NormalizeURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return s
	}
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return s
	}
	if strings.HasPrefix(s, "//") {
		return "https:" + s
	}
	return "https://" + s
}

// Hostname returns the lower-cased host of rawURL without port and without a
// leading "www." or "m." label
func Hostname(rawURL string) string {
	u, err := url.Parse(NormalizeURL(rawURL))
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "m.")
	return host
}

// DetectPlatform derives the platform from the URL host
func DetectPlatform(rawURL string) Platform {
	host := Hostname(rawURL)
	switch {
	case hostIs(host, "facebook.com"), hostIs(host, "fb.com"), hostIs(host, "fb.me"):
		return Facebook
	case hostIs(host, "instagram.com"), hostIs(host, "instagr.am"):
		return Instagram
	}
	return Generic
}

// HostMatches reports whether host equals domain or is a subdomain of it
func HostMatches(host, domain string) bool {
	return hostIs(strings.ToLower(host), strings.ToLower(strings.TrimPrefix(domain, ".")))
}

func hostIs(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}
