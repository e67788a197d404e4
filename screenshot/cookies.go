package screenshot

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"screenshot-audit/model"
)

// sessionCookieLifetime is used for cookies stored without an expiry.
const sessionCookieLifetime = 180 * 24 * time.Hour

// injectCookies clears the lane's jar and installs cookies. Cookies without a
// domain are scoped to the site of target, or to its exact host when that is
// an IP address or a single-label name.
func injectCookies(cookies []model.Cookie, target string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.ClearBrowserCookies().Do(ctx); err != nil {
			return fmt.Errorf("clear cookies: %w", err)
		}
		for _, c := range cookies {
			path := c.Path
			if path == "" {
				path = "/"
			}
			expires := time.Now().Add(sessionCookieLifetime)
			if c.Expires != nil {
				expires = *c.Expires
			}
			expr := cdp.TimeSinceEpoch(expires)

			params := network.SetCookie(c.Name, c.Value).
				WithExpires(&expr).
				WithPath(path).
				WithHTTPOnly(c.HTTPOnly).
				WithSecure(c.Secure)
			switch host := model.Hostname(target); {
			case c.Domain != "":
				params = params.WithDomain(c.Domain)
			case net.ParseIP(host) != nil || !strings.Contains(host, "."):
				params = params.WithURL(target)
			default:
				params = params.WithDomain("." + host)
			}
			if err := params.Do(ctx); err != nil {
				return fmt.Errorf("set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	})
}

// exportCookies reads the cookies visible to the current page.
func exportCookies(out *[]model.Cookie) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().Do(ctx)
		if err != nil {
			return fmt.Errorf("get cookies: %w", err)
		}
		res := make([]model.Cookie, 0, len(cookies))
		for _, c := range cookies {
			mc := model.Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HTTPOnly: c.HTTPOnly,
			}
			if !c.Session && c.Expires > 0 {
				sec := int64(c.Expires)
				exp := time.Unix(sec, int64((c.Expires-float64(sec))*1e9)).UTC()
				mc.Expires = &exp
			}
			res = append(res, mc)
		}
		*out = res
		return nil
	})
}
