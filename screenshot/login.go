package screenshot

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"

	"screenshot-audit/auth"
	"screenshot-audit/model"
)

var _ auth.Driver = (*Controller)(nil)

// OpenLogin clears the lane's cookies and loads the login page.
func (c *Controller) OpenLogin(ctx context.Context, loginURL string) error {
	runCtx, cancel := c.run(ctx)
	defer cancel()

	if err := chromedp.Run(runCtx, injectCookies(nil, loginURL)); err != nil {
		return &NavigationError{URL: loginURL, Op: "prepare", Err: err}
	}
	c.drainIdle()

	navCtx, navCancel := context.WithTimeout(runCtx, c.opts.NavigationTimeout)
	defer navCancel()
	if err := chromedp.Run(navCtx, chromedp.Navigate(loginURL)); err != nil {
		return &NavigationError{URL: loginURL, Op: "navigate", Err: err}
	}
	c.waitIdle(runCtx, c.opts.SettleTimeout)

	c.mu.Lock()
	c.lastURL = loginURL
	c.mu.Unlock()
	return nil
}

// SubmitCredentials fills the login form and submits it.
func (c *Controller) SubmitCredentials(ctx context.Context, form auth.LoginForm, creds auth.Credentials) error {
	runCtx, cancel := c.run(ctx)
	defer cancel()

	formCtx, formCancel := context.WithTimeout(runCtx, c.opts.SettleTimeout)
	defer formCancel()

	actions := chromedp.Tasks{
		chromedp.WaitVisible(form.Username, chromedp.ByQuery),
		chromedp.SendKeys(form.Username, creds.Username, chromedp.ByQuery),
		chromedp.SendKeys(form.Password, creds.Password, chromedp.ByQuery),
	}
	if form.Submit != "" {
		actions = append(actions, chromedp.Click(form.Submit, chromedp.ByQuery))
	} else {
		actions = append(actions, chromedp.Submit(form.Password, chromedp.ByQuery))
	}

	c.drainIdle()
	if err := chromedp.Run(formCtx, actions); err != nil {
		return fmt.Errorf("login form: %w", err)
	}
	c.waitIdle(runCtx, c.opts.SettleTimeout)
	return nil
}

// Inspect observes the page currently loaded in the lane.
func (c *Controller) Inspect(ctx context.Context) (*model.Observation, error) {
	runCtx, cancel := c.run(ctx)
	defer cancel()

	colCtx, colCancel := context.WithTimeout(runCtx, c.opts.CollectTimeout)
	defer colCancel()

	c.mu.Lock()
	requested := c.lastURL
	c.mu.Unlock()

	obs := &model.Observation{RequestedURL: requested}
	if err := c.collect(colCtx, obs); err != nil {
		return nil, fmt.Errorf("inspect: %w", err)
	}
	return obs, nil
}

// Cookies exports the cookies of the page currently loaded in the lane.
func (c *Controller) Cookies(ctx context.Context) ([]model.Cookie, error) {
	runCtx, cancel := c.run(ctx)
	defer cancel()

	var cookies []model.Cookie
	if err := chromedp.Run(runCtx, exportCookies(&cookies)); err != nil {
		return nil, err
	}
	return cookies, nil
}
