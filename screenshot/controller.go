package screenshot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"screenshot-audit/model"
)

// maxFullPageHeight bounds the device-metrics override for very long pages.
const maxFullPageHeight = 16384

// Options tune a lane's navigation and rendering.
type Options struct {
	// NavigationTimeout is the hard transport timeout for the main document.
	NavigationTimeout time.Duration
	// SettleTimeout bounds the wait for the networkIdle lifecycle event.
	SettleTimeout time.Duration
	// RedirectSettle is the extra wait for meta-refresh and script redirects.
	RedirectSettle time.Duration
	// CollectTimeout bounds reading the rendered page.
	CollectTimeout time.Duration
	// TextLimit is the maximum number of runes kept from innerText.
	TextLimit int

	Format   string // png or jpeg
	Quality  int
	FullPage bool
	Width    int
	Height   int

	Authority *AuthorityMatcher
	Prober    *Prober
}

func (o *Options) setDefaults() {
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = 45 * time.Second
	}
	if o.SettleTimeout <= 0 {
		o.SettleTimeout = 10 * time.Second
	}
	if o.RedirectSettle < 0 {
		o.RedirectSettle = 0
	}
	if o.CollectTimeout <= 0 {
		o.CollectTimeout = 20 * time.Second
	}
	if o.TextLimit <= 0 {
		o.TextLimit = 4000
	}
	if o.Format != "jpeg" {
		o.Format = "png"
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = 90
	}
	if o.Width <= 0 || o.Height <= 0 {
		o.Width, o.Height = 1366, 768
	}
}

// Controller is one navigation lane: an isolated browser context reused for
// sequential captures. A Controller is not safe for concurrent use.
type Controller struct {
	id     int
	ctx    context.Context
	cancel context.CancelFunc
	opts   Options
	logger *log.Logger

	idle chan struct{}

	mu      sync.Mutex
	closed  bool
	lastURL string
}

// NewLane opens a new isolated browser context in b.
func (b *Browser) NewLane(id int, opts Options) (*Controller, error) {
	opts.setDefaults()
	ctx, cancel := chromedp.NewContext(b.ctx, chromedp.WithNewBrowserContext())

	c := &Controller{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		opts:   opts,
		logger: b.logger.With("lane", id),
		idle:   make(chan struct{}, 1),
	}

	chromedp.ListenTarget(ctx, func(ev interface{}) {
		if e, ok := ev.(*page.EventLifecycleEvent); ok && e.Name == "networkIdle" {
			select {
			case c.idle <- struct{}{}:
			default:
			}
		}
	})

	if err := chromedp.Run(ctx,
		page.SetLifecycleEventsEnabled(true),
		emulation.SetDeviceMetricsOverride(int64(opts.Width), int64(opts.Height), 1, false),
	); err != nil {
		cancel()
		return nil, fmt.Errorf("open lane %d: %w", id, err)
	}
	return c, nil
}

// ID returns the lane number.
func (c *Controller) ID() int { return c.id }

// Close closes the lane's browser context.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.cancel()
	}
	return nil
}

// run derives a context bound to both the lane and the caller's ctx.
// Cancelling it aborts the current actions without closing the tab.
func (c *Controller) run(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(c.ctx)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

// Capture navigates to the task URL with cookies installed and returns what
// was observed. Transport failures return *NavigationError unless a usable
// partial render exists.
func (c *Controller) Capture(ctx context.Context, task model.CaptureTask, cookies []model.Cookie) (*model.Observation, error) {
	target := task.NormalizedURL
	if target == "" {
		target = model.NormalizeURL(task.RawURL)
	}
	obs := &model.Observation{
		RequestedURL:  target,
		Authenticated: len(cookies) > 0,
	}

	if task.Platform == model.Generic && c.opts.Prober != nil {
		obs.ProbeStatus, obs.ProbeCode = c.opts.Prober.Probe(ctx, target)
	}

	runCtx, cancel := c.run(ctx)
	defer cancel()

	if err := chromedp.Run(runCtx, injectCookies(cookies, target)); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &NavigationError{URL: target, Op: "prepare", Err: err}
	}

	c.drainIdle()
	start := time.Now()
	navCtx, navCancel := context.WithTimeout(runCtx, c.opts.NavigationTimeout)
	resp, navErr := chromedp.RunResponse(navCtx, chromedp.Navigate(target))
	navCancel()

	if navErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("nav: transport failure", "url", target, "error", navErr)
		if c.collectPartial(runCtx, obs) {
			c.logger.Info("nav: keeping partial render", "url", target, "final", obs.FinalURL)
			return obs, nil
		}
		return nil, &NavigationError{URL: target, Op: "navigate", Err: navErr}
	}
	if resp != nil {
		c.logger.Debug("nav: main document", "url", target, "status", resp.Status, "elapsed", time.Since(start))
	}

	if !c.waitIdle(runCtx, c.opts.SettleTimeout) {
		c.logger.Debug("nav: settle timeout before networkIdle", "url", target)
	}
	if err := sleepContext(runCtx, c.opts.RedirectSettle); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &NavigationError{URL: target, Op: "settle", Err: err}
	}

	colCtx, colCancel := context.WithTimeout(runCtx, c.opts.CollectTimeout)
	err := c.collect(colCtx, obs)
	colCancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &NavigationError{URL: target, Op: "collect", Err: err}
	}
	c.logger.Debug("nav: captured", "url", target, "final", obs.FinalURL,
		"loginWall", obs.LoginWallDetected, "authority", obs.RedirectedToKnownAuthorityDomain)
	return obs, nil
}

// collectPartial records whatever rendered after a transport failure.
// It reports false when only an error page is present.
func (c *Controller) collectPartial(runCtx context.Context, obs *model.Observation) bool {
	ctx, cancel := context.WithTimeout(runCtx, c.opts.CollectTimeout/2)
	defer cancel()

	var location string
	if err := chromedp.Run(ctx, chromedp.Location(&location)); err != nil || isErrorPage(location) {
		return false
	}
	if err := c.collect(ctx, obs); err != nil {
		return false
	}
	if len(obs.Screenshot) == 0 && strings.TrimSpace(obs.VisibleText) == "" {
		return false
	}
	obs.Partial = true
	return true
}

// collect reads the rendered page into obs and runs the structural detectors.
func (c *Controller) collect(ctx context.Context, obs *model.Observation) error {
	var (
		location, title, text, html string
		shot                        []byte
	)
	err := chromedp.Run(ctx,
		chromedp.Location(&location),
		chromedp.Title(&title),
		chromedp.Evaluate(fmt.Sprintf(`(() => { const b = document.body; return b ? b.innerText.slice(0, %d) : ""; })()`, c.opts.TextLimit*2), &text),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		c.screenshot(&shot),
	)
	if err != nil {
		return err
	}

	obs.FinalURL = location
	obs.PageTitle = title
	obs.VisibleText = truncateRunes(text, c.opts.TextLimit)
	obs.Screenshot = shot
	obs.LoginWallDetected, _ = DetectLoginWall(html)
	obs.RedirectedToKnownAuthorityDomain = c.opts.Authority.Match(obs.RequestedURL, location)

	c.mu.Lock()
	c.lastURL = location
	c.mu.Unlock()
	return nil
}

// screenshot captures the viewport or, for full-page mode, resizes the
// viewport to the document and restores it afterwards.
func (c *Controller) screenshot(buf *[]byte) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if c.opts.FullPage {
			var metrics map[string]interface{}
			if err := chromedp.Evaluate(`({
				width: Math.max(document.body ? document.body.scrollWidth : 0, document.documentElement.scrollWidth),
				height: Math.max(document.body ? document.body.scrollHeight : 0, document.documentElement.scrollHeight),
			})`, &metrics).Do(ctx); err != nil {
				return err
			}
			width, _ := metrics["width"].(float64)
			height, _ := metrics["height"].(float64)
			if width < float64(c.opts.Width) {
				width = float64(c.opts.Width)
			}
			if height > maxFullPageHeight {
				height = maxFullPageHeight
			}
			if err := emulation.SetDeviceMetricsOverride(int64(width), int64(height), 1, false).Do(ctx); err != nil {
				return err
			}
			defer emulation.SetDeviceMetricsOverride(int64(c.opts.Width), int64(c.opts.Height), 1, false).Do(ctx)
		}

		shot := page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng)
		if c.opts.Format == "jpeg" {
			shot = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatJpeg).
				WithQuality(int64(c.opts.Quality))
		}
		data, err := shot.Do(ctx)
		if err != nil {
			return err
		}
		*buf = data
		return nil
	})
}

func (c *Controller) drainIdle() {
	for {
		select {
		case <-c.idle:
		default:
			return
		}
	}
}

// waitIdle waits for networkIdle, the soft timeout d, or ctx.
func (c *Controller) waitIdle(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.idle:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncateRunes(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
