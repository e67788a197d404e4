package screenshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/charmbracelet/log"
	"github.com/chromedp/chromedp"
)

// BrowserOptions selects and configures the Chrome instance shared by all lanes.
type BrowserOptions struct {
	// RemoteURL connects to an already running Chrome (ws:// or http:// debugging address).
	RemoteURL string
	// ExecPath overrides Chrome discovery.
	ExecPath string
	// Headful disables headless mode.
	Headful bool
	// Docker allows starting a browserless/chrome container when no local Chrome is found.
	Docker bool
	// DockerOnly skips local Chrome discovery.
	DockerOnly bool
	Width  int
	Height int
	// UserAgent overrides the browser's default user agent.
	UserAgent string
}

// Browser owns one Chrome process. Lanes are isolated browser contexts
// inside it.
type Browser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	cancelAlloc context.CancelFunc
	logger      *log.Logger

	// docker is set when this Browser started the container.
	docker *dockerChrome
}

// ErrChromeNotFound is returned when no local Chrome is installed.
var ErrChromeNotFound = errors.New("screenshot: no Chrome executable found")

// chromeInstallPaths are well-known install locations per GOOS.
var chromeInstallPaths = map[string][]string{
	"darwin": {
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	},
	"linux": {
		"/usr/bin/google-chrome",
		"/usr/bin/google-chrome-stable",
		"/usr/bin/chromium",
		"/usr/bin/chromium-browser",
		"/snap/bin/chromium",
	},
}

// chromeBinaries are looked up on $PATH after the install locations.
var chromeBinaries = []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "headless-shell"}

// chromeCandidates lists explicit paths to try, most specific first.
func chromeCandidates() []string {
	candidates := []string{os.Getenv("CHROME_PATH")}
	candidates = append(candidates, chromeInstallPaths[runtime.GOOS]...)
	if runtime.GOOS == "windows" {
		for _, root := range []string{"ProgramFiles", "ProgramFiles(x86)", "LocalAppData"} {
			if dir := os.Getenv(root); dir != "" {
				candidates = append(candidates, filepath.Join(dir, "Google", "Chrome", "Application", "chrome.exe"))
			}
		}
	}
	return candidates
}

// findChromeExecutable returns the first Chrome found in $CHROME_PATH, the
// install locations, or $PATH.
func findChromeExecutable() (string, error) {
	for _, path := range chromeCandidates() {
		if path == "" {
			continue
		}
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	for _, name := range chromeBinaries {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", ErrChromeNotFound
}

// NewBrowser starts (or connects to) Chrome. Priority: remote URL, local
// Chrome, Docker Chrome, chromedp defaults.
func NewBrowser(ctx context.Context, opts BrowserOptions, logger *log.Logger) (*Browser, error) {
	if logger == nil {
		logger = log.Default()
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = 1366, 768
	}

	execOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.WindowSize(opts.Width, opts.Height),
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("headless", !opts.Headful),
	)
	if opts.UserAgent != "" {
		execOpts = append(execOpts, chromedp.UserAgent(opts.UserAgent))
	}

	b := &Browser{logger: logger}
	var allocCtx context.Context

	switch {
	case opts.RemoteURL != "":
		logger.Info("Using remote Chrome", "url", opts.RemoteURL)
		allocCtx, b.cancelAlloc = chromedp.NewRemoteAllocator(ctx, opts.RemoteURL)
	default:
		execPath := opts.ExecPath
		if execPath == "" && !opts.DockerOnly {
			if p, err := findChromeExecutable(); err == nil {
				execPath = p
			} else {
				logger.Warn("Local Chrome not found", "error", err)
			}
		}

		if execPath != "" {
			logger.Info("Using local Chrome executable", "path", execPath)
			allocCtx, b.cancelAlloc = chromedp.NewExecAllocator(ctx, append(execOpts, chromedp.ExecPath(execPath))...)
			break
		}

		if opts.Docker || opts.DockerOnly {
			docker := newDockerChrome(logger)
			endpoint, started, err := docker.Start(ctx)
			if err == nil {
				logger.Info("Using Docker Chrome", "url", endpoint)
				allocCtx, b.cancelAlloc = chromedp.NewRemoteAllocator(ctx, endpoint)
				if started {
					b.docker = docker
				}
				break
			}
			logger.Warn("Docker Chrome failed", "error", err)
		}

		logger.Warn("Falling back to default Chrome settings")
		allocCtx, b.cancelAlloc = chromedp.NewExecAllocator(ctx, execOpts...)
	}

	b.ctx, b.cancel = chromedp.NewContext(allocCtx, chromedp.WithLogf(logger.Debugf), chromedp.WithErrorf(logger.Errorf))

	// Start the browser now so lane creation only opens browser contexts.
	if err := chromedp.Run(b.ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return b, nil
}

// Close shuts the browser down and stops the Docker container it started.
func (b *Browser) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	if b.cancelAlloc != nil {
		b.cancelAlloc()
	}
	if b.docker != nil {
		b.docker.Stop(context.Background())
	}
	return nil
}
