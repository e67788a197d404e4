package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/briandowns/spinner"
	"github.com/charmbracelet/log"

	"screenshot-audit/auth"
	"screenshot-audit/capture"
	"screenshot-audit/classify"
	"screenshot-audit/config"
	"screenshot-audit/model"
	"screenshot-audit/output"
	"screenshot-audit/ratelimit"
	"screenshot-audit/screenshot"
	"screenshot-audit/session"
)

// CLIFlags are the command line flags. Flags override the config file.
type CLIFlags struct {
	Config      string `help:"Path to configuration file (.yaml, .yml or .json)" short:"f"`
	URL         string `help:"Single URL to capture (overrides config file URLs)" short:"u"`
	URLs        string `help:"Comma-separated list of URLs to capture (overrides config file URLs)" name:"urls"`
	Concurrency int    `help:"Number of navigation lanes" short:"c"`
	Output      string `help:"Output directory" short:"o"`
	Chrome      string `help:"Chrome mode: auto, local, docker or remote"`
	RemoteURL   string `help:"Remote Chrome debugging URL (implies --chrome=remote)" name:"remote-url"`
	LogLevel    string `help:"Log level (debug, info, warn, error)" name:"log-level"`
	NoProgress  bool   `help:"Disable the progress spinner" name:"no-progress"`
}

func main() {
	var flags CLIFlags
	kong.Parse(&flags,
		kong.Name("screenshot-audit"),
		kong.Description("Capture pages and classify whether they are reachable, blocked or behind a login."),
	)

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, TimeFormat: time.TimeOnly})
	log.SetDefault(logger)

	cfg, err := loadConfig(flags)
	if err != nil {
		logger.Fatal("Failed to load configuration", "error", err)
	}
	logger.SetLevel(cfg.Level())

	tasks := cfg.Tasks()
	if len(tasks) == 0 {
		logger.Fatal("No URLs to process. Please specify URLs in the config file or use --url/--urls flags.")
	}

	// Create context with cancel for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Warn("Received signal, shutting down gracefully", "signal", sig)
		cancel()
		// A second signal or a stuck shutdown exits hard.
		select {
		case <-signalChan:
		case <-time.After(15 * time.Second):
		}
		screenshot.StopDockerChrome(logger)
		os.Exit(1)
	}()

	if err := run(ctx, cfg, tasks, !flags.NoProgress, logger); err != nil {
		logger.Fatal("Capture failed", "error", err)
	}
}

// loadConfig reads the config file, if any, and applies flag overrides
func loadConfig(flags CLIFlags) (*config.Config, error) {
	var cfg *config.Config
	if flags.Config != "" {
		loaded, err := config.LoadConfig(flags.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		def := config.Default()
		cfg = &def
	}

	switch {
	case flags.URL != "":
		cfg.URLs = []string{flags.URL}
	case flags.URLs != "":
		cfg.URLs = nil
		for _, u := range strings.Split(flags.URLs, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.URLs = append(cfg.URLs, u)
			}
		}
	}
	if flags.Concurrency > 0 {
		cfg.Capture.Concurrency = flags.Concurrency
	}
	if flags.Output != "" {
		cfg.OutputDir = flags.Output
	}
	switch flags.Chrome {
	case "":
	case config.ChromeAuto, config.ChromeLocal, config.ChromeDocker, config.ChromeRemote:
		cfg.Browser.Mode = flags.Chrome
	default:
		return nil, fmt.Errorf("unsupported chrome mode: %s", flags.Chrome)
	}
	if flags.RemoteURL != "" {
		cfg.Browser.Mode = config.ChromeRemote
		cfg.Browser.RemoteURL = flags.RemoteURL
	}
	if flags.LogLevel != "" {
		if _, err := log.ParseLevel(flags.LogLevel); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", flags.LogLevel, err)
		}
		cfg.LogLevel = flags.LogLevel
	}
	return cfg, nil
}

func openSessionStore(cfg *config.Config, logger *log.Logger) (*session.Store, error) {
	var backend session.Backend
	switch cfg.Session.Store {
	case config.StoreSQLite:
		b, err := session.OpenSQLite(cfg.Session.Path)
		if err != nil {
			return nil, err
		}
		backend = b
	case config.StoreFile:
		b, err := session.OpenFileBackend(cfg.Session.Path)
		if err != nil {
			return nil, err
		}
		backend = b
	}
	return session.NewStore(backend, logger.WithPrefix("session")), nil
}

// seedSessions stores configured cookie profiles for platforms that have no
// stored session yet. They are probed like any other stored session.
func seedSessions(ctx context.Context, store *session.Store, cfg *config.Config, logger *log.Logger) {
	for platform, cookies := range cfg.SeedCookies() {
		if store.Load(ctx, platform) != nil {
			continue
		}
		if err := store.Save(ctx, platform, cookies); err != nil {
			logger.Warn("Seed cookies not persisted", "platform", platform, "error", err)
			continue
		}
		logger.Info("Seeded session from cookie profile", "platform", platform, "cookies", len(cookies))
	}
}

func run(ctx context.Context, cfg *config.Config, tasks []model.CaptureTask, progress bool, logger *log.Logger) error {
	store, err := openSessionStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()
	seedSessions(ctx, store, cfg, logger)

	def, policies := cfg.RatePolicies()
	limiter := ratelimit.New(def, policies, logger.WithPrefix("ratelimit"))

	flow := auth.NewFlow(store, cfg.AuthProfiles(), logger.WithPrefix("auth"))
	flow.ChallengeWindow = cfg.Auth.ChallengeWindow.Duration
	flow.PollInterval = cfg.Auth.PollInterval.Duration

	writer, err := output.NewWriter(cfg.OutputDir, cfg.Capture.FileFormat, logger)
	if err != nil {
		return err
	}

	browser, err := screenshot.NewBrowser(ctx, cfg.BrowserOptions(), logger.WithPrefix("browser"))
	if err != nil {
		return err
	}
	defer browser.Close()

	laneOpts := cfg.LaneOptions(logger)
	lanes := func(_ context.Context, id int) (capture.Navigator, error) {
		lane, err := browser.NewLane(id, laneOpts)
		if err != nil {
			return nil, err
		}
		return lane, nil
	}

	var s *spinner.Spinner
	done := 0
	if progress {
		s = spinner.New(spinner.CharSets[9], 100*time.Millisecond)
		s.Suffix = fmt.Sprintf(" captured 0/%d", len(tasks))
		s.Start()
		defer s.Stop()
	}

	onResult := func(res model.CaptureResult) {
		if _, err := writer.WriteScreenshot(res); err != nil {
			logger.Error("Failed to save screenshot", "url", res.Task.NormalizedURL, "error", err)
		}
		done++
		if s != nil {
			s.Lock()
			s.Suffix = fmt.Sprintf(" captured %d/%d  last: %s %s", done, len(tasks), res.Verdict.State, res.Task.NormalizedURL)
			s.Unlock()
		}
	}

	orch := capture.New(capture.Deps{
		Lanes:      lanes,
		Store:      store,
		Limiter:    limiter,
		Classifier: classify.New(cfg.Dictionary()),
		Auth:       flow,
	}, capture.Options{
		Lanes:       cfg.Capture.Concurrency,
		Retry:       cfg.RetryPolicy(),
		TaskTimeout: cfg.Capture.TaskTimeout.Duration,
		Credentials: cfg.AuthCredentials(),
		OnResult:    onResult,
	}, logger.WithPrefix("capture"))

	logger.Info("Starting capture", "urls", len(tasks), "lanes", cfg.Capture.Concurrency)
	startTime := time.Now()

	results, runErr := orch.Run(ctx, tasks)
	if s != nil {
		s.Stop()
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	path, err := writer.WriteResults(results)
	if err != nil {
		return err
	}

	summary := output.Summarize(results)
	keyvals := []interface{}{"elapsed", time.Since(startTime).Round(time.Millisecond), "results", path}
	for _, state := range []model.VerdictState{
		model.Available, model.BlockedNotFound, model.BlockedByAuthority,
		model.LoginRequired, model.PrivateContent, model.Error,
	} {
		if n := summary[state]; n > 0 {
			keyvals = append(keyvals, strings.ToLower(string(state)), n)
		}
	}
	if runErr != nil {
		logger.Warn("Capture interrupted", keyvals...)
		return nil
	}
	logger.Info("Capture completed", keyvals...)
	return nil
}
