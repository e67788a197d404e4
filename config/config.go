package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"screenshot-audit/auth"
	"screenshot-audit/capture"
	"screenshot-audit/classify"
	"screenshot-audit/model"
	"screenshot-audit/ratelimit"
	"screenshot-audit/screenshot"
)

// Chrome modes
const (
	ChromeAuto   = "auto"
	ChromeLocal  = "local"
	ChromeDocker = "docker"
	ChromeRemote = "remote"
)

// Session store drivers
const (
	StoreSQLite = "sqlite"
	StoreFile   = "file"
	StoreMemory = "memory"
)

// Cookie represents a browser cookie to seed a session with
type Cookie struct {
	Name     string     `json:"name" yaml:"name"`
	Value    string     `json:"value" yaml:"value"`
	Domain   string     `json:"domain,omitempty" yaml:"domain,omitempty"`
	Path     string     `json:"path,omitempty" yaml:"path,omitempty"`
	Expires  *time.Time `json:"expires,omitempty" yaml:"expires,omitempty"`
	Secure   bool       `json:"secure,omitempty" yaml:"secure,omitempty"`
	HTTPOnly bool       `json:"httpOnly,omitempty" yaml:"httpOnly,omitempty"`
}

// CookieProfile is a named set of cookies for one platform. It seeds the
// session store when no session is stored yet.
type CookieProfile struct {
	Name     string   `json:"name" yaml:"name"`
	Platform string   `json:"platform" yaml:"platform"`
	Cookies  []Cookie `json:"cookies" yaml:"cookies"`
}

// Viewport represents browser viewport dimensions
type Viewport struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// BrowserConfig selects the Chrome instance
type BrowserConfig struct {
	Mode      string   `json:"mode" yaml:"mode"`
	RemoteURL string   `json:"remoteUrl,omitempty" yaml:"remoteUrl,omitempty"`
	ExecPath  string   `json:"execPath,omitempty" yaml:"execPath,omitempty"`
	Headful   bool     `json:"headful,omitempty" yaml:"headful,omitempty"`
	Viewport  Viewport `json:"viewport" yaml:"viewport"`
	UserAgent string   `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`
}

// CaptureConfig controls the lane pool and each navigation
type CaptureConfig struct {
	Concurrency       int      `json:"concurrency" yaml:"concurrency"`
	TaskTimeout       Duration `json:"taskTimeout" yaml:"taskTimeout"`
	NavigationTimeout Duration `json:"navigationTimeout" yaml:"navigationTimeout"`
	SettleTimeout     Duration `json:"settleTimeout" yaml:"settleTimeout"`
	RedirectSettle    Duration `json:"redirectSettle" yaml:"redirectSettle"`
	ProbeTimeout      Duration `json:"probeTimeout" yaml:"probeTimeout"`
	TextLimit         int      `json:"textLimit" yaml:"textLimit"`
	FileFormat        string   `json:"fileFormat" yaml:"fileFormat"`
	Quality           int      `json:"quality" yaml:"quality"`
	FullPage          bool     `json:"fullPage" yaml:"fullPage"`
}

// RetryConfig is the retry policy for transport failures
type RetryConfig struct {
	MaxRetries int      `json:"maxRetries" yaml:"maxRetries"`
	Backoff    Duration `json:"backoff" yaml:"backoff"`
	Multiplier float64  `json:"multiplier" yaml:"multiplier"`
	MaxBackoff Duration `json:"maxBackoff" yaml:"maxBackoff"`
}

// RateLimit is one platform's request pacing
type RateLimit struct {
	EveryNRequests int      `json:"everyNRequests" yaml:"everyNRequests"`
	Cooldown       Duration `json:"cooldown" yaml:"cooldown"`
	MinInterval    Duration `json:"minInterval,omitempty" yaml:"minInterval,omitempty"`
}

// Credential is a platform login. PasswordEnv names an environment variable
// read when Password is empty.
type Credential struct {
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password,omitempty" yaml:"password,omitempty"`
	PasswordEnv string `json:"passwordEnv,omitempty" yaml:"passwordEnv,omitempty"`
}

// SessionConfig selects the session store backend
type SessionConfig struct {
	Store string `json:"store" yaml:"store"`
	Path  string `json:"path" yaml:"path"`
}

// AuthConfig tunes the login flow
type AuthConfig struct {
	ChallengeWindow Duration                `json:"challengeWindow" yaml:"challengeWindow"`
	PollInterval    Duration                `json:"pollInterval" yaml:"pollInterval"`
	Profiles        map[string]auth.Profile `json:"profiles,omitempty" yaml:"profiles,omitempty"`
}

// Config represents the application configuration
type Config struct {
	URLs             []string              `json:"urls" yaml:"urls"`
	OutputDir        string                `json:"outputDir" yaml:"outputDir"`
	LogLevel         string                `json:"logLevel" yaml:"logLevel"`
	Browser          BrowserConfig         `json:"browser" yaml:"browser"`
	Capture          CaptureConfig         `json:"capture" yaml:"capture"`
	Retry            RetryConfig           `json:"retry" yaml:"retry"`
	RateLimits       map[string]RateLimit  `json:"rateLimits" yaml:"rateLimits"`
	Credentials      map[string]Credential `json:"credentials,omitempty" yaml:"credentials,omitempty"`
	Session          SessionConfig         `json:"session" yaml:"session"`
	Auth             AuthConfig            `json:"auth" yaml:"auth"`
	AuthorityDomains []string              `json:"authorityDomains,omitempty" yaml:"authorityDomains,omitempty"`
	Phrases          *classify.Dictionary  `json:"phrases,omitempty" yaml:"phrases,omitempty"`
	CookieProfiles   []CookieProfile       `json:"cookieProfiles,omitempty" yaml:"cookieProfiles,omitempty"`
}

// Default returns a configuration with every default applied and no URLs.
func Default() Config {
	cfg := defaults()
	_ = validateConfig(&cfg)
	return cfg
}

// defaults holds every setting a config file may omit. Files are decoded
// on top of it, so a value written in the file, zero included, wins.
func defaults() Config {
	retry := capture.DefaultRetryPolicy()
	return Config{
		OutputDir: "./screenshots",
		LogLevel:  "info",
		Browser: BrowserConfig{
			Viewport: Viewport{Width: 1366, Height: 768},
		},
		Capture: CaptureConfig{
			Concurrency:       2,
			TaskTimeout:       Dur(3 * time.Minute),
			NavigationTimeout: Dur(45 * time.Second),
			SettleTimeout:     Dur(10 * time.Second),
			RedirectSettle:    Dur(2 * time.Second),
			ProbeTimeout:      Dur(10 * time.Second),
			TextLimit:         4000,
			FileFormat:        "png",
			Quality:           80,
		},
		Retry: RetryConfig{
			MaxRetries: retry.MaxRetries,
			Backoff:    Dur(retry.Backoff),
			Multiplier: retry.Multiplier,
			MaxBackoff: Dur(retry.MaxBackoff),
		},
		Session: SessionConfig{Store: StoreSQLite},
		Auth: AuthConfig{
			ChallengeWindow: Dur(90 * time.Second),
			PollInterval:    Dur(3 * time.Second),
		},
	}
}

// LoadConfig loads configuration from a YAML (.yaml, .yml) or JSON file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := defaults()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&config); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&config); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// validateConfig fills settings derived from others, canonicalizes platform
// keys and validates the result.
func validateConfig(config *Config) error {
	deriveDefaults(config)

	// Drop blank URLs
	urls := config.URLs[:0]
	for _, u := range config.URLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	config.URLs = urls

	c := config.Capture
	if c.FileFormat != "png" && c.FileFormat != "jpeg" {
		return fmt.Errorf("unsupported file format: %s (supported: png, jpeg)", c.FileFormat)
	}
	if c.Quality < 1 || c.Quality > 100 {
		return fmt.Errorf("quality must be between 1 and 100")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	if c.TextLimit < 1 {
		return fmt.Errorf("capture.textLimit must be at least 1")
	}
	if config.Browser.Viewport.Width < 1 || config.Browser.Viewport.Height < 1 {
		return fmt.Errorf("browser.viewport must be positive")
	}
	if config.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.maxRetries must not be negative")
	}
	if config.Retry.Multiplier < 0 {
		return fmt.Errorf("retry.multiplier must not be negative")
	}

	for name, d := range map[string]Duration{
		"capture.navigationTimeout": c.NavigationTimeout,
		"capture.settleTimeout":     c.SettleTimeout,
		"capture.probeTimeout":      c.ProbeTimeout,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	for name, d := range map[string]Duration{
		"capture.taskTimeout":    c.TaskTimeout,
		"capture.redirectSettle": c.RedirectSettle,
		"retry.backoff":          config.Retry.Backoff,
		"retry.maxBackoff":       config.Retry.MaxBackoff,
		"auth.challengeWindow":   config.Auth.ChallengeWindow,
		"auth.pollInterval":      config.Auth.PollInterval,
	} {
		if d.Duration < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	switch config.Browser.Mode {
	case ChromeAuto, ChromeLocal, ChromeDocker:
	case ChromeRemote:
		if config.Browser.RemoteURL == "" {
			return fmt.Errorf("browser mode %q requires remoteUrl", ChromeRemote)
		}
	default:
		return fmt.Errorf("unsupported browser mode: %s", config.Browser.Mode)
	}

	switch config.Session.Store {
	case StoreSQLite, StoreFile, StoreMemory:
	default:
		return fmt.Errorf("unsupported session store: %s (supported: sqlite, file, memory)", config.Session.Store)
	}

	if _, err := log.ParseLevel(config.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", config.LogLevel, err)
	}

	var err error
	if config.RateLimits, err = canonicalPlatforms("rate limit", config.RateLimits, "default"); err != nil {
		return err
	}
	for name, rl := range config.RateLimits {
		if rl.EveryNRequests < 0 {
			return fmt.Errorf("rate limit %s: everyNRequests must not be negative", name)
		}
		if rl.Cooldown.Duration < 0 || rl.MinInterval.Duration < 0 {
			return fmt.Errorf("rate limit %s: durations must not be negative", name)
		}
	}

	if config.Credentials, err = canonicalPlatforms("credentials", config.Credentials); err != nil {
		return err
	}
	for name, cred := range config.Credentials {
		if !model.Platform(name).Social() {
			return fmt.Errorf("credentials for %s: platform has no login", name)
		}
		if cred.Username == "" {
			return fmt.Errorf("credentials for %s: missing username", name)
		}
	}

	if config.Auth.Profiles, err = canonicalPlatforms("auth profile", config.Auth.Profiles); err != nil {
		return err
	}

	if config.Phrases != nil && len(config.Phrases.Platforms) > 0 {
		platforms := make(map[model.Platform]classify.PhraseSet, len(config.Phrases.Platforms))
		for key, set := range config.Phrases.Platforms {
			p, err := model.ParsePlatform(string(key))
			if err != nil {
				return fmt.Errorf("phrases for %w", err)
			}
			if _, dup := platforms[p]; dup {
				return fmt.Errorf("phrases for %s: platform listed twice", p)
			}
			platforms[p] = set
		}
		config.Phrases.Platforms = platforms
	}

	// Validate cookie profiles
	seen := make(map[string]bool)
	for i, profile := range config.CookieProfiles {
		if profile.Name == "" {
			return fmt.Errorf("cookie profile #%d is missing name", i+1)
		}
		if seen[profile.Name] {
			return fmt.Errorf("duplicate cookie profile: %s", profile.Name)
		}
		seen[profile.Name] = true
		if _, err := model.ParsePlatform(profile.Platform); err != nil {
			return fmt.Errorf("cookie profile %s: %w", profile.Name, err)
		}
	}

	return nil
}

// deriveDefaults fills settings whose default depends on other settings,
// and empty values that have no meaning of their own.
func deriveDefaults(config *Config) {
	if config.OutputDir == "" {
		config.OutputDir = "./screenshots"
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}

	b := &config.Browser
	if b.Mode == "" {
		b.Mode = ChromeAuto
		if b.RemoteURL != "" {
			b.Mode = ChromeRemote
		}
	}

	if config.RateLimits == nil {
		config.RateLimits = map[string]RateLimit{
			"default":               {EveryNRequests: 20, Cooldown: Dur(30 * time.Second)},
			string(model.Facebook):  {EveryNRequests: 10, Cooldown: Dur(60 * time.Second), MinInterval: Dur(2 * time.Second)},
			string(model.Instagram): {EveryNRequests: 10, Cooldown: Dur(60 * time.Second), MinInterval: Dur(2 * time.Second)},
		}
	}

	if config.Session.Store == "" {
		config.Session.Store = StoreSQLite
	}
	if config.Session.Path == "" {
		switch config.Session.Store {
		case StoreFile:
			config.Session.Path = "./sessions"
		default:
			config.Session.Path = "./sessions/sessions.db"
		}
	}

	if len(config.AuthorityDomains) == 0 {
		config.AuthorityDomains = append([]string(nil), screenshot.DefaultAuthorityDomains...)
	}
}

// canonicalPlatforms rekeys a per-platform section by canonical platform
// name. Keys in extra are accepted in any case and kept lowercase.
func canonicalPlatforms[V any](section string, in map[string]V, extra ...string) (map[string]V, error) {
	if in == nil {
		return nil, nil
	}
	out := make(map[string]V, len(in))
	for name, v := range in {
		key := strings.ToLower(strings.TrimSpace(name))
		if !slices.Contains(extra, key) {
			p, err := model.ParsePlatform(name)
			if err != nil {
				return nil, fmt.Errorf("%s for %w", section, err)
			}
			key = string(p)
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("%s for %s: platform listed twice", section, key)
		}
		out[key] = v
	}
	return out, nil
}

// Tasks builds capture tasks from the configured URLs.
func (c *Config) Tasks() []model.CaptureTask {
	tasks := make([]model.CaptureTask, 0, len(c.URLs))
	for _, u := range c.URLs {
		tasks = append(tasks, model.NewTask(u))
	}
	return tasks
}

// Level returns the configured log level.
func (c *Config) Level() log.Level {
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() capture.RetryPolicy {
	return capture.RetryPolicy{
		MaxRetries: c.Retry.MaxRetries,
		Backoff:    c.Retry.Backoff.Duration,
		Multiplier: c.Retry.Multiplier,
		MaxBackoff: c.Retry.MaxBackoff.Duration,
	}
}

// RatePolicies returns the default policy and the per-platform overrides.
func (c *Config) RatePolicies() (ratelimit.Policy, map[model.Platform]ratelimit.Policy) {
	toPolicy := func(rl RateLimit) ratelimit.Policy {
		return ratelimit.Policy{
			EveryN:      rl.EveryNRequests,
			Cooldown:    rl.Cooldown.Duration,
			MinInterval: rl.MinInterval.Duration,
		}
	}
	var def ratelimit.Policy
	platforms := make(map[model.Platform]ratelimit.Policy)
	for name, rl := range c.RateLimits {
		if name == "default" {
			def = toPolicy(rl)
			continue
		}
		if p, err := model.ParsePlatform(name); err == nil {
			platforms[p] = toPolicy(rl)
		}
	}
	return def, platforms
}

// AuthCredentials resolves credentials, reading passwords from the
// environment where configured. Incomplete entries are skipped.
func (c *Config) AuthCredentials() map[model.Platform]auth.Credentials {
	out := make(map[model.Platform]auth.Credentials)
	for name, cred := range c.Credentials {
		p, err := model.ParsePlatform(name)
		if err != nil {
			continue
		}
		password := cred.Password
		if password == "" && cred.PasswordEnv != "" {
			password = os.Getenv(cred.PasswordEnv)
		}
		creds := auth.Credentials{Username: cred.Username, Password: password}
		if !creds.Empty() {
			out[p] = creds
		}
	}
	return out
}

// AuthProfiles returns the built-in login profiles with configured overrides.
func (c *Config) AuthProfiles() map[model.Platform]auth.Profile {
	profiles := auth.DefaultProfiles()
	for name, prof := range c.Auth.Profiles {
		if p, err := model.ParsePlatform(name); err == nil {
			profiles[p] = prof
		}
	}
	return profiles
}

// Dictionary returns the default phrase dictionary merged with configured phrases.
func (c *Config) Dictionary() classify.Dictionary {
	dict := classify.DefaultDictionary()
	if c.Phrases != nil {
		dict = dict.Merge(*c.Phrases)
	}
	return dict
}

// SeedCookies returns the cookies of every cookie profile grouped by platform.
func (c *Config) SeedCookies() map[model.Platform][]model.Cookie {
	out := make(map[model.Platform][]model.Cookie)
	for _, profile := range c.CookieProfiles {
		p, err := model.ParsePlatform(profile.Platform)
		if err != nil {
			continue
		}
		for _, ck := range profile.Cookies {
			out[p] = append(out[p], model.Cookie{
				Name:     ck.Name,
				Value:    ck.Value,
				Domain:   ck.Domain,
				Path:     ck.Path,
				Expires:  ck.Expires,
				Secure:   ck.Secure,
				HTTPOnly: ck.HTTPOnly,
			})
		}
	}
	return out
}

// BrowserOptions converts the browser section.
func (c *Config) BrowserOptions() screenshot.BrowserOptions {
	b := c.Browser
	opts := screenshot.BrowserOptions{
		Headful:   b.Headful,
		Width:     b.Viewport.Width,
		Height:    b.Viewport.Height,
		UserAgent: b.UserAgent,
		Docker:    b.Mode == ChromeAuto || b.Mode == ChromeDocker,
	}
	switch b.Mode {
	case ChromeRemote:
		opts.RemoteURL = b.RemoteURL
	case ChromeDocker:
		opts.DockerOnly = true
	default:
		opts.ExecPath = b.ExecPath
	}
	return opts
}

// LaneOptions converts the capture section into navigation options.
func (c *Config) LaneOptions(logger *log.Logger) screenshot.Options {
	cc := c.Capture
	return screenshot.Options{
		NavigationTimeout: cc.NavigationTimeout.Duration,
		SettleTimeout:     cc.SettleTimeout.Duration,
		RedirectSettle:    cc.RedirectSettle.Duration,
		TextLimit:         cc.TextLimit,
		Format:            cc.FileFormat,
		Quality:           cc.Quality,
		FullPage:          cc.FullPage,
		Width:             c.Browser.Viewport.Width,
		Height:            c.Browser.Viewport.Height,
		Authority:         screenshot.NewAuthorityMatcher(c.AuthorityDomains),
		Prober:            screenshot.NewProber(cc.ProbeTimeout.Duration, c.Browser.UserAgent, logger),
	}
}
