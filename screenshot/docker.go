package screenshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"time"

	"github.com/charmbracelet/log"
)

const (
	dockerImage     = "browserless/chrome"
	dockerContainer = "screenshot-audit-chrome"
	dockerPort      = 9222
)

var errDockerMissing = errors.New("docker is not installed")

// dockerChrome runs a browserless Chrome container for hosts without a
// local Chrome.
type dockerChrome struct {
	name   string
	image  string
	port   int
	client *http.Client
	logger *log.Logger

	// ReadyTimeout bounds the wait for the DevTools endpoint.
	ReadyTimeout time.Duration
	PollInterval time.Duration
}

func newDockerChrome(logger *log.Logger) *dockerChrome {
	return &dockerChrome{
		name:         dockerContainer,
		image:        dockerImage,
		port:         dockerPort,
		client:       &http.Client{Timeout: 2 * time.Second},
		logger:       logger.WithPrefix("docker"),
		ReadyTimeout: 30 * time.Second,
		PollInterval: 500 * time.Millisecond,
	}
}

// Endpoint is the DevTools HTTP address of the container.
func (d *dockerChrome) Endpoint() string {
	return fmt.Sprintf("http://127.0.0.1:%d", d.port)
}

// devtoolsVersion is the part of /json/version needed to tell a live
// browser from a container that is still booting.
type devtoolsVersion struct {
	Browser              string `json:"Browser"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Version queries the DevTools version endpoint.
func (d *dockerChrome) Version(ctx context.Context) (*devtoolsVersion, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.Endpoint()+"/json/version", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("devtools answered %s", resp.Status)
	}
	var v devtoolsVersion
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("decode devtools version: %w", err)
	}
	if v.WebSocketDebuggerURL == "" {
		return nil, errors.New("devtools version has no webSocketDebuggerUrl")
	}
	return &v, nil
}

// Running reports whether the container is up.
func (d *dockerChrome) Running(ctx context.Context) (bool, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return false, errDockerMissing
	}
	out, err := exec.CommandContext(ctx, "docker", "ps", "-q",
		"-f", "name=^"+d.name+"$", "-f", "status=running").Output()
	if err != nil {
		return false, fmt.Errorf("docker ps: %w", err)
	}
	return len(bytes.TrimSpace(out)) > 0, nil
}

// Start launches the container unless it is already running and waits for
// DevTools to answer. started is false when an existing container is reused.
func (d *dockerChrome) Start(ctx context.Context) (endpoint string, started bool, err error) {
	running, err := d.Running(ctx)
	if err != nil {
		return "", false, err
	}
	if running {
		d.logger.Info("reusing running Chrome container", "name", d.name)
	} else {
		d.logger.Info("starting Chrome container", "name", d.name, "image", d.image)
		cmd := exec.CommandContext(ctx, "docker", "run", "-d", "--rm",
			"--name", d.name,
			"-p", fmt.Sprintf("%d:3000", d.port),
			d.image)
		if out, err := cmd.CombinedOutput(); err != nil {
			return "", false, fmt.Errorf("docker run: %w: %s", err, bytes.TrimSpace(out))
		}
		started = true
	}

	if err := d.waitReady(ctx); err != nil {
		if started {
			d.Stop(context.WithoutCancel(ctx))
		}
		return "", false, err
	}
	return d.Endpoint(), started, nil
}

func (d *dockerChrome) waitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	last := errors.New("no answer")
	for {
		v, err := d.Version(ctx)
		if err == nil {
			d.logger.Info("Chrome container is ready", "browser", v.Browser)
			return nil
		}
		if ctx.Err() == nil {
			last = err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("chrome container not ready after %s: %w", d.ReadyTimeout, last)
		case <-ticker.C:
		}
	}
}

// Stop stops the container; it is removed by docker since it runs with --rm.
func (d *dockerChrome) Stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	running, err := d.Running(ctx)
	if err != nil || !running {
		return
	}
	d.logger.Info("stopping Chrome container", "name", d.name)
	if out, err := exec.CommandContext(ctx, "docker", "stop", d.name).CombinedOutput(); err != nil {
		d.logger.Error("docker stop failed", "name", d.name, "error", err, "output", string(bytes.TrimSpace(out)))
	}
}

// StopDockerChrome stops the Chrome container this tool manages, if any.
func StopDockerChrome(logger *log.Logger) {
	if logger == nil {
		logger = log.Default()
	}
	newDockerChrome(logger).Stop(context.Background())
}
