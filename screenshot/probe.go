package screenshot

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"screenshot-audit/model"
)

// Prober performs the cheap HTTP reachability check run before rendering
// generic sites.
type Prober struct {
	client    *http.Client
	userAgent string
	logger    *log.Logger
}

// NewProber returns a prober whose requests are bounded by timeout.
func NewProber(timeout time.Duration, userAgent string, logger *log.Logger) *Prober {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Prober{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		logger:    logger,
	}
}

// Probe sends HEAD, falling back to GET when the server rejects HEAD.
// Transport failures yield UNREACHABLE with code 0.
func (p *Prober) Probe(ctx context.Context, url string) (model.ProbeStatus, int) {
	code, err := p.do(ctx, http.MethodHead, url)
	if err == nil && (code == http.StatusMethodNotAllowed || code == http.StatusNotImplemented) {
		code, err = p.do(ctx, http.MethodGet, url)
	}
	if err != nil {
		p.logger.Debug("probe: unreachable", "url", url, "error", err)
		return model.ProbeUnreachable, 0
	}
	p.logger.Debug("probe: done", "url", url, "code", code)
	return model.ProbeStatusFromCode(code), code
}

func (p *Prober) do(ctx context.Context, method, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, err
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}
