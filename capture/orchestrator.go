package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"screenshot-audit/auth"
	"screenshot-audit/classify"
	"screenshot-audit/model"
	"screenshot-audit/ratelimit"
	"screenshot-audit/session"
)

var (
	ErrEmptyURL        = errors.New("capture: task has no URL")
	ErrUnknownPlatform = errors.New("capture: task has unknown platform")
)

const reasonCancelled = "cancelled"

// Navigator is one navigation lane. Calls on a Navigator are sequential.
type Navigator interface {
	Capture(ctx context.Context, task model.CaptureTask, cookies []model.Cookie) (*model.Observation, error)
	Close() error
}

// LaneFactory opens lane id. Lane 0 also drives logins, so it should
// implement auth.Driver when credentials are configured.
type LaneFactory func(ctx context.Context, id int) (Navigator, error)

// Authenticator runs a platform login and validates the new session with
// check. *auth.Flow satisfies it.
type Authenticator interface {
	Run(ctx context.Context, platform model.Platform, creds auth.Credentials, d auth.Driver, check session.ProbeFunc) auth.Outcome
}

// DefaultProbeURLs are pages that only render for a logged-in user; they
// are used to re-validate stored sessions.
var DefaultProbeURLs = map[model.Platform]string{
	model.Facebook:  "https://www.facebook.com/settings",
	model.Instagram: "https://www.instagram.com/accounts/edit/",
}

// Options configure a batch run.
type Options struct {
	// Lanes is the number of concurrent navigation lanes.
	Lanes int
	Retry RetryPolicy
	// TaskTimeout bounds one task including retries and cooldowns. Zero disables it.
	TaskTimeout time.Duration
	Credentials map[model.Platform]auth.Credentials
	ProbeURLs   map[model.Platform]string
	// OnResult is called once per task, in completion order, from a single
	// goroutine that lanes never wait on. Run returns after the last call.
	OnResult func(model.CaptureResult)
}

// Deps are the collaborators of an Orchestrator. Only Lanes is required.
type Deps struct {
	Lanes      LaneFactory
	Store      *session.Store
	Limiter    *ratelimit.Limiter
	Classifier *classify.Classifier
	Auth       Authenticator
}

// Orchestrator captures batches of tasks over a bounded pool of lanes.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *log.Logger
	now    func() time.Time
}

// New creates an Orchestrator.
func New(deps Deps, opts Options, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	if deps.Classifier == nil {
		deps.Classifier = classify.Default()
	}
	if opts.Lanes <= 0 {
		opts.Lanes = 1
	}
	if opts.Retry.MaxRetries < 0 {
		opts.Retry.MaxRetries = 0
	}
	if opts.ProbeURLs == nil {
		opts.ProbeURLs = DefaultProbeURLs
	}
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// batch is the state of one Run.
type batch struct {
	runID    string
	tasks    []model.CaptureTask
	sessions map[model.Platform][]model.Cookie

	mu      sync.Mutex
	results []model.CaptureResult
	done    []bool

	// events feeds OnResult; it has room for every task.
	events chan model.CaptureResult
}

// Run captures and classifies tasks and returns one result per task in
// submission order. Invalid tasks are rejected before any navigation. On
// cancellation every unfinished task gets an ERROR result and ctx.Err() is
// returned alongside the complete result slice.
func (o *Orchestrator) Run(ctx context.Context, tasks []model.CaptureTask) ([]model.CaptureResult, error) {
	if o.deps.Lanes == nil {
		return nil, errors.New("capture: no lane factory")
	}
	tasks, err := validate(tasks)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return []model.CaptureResult{}, nil
	}

	b := &batch{
		runID:   uuid.NewString(),
		tasks:   tasks,
		results: make([]model.CaptureResult, len(tasks)),
		done:    make([]bool, len(tasks)),
	}
	logger := o.logger.With("run", b.runID)
	logger.Info("capture: starting batch", "tasks", len(tasks), "lanes", o.opts.Lanes)

	lanes, err := o.openLanes(ctx, len(tasks))
	if err != nil {
		return nil, err
	}

	var dispatched sync.WaitGroup
	if o.opts.OnResult != nil {
		b.events = make(chan model.CaptureResult, len(tasks))
		dispatched.Add(1)
		go func() {
			defer dispatched.Done()
			for res := range b.events {
				o.opts.OnResult(res)
			}
		}()
	}

	b.sessions = o.prepareSessions(ctx, tasks, lanes[0])

	queue := make(chan int, len(tasks))
	for i := range tasks {
		queue <- i
	}
	close(queue)

	g, gctx := errgroup.WithContext(ctx)
	for _, lane := range lanes {
		lane := lane
		g.Go(func() error {
			defer lane.Close()
			for idx := range queue {
				if gctx.Err() != nil {
					return nil
				}
				o.record(b, o.runTask(gctx, b, lane, idx))
			}
			return nil
		})
	}
	_ = g.Wait()

	for i := range tasks {
		if !b.done[i] {
			o.record(b, o.cancelled(b, i))
		}
	}
	if b.events != nil {
		close(b.events)
		dispatched.Wait()
	}

	logger.Info("capture: batch finished", "tasks", len(tasks), "cancelled", ctx.Err() != nil)
	return b.results, ctx.Err()
}

// validate fills missing normalized URLs and platforms and rejects tasks
// that cannot be navigated.
func validate(tasks []model.CaptureTask) ([]model.CaptureTask, error) {
	out := make([]model.CaptureTask, len(tasks))
	for i, t := range tasks {
		if t.NormalizedURL == "" {
			t.NormalizedURL = model.NormalizeURL(t.RawURL)
		}
		if strings.TrimSpace(t.NormalizedURL) == "" {
			return nil, fmt.Errorf("task %d: %w", i, ErrEmptyURL)
		}
		if !t.Platform.Valid() {
			return nil, fmt.Errorf("task %d (%q): %w", i, t.Platform, ErrUnknownPlatform)
		}
		out[i] = t
	}
	return out, nil
}

// openLanes opens up to Options.Lanes lanes, never more than there are
// tasks. Lane 0 is required; later failures shrink the pool.
func (o *Orchestrator) openLanes(ctx context.Context, tasks int) ([]Navigator, error) {
	n := min(o.opts.Lanes, tasks)
	lanes := make([]Navigator, 0, n)
	for i := 0; i < n; i++ {
		lane, err := o.deps.Lanes(ctx, i)
		if err != nil {
			if i == 0 {
				return nil, fmt.Errorf("capture: open lane 0: %w", err)
			}
			o.logger.Warn("capture: lane unavailable, continuing with fewer lanes", "lane", i, "error", err)
			break
		}
		lanes = append(lanes, lane)
	}
	return lanes, nil
}

// prepareSessions decides, per social platform in the batch, which cookies
// captures will carry. A nil entry means unauthenticated mode.
func (o *Orchestrator) prepareSessions(ctx context.Context, tasks []model.CaptureTask, lane Navigator) map[model.Platform][]model.Cookie {
	needed := make(map[model.Platform]bool)
	for _, t := range tasks {
		if t.Platform.Social() {
			needed[t.Platform] = true
		}
	}

	sessions := make(map[model.Platform][]model.Cookie)
	for _, p := range model.Platforms {
		if !needed[p] || ctx.Err() != nil {
			continue
		}
		sessions[p] = o.prepareSession(ctx, p, lane)
	}
	return sessions
}

func (o *Orchestrator) prepareSession(ctx context.Context, p model.Platform, lane Navigator) []model.Cookie {
	store := o.deps.Store
	if store != nil {
		if rec := store.Load(ctx, p); rec != nil && len(rec.Cookies) > 0 {
			valid, err := store.Validate(ctx, p, o.probe(lane, p))
			if err != nil {
				o.logger.Warn("capture: session probe failed", "platform", p, "error", err)
			}
			if valid {
				o.logger.Info("capture: using stored session", "platform", p, "cookies", len(rec.Cookies))
				return rec.Cookies
			}
			o.logger.Info("capture: stored session is no longer valid", "platform", p)
		}
	}

	creds, ok := o.opts.Credentials[p]
	if !ok || creds.Empty() || o.deps.Auth == nil {
		o.logger.Info("capture: no credentials, capturing unauthenticated", "platform", p)
		return nil
	}
	driver, ok := lane.(auth.Driver)
	if !ok {
		o.logger.Warn("capture: lane cannot drive logins, capturing unauthenticated", "platform", p)
		return nil
	}

	out := o.deps.Auth.Run(ctx, p, creds, driver, o.probe(lane, p))
	switch out.State {
	case auth.Authenticated, auth.Partial:
		if out.Degraded() {
			o.logger.Warn("capture: authentication degraded", "platform", p, "state", out.State, "valid", out.Valid)
		}
		return out.Cookies
	default:
		o.logger.Warn("capture: authentication failed, capturing unauthenticated", "platform", p, "error", out.Err)
		return nil
	}
}

// probe navigates to the platform's validation page with the stored cookies.
func (o *Orchestrator) probe(lane Navigator, p model.Platform) session.ProbeFunc {
	return func(ctx context.Context, cookies []model.Cookie) (*model.Observation, error) {
		target, ok := o.opts.ProbeURLs[p]
		if !ok {
			return nil, fmt.Errorf("no probe URL for %s", p)
		}
		task := model.CaptureTask{RawURL: target, NormalizedURL: target, Platform: p}
		return lane.Capture(ctx, task, cookies)
	}
}

// runTask captures one task with retries and classifies the observation.
func (o *Orchestrator) runTask(ctx context.Context, b *batch, lane Navigator, idx int) model.CaptureResult {
	task := b.tasks[idx]
	cookies := b.sessions[task.Platform]
	start := o.now()

	taskCtx := ctx
	if o.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, o.opts.TaskTimeout)
		defer cancel()
	}

	var (
		obs      *model.Observation
		err      error
		attempts int
	)
	for attempt := 0; ; attempt++ {
		if o.deps.Limiter != nil {
			if err = o.deps.Limiter.Wait(taskCtx, task.Platform); err != nil {
				break
			}
		}
		attempts++
		obs, err = lane.Capture(taskCtx, task, cookies)
		if err == nil || !Retryable(err) || attempt >= o.opts.Retry.MaxRetries || taskCtx.Err() != nil {
			break
		}
		wait := o.opts.Retry.Delay(attempt)
		o.logger.Warn("capture: retrying navigation",
			"url", task.NormalizedURL,
			"attempt", attempt+1,
			"max_retries", o.opts.Retry.MaxRetries,
			"backoff_ms", wait.Milliseconds(),
			"error", err)
		if sleepErr := sleepCtx(taskCtx, wait); sleepErr != nil {
			break
		}
	}

	res := model.CaptureResult{
		Index:        idx,
		RunID:        b.runID,
		Task:         task,
		AttemptCount: attempts,
	}

	switch {
	case err == nil && obs != nil:
		res.Observation = obs
		res.Verdict = o.deps.Classifier.Classify(obs, task.Platform)
		if res.Verdict.State == model.LoginRequired && obs.Authenticated && o.deps.Store != nil {
			o.logger.Warn("capture: session hit a login wall, invalidating", "platform", task.Platform, "url", task.NormalizedURL)
			o.deps.Store.Invalidate(ctx, task.Platform)
		}
	case ctx.Err() != nil:
		res.Verdict = model.ErrorVerdict(reasonCancelled)
	case errors.Is(err, context.DeadlineExceeded) && taskCtx.Err() != nil:
		res.Verdict = model.ErrorVerdict(fmt.Sprintf("task timeout after %s: %v", o.opts.TaskTimeout, err))
	case err != nil:
		res.Verdict = model.ErrorVerdict(err.Error())
	default:
		res.Verdict = model.ErrorVerdict("no observation")
	}

	res.TotalLatencyMs = o.now().Sub(start).Milliseconds()
	res.Timestamp = o.now().UTC().Format(time.RFC3339)
	return res
}

func (o *Orchestrator) cancelled(b *batch, idx int) model.CaptureResult {
	return model.CaptureResult{
		Index:     idx,
		RunID:     b.runID,
		Task:      b.tasks[idx],
		Verdict:   model.ErrorVerdict(reasonCancelled),
		Timestamp: o.now().UTC().Format(time.RFC3339),
	}
}

func (o *Orchestrator) record(b *batch, res model.CaptureResult) {
	b.mu.Lock()
	b.results[res.Index] = res
	b.done[res.Index] = true
	b.mu.Unlock()

	o.logger.Debug("capture: result", "index", res.Index, "url", res.Task.NormalizedURL,
		"verdict", res.Verdict.State, "attempts", res.AttemptCount, "latency_ms", res.TotalLatencyMs)
	if b.events != nil {
		b.events <- res
	}
}
