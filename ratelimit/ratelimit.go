// Package ratelimit delays captures per platform to stay below anti-abuse
// thresholds. It never drops or rejects a request.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"screenshot-audit/model"
)

// Policy configures the gate for one platform.
type Policy struct {
	// EveryN requests trigger one cooldown. Zero disables cooldowns.
	EveryN int
	// Cooldown is how long the lane pauses once EveryN requests were made.
	Cooldown time.Duration
	// MinInterval spaces consecutive requests of the platform. Zero disables it.
	MinInterval time.Duration
}

// Limiter tracks request counts per platform.
type Limiter struct {
	mu       sync.Mutex
	def      Policy
	policies map[model.Platform]Policy
	counts   map[model.Platform]int
	spacers  map[model.Platform]*rate.Limiter
	logger   *log.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a Limiter. Platforms without an explicit policy use def.
func New(def Policy, policies map[model.Platform]Policy, logger *log.Logger) *Limiter {
	if logger == nil {
		logger = log.Default()
	}
	l := &Limiter{
		def:      def,
		policies: make(map[model.Platform]Policy, len(policies)),
		counts:   make(map[model.Platform]int),
		spacers:  make(map[model.Platform]*rate.Limiter),
		logger:   logger,
		sleep:    sleepContext,
	}
	for p, pol := range policies {
		l.policies[p] = pol
	}
	return l
}

// Policy returns the policy that applies to platform.
func (l *Limiter) Policy(platform model.Platform) Policy {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.policyLocked(platform)
}

func (l *Limiter) policyLocked(platform model.Platform) Policy {
	if pol, ok := l.policies[platform]; ok {
		return pol
	}
	return l.def
}

// ShouldCooldown counts one request for platform and reports whether a
// cooldown must be taken before it. The counter is reset when it returns true.
func (l *Limiter) ShouldCooldown(platform model.Platform) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	pol := l.policyLocked(platform)
	if pol.EveryN <= 0 || pol.Cooldown <= 0 {
		return false
	}
	l.counts[platform]++
	if l.counts[platform] > pol.EveryN {
		// This request opens the next window.
		l.counts[platform] = 1
		return true
	}
	return false
}

// Wait blocks until a request for platform may proceed. It returns early with
// the context error when ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context, platform model.Platform) error {
	if l.ShouldCooldown(platform) {
		pol := l.Policy(platform)
		l.logger.Info("ratelimit: cooling down", "platform", platform, "cooldown", pol.Cooldown)
		if err := l.sleep(ctx, pol.Cooldown); err != nil {
			return err
		}
	}

	if spacer := l.spacer(platform); spacer != nil {
		return spacer.Wait(ctx)
	}
	return nil
}

func (l *Limiter) spacer(platform model.Platform) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	pol := l.policyLocked(platform)
	if pol.MinInterval <= 0 {
		return nil
	}
	s, ok := l.spacers[platform]
	if !ok {
		s = rate.NewLimiter(rate.Every(pol.MinInterval), 1)
		l.spacers[platform] = s
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
