package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Controller shapes request cadence per platform. Each platform gets a
// token bucket at a steady inter-request delay; throttling signals from
// the platform double the delay up to a bounded maximum, and a streak
// of sustained successes walks it back down toward the steady rate.
//
// Acquire is the only blocking call. Report* never block.
type Controller struct {
	mu        sync.Mutex
	platforms map[string]*platformState

	baseDelay time.Duration
	maxDelay  time.Duration
	// consecutive successes required before the penalty is halved
	cooldownStreak int
}

type platformState struct {
	limiter *rate.Limiter
	delay   time.Duration
	base    time.Duration
	streak  int
}

// Options configures a Controller. Zero values fall back to defaults.
type Options struct {
	BaseDelay      time.Duration // steady-state inter-request delay
	MaxDelay       time.Duration // backoff ceiling
	CooldownStreak int           // successes before penalty decays
}

const (
	defaultBaseDelay      = 2 * time.Second
	defaultMaxDelay       = 5 * time.Minute
	defaultCooldownStreak = 5
)

// NewController creates a rate controller shared across platforms.
func NewController(opts Options) *Controller {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.CooldownStreak <= 0 {
		opts.CooldownStreak = defaultCooldownStreak
	}
	return &Controller{
		platforms:      make(map[string]*platformState),
		baseDelay:      opts.BaseDelay,
		maxDelay:       opts.MaxDelay,
		cooldownStreak: opts.CooldownStreak,
	}
}

// SetBaseDelay overrides the steady-state delay for one platform.
// Must be called before the first Acquire for that platform to take
// effect from the start; later calls reset the platform to the new base.
func (c *Controller) SetBaseDelay(platform string, d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(platform)
	st.base = d
	st.delay = d
	st.streak = 0
	st.limiter.SetLimit(rate.Every(d))
}

// Acquire blocks until the platform's bucket permits a request, or the
// context is cancelled.
func (c *Controller) Acquire(ctx context.Context, platform string) error {
	c.mu.Lock()
	st := c.state(platform)
	limiter := st.limiter
	c.mu.Unlock()

	return limiter.Wait(ctx)
}

// ReportThrottled doubles the platform's inter-request delay, up to the
// configured ceiling.
func (c *Controller) ReportThrottled(platform string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state(platform)
	st.streak = 0
	st.delay *= 2
	if st.delay > c.maxDelay {
		st.delay = c.maxDelay
	}
	st.limiter.SetLimit(rate.Every(st.delay))
}

// ReportSuccess records a successful request. After a cooldown streak
// of successes the delay is halved until it returns to the base rate.
func (c *Controller) ReportSuccess(platform string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state(platform)
	if st.delay <= st.base {
		return
	}
	st.streak++
	if st.streak < c.cooldownStreak {
		return
	}
	st.streak = 0
	st.delay /= 2
	if st.delay < st.base {
		st.delay = st.base
	}
	st.limiter.SetLimit(rate.Every(st.delay))
}

// Delay returns the current inter-request delay for a platform.
func (c *Controller) Delay(platform string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state(platform).delay
}

// state returns the platform state, creating it at the base rate.
// Caller must hold c.mu.
func (c *Controller) state(platform string) *platformState {
	st, ok := c.platforms[platform]
	if !ok {
		st = &platformState{
			// burst of 1: within a platform only one request is ever
			// in flight, the first is free and the rest are paced
			limiter: rate.NewLimiter(rate.Every(c.baseDelay), 1),
			delay:   c.baseDelay,
			base:    c.baseDelay,
		}
		c.platforms[platform] = st
	}
	return st
}
