// Package ratelimit implements the Adaptive Rate Controller: an integer
// backoff level that widens the inter-request delay on failure and
// recovers it gradually after a run of clean pages, layered on top of an
// x/time/rate limiter for the steady-state pacing between requests.
//
// Ported from crawler/checkpoint/rate_controller.py's AdaptiveRateController.
package ratelimit

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Controller tracks an integer backoff level and the consecutive-success
// streak used to earn level reductions back.
type Controller struct {
	mu sync.Mutex

	baseDelay           time.Duration
	backoffFactor       float64
	maxLevel            int
	creditRecoveryPages int

	level                   int
	consecutiveSuccessCount int

	limiter *rate.Limiter
}

// New builds a Controller. baseDelay is the level-0 delay; backoffFactor
// multiplies the delay per level; maxLevel caps how far apply_penalty can
// raise it; creditRecoveryPages is how many consecutive full-page
// successes earn back one level.
func New(baseDelay time.Duration, backoffFactor float64, maxLevel, creditRecoveryPages int) *Controller {
	return &Controller{
		baseDelay:           baseDelay,
		backoffFactor:       backoffFactor,
		maxLevel:            maxLevel,
		creditRecoveryPages: creditRecoveryPages,
		limiter:             rate.NewLimiter(rate.Every(baseDelay), 1),
	}
}

// Delay returns the current level's delay, before jitter.
func (c *Controller) Delay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delayLocked()
}

func (c *Controller) delayLocked() time.Duration {
	mult := math.Pow(c.backoffFactor, float64(c.level))
	return time.Duration(float64(c.baseDelay) * mult)
}

// DelayWithJitter adds up to 25% random jitter on top of the level delay,
// so concurrent workers don't retry in lockstep.
func (c *Controller) DelayWithJitter() time.Duration {
	base := c.Delay()
	jitter := time.Duration(rand.Int63n(int64(base)/4 + 1))
	return base + jitter
}

// Wait blocks for DelayWithJitter, honoring ctx cancellation, then consumes
// one token from the underlying steady-state limiter so bursts within a
// single delay window are still smoothed.
func (c *Controller) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.DelayWithJitter()):
	}
	return c.limiter.Wait(ctx)
}

// ApplyPenalty raises the backoff level by one (clamped to maxLevel) and
// resets the consecutive-success streak. Ported from apply_penalty.
func (c *Controller) ApplyPenalty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.level < c.maxLevel {
		c.level++
	}
	c.consecutiveSuccessCount = 0
	c.limiter.SetLimit(rate.Every(c.delayLocked()))
}

// RecordSuccess increments the consecutive-success streak and, once it
// reaches creditRecoveryPages, reduces the level by one and resets the
// streak. Ported from record_success / _try_credit_recovery.
func (c *Controller) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveSuccessCount++
	if c.consecutiveSuccessCount >= c.creditRecoveryPages {
		if c.level > 0 {
			c.level--
			c.limiter.SetLimit(rate.Every(c.delayLocked()))
		}
		c.consecutiveSuccessCount = 0
	}
}

// SetLevel restores a level read back from a checkpoint, e.g. on resume.
func (c *Controller) SetLevel(level int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if level < 0 {
		level = 0
	}
	if level > c.maxLevel {
		level = c.maxLevel
	}
	c.level = level
	c.consecutiveSuccessCount = 0
	c.limiter.SetLimit(rate.Every(c.delayLocked()))
}

// Level returns the current backoff level.
func (c *Controller) Level() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// IsSlowed reports whether the controller is currently backed off from its
// base delay.
func (c *Controller) IsSlowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level > 0
}
