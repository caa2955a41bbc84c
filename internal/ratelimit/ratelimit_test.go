package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestController() *Controller {
	return New(10*time.Millisecond, 2.0, 3, 2)
}

func TestApplyPenaltyRaisesLevelClampedToMax(t *testing.T) {
	c := newTestController()
	assert.Equal(t, 0, c.Level())
	assert.False(t, c.IsSlowed())

	c.ApplyPenalty()
	assert.Equal(t, 1, c.Level())
	assert.True(t, c.IsSlowed())

	c.ApplyPenalty()
	c.ApplyPenalty()
	c.ApplyPenalty() // one past maxLevel
	assert.Equal(t, 3, c.Level(), "level must clamp at maxLevel")
}

// TestPenaltyCreditRecoveryRoundTrip exercises the full cycle: a penalty
// raises the level, and only after creditRecoveryPages consecutive
// successes does the level come back down by one.
func TestPenaltyCreditRecoveryRoundTrip(t *testing.T) {
	c := newTestController() // creditRecoveryPages = 2
	c.ApplyPenalty()
	c.ApplyPenalty()
	require := assert.New(t)
	require.Equal(2, c.Level())

	c.RecordSuccess()
	require.Equal(2, c.Level(), "one success short of the recovery threshold must not reduce the level")

	c.RecordSuccess()
	require.Equal(1, c.Level(), "reaching creditRecoveryPages consecutive successes earns back one level")

	// streak resets after a recovery, so it takes another full streak to
	// earn the next level back.
	c.RecordSuccess()
	require.Equal(1, c.Level())
	c.RecordSuccess()
	require.Equal(0, c.Level())

	// level is already 0: further successes are a no-op, never negative.
	c.RecordSuccess()
	c.RecordSuccess()
	require.Equal(0, c.Level())
}

func TestApplyPenaltyResetsSuccessStreak(t *testing.T) {
	c := newTestController()
	c.ApplyPenalty()
	c.RecordSuccess()
	c.ApplyPenalty() // must reset the streak back to zero
	c.RecordSuccess()
	assert.Equal(t, 2, c.Level(), "streak reset means a single success after the second penalty isn't enough to recover")
}

func TestSetLevelClampsToValidRange(t *testing.T) {
	c := newTestController()
	c.SetLevel(-5)
	assert.Equal(t, 0, c.Level())

	c.SetLevel(100)
	assert.Equal(t, 3, c.Level())

	c.SetLevel(2)
	assert.Equal(t, 2, c.Level())
	assert.True(t, c.IsSlowed())
}

func TestDelayGrowsWithLevel(t *testing.T) {
	c := newTestController()
	base := c.Delay()
	c.ApplyPenalty()
	assert.Greater(t, c.Delay(), base)
}
