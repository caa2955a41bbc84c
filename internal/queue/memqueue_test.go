package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemQueuePushDedupesByURL(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()

	ok, err := q.Push(ctx, "https://example.com/a", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Push(ctx, "https://example.com/a", nil)
	require.NoError(t, err)
	assert.False(t, ok, "pushing the same url twice must not enqueue it again")

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalItems)
}

func TestMemQueuePushBatchCountsNewOnly(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()

	_, _ = q.Push(ctx, "https://example.com/a", nil)

	n, err := q.PushBatch(ctx, []string{
		"https://example.com/a",
		"https://example.com/b",
		"https://example.com/c",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "only the two not-yet-seen urls should count")
}

func TestMemQueueFetchAckRemovesItem(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()

	_, _ = q.Push(ctx, "https://example.com/a", nil)

	deliveries, err := q.Fetch(ctx, "worker-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "https://example.com/a", deliveries[0].Item.URL)

	// a second fetch must not return the same in-flight item again.
	again, err := q.Fetch(ctx, "worker-2", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, q.Ack(ctx, deliveries[0].Handle))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.StreamLength)
	assert.EqualValues(t, 0, stats.PendingCount)
}

// TestMemQueueFailRetriesThenDeadLetters exercises scenario S4: a delivery
// that keeps failing is retried up to maxRetries, then moved out of the
// live queue entirely (no further Fetch/RecoverStale will surface it).
func TestMemQueueFailRetriesThenDeadLetters(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()
	const maxRetries = 2

	_, _ = q.Push(ctx, "https://example.com/a", nil)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		deliveries, err := q.Fetch(ctx, "worker-1", 10, 0)
		require.NoError(t, err)
		require.Lenf(t, deliveries, 1, "expected item to still be fetchable on attempt %d", attempt)

		require.NoError(t, q.Fail(ctx, deliveries[0].Handle, "boom", maxRetries))
	}

	// after exceeding maxRetries the item must be gone from the live queue.
	deliveries, err := q.Fetch(ctx, "worker-1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, deliveries, "item should have been dead-lettered, not retried forever")

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.StreamLength)

	require.Len(t, q.dead, 1)
	assert.Equal(t, "https://example.com/a", q.dead[0].item.URL)
}

func TestMemQueueRecoverStaleReclaimsIdleInFlight(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()

	_, _ = q.Push(ctx, "https://example.com/a", nil)
	deliveries, err := q.Fetch(ctx, "worker-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	// not yet stale: maxIdleMs far in the future relative to fetchedAt.
	reclaimed, err := q.RecoverStale(ctx, "worker-2", 1000*60*60, 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)

	// simulate the original worker having died a while ago.
	entry := q.byID[string(deliveries[0].Handle)]
	require.NotNil(t, entry)
	entry.fetchedAt = entry.fetchedAt.Add(-time.Hour)

	reclaimed, err = q.RecoverStale(ctx, "worker-2", 1000, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "https://example.com/a", reclaimed[0].Item.URL)
}
