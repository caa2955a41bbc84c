// Package queue implements the Reliable Work Queue described in spec §4.6:
// content-addressed WorkItems, at-least-once delivery via a consumer-group
// style fetch/ack/fail cycle, and stale-message recovery after a worker
// dies mid-task. Two backends are provided: an in-memory queue for
// PipelineConfig.Mode=="memory"/"file" single-process runs, and a Redis
// Streams backend for "redis" mode multi-process runs.
//
// The Redis backend is ported from common/storage/redis_manager.py's
// RedisQueueManager (Hash + Stream + Consumer Group design).
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Handle identifies one fetched, not-yet-acked WorkItem. Its shape is
// backend-specific (the Redis stream entry ID joined to the item's data id
// with "|", or the item's content-addressed id in memory); callers treat
// it opaquely and pass it back to Ack/Fail.
type Handle string

// Delivery pairs a fetched WorkItem with the Handle needed to ack/fail it.
type Delivery struct {
	Handle Handle
	Item   WorkItemData
}

// WorkItemData is the data a WorkItem carries through the queue, re-typed
// here (rather than importing internal/task) so the queue has no
// dependency on the domain model — only Item.URL and opaque Metadata.
type WorkItemData struct {
	URL        string
	CreatedAt  int64
	Metadata   map[string]any
	RetryCount int
}

// Stats summarizes queue depth for observability.
type Stats struct {
	TotalItems    int64
	StreamLength  int64
	PendingCount  int64
}

// Queue is the reliable work queue contract every pipeline stage talks to.
type Queue interface {
	// Push enqueues one URL, returning false if it was already present
	// (content-addressed dedup).
	Push(ctx context.Context, url string, metadata map[string]any) (bool, error)
	// PushBatch enqueues many URLs in pipelined round trips, returning the
	// count actually enqueued (post-dedup).
	PushBatch(ctx context.Context, urls []string, metadata []map[string]any) (int, error)
	// Fetch blocks up to blockMs for up to count deliveries.
	Fetch(ctx context.Context, consumerName string, count int, blockMs int) ([]Delivery, error)
	// Ack confirms a delivery completed successfully.
	Ack(ctx context.Context, handle Handle) error
	// Fail records a failed delivery; if its retry count is still under
	// maxRetries it stays unacked for a future RecoverStale pass to
	// reclaim, otherwise it is acked and moved to the dead-letter stream.
	Fail(ctx context.Context, handle Handle, errMsg string, maxRetries int) error
	// RecoverStale reclaims deliveries idle longer than maxIdleMs,
	// handing them back out as if freshly fetched.
	RecoverStale(ctx context.Context, consumerName string, maxIdleMs int64, count int) ([]Delivery, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// ItemID returns the stable content-addressed id for a URL: the first 16
// hex characters of its sha256 digest. Ported from
// RedisQueueManager._generate_hash_id.
func ItemID(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])[:16]
}
