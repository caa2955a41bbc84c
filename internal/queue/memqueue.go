package queue

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	id         string
	handle     Handle
	item       WorkItemData
	inFlight   bool
	fetchedAt  time.Time
	consumer   string
}

// MemQueue is an in-process FIFO work queue with the same dedup, retry
// limit and dead-letter rules as the Redis backend, for PipelineConfig.Mode
// in {"memory","file"} single-process runs. One difference: a Fail under
// the retry limit makes the item fetchable again at once, where the Redis
// backend leaves it pending until RecoverStale reclaims it.
type MemQueue struct {
	mu       sync.Mutex
	seen     map[string]bool
	order    []string
	byID     map[string]*memEntry
	handleSeq int
	dead     []memEntry
}

func NewMemQueue() *MemQueue {
	return &MemQueue{
		seen: map[string]bool{},
		byID: map[string]*memEntry{},
	}
}

func (q *MemQueue) Push(ctx context.Context, url string, metadata map[string]any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	id := ItemID(url)
	if q.seen[id] {
		return false, nil
	}
	q.seen[id] = true
	entry := &memEntry{
		id:   id,
		item: WorkItemData{URL: url, CreatedAt: time.Now().Unix(), Metadata: metadata},
	}
	q.byID[id] = entry
	q.order = append(q.order, id)
	return true, nil
}

func (q *MemQueue) PushBatch(ctx context.Context, urls []string, metadata []map[string]any) (int, error) {
	count := 0
	for i, u := range urls {
		var md map[string]any
		if metadata != nil && i < len(metadata) {
			md = metadata[i]
		}
		ok, err := q.Push(ctx, u, md)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

func (q *MemQueue) Fetch(ctx context.Context, consumerName string, count int, blockMs int) ([]Delivery, error) {
	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.mu.Lock()
		var out []Delivery
		var remaining []string
		for _, id := range q.order {
			entry := q.byID[id]
			if entry.inFlight {
				remaining = append(remaining, id)
				continue
			}
			if len(out) < count {
				entry.inFlight = true
				entry.fetchedAt = time.Now()
				entry.consumer = consumerName
				q.handleSeq++
				entry.handle = Handle(entry.id)
				out = append(out, Delivery{Handle: entry.handle, Item: entry.item})
			} else {
				remaining = append(remaining, id)
			}
		}
		q.order = remaining
		// re-append in-flight ids so they remain tracked for RecoverStale
		for _, d := range out {
			q.order = append(q.order, string(d.Handle))
		}
		q.mu.Unlock()

		if len(out) > 0 || blockMs <= 0 || time.Now().After(deadline) {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (q *MemQueue) Ack(ctx context.Context, handle Handle) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := string(handle)
	delete(q.byID, id)
	q.removeFromOrder(id)
	return nil
}

func (q *MemQueue) removeFromOrder(id string) {
	out := q.order[:0]
	for _, o := range q.order {
		if o != id {
			out = append(out, o)
		}
	}
	q.order = out
}

func (q *MemQueue) Fail(ctx context.Context, handle Handle, errMsg string, maxRetries int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := string(handle)
	entry, ok := q.byID[id]
	if !ok {
		return nil
	}
	entry.item.RetryCount++
	if entry.item.RetryCount <= maxRetries {
		entry.inFlight = false
		return nil
	}
	q.dead = append(q.dead, *entry)
	delete(q.byID, id)
	q.removeFromOrder(id)
	return nil
}

func (q *MemQueue) RecoverStale(ctx context.Context, consumerName string, maxIdleMs int64, count int) ([]Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().Add(-time.Duration(maxIdleMs) * time.Millisecond)
	var out []Delivery
	for _, id := range q.order {
		if len(out) >= count {
			break
		}
		entry := q.byID[id]
		if entry == nil || !entry.inFlight {
			continue
		}
		if entry.fetchedAt.After(cutoff) {
			continue
		}
		entry.consumer = consumerName
		entry.fetchedAt = time.Now()
		out = append(out, Delivery{Handle: entry.handle, Item: entry.item})
	}
	return out, nil
}

func (q *MemQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var pending int64
	for _, e := range q.byID {
		if e.inFlight {
			pending++
		}
	}
	return Stats{
		TotalItems:   int64(len(q.seen)),
		StreamLength: int64(len(q.byID)),
		PendingCount: pending,
	}, nil
}

func (q *MemQueue) Close() error { return nil }
