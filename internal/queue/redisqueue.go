package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// redisRecord is the JSON shape stored in the data hash, ported from
// redis_manager.py's push_task/fetch_task payload.
type redisRecord struct {
	URL         string         `json:"url"`
	CreatedAt   int64          `json:"created_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	RetryCount  int            `json:"retry_count,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	LastFailed  int64          `json:"last_failed_at,omitempty"`
}

// RedisQueue is the Redis Streams backend: a data hash for content-
// addressed dedup plus a stream + consumer group for at-least-once
// delivery with ack/retry/dead-letter semantics.
//
// Ported from common/storage/redis_manager.py's RedisQueueManager.
type RedisQueue struct {
	client    *redis.Client
	keyPrefix string
	dataKey   string
	streamKey string
	groupName string
	deadKey   string
	logger    zerolog.Logger
}

// NewRedisQueue connects to Redis and ensures the consumer group exists.
func NewRedisQueue(ctx context.Context, addr, password string, db int, keyPrefix string, logger zerolog.Logger) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 2 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: connect: %w", err)
	}

	q := &RedisQueue{
		client:    client,
		keyPrefix: keyPrefix,
		dataKey:   keyPrefix + ":data",
		streamKey: keyPrefix + ":stream",
		groupName: keyPrefix + ":workers",
		deadKey:   keyPrefix + ":dead_letter",
		logger:    logger,
	}
	if err := q.ensureGroup(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return q, nil
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.streamKey, q.groupName, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis: create consumer group: %w", err)
	}
	return nil
}

func (q *RedisQueue) Push(ctx context.Context, url string, metadata map[string]any) (bool, error) {
	id := ItemID(url)
	record := redisRecord{URL: url, CreatedAt: time.Now().Unix(), Metadata: metadata}
	data, err := json.Marshal(record)
	if err != nil {
		return false, err
	}
	isNew, err := q.client.HSetNX(ctx, q.dataKey, id, data).Result()
	if err != nil {
		return false, fmt.Errorf("redis: hsetnx: %w", err)
	}
	if !isNew {
		return false, nil
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streamKey,
		Values: map[string]any{"data_id": id},
	}).Err(); err != nil {
		return false, fmt.Errorf("redis: xadd: %w", err)
	}
	return true, nil
}

func (q *RedisQueue) PushBatch(ctx context.Context, urls []string, metadata []map[string]any) (int, error) {
	if len(urls) == 0 {
		return 0, nil
	}
	ids := make([]string, len(urls))
	pipe := q.client.Pipeline()
	setCmds := make([]*redis.BoolCmd, len(urls))
	for i, u := range urls {
		ids[i] = ItemID(u)
		var md map[string]any
		if metadata != nil && i < len(metadata) {
			md = metadata[i]
		}
		record := redisRecord{URL: u, CreatedAt: time.Now().Unix(), Metadata: md}
		data, err := json.Marshal(record)
		if err != nil {
			return 0, err
		}
		setCmds[i] = pipe.HSetNX(ctx, q.dataKey, ids[i], data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis: batch pipeline: %w", err)
	}
	count := 0
	addPipe := q.client.Pipeline()
	for i, cmd := range setCmds {
		if cmd.Val() {
			count++
			addPipe.XAdd(ctx, &redis.XAddArgs{Stream: q.streamKey, Values: map[string]any{"data_id": ids[i]}})
		}
	}
	if count > 0 {
		if _, err := addPipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("redis: batch stream add: %w", err)
		}
	}
	return count, nil
}

func (q *RedisQueue) hydrateDelivery(ctx context.Context, id redis.XMessage) (Delivery, bool) {
	dataID, _ := id.Values["data_id"].(string)
	if dataID == "" {
		return Delivery{}, false
	}
	raw, err := q.client.HGet(ctx, q.dataKey, dataID).Result()
	if err != nil {
		return Delivery{}, false
	}
	var record redisRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return Delivery{}, false
	}
	return Delivery{
		Handle: Handle(id.ID + "|" + dataID),
		Item: WorkItemData{
			URL:        record.URL,
			CreatedAt:  record.CreatedAt,
			Metadata:   record.Metadata,
			RetryCount: record.RetryCount,
		},
	}, true
}

func (q *RedisQueue) Fetch(ctx context.Context, consumerName string, count int, blockMs int) ([]Delivery, error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.groupName,
		Consumer: consumerName,
		Streams:  []string{q.streamKey, ">"},
		Count:    int64(count),
		Block:    time.Duration(blockMs) * time.Millisecond,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: xreadgroup: %w", err)
	}
	var out []Delivery
	for _, stream := range res {
		for _, msg := range stream.Messages {
			if d, ok := q.hydrateDelivery(ctx, msg); ok {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func splitHandle(h Handle) (streamID, dataID string) {
	parts := strings.SplitN(string(h), "|", 2)
	if len(parts) != 2 {
		return string(h), ""
	}
	return parts[0], parts[1]
}

func (q *RedisQueue) Ack(ctx context.Context, handle Handle) error {
	streamID, _ := splitHandle(handle)
	return q.client.XAck(ctx, q.streamKey, q.groupName, streamID).Err()
}

func (q *RedisQueue) Fail(ctx context.Context, handle Handle, errMsg string, maxRetries int) error {
	streamID, dataID := splitHandle(handle)
	raw, err := q.client.HGet(ctx, q.dataKey, dataID).Result()
	if err != nil {
		return fmt.Errorf("redis: hget for fail: %w", err)
	}
	var record redisRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return fmt.Errorf("redis: decode record: %w", err)
	}

	if record.RetryCount < maxRetries {
		record.RetryCount++
		record.LastError = errMsg
		record.LastFailed = time.Now().Unix()
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		// Deliberately do not XAck: the message stays in the PEL so
		// RecoverStale can reclaim it for another consumer's retry.
		return q.client.HSet(ctx, q.dataKey, dataID, data).Err()
	}

	if err := q.client.XAck(ctx, q.streamKey, q.groupName, streamID).Err(); err != nil {
		return fmt.Errorf("redis: ack on terminal failure: %w", err)
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.deadKey,
		Values: map[string]any{
			"data_id":   dataID,
			"url":       record.URL,
			"error":     errMsg,
			"retries":   fmt.Sprintf("%d", record.RetryCount),
			"failed_at": fmt.Sprintf("%d", time.Now().Unix()),
		},
	}).Err(); err != nil {
		return fmt.Errorf("redis: xadd dead letter: %w", err)
	}
	return nil
}

func (q *RedisQueue) RecoverStale(ctx context.Context, consumerName string, maxIdleMs int64, count int) ([]Delivery, error) {
	messages, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.streamKey,
		Group:    q.groupName,
		Consumer: consumerName,
		MinIdle:  time.Duration(maxIdleMs) * time.Millisecond,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: xautoclaim: %w", err)
	}
	var out []Delivery
	for _, msg := range messages {
		if d, ok := q.hydrateDelivery(ctx, msg); ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	total, err := q.client.HLen(ctx, q.dataKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("redis: hlen: %w", err)
	}
	streamLen, err := q.client.XLen(ctx, q.streamKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("redis: xlen: %w", err)
	}
	var pending int64
	if p, err := q.client.XPending(ctx, q.streamKey, q.groupName).Result(); err == nil && p != nil {
		pending = p.Count
	}
	return Stats{TotalItems: total, StreamLength: streamLen, PendingCount: pending}, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
