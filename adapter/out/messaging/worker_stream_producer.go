// Package messaging provides the Redis transport between the API and worker
// processes: job streams, the event relay and the per-owner sync lock.
package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
)

// Stream names
const (
	StreamMailSync    = "mail:sync"
	StreamWatchEnsure = "watch:ensure"
	StreamReclassify  = "classification:reclassify"

	deadLetterPrefix    = "dlq:"
	defaultStreamMaxLen = 100000
)

// WatchEnsureJob asks a worker to (re)register the push watch of an owner.
type WatchEnsureJob struct {
	OwnerID string `json:"owner_id"`
}

// ReclassifyJob runs a full reclassification on the worker side.
type ReclassifyJob struct {
	OwnerID             string  `json:"owner_id"`
	BatchSize           int     `json:"batch_size,omitempty"`
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`
	DryRun              bool    `json:"dry_run"`
}

// RedisProducer implements out.SyncQueue using Redis Streams.
type RedisProducer struct {
	client *redis.Client
	maxLen int64
}

func NewRedisProducer(client *redis.Client) *RedisProducer {
	return &RedisProducer{client: client, maxLen: defaultStreamMaxLen}
}

// EnqueueSync publishes a sync trigger.
func (p *RedisProducer) EnqueueSync(ctx context.Context, trigger *domain.SyncTrigger) error {
	return p.publish(ctx, StreamMailSync, trigger)
}

// EnqueueWatchEnsure publishes a watch registration job.
func (p *RedisProducer) EnqueueWatchEnsure(ctx context.Context, job *WatchEnsureJob) error {
	return p.publish(ctx, StreamWatchEnsure, job)
}

// EnqueueReclassify publishes a reclassification job.
func (p *RedisProducer) EnqueueReclassify(ctx context.Context, job *ReclassifyJob) error {
	return p.publish(ctx, StreamReclassify, job)
}

// DeadLetter records a job the worker gave up on under dlq:{stream}.
func (p *RedisProducer) DeadLetter(ctx context.Context, stream string, job interface{}, reason string) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: deadLetterPrefix + stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"original_data": string(data),
			"reason":        reason,
			"failed_at":     time.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
}

// publish publishes a job to a stream using go-redis.
func (p *RedisProducer) publish(ctx context.Context, stream string, job interface{}) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: p.maxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return nil
}

var _ out.SyncQueue = (*RedisProducer)(nil)
