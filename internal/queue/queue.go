// Package queue implements the Work Queue (C2): reliable at-least-once
// delivery with a per-message visibility timeout and a dead-letter
// sink, built on Redis lists and a lease sorted set rather than a
// managed broker — the example corpus has no SQS/broker client, so
// this reproduces the same semantics directly against go-redis.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/gpudispatch/internal/platform/logger"
	"github.com/yungbote/gpudispatch/internal/wire"
)

// ErrEmpty is returned by Receive when no message arrived within the
// long-poll wait.
var ErrEmpty = errors.New("queue: no message available")

// Queue is the Work Queue's interface (C2).
type Queue interface {
	// Enqueue appends a message to the ready list.
	Enqueue(ctx context.Context, msg wire.QueueMessage) error
	// Receive long-polls the ready list for up to wait, atomically
	// moving the message to the in-flight list and establishing a
	// lease. Returns ErrEmpty on timeout.
	Receive(ctx context.Context, wait time.Duration) (*Message, error)
	// Ack removes a message from the in-flight set permanently,
	// clearing its lease and receive counter.
	Ack(ctx context.Context, token string) error
	// ExtendLease pushes a message's lease deadline forward by v,
	// used by a worker still processing a long-running job (§4.2
	// "Visibility extension").
	ExtendLease(ctx context.Context, token string, v time.Duration) error
	// Depth reports the number of messages currently visible
	// (ready, not in-flight) — exactly the gauge C6 samples.
	Depth(ctx context.Context) (int64, error)
	// StartReaper runs the background goroutine that requeues
	// lapsed leases and diverts exhausted messages to the dead
	// letter list, until ctx is cancelled.
	StartReaper(ctx context.Context, visibilityTimeout time.Duration, maxReceives int)
	Close() error
}

// Message is a received queue item plus the lease token a caller must
// present to Ack or ExtendLease it.
type Message struct {
	Token   string
	Payload wire.QueueMessage
}

type redisQueue struct {
	rdb    *goredis.Client
	log    *logger.Logger
	name   string
	ready  string
	flight string
	leases string
	dead   string
}

// New constructs a Redis-backed Queue named name (so two independent
// logical queues can share one Redis instance).
func New(rdb *goredis.Client, baseLog *logger.Logger, name string) Queue {
	return &redisQueue{
		rdb:    rdb,
		log:    baseLog.With("component", "Queue", "queue", name),
		name:   name,
		ready:  name + ":ready",
		flight: name + ":inflight",
		leases: name + ":leases",
		dead:   name + ":dead",
	}
}

func (q *redisQueue) receiveKey(token string) string {
	return fmt.Sprintf("%s:receives:%s", q.name, token)
}

func (q *redisQueue) Enqueue(ctx context.Context, msg wire.QueueMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}
	return q.rdb.LPush(ctx, q.ready, raw).Err()
}

// Receive implements BRPOPLPUSH long-poll against q:ready → q:inflight
// and establishes the lease, following the pack's reliable-queue
// pattern (other_examples' bananas RedisQueue.Dequeue) adapted from
// priority-tiered lists to a single list per queue name.
func (q *redisQueue) Receive(ctx context.Context, wait time.Duration) (*Message, error) {
	raw, err := q.rdb.BRPopLPush(ctx, q.ready, q.flight, wait).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("receive: %w", err)
	}

	var msg wire.QueueMessage
	if jsonErr := json.Unmarshal([]byte(raw), &msg); jsonErr != nil {
		// Poisonous per §7: undecodable, drop it rather than leave it
		// cycling through q:inflight forever.
		_ = q.rdb.LRem(ctx, q.flight, 1, raw).Err()
		q.log.Warn("dropping undecodable queue message", "error", jsonErr)
		return nil, ErrEmpty
	}

	token := raw
	deadline := float64(time.Now().Add(defaultLease).Unix())
	if err := q.rdb.ZAdd(ctx, q.leases, goredis.Z{Score: deadline, Member: token}).Err(); err != nil {
		return nil, fmt.Errorf("establish lease: %w", err)
	}
	if err := q.rdb.Incr(ctx, q.receiveKey(token)).Err(); err != nil {
		return nil, fmt.Errorf("increment receive count: %w", err)
	}

	return &Message{Token: token, Payload: msg}, nil
}

// defaultLease is the lease duration Receive records for every message,
// whatever VISIBILITY_TIMEOUT is configured to. The reaper compares the
// recorded lease deadlines against the current time only; it does not
// use its visibilityTimeout argument. A lease therefore lasts 300s
// unless the holder calls ExtendLease.
const defaultLease = 300 * time.Second

func (q *redisQueue) Ack(ctx context.Context, token string) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.flight, 1, token)
	pipe.ZRem(ctx, q.leases, token)
	pipe.Del(ctx, q.receiveKey(token))
	_, err := pipe.Exec(ctx)
	return err
}

func (q *redisQueue) ExtendLease(ctx context.Context, token string, v time.Duration) error {
	deadline := float64(time.Now().Add(v).Unix())
	return q.rdb.ZAdd(ctx, q.leases, goredis.Z{Score: deadline, Member: token}).Err()
}

// Depth returns LLEN q:ready only — in-flight and dead-lettered
// messages are excluded, matching §8 property 5 and §4.4's race-safety
// requirement that leased work stay invisible to the idle sampler.
func (q *redisQueue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.ready).Result()
}

// StartReaper scans q:leases once a second for expired entries and
// either requeues them to q:ready (incrementing their receive count on
// the next Receive) or diverts them to q:dead once maxReceives is
// exceeded. Owned by the queue, not the worker, so a worker crash
// cannot silently stop lease recovery. visibilityTimeout is accepted
// but not consulted: expiry is decided by the stored lease deadlines.
func (q *redisQueue) StartReaper(ctx context.Context, visibilityTimeout time.Duration, maxReceives int) {
	ticker := time.NewTicker(1 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.reapOnce(ctx, maxReceives)
			}
		}
	}()
}

func (q *redisQueue) reapOnce(ctx context.Context, maxReceives int) {
	now := float64(time.Now().Unix())
	expired, err := q.rdb.ZRangeByScore(ctx, q.leases, &goredis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		q.log.Warn("reaper: scan leases failed", "error", err)
		return
	}

	for _, token := range expired {
		count, err := q.rdb.Get(ctx, q.receiveKey(token)).Int()
		if err != nil && !errors.Is(err, goredis.Nil) {
			q.log.Warn("reaper: read receive count failed", "error", err, "token_prefix", prefix(token))
			continue
		}

		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, q.flight, 1, token)
		pipe.ZRem(ctx, q.leases, token)

		if count >= maxReceives {
			pipe.LPush(ctx, q.dead, token)
			pipe.Del(ctx, q.receiveKey(token))
			q.log.Warn("message exceeded max receives, moved to dead letter", "receives", count, "token_prefix", prefix(token))
		} else {
			pipe.LPush(ctx, q.ready, token)
		}

		if _, err := pipe.Exec(ctx); err != nil {
			q.log.Warn("reaper: requeue failed", "error", err, "token_prefix", prefix(token))
		}
	}
}

func (q *redisQueue) Close() error {
	return q.rdb.Close()
}

func prefix(s string) string {
	if len(s) > 24 {
		return s[:24]
	}
	return s
}
