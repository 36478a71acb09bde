package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/jdziat/backtest-orchestrator/pkg/core"
)

const (
	fieldBody   = "body"
	fieldReason = "reason"
	fieldOrigin = "origin"
)

// RedisConfig tunes the Redis Streams broker.
type RedisConfig struct {
	// Group is the consumer group every worker joins. Default: "orchestrator"
	Group string
	// Block bounds one XREADGROUP call so Receive stays responsive. Default: 2s
	Block time.Duration
	// LiveIdle is how recently a consumer must have interacted with the
	// stream to count as live. Default: 1m
	LiveIdle time.Duration
	// ClaimIdle is how long a pending entry may sit untouched before another
	// consumer reclaims it. Default: 10m
	ClaimIdle time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.Group == "" {
		c.Group = "orchestrator"
	}
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.LiveIdle <= 0 {
		c.LiveIdle = time.Minute
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = 10 * time.Minute
	}
	return c
}

// RedisBroker maps each queue to a Redis stream read through one consumer
// group. Acked entries are deleted, so a stream's length minus its pending
// count is its ready backlog. Dead letters go to the stream queue + ".dlq".
type RedisBroker struct {
	client *redis.Client
	cfg    RedisConfig

	mu     sync.Mutex
	groups map[string]bool
}

// NewRedisBroker wraps a connected client.
func NewRedisBroker(client *redis.Client, cfg RedisConfig) *RedisBroker {
	return &RedisBroker{client: client, cfg: cfg.withDefaults(), groups: make(map[string]bool)}
}

// EnsureGroup creates the stream and its consumer group if missing.
func (b *RedisBroker) EnsureGroup(ctx context.Context, queue string) error {
	b.mu.Lock()
	ok := b.groups[queue]
	b.mu.Unlock()
	if ok {
		return nil
	}

	err := b.client.XGroupCreateMkStream(ctx, queue, b.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("broker: create group on %s: %w", queue, err)
	}
	b.mu.Lock()
	b.groups[queue] = true
	b.mu.Unlock()
	return nil
}

// Publish appends body to the queue's stream.
func (b *RedisBroker) Publish(ctx context.Context, queue string, body []byte) error {
	if err := validatePublish(queue, body); err != nil {
		return err
	}
	if err := b.EnsureGroup(ctx, queue); err != nil {
		return err
	}
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: queue,
		Values: map[string]interface{}{fieldBody: string(body)},
	}).Err()
}

// Subscribe joins the queue's consumer group as consumer.
func (b *RedisBroker) Subscribe(ctx context.Context, queue, consumer string) (Subscription, error) {
	if err := validatePublish(queue, nil); err != nil {
		return nil, err
	}
	if err := b.EnsureGroup(ctx, queue); err != nil {
		return nil, err
	}
	return &redisSubscription{broker: b, queue: queue, consumer: consumer, claimCursor: "0-0"}, nil
}

// Stats counts live consumers and the ready, pending and dead backlog.
func (b *RedisBroker) Stats(ctx context.Context, queue string) (QueueStats, error) {
	stats := QueueStats{Queue: queue}
	if err := b.EnsureGroup(ctx, queue); err != nil {
		return stats, err
	}

	length, err := b.client.XLen(ctx, queue).Result()
	if err != nil {
		return stats, fmt.Errorf("broker: xlen %s: %w", queue, err)
	}
	pending, err := b.client.XPending(ctx, queue, b.cfg.Group).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return stats, fmt.Errorf("broker: xpending %s: %w", queue, err)
	}
	if pending != nil {
		stats.Unacked = pending.Count
	}
	stats.Ready = length - stats.Unacked
	if stats.Ready < 0 {
		stats.Ready = 0
	}

	consumers, err := b.client.XInfoConsumers(ctx, queue, b.cfg.Group).Result()
	if err != nil {
		return stats, fmt.Errorf("broker: xinfo consumers %s: %w", queue, err)
	}
	for _, c := range consumers {
		if time.Duration(c.Idle)*time.Millisecond < b.cfg.LiveIdle {
			stats.Consumers++
		}
	}

	dead, err := b.client.XLen(ctx, core.DeadLetterQueue(queue)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return stats, fmt.Errorf("broker: xlen dlq %s: %w", queue, err)
	}
	stats.Dead = dead
	return stats, nil
}

// DeadLetters reads up to limit entries of the queue's dead-letter stream, newest first.
func (b *RedisBroker) DeadLetters(ctx context.Context, queue string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	dlq := core.DeadLetterQueue(queue)
	entries, err := b.client.XRevRangeN(ctx, dlq, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: read %s: %w", dlq, err)
	}
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		m := toMessage(queue, e)
		m.Reason = stringField(e.Values, fieldReason)
		out = append(out, m)
	}
	return out, nil
}

// Close closes the client.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

func toMessage(queue string, e redis.XMessage) Message {
	return Message{
		ID:       e.ID,
		Queue:    queue,
		Body:     []byte(stringField(e.Values, fieldBody)),
		QueuedAt: entryTime(e.ID),
	}
}

func stringField(values map[string]interface{}, key string) string {
	v, ok := values[key]
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return fmt.Sprint(v)
}

// entryTime reads the millisecond timestamp prefix of a stream entry ID.
func entryTime(id string) time.Time {
	ms, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n)
}

type redisSubscription struct {
	broker   *RedisBroker
	queue    string
	consumer string

	mu          sync.Mutex
	inflight    *redisDelivery
	closed      bool
	claimCursor string
}

// Receive reclaims one abandoned entry if there is one, otherwise blocks for a new entry.
func (s *redisSubscription) Receive(ctx context.Context) (Delivery, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.inflight != nil && !s.inflight.settled() {
		s.mu.Unlock()
		return nil, ErrUnacked
	}
	s.mu.Unlock()

	b := s.broker
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.isClosed() {
			return nil, ErrClosed
		}

		if d, err := s.reclaim(ctx); err != nil || d != nil {
			return d, err
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: s.consumer,
			Streams:  []string{s.queue, ">"},
			Count:    1,
			Block:    b.cfg.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("broker: xreadgroup %s: %w", s.queue, err)
		}
		if len(streams) > 0 && len(streams[0].Messages) > 0 {
			return s.deliver(streams[0].Messages[0]), nil
		}
	}
}

func (s *redisSubscription) reclaim(ctx context.Context) (Delivery, error) {
	b := s.broker
	s.mu.Lock()
	start := s.claimCursor
	s.mu.Unlock()

	msgs, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.queue,
		Group:    b.cfg.Group,
		Consumer: s.consumer,
		MinIdle:  b.cfg.ClaimIdle,
		Start:    start,
		Count:    1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("broker: xautoclaim %s: %w", s.queue, err)
	}

	s.mu.Lock()
	if next == "" {
		next = "0-0"
	}
	s.claimCursor = next
	s.mu.Unlock()

	if len(msgs) == 0 {
		return nil, nil
	}
	return s.deliver(msgs[0]), nil
}

func (s *redisSubscription) deliver(e redis.XMessage) Delivery {
	d := &redisDelivery{sub: s, entryID: e.ID, msg: toMessage(s.queue, e)}
	s.mu.Lock()
	s.inflight = d
	s.mu.Unlock()
	return d
}

func (s *redisSubscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close removes the consumer from the group so it stops counting as live.
// A consumer still holding an unsettled entry is kept so the entry can be reclaimed.
func (s *redisSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	holding := s.inflight != nil && !s.inflight.settled()
	s.mu.Unlock()

	if holding {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.broker.client.XGroupDelConsumer(ctx, s.queue, s.broker.cfg.Group, s.consumer).Err()
}

type redisDelivery struct {
	sub     *redisSubscription
	entryID string
	msg     Message

	mu   sync.Mutex
	done bool
}

func (d *redisDelivery) Message() Message { return d.msg }

func (d *redisDelivery) settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

func (d *redisDelivery) markSettled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return false
	}
	d.done = true
	return true
}

func (d *redisDelivery) Ack(ctx context.Context) error {
	if !d.markSettled() {
		return ErrAlreadySettled
	}
	return d.remove(ctx)
}

func (d *redisDelivery) remove(ctx context.Context) error {
	b := d.sub.broker
	pipe := b.client.TxPipeline()
	pipe.XAck(ctx, d.sub.queue, b.cfg.Group, d.entryID)
	pipe.XDel(ctx, d.sub.queue, d.entryID)
	_, err := pipe.Exec(ctx)
	return err
}

func (d *redisDelivery) Nack(ctx context.Context, reason string) error {
	if !d.markSettled() {
		return ErrAlreadySettled
	}
	b := d.sub.broker
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: core.DeadLetterQueue(d.sub.queue),
		Values: map[string]interface{}{
			fieldBody:   string(d.msg.Body),
			fieldReason: reason,
			fieldOrigin: d.entryID,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("broker: dead-letter %s: %w", d.entryID, err)
	}
	return d.remove(ctx)
}

// Heartbeat re-claims the entry for its own consumer, resetting its idle time
// so neither XAUTOCLAIM nor the liveness count treats it as abandoned.
func (d *redisDelivery) Heartbeat(ctx context.Context) error {
	if d.settled() {
		return ErrAlreadySettled
	}
	b := d.sub.broker
	return b.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   d.sub.queue,
		Group:    b.cfg.Group,
		Consumer: d.sub.consumer,
		MinIdle:  0,
		Messages: []string{d.entryID},
	}).Err()
}
