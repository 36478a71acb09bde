package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBroker is an in-process broker for single-process deployments and tests.
// Unacked deliveries of a closed subscription are requeued at the front.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	closed bool
}

type memQueue struct {
	ready     []Message
	unacked   map[string]Message
	dead      []Message
	consumers int
	notify    chan struct{}
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{queues: make(map[string]*memQueue)}
}

func (b *MemoryBroker) queue(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{unacked: make(map[string]Message), notify: make(chan struct{})}
		b.queues[name] = q
	}
	return q
}

// wake releases every Receive blocked on q.
func (q *memQueue) wake() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// Publish appends body to queue.
func (b *MemoryBroker) Publish(ctx context.Context, queue string, body []byte) error {
	if err := validatePublish(queue, body); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	q := b.queue(queue)
	q.ready = append(q.ready, Message{
		ID:       uuid.New().String(),
		Queue:    queue,
		Body:     append([]byte(nil), body...),
		QueuedAt: time.Now(),
	})
	q.wake()
	return nil
}

// Subscribe registers a consumer on queue.
func (b *MemoryBroker) Subscribe(ctx context.Context, queue, consumer string) (Subscription, error) {
	if err := validatePublish(queue, nil); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.queue(queue).consumers++
	return &memSubscription{broker: b, queue: queue, consumer: consumer}, nil
}

// Stats reports the queue's consumer count and depth.
func (b *MemoryBroker) Stats(ctx context.Context, queue string) (QueueStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(queue)
	return QueueStats{
		Queue:     queue,
		Consumers: q.consumers,
		Ready:     int64(len(q.ready)),
		Unacked:   int64(len(q.unacked)),
		Dead:      int64(len(q.dead)),
	}, nil
}

// DeadLetters returns up to limit dead letters of queue, newest first.
func (b *MemoryBroker) DeadLetters(ctx context.Context, queue string, limit int) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dead := b.queue(queue).dead
	out := make([]Message, 0, len(dead))
	for i := len(dead) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, dead[i])
	}
	return out, nil
}

// Close wakes every blocked receiver; further calls fail with ErrClosed.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		q.wake()
	}
	return nil
}

type memSubscription struct {
	broker   *MemoryBroker
	queue    string
	consumer string

	mu       sync.Mutex
	inflight *memDelivery
	closed   bool
}

func (s *memSubscription) Receive(ctx context.Context) (Delivery, error) {
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
		if s.isClosed() {
			return nil, ErrClosed
		}
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		q := b.queue(s.queue)
		if len(q.ready) > 0 {
			msg := q.ready[0]
			q.ready = q.ready[1:]
			q.unacked[msg.ID] = msg
			b.mu.Unlock()

			d := &memDelivery{sub: s, msg: msg}
			s.mu.Lock()
			s.inflight = d
			s.mu.Unlock()
			return d, nil
		}
		wait := q.notify
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (s *memSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(s.queue)
	q.consumers--
	if d := s.inflight; d != nil && !d.settled() {
		delete(q.unacked, d.msg.ID)
		q.ready = append([]Message{d.msg}, q.ready...)
		d.markSettled()
	}
	q.wake()
	return nil
}

func (s *memSubscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type memDelivery struct {
	sub *memSubscription
	msg Message

	mu   sync.Mutex
	done bool
}

func (d *memDelivery) Message() Message { return d.msg }

func (d *memDelivery) settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

func (d *memDelivery) markSettled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return false
	}
	d.done = true
	return true
}

func (d *memDelivery) Ack(ctx context.Context) error {
	if !d.markSettled() {
		return ErrAlreadySettled
	}
	b := d.sub.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queue(d.msg.Queue).unacked, d.msg.ID)
	return nil
}

func (d *memDelivery) Nack(ctx context.Context, reason string) error {
	if !d.markSettled() {
		return ErrAlreadySettled
	}
	b := d.sub.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(d.msg.Queue)
	delete(q.unacked, d.msg.ID)
	dead := d.msg
	dead.Reason = reason
	dead.QueuedAt = time.Now()
	q.dead = append(q.dead, dead)
	return nil
}

func (d *memDelivery) Heartbeat(ctx context.Context) error {
	if d.settled() {
		return ErrAlreadySettled
	}
	return nil
}

