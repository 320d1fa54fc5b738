package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lectern/internal/logging"
)

const (
	defaultCapacity     = 4096
	defaultMaxAttempts  = 3
	defaultRetryDelay   = 100 * time.Millisecond
	defaultSinkDeadline = 10 * time.Second
	maxRetryDelay       = 5 * time.Second
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("progress hub closed")

// Sink receives events for one subscriber, in publish order.
type Sink interface {
	Deliver(ctx context.Context, evt Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evt Event) error

func (f SinkFunc) Deliver(ctx context.Context, evt Event) error { return f(ctx, evt) }

// HubOptions configures a Hub.
type HubOptions struct {
	Capacity    int
	MaxAttempts int
	RetryDelay  time.Duration
	// SinkTimeout bounds each delivery attempt.
	SinkTimeout time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

// Hub stores recent events and fans them out to subscribers.
type Hub struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int
	buffer   []Event
	nextSeq  uint64
	subs     []*subscriber
	closed   bool

	maxAttempts int
	retryDelay  time.Duration
	sinkTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewHub constructs a hub with a bounded replay buffer.
func NewHub(opts HubOptions) *Hub {
	h := &Hub{
		capacity:    opts.Capacity,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		sinkTimeout: opts.SinkTimeout,
		logger:      logging.NewComponentLogger(opts.Logger, "progress"),
		now:         opts.Now,
	}
	if h.capacity <= 0 {
		h.capacity = defaultCapacity
	}
	if h.maxAttempts <= 0 {
		h.maxAttempts = defaultMaxAttempts
	}
	if h.retryDelay <= 0 {
		h.retryDelay = defaultRetryDelay
	}
	if h.sinkTimeout <= 0 {
		h.sinkTimeout = defaultSinkDeadline
	}
	if h.now == nil {
		h.now = time.Now
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Publish assigns the next sequence number, buffers the event, and queues it
// for every subscriber. It never blocks on subscribers.
func (h *Hub) Publish(evt Event) Event {
	if h == nil {
		return evt
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return evt
	}
	h.nextSeq++
	evt.Sequence = h.nextSeq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = h.now().UTC()
	}
	if len(h.buffer) == h.capacity {
		copy(h.buffer, h.buffer[1:])
		h.buffer = h.buffer[:h.capacity-1]
	}
	h.buffer = append(h.buffer, evt)
	for _, sub := range h.subs {
		sub.enqueue(evt)
	}
	h.cond.Broadcast()
	return evt
}

// SubscribeOption customizes one subscription.
type SubscribeOption func(*subscriber)

// Durable keeps retrying a failed delivery with capped backoff until it
// succeeds or the hub closes, instead of dropping the event.
func Durable() SubscribeOption {
	return func(s *subscriber) { s.durable = true }
}

// Subscribe registers sink under name. Only events published afterwards are delivered.
func (h *Hub) Subscribe(name string, sink Sink, opts ...SubscribeOption) error {
	if sink == nil {
		return fmt.Errorf("subscriber %q: nil sink", name)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	sub := newSubscriber(h, name, sink, h.nextSeq)
	for _, opt := range opts {
		opt(sub)
	}
	h.subs = append(h.subs, sub)
	go sub.run()
	return nil
}

// Fetch returns events with sequence greater than since that match filter.
// When wait is true, Fetch blocks until a matching event arrives, the hub
// closes, or the context ends. The returned cursor is the sequence to pass as
// since on the next call.
func (h *Hub) Fetch(ctx context.Context, since uint64, limit int, wait bool, filter Filter) ([]Event, uint64, error) {
	if h == nil {
		return nil, since, nil
	}
	if limit <= 0 || limit > h.capacity {
		limit = h.capacity
	}

	stopWake := make(chan struct{})
	defer close(stopWake)
	if wait && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				h.mu.Lock()
				h.cond.Broadcast()
				h.mu.Unlock()
			case <-stopWake:
			}
		}()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		events, cursor := h.snapshotLocked(since, limit, filter)
		if len(events) > 0 || !wait || h.closed {
			return events, cursor, nil
		}
		since = cursor
		if err := ctx.Err(); err != nil {
			return nil, cursor, err
		}
		h.cond.Wait()
		if err := ctx.Err(); err != nil {
			return nil, since, err
		}
	}
}

// Tail returns the most recent limit events without blocking.
func (h *Hub) Tail(limit int) ([]Event, uint64) {
	if h == nil {
		return nil, 0
	}
	if limit <= 0 || limit > h.capacity {
		limit = h.capacity
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	start := len(h.buffer) - limit
	if start < 0 {
		start = 0
	}
	return append([]Event(nil), h.buffer[start:]...), h.nextSeq
}

// Oldest reports the smallest sequence number still buffered, or the next
// sequence to be assigned when the buffer is empty. A cursor below Oldest-1
// has missed events.
func (h *Hub) Oldest() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.buffer) == 0 {
		return h.nextSeq + 1
	}
	return h.buffer[0].Sequence
}

// FlushSubscriber blocks until the named subscriber has processed all events
// published before the call.
func (h *Hub) FlushSubscriber(ctx context.Context, name string) error {
	h.mu.Lock()
	target := h.nextSeq
	var sub *subscriber
	for _, s := range h.subs {
		if s.name == name {
			sub = s
			break
		}
	}
	h.mu.Unlock()
	if sub == nil {
		return fmt.Errorf("subscriber %q not registered", name)
	}
	return sub.waitProcessed(ctx, target)
}

// Flush blocks until every subscriber has processed all events published
// before the call.
func (h *Hub) Flush(ctx context.Context) error {
	h.mu.Lock()
	target := h.nextSeq
	subs := append([]*subscriber(nil), h.subs...)
	h.mu.Unlock()
	for _, sub := range subs {
		if err := sub.waitProcessed(ctx, target); err != nil {
			return err
		}
	}
	return nil
}

// Close stops accepting events and waits for subscribers to drain their
// mailboxes or for ctx to end.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := append([]*subscriber(nil), h.subs...)
	h.cond.Broadcast()
	h.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	for _, sub := range subs {
		select {
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (h *Hub) snapshotLocked(since uint64, limit int, filter Filter) ([]Event, uint64) {
	var out []Event
	for _, evt := range h.buffer {
		if evt.Sequence <= since || !filter.Match(evt) {
			continue
		}
		out = append(out, evt)
		if len(out) == limit {
			return out, evt.Sequence
		}
	}
	return out, h.nextSeq
}
