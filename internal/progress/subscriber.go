package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lectern/internal/logging"
)

// subscriber is one ordered mailbox drained by its own goroutine.
type subscriber struct {
	hub     *Hub
	name    string
	sink    Sink
	logger  *slog.Logger
	durable bool

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Event
	processed uint64
	stopping  bool

	wake     chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

func newSubscriber(h *Hub, name string, sink Sink, start uint64) *subscriber {
	sub := &subscriber{
		hub:       h,
		name:      name,
		sink:      sink,
		logger:    h.logger.With(logging.String("subscriber", name)),
		processed: start,
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)
	return sub
}

func (s *subscriber) enqueue(evt Event) {
	s.mu.Lock()
	s.queue = append(s.queue, evt)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.quitOnce.Do(func() { close(s.quit) })
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		stopping := s.stopping
		s.mu.Unlock()

		for _, evt := range batch {
			s.deliver(evt)
			s.mu.Lock()
			s.processed = evt.Sequence
			s.cond.Broadcast()
			s.mu.Unlock()
		}
		if len(batch) > 0 {
			continue
		}
		if stopping {
			return
		}
		<-s.wake
	}
}

// deliver retries a failing sink with exponential backoff. Ordinary
// subscribers give up after the hub's attempt limit; durable ones keep going
// until the hub closes.
func (s *subscriber) deliver(evt Event) {
	delay := s.hub.retryDelay
	var lastErr error
	attempt := 0
	for {
		attempt++
		lastErr = s.attempt(evt)
		if lastErr == nil {
			return
		}
		if attempt >= s.hub.maxAttempts {
			if !s.durable || s.quitting() {
				break
			}
			if attempt == s.hub.maxAttempts {
				logging.WarnWithContext(s.logger, "progress delivery still failing; retrying", "progress_retry",
					logging.String(logging.FieldDocumentID, evt.DocumentID),
					logging.Uint64("seq", evt.Sequence),
					logging.Error(lastErr),
					logging.String(logging.FieldErrorHint, "check the subscriber backend"),
				)
			}
		}
		select {
		case <-time.After(delay):
		case <-s.quit:
		}
		delay = min(delay*2, maxRetryDelay)
	}
	logging.WarnWithContext(s.logger, "progress event dropped", "progress_drop",
		logging.String(logging.FieldDocumentID, evt.DocumentID),
		logging.String(logging.FieldState, string(evt.State)),
		logging.Uint64("seq", evt.Sequence),
		logging.Int("attempts", attempt),
		logging.Error(lastErr),
		logging.String(logging.FieldErrorHint, "check the subscriber endpoint"),
		logging.String(logging.FieldImpact, "subscriber missed one state transition"),
	)
}

func (s *subscriber) quitting() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

func (s *subscriber) attempt(evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panicked: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), s.hub.sinkTimeout)
	defer cancel()
	return s.sink.Deliver(ctx, evt)
}

func (s *subscriber) waitProcessed(ctx context.Context, target uint64) error {
	stopWake := make(chan struct{})
	defer close(stopWake)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		case <-stopWake:
			return
		}
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.processed < target {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-s.done:
			return nil
		default:
		}
		s.cond.Wait()
	}
	return nil
}
