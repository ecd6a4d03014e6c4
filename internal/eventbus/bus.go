package eventbus

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var subscriptionCounter int64

// Bus delivers typed events to subscribers asynchronously. Publish never
// blocks on subscriber processing; failed deliveries are retried with capped
// exponential backoff and dead-lettered once the retry budget is spent.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*subscription
	queue  chan Event
	done   chan struct{}
	closed bool
	once   sync.Once

	defaultRetries int
	backoff        Backoff
	clock          Clock
	deadLetter     DeadLetterSink
	logger         *zap.Logger

	timersMu sync.Mutex
	timers   map[Timer]struct{}
}

type subscription struct {
	id          string
	eventType   string
	handler     Handler
	concurrency int
	deadLetter  DeadLetterSink
	ch          chan Event
	done        chan struct{}
	once        sync.Once
}

type Options struct {
	DefaultMaxRetries int
	QueueSize         int
	Backoff           Backoff
	Clock             Clock
	DeadLetter        DeadLetterSink
}

func NewBus(opts Options, logger *zap.Logger) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.DefaultMaxRetries < 0 {
		opts.DefaultMaxRetries = 0
	}
	if opts.Clock == nil {
		opts.Clock = NewClock()
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	b := &Bus{
		subs:           map[string]map[string]*subscription{},
		queue:          make(chan Event, opts.QueueSize),
		done:           make(chan struct{}),
		defaultRetries: opts.DefaultMaxRetries,
		backoff:        opts.Backoff,
		clock:          opts.Clock,
		deadLetter:     opts.DeadLetter,
		logger:         logger.With(zap.String("component", "eventbus")),
		timers:         map[Timer]struct{}{},
	}
	go b.dispatch()
	return b
}

// Publish envelopes payload and hands it to the dispatch loop, returning the
// assigned event id. It blocks only while the publish queue is full, never on
// subscriber processing.
func (b *Bus) Publish(eventType string, payload any, opts ...PublishOption) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	event := Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Payload:    raw,
		CreatedAt:  b.clock.Now(),
		RetryCount: 0,
		MaxRetries: b.defaultRetries,
	}
	for _, opt := range opts {
		opt(&event)
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return "", fmt.Errorf("bus closed")
	}

	select {
	case b.queue <- event:
		return event.ID, nil
	case <-b.done:
		return "", fmt.Errorf("bus closed")
	}
}

// Subscribe registers handler for one event type and returns the subscription
// id. Each subscription has its own delivery workers, so one slow or failing
// handler never blocks other subscribers of the same type.
func (b *Bus) Subscribe(eventType string, handler Handler, opts ...SubscribeOption) string {
	sub := &subscription{
		id:          fmt.Sprintf("%s-%d", eventType, atomic.AddInt64(&subscriptionCounter, 1)),
		eventType:   eventType,
		handler:     handler,
		concurrency: 1,
		ch:          make(chan Event, 64),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	if b.subs[eventType] == nil {
		b.subs[eventType] = map[string]*subscription{}
	}
	b.subs[eventType][sub.id] = sub
	b.mu.Unlock()

	for i := 0; i < sub.concurrency; i++ {
		go b.worker(sub)
	}
	return sub.id
}

func (b *Bus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for eventType, subs := range b.subs {
		if sub, ok := subs[subscriptionID]; ok {
			sub.stop()
			delete(subs, subscriptionID)
			if len(subs) == 0 {
				delete(b.subs, eventType)
			}
			return
		}
	}
}

func (b *Bus) Close() {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		for _, subs := range b.subs {
			for _, sub := range subs {
				sub.stop()
			}
		}
		b.mu.Unlock()
		close(b.done)

		b.timersMu.Lock()
		for t := range b.timers {
			t.Stop()
		}
		b.timers = map[Timer]struct{}{}
		b.timersMu.Unlock()
	})
}

func (b *Bus) dispatch() {
	for {
		select {
		case <-b.done:
			return
		case event := <-b.queue:
			b.mu.RLock()
			targets := make([]*subscription, 0, len(b.subs[event.Type]))
			for _, sub := range b.subs[event.Type] {
				targets = append(targets, sub)
			}
			b.mu.RUnlock()

			for _, sub := range targets {
				b.deliver(sub, event)
			}
		}
	}
}

// deliver hands the event to one subscription. A full subscription queue is a
// delivery failure and takes the retry path rather than blocking dispatch.
func (b *Bus) deliver(sub *subscription, event Event) {
	select {
	case sub.ch <- event:
	case <-sub.done:
	default:
		b.handleFailedEvent(sub, event, fmt.Errorf("subscriber queue full"))
	}
}

func (b *Bus) worker(sub *subscription) {
	for {
		select {
		case <-sub.done:
			return
		case event := <-sub.ch:
			if err := b.invoke(sub, event); err != nil {
				b.handleFailedEvent(sub, event, err)
			}
		}
	}
}

func (b *Bus) invoke(sub *subscription, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			b.logger.Error("event handler panicked",
				zap.String("event_type", event.Type),
				zap.String("event_id", event.ID),
				zap.Any("recover", r),
			)
		}
	}()
	return sub.handler(event)
}

// handleFailedEvent reschedules the event with backoff or, once RetryCount
// reaches MaxRetries, routes it to the dead-letter sink and drops it from the
// live path. An event with MaxRetries=N is therefore attempted at most N+1
// times.
func (b *Bus) handleFailedEvent(sub *subscription, event Event, cause error) {
	if event.RetryCount >= event.MaxRetries {
		b.logger.Warn("event retries exhausted; dead-lettering",
			zap.String("event_type", event.Type),
			zap.String("event_id", event.ID),
			zap.Int("attempts", event.RetryCount+1),
			zap.Error(cause),
		)
		sink := sub.deadLetter
		if sink == nil {
			sink = b.deadLetter
		}
		if sink != nil {
			sink.Append(Record{
				ID:       uuid.NewString(),
				Event:    event,
				Reason:   cause.Error(),
				FailedAt: b.clock.Now(),
			})
		}
		return
	}

	event.RetryCount++
	delay := b.backoff.Delay(event.RetryCount)
	b.logger.Debug("event delivery failed; retrying",
		zap.String("event_type", event.Type),
		zap.String("event_id", event.ID),
		zap.Int("retry", event.RetryCount),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)

	retry := event
	var timer Timer
	timer = b.clock.AfterFunc(delay, func() {
		b.forgetTimer(timer)
		select {
		case <-sub.done:
		case sub.ch <- retry:
		default:
			// Queue still full after the wait; burn another retry.
			b.handleFailedEvent(sub, retry, fmt.Errorf("subscriber queue full"))
		}
	})
	b.trackTimer(timer)
}

func (b *Bus) trackTimer(t Timer) {
	b.timersMu.Lock()
	b.timers[t] = struct{}{}
	b.timersMu.Unlock()
}

func (b *Bus) forgetTimer(t Timer) {
	b.timersMu.Lock()
	delete(b.timers, t)
	b.timersMu.Unlock()
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

var _ Publisher = (*Bus)(nil)
