package eventbus

import (
	"encoding/json"
	"time"
)

// Event is the delivery envelope. The bus owns an event exclusively from
// publish until it is delivered to every subscription or dead-lettered; an
// event that exhausts MaxRetries never re-enters the live path.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
}

// Handler processes a delivered event. A non-nil error triggers the retry and
// dead-letter path for that subscription.
type Handler func(Event) error

// Publisher is the publish-only view of the bus handed to components that must
// not subscribe or manage bus lifecycle.
type Publisher interface {
	Publish(eventType string, payload any, opts ...PublishOption) (string, error)
}

type PublishOption func(*Event)

// WithMaxRetries overrides the bus default retry budget for one event.
func WithMaxRetries(n int) PublishOption {
	return func(e *Event) {
		if n >= 0 {
			e.MaxRetries = n
		}
	}
}

type SubscribeOption func(*subscription)

// WithConcurrency sets the number of delivery workers for a subscription.
// Values above 1 trade publish-order delivery for throughput; callers that
// need ordering keep the default single worker.
func WithConcurrency(n int) SubscribeOption {
	return func(s *subscription) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithDeadLetter routes this subscription's exhausted events to a dedicated
// sink instead of the bus-wide one.
func WithDeadLetter(sink DeadLetterSink) SubscribeOption {
	return func(s *subscription) {
		s.deadLetter = sink
	}
}
