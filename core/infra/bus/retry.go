package bus

import (
	"errors"
	"fmt"
	"time"

	"github.com/ritualos/ritualos/core/infra/events"
	"github.com/ritualos/ritualos/core/infra/logging"
)

// Publisher emits audit events to the durable log.
type Publisher interface {
	Publish(ev events.Event) error
}

// RetryableError marks a handler error as retryable for subscribers with
// explicit ack/nak semantics (NATS JetStream).
type RetryableError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryableError) Error() string {
	if e == nil {
		return ""
	}
	if e.Delay > 0 {
		return fmt.Sprintf("retry after %s: %v", e.Delay, e.Err)
	}
	return fmt.Sprintf("retry: %v", e.Err)
}

func (e *RetryableError) RetryDelay() time.Duration {
	if e == nil {
		return 0
	}
	return e.Delay
}

func (e *RetryableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RetryAfter wraps err with a retry delay.
func RetryAfter(err error, delay time.Duration) error {
	if err == nil {
		err = errors.New("retry requested")
	}
	if delay < 0 {
		delay = 0
	}
	return &RetryableError{Err: err, Delay: delay}
}

// RetryDelay extracts a retry delay from err when it is retryable.
func RetryDelay(err error) (time.Duration, bool) {
	type retryDelayProvider interface {
		RetryDelay() time.Duration
	}
	var rd retryDelayProvider
	if errors.As(err, &rd) {
		delay := rd.RetryDelay()
		if delay < 0 {
			delay = 0
		}
		return delay, true
	}
	return 0, false
}

// RetryingPublisher retries failed publishes with exponential backoff.
// State transitions are applied before publish, so the dedup key makes
// the retried publish safe; giving up is logged but never propagated to
// decision logic.
type RetryingPublisher struct {
	inner     Publisher
	attempts  int
	baseDelay time.Duration
	sleep     func(time.Duration)
}

// NewRetryingPublisher wraps a publisher with bounded retries.
func NewRetryingPublisher(inner Publisher, attempts int, baseDelay time.Duration) *RetryingPublisher {
	if attempts <= 0 {
		attempts = 5
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	return &RetryingPublisher{inner: inner, attempts: attempts, baseDelay: baseDelay, sleep: time.Sleep}
}

func (p *RetryingPublisher) Publish(ev events.Event) error {
	var err error
	delay := p.baseDelay
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if err = p.inner.Publish(ev); err == nil {
			return nil
		}
		if attempt < p.attempts {
			logging.Warn("bus", "publish failed, retrying",
				"dedup_key", ev.DedupKey(), "attempt", attempt, "error", err)
			p.sleep(delay)
			delay *= 2
		}
	}
	return fmt.Errorf("publish %s after %d attempts: %w", ev.DedupKey(), p.attempts, err)
}
