package timers

import (
	"context"
	"time"

	"github.com/ritualos/ritualos/core/infra/logging"
	"github.com/ritualos/ritualos/core/infra/metrics"
)

// ExpiryHandler consumes fired timers. Handlers must tolerate duplicate
// and stale delivery: the poller completes a timer only after the handler
// returns nil, so a crash mid-batch redelivers.
type ExpiryHandler interface {
	ProcessExpiry(ctx context.Context, runID, gateID string, level uint32) error
}

// Poller drives due timers into the expiry handler. Multiple pollers may
// run concurrently against the same store; idempotent timer IDs and the
// handler's terminal/level checks make duplicate firing harmless.
type Poller struct {
	store        TimerStore
	handler      ExpiryHandler
	metrics      metrics.Metrics
	pollInterval time.Duration
	batchSize    int64
	now          func() time.Time
}

func NewPoller(store TimerStore, handler ExpiryHandler, m metrics.Metrics, pollInterval time.Duration, batchSize int64) *Poller {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Poller{
		store:        store,
		handler:      handler,
		metrics:      m,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		now:          time.Now,
	}
}

// Start runs the polling loop until the context is cancelled.
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick processes one batch of due timers. A handler error leaves the timer
// in the due set for the next tick.
func (p *Poller) Tick(ctx context.Context) {
	due, err := p.store.ListDue(ctx, p.now().Unix(), p.batchSize)
	if err != nil {
		logging.Error("timers", "list due timers", "error", err)
		return
	}
	for _, timer := range due {
		if err := p.handler.ProcessExpiry(ctx, timer.RunID, timer.GateID, timer.Level); err != nil {
			logging.Error("timers", "expiry handler failed, will retry",
				"timer_id", timer.ID, "error", err)
			continue
		}
		p.metrics.IncTimerFired(timer.Purpose)
		if err := p.store.Complete(ctx, timer.ID); err != nil {
			logging.Error("timers", "complete timer", "timer_id", timer.ID, "error", err)
		}
	}
}
