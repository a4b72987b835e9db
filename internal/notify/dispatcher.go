package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/hackgods/clinic-appointments/internal/booking"
	"github.com/hackgods/clinic-appointments/internal/logging"
	"github.com/hackgods/clinic-appointments/internal/metrics"
)

const DefaultBatchSize = 100

// Outbox is the store side of the event stream. Both booking repositories
// implement it.
type Outbox interface {
	PendingEvents(ctx context.Context, limit int) ([]booking.Event, error)
	MarkDelivered(ctx context.Context, ids []int64) error
}

// Dispatcher drains the booking outbox into a Publisher. Delivery is at least
// once: an event published right before a failed MarkDelivered goes out again
// on the next pass.
type Dispatcher struct {
	outbox    Outbox
	publisher Publisher
	batchSize int
	metrics   *metrics.Metrics
	logger    *logging.Logger
}

func NewDispatcher(outbox Outbox, publisher Publisher, batchSize int, m *metrics.Metrics, logger *logging.Logger) *Dispatcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		outbox:    outbox,
		publisher: publisher,
		batchSize: batchSize,
		metrics:   m,
		logger:    logger.With("component", "notify"),
	}
}

// RunOnce publishes one batch in commit order and returns how many events
// were delivered. It stops at the first publish failure so ordering holds.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	events, err := d.outbox.PendingEvents(ctx, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("load pending events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	delivered := make([]int64, 0, len(events))
	var publishErr error
	for _, ev := range events {
		if err := d.publisher.Publish(ctx, ev); err != nil {
			publishErr = err
			break
		}
		delivered = append(delivered, ev.ID)
	}

	if len(delivered) > 0 {
		if err := d.outbox.MarkDelivered(ctx, delivered); err != nil {
			d.metrics.ObserveDispatch("mark_failed", len(delivered))
			return 0, fmt.Errorf("mark events delivered: %w", err)
		}
	}
	d.metrics.ObserveDispatch("published", len(delivered))

	if publishErr != nil {
		d.metrics.ObserveDispatch("failed", 1)
		return len(delivered), publishErr
	}
	return len(delivered), nil
}

// Run drains the outbox every interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	d.runOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("notify dispatcher stopped")
			return
		case <-ticker.C:
			d.runOnce(ctx)
		}
	}
}

func (d *Dispatcher) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := d.RunOnce(runCtx)
	if err != nil {
		d.logger.Error("dispatch run failed", "delivered", n, "error", err)
		return
	}
	if n > 0 {
		d.logger.Info("dispatch run complete", "delivered", n, "took", time.Since(start))
	}
}
