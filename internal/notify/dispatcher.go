package notify

import (
	"context"
	"log/slog"
	"time"

	"account-ledger/internal/domain"
)

const (
	baseBackoff = time.Second
	maxBackoff  = 10 * time.Minute
	sendTimeout = 10 * time.Second
)

// Dispatcher polls the outbox and hands due events to a Notifier. Failed
// deliveries back off exponentially until MaxAttempts, then the event is
// marked dead. Delivery never touches ledger state. Only one dispatcher
// should run per database.
type Dispatcher struct {
	store       domain.Store
	notifier    Notifier
	interval    time.Duration
	batchSize   int
	maxAttempts int
	wake        chan struct{}
	now         func() time.Time
	logger      *slog.Logger
}

func NewDispatcher(store domain.Store, notifier Notifier, interval time.Duration, batchSize, maxAttempts int, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:       store,
		notifier:    notifier,
		interval:    interval,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		wake:        make(chan struct{}, 1),
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}
}

// Wake asks for an early poll. It never blocks.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run dispatches until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Outbox dispatcher started", "interval", d.interval, "batch_size", d.batchSize)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if _, err := d.DispatchOnce(ctx); err != nil {
			d.logger.Error("Outbox poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			d.logger.Info("Outbox dispatcher stopped")
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// DispatchOnce delivers one batch of due events and reports how many were
// delivered.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	events, err := d.store.Outbox().FetchDue(ctx, d.now(), d.batchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, event := range events {
		if ctx.Err() != nil {
			break
		}
		if d.deliver(ctx, event) {
			delivered++
		}
	}
	return delivered, nil
}

func (d *Dispatcher) deliver(ctx context.Context, event *domain.OutboxEvent) bool {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	err := d.notifier.Notify(sendCtx, event)
	cancel()

	outbox := d.store.Outbox()
	if err == nil {
		if markErr := outbox.MarkDelivered(ctx, event.ID, d.now()); markErr != nil {
			d.logger.Error("Failed to mark event delivered", "event_id", event.ID, "error", markErr)
		}
		return true
	}

	attempts := event.Attempts + 1
	dead := attempts >= d.maxAttempts
	next := d.now().Add(backoff(attempts))
	if markErr := outbox.MarkFailed(ctx, event.ID, attempts, next, err.Error(), dead); markErr != nil {
		d.logger.Error("Failed to record delivery failure", "event_id", event.ID, "error", markErr)
		return false
	}

	if dead {
		d.logger.Error("Giving up on event", "event_id", event.ID, "transaction_id", event.TransactionID, "attempts", attempts, "error", err)
	} else {
		d.logger.Warn("Event delivery failed", "event_id", event.ID, "attempts", attempts, "next_attempt_at", next, "error", err)
	}
	return false
}

// backoff doubles from one second per attempt, capped.
func backoff(attempts int) time.Duration {
	delay := baseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
