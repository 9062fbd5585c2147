package sync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Martian-dev/mail-bridge/internal/metrics"
)

// OutboxMessage is one pending event publication
type OutboxMessage struct {
	ID        int64
	Subject   string
	EventType string
	Payload   []byte
	MsgID     string
}

// OutboxStore is the persistent side of the outbox
type OutboxStore interface {
	DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// EventPublisher publishes an outbox entry under its deduplication id. It
// reports whether the stream had already stored that id.
type EventPublisher interface {
	Publish(ctx context.Context, msg OutboxMessage) (duplicate bool, err error)
}

// Dispatcher moves outbox entries to the event stream
type Dispatcher struct {
	Store     OutboxStore
	Publisher EventPublisher
	Logger    *zap.Logger

	BatchSize    int
	IdleInterval time.Duration
	RetryBackoff time.Duration
}

// DispatchOnce publishes one batch and returns how many entries were published
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.Store.DequeueOutbox(ctx, d.batchSize())
	if err != nil {
		return 0, err
	}

	published := 0
	for _, msg := range messages {
		duplicate, err := d.Publisher.Publish(ctx, msg)
		if err != nil {
			d.Logger.Warn("Publish outbox message failed", zap.Int64("outbox_id", msg.ID), zap.Error(err))
			metrics.IncOutbox("retry")
			if err := d.Store.MarkOutboxRetry(ctx, msg.ID, d.retryBackoff()); err != nil {
				d.Logger.Error("Mark outbox retry failed", zap.Int64("outbox_id", msg.ID), zap.Error(err))
			}
			continue
		}
		if err := d.Store.MarkPublished(ctx, msg.ID); err != nil {
			d.Logger.Error("Mark outbox published failed", zap.Int64("outbox_id", msg.ID), zap.Error(err))
			continue
		}
		if duplicate {
			d.Logger.Debug("Stream already had outbox message", zap.Int64("outbox_id", msg.ID), zap.String("msg_id", msg.MsgID))
			metrics.IncOutbox("duplicate")
		} else {
			metrics.IncOutbox("published")
		}
		published++
	}
	return published, nil
}

// Run dispatches until ctx is done
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil {
			d.Logger.Error("Dequeue outbox failed", zap.Error(err))
		}

		wait := time.Duration(0)
		if err != nil || n == 0 {
			wait = d.idleInterval()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (d *Dispatcher) batchSize() int {
	if d.BatchSize < 1 {
		return 100
	}
	return d.BatchSize
}

func (d *Dispatcher) idleInterval() time.Duration {
	if d.IdleInterval <= 0 {
		return 500 * time.Millisecond
	}
	return d.IdleInterval
}

func (d *Dispatcher) retryBackoff() time.Duration {
	if d.RetryBackoff <= 0 {
		return 10 * time.Second
	}
	return d.RetryBackoff
}
