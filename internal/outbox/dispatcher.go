package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mailbox-sync/internal/eventstore/sqlite"
)

const (
	defaultBatchSize = 100
	defaultIdleWait  = 500 * time.Millisecond
	baseBackoff      = 10 * time.Second
	maxBackoff       = 10 * time.Minute
)

// Store is the durable queue side of the outbox.
type Store interface {
	DequeueOutbox(ctx context.Context, limit int) ([]sqlite.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Publisher delivers one event with broker-side deduplication on msgID.
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Dispatcher drains outbox rows to the publisher. Rows are written in the
// same transaction as the message they announce, so a publish failure never
// affects stored mail.
type Dispatcher struct {
	store     Store
	publisher Publisher
	wake      chan struct{}
	batchSize int
	idleWait  time.Duration
}

// NewDispatcher creates an outbox dispatcher
func NewDispatcher(store Store, publisher Publisher) *Dispatcher {
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		wake:      make(chan struct{}, 1),
		batchSize: defaultBatchSize,
		idleWait:  defaultIdleWait,
	}
}

// ResponseObserved wakes the dispatch loop. It never blocks the caller.
func (d *Dispatcher) ResponseObserved(userID, threadID string) {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil {
			log.Error().Err(err).Msg("error dequeuing outbox")
			if !d.wait(ctx, time.Second) {
				return
			}
			continue
		}
		if n == d.batchSize {
			continue
		}
		if !d.wait(ctx, d.idleWait) {
			return
		}
	}
}

func (d *Dispatcher) wait(ctx context.Context, idle time.Duration) bool {
	timer := time.NewTimer(idle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-d.wake:
	case <-timer.C:
	}
	return true
}

// DispatchOnce publishes one batch of due rows and returns how many were
// dequeued.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.store.DequeueOutbox(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		if err := d.publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			backoff := retryBackoff(msg.Retries)
			log.Warn().Err(err).Int64("outbox_id", msg.ID).Dur("backoff", backoff).Msg("error publishing message")
			if err := d.store.MarkOutboxRetry(ctx, msg.ID, backoff); err != nil {
				log.Error().Err(err).Int64("outbox_id", msg.ID).Msg("error scheduling retry")
			}
			continue
		}

		if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
			log.Error().Err(err).Int64("outbox_id", msg.ID).Msg("error marking message as published")
		}
	}
	return len(messages), nil
}

func retryBackoff(retries int) time.Duration {
	backoff := baseBackoff
	for i := 0; i < retries && backoff < maxBackoff; i++ {
		backoff *= 2
	}
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}
