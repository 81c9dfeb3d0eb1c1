package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/transfa/proof-service/internal/store"
	"github.com/transfa/proof-service/pkg/rabbitmq"
)

const (
	defaultOutboxBatchSize = 50
	defaultStaleProcessing = 2 * time.Minute
	defaultFlushTimeout    = 30 * time.Second
)

// PublisherFactory opens a broker publisher. It is called lazily and again
// after any publish failure.
type PublisherFactory func() (rabbitmq.Publisher, error)

// OutboxDispatcher relays committed outbox rows to the message broker.
type OutboxDispatcher struct {
	repo                store.OutboxStore
	newPublisher        PublisherFactory
	batchSize           int
	staleProcessingTime time.Duration
	logger              *slog.Logger

	mu        sync.Mutex
	publisher rabbitmq.Publisher
}

func NewOutboxDispatcher(repo store.OutboxStore, newPublisher PublisherFactory, batchSize int, logger *slog.Logger) *OutboxDispatcher {
	if batchSize <= 0 {
		batchSize = defaultOutboxBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxDispatcher{
		repo:                repo,
		newPublisher:        newPublisher,
		batchSize:           batchSize,
		staleProcessingTime: defaultStaleProcessing,
		logger:              logger,
	}
}

// Flush is the scheduled job entry point. Overlapping runs are skipped.
func (d *OutboxDispatcher) Flush() {
	if !d.mu.TryLock() {
		d.logger.Debug("outbox flush already running; skipping")
		return
	}
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), defaultFlushTimeout)
	defer cancel()
	if _, err := d.flushOnce(ctx); err != nil {
		d.logger.Error("outbox flush failed", "error", err)
	}
}

// FlushOnce claims one batch and publishes it, returning how many messages were published.
func (d *OutboxDispatcher) FlushOnce(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushOnce(ctx)
}

func (d *OutboxDispatcher) flushOnce(ctx context.Context) (int, error) {
	staleAfterSeconds := int(d.staleProcessingTime.Seconds())
	messages, err := d.repo.ClaimOutboxMessages(ctx, d.batchSize, staleAfterSeconds)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, message := range messages {
		if err := d.publishMessage(ctx, message); err != nil {
			retryAfter := retryDelaySeconds(message.Attempts)
			d.logger.Warn("outbox publish failed",
				"outbox_id", message.ID,
				"routing_key", message.RoutingKey,
				"attempts", message.Attempts,
				"retry_after_seconds", retryAfter,
				"error", err,
			)
			if markErr := d.repo.MarkOutboxFailed(ctx, message.ID, retryAfter, err.Error()); markErr != nil {
				d.logger.Error("failed to mark outbox message failed", "outbox_id", message.ID, "error", markErr)
			}
			continue
		}
		if err := d.repo.MarkOutboxPublished(ctx, message.ID); err != nil {
			d.logger.Error("failed to mark outbox message published", "outbox_id", message.ID, "error", err)
			continue
		}
		published++
	}
	if published > 0 {
		d.logger.Info("outbox batch published", "published", published, "claimed", len(messages))
	}
	return published, nil
}

func (d *OutboxDispatcher) publishMessage(ctx context.Context, message store.OutboxMessage) error {
	if d.publisher == nil {
		publisher, err := d.newPublisher()
		if err != nil {
			return err
		}
		d.publisher = publisher
	}

	if err := d.publisher.Publish(ctx, message.Exchange, message.RoutingKey, json.RawMessage(message.Payload)); err != nil {
		d.closePublisher()
		return err
	}
	return nil
}

// Close releases the broker connection.
func (d *OutboxDispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closePublisher()
}

func (d *OutboxDispatcher) closePublisher() {
	if d.publisher != nil {
		d.publisher.Close()
		d.publisher = nil
	}
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << min(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}
