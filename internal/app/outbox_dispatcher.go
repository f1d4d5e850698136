/**
 * @description
 * Background dispatcher for the transactional outbox. It periodically claims
 * due events from the store and publishes them to RabbitMQ. Publish failures
 * reschedule the event with exponential backoff; events are therefore
 * delivered at least once and consumers must be idempotent.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/midana/ledger-service/internal/store"
	"github.com/midana/ledger-service/pkg/rabbitmq"
)

const outboxMaxBackoffSeconds = 300

// OutboxDispatcher drains the outbox table into the message broker.
type OutboxDispatcher struct {
	repo       store.Repository
	producer   rabbitmq.Publisher
	batchSize  int
	staleAfter int
	interval   time.Duration
}

// NewOutboxDispatcher creates a dispatcher with the given polling parameters.
func NewOutboxDispatcher(repo store.Repository, producer rabbitmq.Publisher, batchSize, staleAfterSeconds, pollIntervalMS int) *OutboxDispatcher {
	if batchSize <= 0 {
		batchSize = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 300
	}
	if pollIntervalMS <= 0 {
		pollIntervalMS = 1000
	}
	return &OutboxDispatcher{
		repo:       repo,
		producer:   producer,
		batchSize:  batchSize,
		staleAfter: staleAfterSeconds,
		interval:   time.Duration(pollIntervalMS) * time.Millisecond,
	}
}

// Run polls until the context is cancelled.
func (d *OutboxDispatcher) Run(ctx context.Context) {
	log.Printf("level=info component=outbox_dispatcher msg=\"starting\" batch_size=%d interval=%s", d.batchSize, d.interval)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("level=info component=outbox_dispatcher msg=\"stopping\"")
			return
		case <-ticker.C:
			if published := d.DrainOnce(ctx); published > 0 {
				log.Printf("level=debug component=outbox_dispatcher published=%d", published)
			}
		}
	}
}

// DrainOnce claims one batch of due events and publishes them. Returns the
// number successfully published.
func (d *OutboxDispatcher) DrainOnce(ctx context.Context) int {
	events, err := d.repo.ClaimOutboxEvents(ctx, d.batchSize, d.staleAfter)
	if err != nil {
		log.Printf("level=error component=outbox_dispatcher msg=\"failed to claim events\" err=%v", err)
		return 0
	}

	published := 0
	for _, event := range events {
		if err := d.producer.PublishRaw(ctx, event.Exchange, event.RoutingKey, event.Payload); err != nil {
			backoff := outboxBackoffSeconds(event.Attempts)
			log.Printf("level=warn component=outbox_dispatcher event_id=%d attempts=%d retry_in=%ds msg=\"publish failed\" err=%v", event.ID, event.Attempts, backoff, err)
			if markErr := d.repo.MarkOutboxFailed(ctx, event.ID, backoff, err.Error()); markErr != nil {
				log.Printf("level=error component=outbox_dispatcher event_id=%d msg=\"failed to reschedule event\" err=%v", event.ID, markErr)
			}
			continue
		}
		if err := d.repo.MarkOutboxPublished(ctx, event.ID); err != nil {
			// The event will be reclaimed after the stale window and published
			// again; consumers tolerate the duplicate.
			log.Printf("level=warn component=outbox_dispatcher event_id=%d msg=\"published but failed to mark; will redeliver\" err=%v", event.ID, err)
			continue
		}
		published++
	}
	return published
}

// outboxBackoffSeconds doubles per attempt, capped at five minutes.
func outboxBackoffSeconds(attempts int) int {
	if attempts > 8 {
		attempts = 8
	}
	seconds := 1 << attempts
	if seconds > outboxMaxBackoffSeconds {
		seconds = outboxMaxBackoffSeconds
	}
	return seconds
}
