/**
 * @description
 * Transactional outbox persistence. Domain events are appended to the
 * `outbox_events` table inside the same database transaction as the ledger
 * mutation that caused them, and a background dispatcher later claims and
 * publishes them to RabbitMQ. This guarantees an event is emitted if and only
 * if the mutation committed.
 */

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/midana/ledger-service/internal/domain"
)

// ledgerEventsExchange is the broker exchange every outbox row targets.
const ledgerEventsExchange = "ledger_events"

const (
	outboxStatusPending    = "pending"
	outboxStatusProcessing = "processing"
	outboxStatusPublished  = "published"
)

// enqueueEventTx appends one event row inside an open database transaction.
// The payload is marshaled here so a serialization failure aborts the whole
// transaction instead of producing an unpublishable row.
func enqueueEventTx(ctx context.Context, tx pgx.Tx, exchange string, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox payload: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (exchange, routing_key, payload, status, next_attempt_at)
		VALUES ($1, $2, $3, 'pending', NOW())
	`, exchange, routingKey, body)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

func transferEventPayload(txRecord *domain.Transaction, status string) domain.TransferEventPayload {
	return domain.TransferEventPayload{
		TransactionID: txRecord.ID,
		SenderID:      txRecord.SenderID,
		RecipientID:   txRecord.RecipientID,
		Type:          txRecord.Type,
		Status:        status,
		Amount:        txRecord.Amount,
		Fee:           txRecord.Fee,
		Timestamp:     time.Now().UTC(),
	}
}

// ClaimOutboxEvents moves a batch of due events to 'processing' and returns
// them. FOR UPDATE SKIP LOCKED lets multiple dispatcher replicas drain the
// table without contending on the same rows. Rows stuck in 'processing' longer
// than staleAfterSeconds are reclaimed, covering a dispatcher that died after
// claiming but before publishing.
func (r *PostgresRepository) ClaimOutboxEvents(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(ctx, `
		UPDATE outbox_events
		SET status = 'processing', claimed_at = NOW()
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE (status = 'pending' AND next_attempt_at <= NOW())
			   OR (status = 'processing' AND claimed_at < NOW() - ($2 * INTERVAL '1 second'))
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, exchange, routing_key, payload, attempts
	`, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var event OutboxEvent
		if err := rows.Scan(&event.ID, &event.Exchange, &event.RoutingKey, &event.Payload, &event.Attempts); err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

// MarkOutboxPublished finalizes a successfully published event.
func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'published', published_at = NOW()
		WHERE id = $1
	`, id)
	return err
}

// MarkOutboxFailed returns an event to 'pending' with its attempt counter
// bumped and the next attempt pushed out by the caller's backoff.
func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'pending',
		    attempts = attempts + 1,
		    last_error = $3,
		    next_attempt_at = NOW() + ($2 * INTERVAL '1 second')
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	return err
}
