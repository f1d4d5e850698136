/**
 * @description
 * Idempotency key persistence. Every mutating operation that accepts an
 * Idempotency-Key header reserves an (actor, key) row before doing any work,
 * stores the serialized response on success, and releases the row on failure.
 * Retries of a completed request replay the stored response byte for byte.
 */

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// AcquireIdempotencyKey reserves (actorID, key) for the caller.
//
// Outcomes:
//   - (nil, true, nil): the key is newly reserved and the caller must execute
//     the operation, then Complete or Release the key.
//   - (response, false, nil): a prior attempt with an identical payload
//     completed; the caller must return the cached response unchanged.
//   - (nil, false, ErrIdempotencyInProgress): another request holds the key.
//   - (nil, false, ErrIdempotencyConflict): the key was reused with a
//     different request payload.
//
// A 'processing' row older than staleWindow is treated as abandoned by a
// crashed handler and is reclaimed. A 'completed' row older than ttl has aged
// out and is reset so the operation runs fresh.
func (r *PostgresRepository) AcquireIdempotencyKey(ctx context.Context, actorID uuid.UUID, key string, requestHash string, ttl time.Duration, staleWindow time.Duration) ([]byte, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		INSERT INTO idempotency_keys (actor_id, idempotency_key, request_hash, status, claimed_at)
		VALUES ($1, $2, $3, 'processing', NOW())
		ON CONFLICT (actor_id, idempotency_key) DO NOTHING
	`, actorID, key, requestHash)
	if err != nil {
		return nil, false, err
	}
	if result.RowsAffected() == 1 {
		return nil, true, tx.Commit(ctx)
	}

	var existingHash, status string
	var response []byte
	var claimedAt, createdAt time.Time
	err = tx.QueryRow(ctx, `
		SELECT request_hash, status, response, claimed_at, created_at
		FROM idempotency_keys
		WHERE actor_id = $1 AND idempotency_key = $2
		FOR UPDATE
	`, actorID, key).Scan(&existingHash, &status, &response, &claimedAt, &createdAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			// The conflicting row vanished between the insert and the lock.
			// Extremely unlikely; treat it as contention and let the client retry.
			return nil, false, ErrIdempotencyInProgress
		}
		return nil, false, err
	}

	if existingHash != requestHash {
		return nil, false, ErrIdempotencyConflict
	}

	now := time.Now()
	switch status {
	case "completed":
		if createdAt.Add(ttl).After(now) {
			return response, false, tx.Commit(ctx)
		}
	case "processing":
		if claimedAt.Add(staleWindow).After(now) {
			return nil, false, ErrIdempotencyInProgress
		}
	}

	// Stale processing row or aged-out completed row: reclaim it.
	if _, err := tx.Exec(ctx, `
		UPDATE idempotency_keys
		SET status = 'processing', response = NULL, claimed_at = NOW(), created_at = NOW()
		WHERE actor_id = $1 AND idempotency_key = $2
	`, actorID, key); err != nil {
		return nil, false, err
	}

	return nil, true, tx.Commit(ctx)
}

// CompleteIdempotencyKey stores the serialized success response for replays.
func (r *PostgresRepository) CompleteIdempotencyKey(ctx context.Context, actorID uuid.UUID, key string, response []byte) error {
	_, err := r.db.Exec(ctx, `
		UPDATE idempotency_keys
		SET status = 'completed', response = $3, completed_at = NOW()
		WHERE actor_id = $1 AND idempotency_key = $2
	`, actorID, key, response)
	return err
}

// ReleaseIdempotencyKey frees a reservation after the operation failed, so a
// client retry with the same key can run the operation again.
func (r *PostgresRepository) ReleaseIdempotencyKey(ctx context.Context, actorID uuid.UUID, key string) error {
	_, err := r.db.Exec(ctx, `
		DELETE FROM idempotency_keys
		WHERE actor_id = $1 AND idempotency_key = $2 AND status = 'processing'
	`, actorID, key)
	return err
}
