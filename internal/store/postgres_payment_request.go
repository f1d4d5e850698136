/**
 * @description
 * Payment request persistence. Settlement uses a claim-then-settle protocol:
 * the request row is moved to 'processing' with a conditional update before
 * any money moves, which is the only gate preventing two concurrent payers
 * from both settling the same request.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/midana/ledger-service/internal/domain"
)

const paymentRequestColumns = `
	pr.id, pr.creator_id, pr.status, pr.request_type, pr.title,
	pr.recipient_user_id, pr.amount, pr.description, pr.fulfilled_by_user_id,
	pr.settled_transaction_id, pr.processing_started_at, pr.responded_at,
	pr.declined_reason, pr.deleted_at, pr.created_at, pr.updated_at
`

func scanPaymentRequest(row pgx.Row) (*domain.PaymentRequest, error) {
	var req domain.PaymentRequest
	err := row.Scan(
		&req.ID, &req.CreatorID, &req.Status, &req.RequestType, &req.Title,
		&req.RecipientUserID, &req.Amount, &req.Description, &req.FulfilledByUserID,
		&req.SettledTxID, &req.ProcessingStarted, &req.RespondedAt,
		&req.DeclinedReason, &req.DeletedAt, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentRequestNotFound
		}
		return nil, err
	}
	return &req, nil
}

// CreatePaymentRequest inserts a new request and appends its created event in
// one database transaction.
func (r *PostgresRepository) CreatePaymentRequest(ctx context.Context, req *domain.PaymentRequest) (*domain.PaymentRequest, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	req.Status = domain.PaymentRequestStatusPending
	err = tx.QueryRow(ctx, `
		INSERT INTO payment_requests (id, creator_id, status, request_type, title, recipient_user_id, amount, description)
		VALUES ($1, $2, 'pending', $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, req.ID, req.CreatorID, req.RequestType, req.Title, req.RecipientUserID, req.Amount, req.Description,
	).Scan(&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := enqueueEventTx(ctx, tx, ledgerEventsExchange, domain.EventPaymentRequestCreated, domain.PaymentRequestEventPayload{
		RequestID: req.ID,
		CreatorID: req.CreatorID,
		Amount:    req.Amount,
		Status:    req.Status,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return req, nil
}

// GetPaymentRequestByID retrieves a single non-deleted request with the
// creator's handle attached.
func (r *PostgresRepository) GetPaymentRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.PaymentRequest, error) {
	req, err := scanPaymentRequest(r.db.QueryRow(ctx, `
		SELECT `+paymentRequestColumns+`
		FROM payment_requests pr
		WHERE pr.id = $1 AND pr.deleted_at IS NULL
	`, requestID))
	if err != nil {
		return nil, err
	}

	var handle string
	if err := r.db.QueryRow(ctx, `SELECT btrim(handle) FROM users WHERE id = $1`, req.CreatorID).Scan(&handle); err == nil {
		req.CreatorHandle = &handle
	}
	return req, nil
}

// ListPaymentRequestsByCreator lists a creator's own requests, newest first.
func (r *PostgresRepository) ListPaymentRequestsByCreator(ctx context.Context, creatorID uuid.UUID, opts domain.PaymentRequestListOptions) ([]domain.PaymentRequest, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+paymentRequestColumns+`
		FROM payment_requests pr
		WHERE pr.creator_id = $1
		  AND pr.deleted_at IS NULL
		  AND ($2 = '' OR pr.status = $2)
		  AND ($3 = '' OR pr.request_type = $3)
		ORDER BY pr.created_at DESC
		LIMIT $4 OFFSET $5
	`, creatorID, opts.Status, opts.Type, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []domain.PaymentRequest
	for rows.Next() {
		var req domain.PaymentRequest
		if err := rows.Scan(
			&req.ID, &req.CreatorID, &req.Status, &req.RequestType, &req.Title,
			&req.RecipientUserID, &req.Amount, &req.Description, &req.FulfilledByUserID,
			&req.SettledTxID, &req.ProcessingStarted, &req.RespondedAt,
			&req.DeclinedReason, &req.DeletedAt, &req.CreatedAt, &req.UpdatedAt,
		); err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}

	return requests, rows.Err()
}

// ClaimPaymentRequestForPayment moves a pending request to 'processing' on
// behalf of a payer. The conditional update admits exactly one payer; losers
// observe zero affected rows and get ErrPaymentRequestNotReady.
func (r *PostgresRepository) ClaimPaymentRequestForPayment(ctx context.Context, requestID uuid.UUID, payerID uuid.UUID) (*domain.PaymentRequest, error) {
	req, err := scanPaymentRequest(r.db.QueryRow(ctx, `
		UPDATE payment_requests pr
		SET status = 'processing',
		    fulfilled_by_user_id = $2,
		    processing_started_at = NOW(),
		    updated_at = NOW()
		WHERE pr.id = $1
		  AND pr.status = 'pending'
		  AND pr.deleted_at IS NULL
		RETURNING `+paymentRequestColumns,
		requestID, payerID))
	if err != nil {
		if err == ErrPaymentRequestNotFound {
			// Distinguish a missing request from one that is simply not payable.
			if _, lookupErr := scanPaymentRequest(r.db.QueryRow(ctx, `
				SELECT `+paymentRequestColumns+`
				FROM payment_requests pr
				WHERE pr.id = $1 AND pr.deleted_at IS NULL
			`, requestID)); lookupErr != nil {
				return nil, lookupErr
			}
			return nil, ErrPaymentRequestNotReady
		}
		return nil, err
	}
	return req, nil
}

// AttachPaymentRequestSettlementTransaction links the in-flight settlement
// transaction to the processing request so reconciliation can find it.
func (r *PostgresRepository) AttachPaymentRequestSettlementTransaction(ctx context.Context, requestID uuid.UUID, settledTransactionID uuid.UUID) error {
	result, err := r.db.Exec(ctx, `
		UPDATE payment_requests
		SET settled_transaction_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, requestID, settledTransactionID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrPaymentRequestNotReady
	}
	return nil
}

// MarkPaymentRequestFulfilled finalizes a processing request and appends the
// settled event atomically.
func (r *PostgresRepository) MarkPaymentRequestFulfilled(ctx context.Context, requestID uuid.UUID, payerID uuid.UUID, settledTransactionID uuid.UUID) (*domain.PaymentRequest, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	req, err := scanPaymentRequest(tx.QueryRow(ctx, `
		UPDATE payment_requests pr
		SET status = 'fulfilled',
		    fulfilled_by_user_id = $2,
		    settled_transaction_id = $3,
		    responded_at = NOW(),
		    updated_at = NOW()
		WHERE pr.id = $1 AND pr.status = 'processing'
		RETURNING `+paymentRequestColumns,
		requestID, payerID, settledTransactionID))
	if err != nil {
		if err == ErrPaymentRequestNotFound {
			return nil, ErrPaymentRequestNotReady
		}
		return nil, err
	}

	if err := enqueueEventTx(ctx, tx, ledgerEventsExchange, domain.EventPaymentRequestSettled, domain.PaymentRequestEventPayload{
		RequestID: req.ID,
		CreatorID: req.CreatorID,
		PayerID:   &payerID,
		Amount:    req.Amount,
		Status:    req.Status,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return req, nil
}

// MarkPaymentRequestFulfilledBySettlementTransaction is the reconciliation
// path: it fulfills whichever processing request carries the given settlement
// transaction. Finding no such request is not an error.
func (r *PostgresRepository) MarkPaymentRequestFulfilledBySettlementTransaction(ctx context.Context, settledTransactionID uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	req, err := scanPaymentRequest(tx.QueryRow(ctx, `
		UPDATE payment_requests pr
		SET status = 'fulfilled', responded_at = NOW(), updated_at = NOW()
		WHERE pr.settled_transaction_id = $1 AND pr.status = 'processing'
		RETURNING `+paymentRequestColumns,
		settledTransactionID))
	if err != nil {
		if err == ErrPaymentRequestNotFound {
			return nil
		}
		return err
	}

	if err := enqueueEventTx(ctx, tx, ledgerEventsExchange, domain.EventPaymentRequestSettled, domain.PaymentRequestEventPayload{
		RequestID: req.ID,
		CreatorID: req.CreatorID,
		PayerID:   req.FulfilledByUserID,
		Amount:    req.Amount,
		Status:    req.Status,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ReleasePaymentRequestFromProcessing returns a processing request to pending
// after its settlement attempt failed.
func (r *PostgresRepository) ReleasePaymentRequestFromProcessing(ctx context.Context, requestID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE payment_requests
		SET status = 'pending',
		    fulfilled_by_user_id = NULL,
		    settled_transaction_id = NULL,
		    processing_started_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, requestID)
	return err
}

// ReleasePaymentRequestFromProcessingBySettlementTransaction is the
// reconciliation counterpart of the release above.
func (r *PostgresRepository) ReleasePaymentRequestFromProcessingBySettlementTransaction(ctx context.Context, settledTransactionID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE payment_requests
		SET status = 'pending',
		    fulfilled_by_user_id = NULL,
		    settled_transaction_id = NULL,
		    processing_started_at = NULL,
		    updated_at = NOW()
		WHERE settled_transaction_id = $1 AND status = 'processing'
	`, settledTransactionID)
	return err
}

// DeclinePaymentRequest lets the addressed recipient of an individual request
// decline it. Only pending requests addressed to the caller can be declined.
func (r *PostgresRepository) DeclinePaymentRequest(ctx context.Context, requestID uuid.UUID, recipientID uuid.UUID, reason *string) (*domain.PaymentRequest, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	req, err := scanPaymentRequest(tx.QueryRow(ctx, `
		UPDATE payment_requests pr
		SET status = 'declined', declined_reason = $3, responded_at = NOW(), updated_at = NOW()
		WHERE pr.id = $1
		  AND pr.recipient_user_id = $2
		  AND pr.status = 'pending'
		  AND pr.deleted_at IS NULL
		RETURNING `+paymentRequestColumns,
		requestID, recipientID, reason))
	if err != nil {
		if err == ErrPaymentRequestNotFound {
			return nil, ErrPaymentRequestNotReady
		}
		return nil, err
	}

	if err := enqueueEventTx(ctx, tx, ledgerEventsExchange, domain.EventPaymentRequestDecline, domain.PaymentRequestEventPayload{
		RequestID: req.ID,
		CreatorID: req.CreatorID,
		PayerID:   &recipientID,
		Amount:    req.Amount,
		Status:    req.Status,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return req, nil
}

// SoftDeletePaymentRequest hides a creator's own request. A request in the
// middle of settlement cannot be deleted. Returns whether a row was deleted.
func (r *PostgresRepository) SoftDeletePaymentRequest(ctx context.Context, requestID uuid.UUID, creatorID uuid.UUID) (bool, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE payment_requests
		SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND creator_id = $2 AND status <> 'processing' AND deleted_at IS NULL
	`, requestID, creatorID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}
