/**
 * @description
 * Money drop persistence. The claim admission path is the hot spot of this
 * service: many claimants race for a bounded number of slots, and correctness
 * rests on a row lock on the drop plus a unique constraint on
 * (drop_id, claimant_id). Every admission decision and its ledger effects
 * commit, or none of them do.
 */

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/midana/ledger-service/internal/domain"
)

// CreateMoneyDropFunded creates a drop and its dedicated holding account, and
// moves the funding (total plus fee) out of the creator's wallet, all in one
// database transaction. The funding transaction is an internal movement and is
// recorded as completed immediately.
func (r *PostgresRepository) CreateMoneyDropFunded(ctx context.Context, drop *domain.MoneyDrop, fundingTx *domain.Transaction) (*domain.MoneyDrop, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := debitAccountTx(ctx, tx, drop.FundingAccountID, drop.TotalAmount+drop.FeeAmount); err != nil {
		return nil, err
	}

	if drop.HoldingAccountID == uuid.Nil {
		drop.HoldingAccountID = uuid.New()
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO accounts (id, user_id, rail_account_ref, balance, status, account_type)
		VALUES ($1, $2, '', $3, 'active', 'drop_holding')
	`, drop.HoldingAccountID, drop.CreatorID, drop.TotalAmount); err != nil {
		return nil, fmt.Errorf("failed to create holding account: %w", err)
	}

	if fundingTx.ID == uuid.Nil {
		fundingTx.ID = uuid.New()
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO transactions (
			id, idempotency_key, sender_id, source_account_id, destination_account_id,
			type, status, amount, fee, description
		)
		VALUES ($1, $2, $3, $4, $5, 'money_drop_funding', 'completed', $6, $7, $8)
	`, fundingTx.ID, fundingTx.IdempotencyKey, drop.CreatorID, drop.FundingAccountID,
		drop.HoldingAccountID, drop.TotalAmount, drop.FeeAmount, fundingTx.Description,
	); err != nil {
		return nil, fmt.Errorf("failed to insert funding transaction: %w", err)
	}
	drop.FundingTransactionID = &fundingTx.ID

	if drop.ID == uuid.Nil {
		drop.ID = uuid.New()
	}
	drop.Status = domain.MoneyDropStatusActive
	if _, err := tx.Exec(ctx, `
		INSERT INTO money_drops (
			id, creator_id, title, status, total_amount, amount_per_claim,
			claims_allowed, claims_made, refunded_amount, fee_amount, locked,
			password_hash, password_ciphertext, expiry_timestamp,
			funding_account_id, holding_account_id, funding_transaction_id
		)
		VALUES ($1, $2, $3, 'active', $4, $5, $6, 0, 0, $7, $8, $9, $10, $11, $12, $13, $14)
	`, drop.ID, drop.CreatorID, drop.Title, drop.TotalAmount, drop.AmountPerClaim,
		drop.ClaimsAllowed, drop.FeeAmount, drop.Locked, drop.PasswordHash,
		drop.PasswordCiphertext, drop.ExpiryTimestamp, drop.FundingAccountID,
		drop.HoldingAccountID, fundingTx.ID,
	); err != nil {
		return nil, fmt.Errorf("failed to insert money drop: %w", err)
	}

	if err := enqueueEventTx(ctx, tx, ledgerEventsExchange, domain.EventMoneyDropCreated, domain.MoneyDropEventPayload{
		DropID:        drop.ID,
		CreatorID:     drop.CreatorID,
		Amount:        drop.TotalAmount,
		ClaimsMade:    0,
		ClaimsAllowed: drop.ClaimsAllowed,
		Status:        drop.Status,
		Timestamp:     time.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return drop, nil
}

const moneyDropColumns = `
	id, creator_id, title, status, total_amount, amount_per_claim,
	claims_allowed, claims_made, refunded_amount, fee_amount, locked,
	password_hash, password_ciphertext, expiry_timestamp,
	funding_account_id, holding_account_id, ended_reason,
	funding_transaction_id, created_at
`

func scanMoneyDrop(row pgx.Row) (*domain.MoneyDrop, error) {
	var drop domain.MoneyDrop
	err := row.Scan(
		&drop.ID, &drop.CreatorID, &drop.Title, &drop.Status, &drop.TotalAmount,
		&drop.AmountPerClaim, &drop.ClaimsAllowed, &drop.ClaimsMade,
		&drop.RefundedAmount, &drop.FeeAmount, &drop.Locked, &drop.PasswordHash,
		&drop.PasswordCiphertext, &drop.ExpiryTimestamp, &drop.FundingAccountID,
		&drop.HoldingAccountID, &drop.EndedReason, &drop.FundingTransactionID,
		&drop.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrMoneyDropNotFound
		}
		return nil, err
	}
	return &drop, nil
}

// FindMoneyDropByID retrieves a money drop by its ID.
func (r *PostgresRepository) FindMoneyDropByID(ctx context.Context, dropID uuid.UUID) (*domain.MoneyDrop, error) {
	return scanMoneyDrop(r.db.QueryRow(ctx, `SELECT `+moneyDropColumns+` FROM money_drops WHERE id = $1`, dropID))
}

// FindMoneyDropCreator returns the drop creator's user record.
func (r *PostgresRepository) FindMoneyDropCreator(ctx context.Context, dropID uuid.UUID) (*domain.User, error) {
	var user domain.User
	err := r.db.QueryRow(ctx, `
		SELECT u.id, btrim(u.handle), u.full_name, u.allow_sending
		FROM money_drops d
		JOIN users u ON u.id = d.creator_id
		WHERE d.id = $1
	`, dropID).Scan(&user.ID, &user.Handle, &user.FullName, &user.AllowSending)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrMoneyDropNotFound
		}
		return nil, err
	}
	return &user, nil
}

// FindMoneyDropClaimByTransactionID resolves the claim row backing a claim
// transaction. Reconciliation uses this to locate the drop a pending claim
// transaction belongs to.
func (r *PostgresRepository) FindMoneyDropClaimByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.MoneyDropClaim, error) {
	var claim domain.MoneyDropClaim
	err := r.db.QueryRow(ctx, `
		SELECT id, drop_id, claimant_id, transaction_id, claimed_at
		FROM money_drop_claims
		WHERE transaction_id = $1
	`, transactionID).Scan(&claim.ID, &claim.DropID, &claim.ClaimantID, &claim.TransactionID, &claim.ClaimedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrMoneyDropNotFound
		}
		return nil, err
	}
	return &claim, nil
}

// ClaimMoneyDropAtomic performs claim admission as a single database
// transaction:
//
//  1. Lock the drop row. All concurrent claimants for the same drop serialize
//     here, so the bounded counter check below reads a settled value.
//  2. Check status, expiry, and remaining slots.
//  3. Insert the claim row. The unique (drop_id, claimant_id) constraint
//     rejects a second claim by the same user even across replicas.
//  4. Move amount_per_claim from the holding account to the claimant's wallet
//     and record the pending claim transaction.
//  5. Increment claims_made; the final slot flips the drop to completed.
//  6. Append the claim event to the outbox.
func (r *PostgresRepository) ClaimMoneyDropAtomic(ctx context.Context, params ClaimMoneyDropParams) (*ClaimMoneyDropRow, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	drop, err := scanMoneyDrop(tx.QueryRow(ctx, `SELECT `+moneyDropColumns+` FROM money_drops WHERE id = $1 FOR UPDATE`, params.DropID))
	if err != nil {
		return nil, err
	}

	if drop.Status != domain.MoneyDropStatusActive {
		if drop.Status == domain.MoneyDropStatusCompleted {
			return nil, ErrMoneyDropFull
		}
		return nil, ErrMoneyDropNotActive
	}
	if time.Now().After(drop.ExpiryTimestamp) {
		return nil, ErrMoneyDropExpired
	}
	if drop.ClaimsMade >= drop.ClaimsAllowed {
		return nil, ErrMoneyDropFull
	}

	result, err := tx.Exec(ctx, `
		INSERT INTO money_drop_claims (id, drop_id, claimant_id, transaction_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (drop_id, claimant_id) DO NOTHING
	`, uuid.New(), params.DropID, params.ClaimantID, uuid.Nil)
	if err != nil {
		return nil, fmt.Errorf("failed to insert claim: %w", err)
	}
	if result.RowsAffected() == 0 {
		return nil, ErrMoneyDropAlreadyClaimed
	}

	if err := debitAccountTx(ctx, tx, drop.HoldingAccountID, drop.AmountPerClaim); err != nil {
		return nil, fmt.Errorf("failed to debit holding account: %w", err)
	}
	if err := creditAccountTx(ctx, tx, params.ClaimantAccountID, drop.AmountPerClaim); err != nil {
		return nil, fmt.Errorf("failed to credit claimant: %w", err)
	}

	transactionID := uuid.New()
	if _, err := tx.Exec(ctx, `
		INSERT INTO transactions (
			id, idempotency_key, sender_id, recipient_id, source_account_id,
			destination_account_id, type, status, amount, fee, description
		)
		VALUES ($1, $2, $3, $4, $5, $6, 'money_drop_claim', 'pending', $7, 0, $8)
	`, transactionID, params.IdempotencyKey, drop.CreatorID, params.ClaimantID,
		drop.HoldingAccountID, params.ClaimantAccountID, drop.AmountPerClaim,
		"Money drop claim: "+drop.Title,
	); err != nil {
		return nil, fmt.Errorf("failed to insert claim transaction: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE money_drop_claims SET transaction_id = $3
		WHERE drop_id = $1 AND claimant_id = $2
	`, params.DropID, params.ClaimantID, transactionID); err != nil {
		return nil, err
	}

	claimsMade := drop.ClaimsMade + 1
	status := domain.MoneyDropStatusActive
	if claimsMade >= drop.ClaimsAllowed {
		status = domain.MoneyDropStatusCompleted
	}
	if _, err := tx.Exec(ctx, `
		UPDATE money_drops
		SET claims_made = $2,
		    status = $3,
		    ended_reason = CASE WHEN $3 = 'completed' THEN 'fully_claimed' ELSE ended_reason END,
		    updated_at = NOW()
		WHERE id = $1
	`, params.DropID, claimsMade, status); err != nil {
		return nil, fmt.Errorf("failed to update drop counters: %w", err)
	}

	claimantID := params.ClaimantID
	if err := enqueueEventTx(ctx, tx, ledgerEventsExchange, domain.EventMoneyDropClaimed, domain.MoneyDropEventPayload{
		DropID:        drop.ID,
		CreatorID:     drop.CreatorID,
		ClaimantID:    &claimantID,
		Amount:        drop.AmountPerClaim,
		ClaimsMade:    claimsMade,
		ClaimsAllowed: drop.ClaimsAllowed,
		Status:        status,
		Timestamp:     time.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &ClaimMoneyDropRow{
		TransactionID:    transactionID,
		Amount:           drop.AmountPerClaim,
		ClaimsMade:       claimsMade,
		ClaimsAllowed:    drop.ClaimsAllowed,
		DropStatus:       status,
		HoldingAccountID: drop.HoldingAccountID,
		CreatorID:        drop.CreatorID,
	}, nil
}

// RevertMoneyDropClaimAtomic undoes an admitted claim after the settlement
// rail explicitly rejected its transfer: the claim transaction is marked
// failed, the claimant's wallet is debited back into the holding account, the
// claim row is removed, and the slot is returned to the drop.
func (r *PostgresRepository) RevertMoneyDropClaimAtomic(ctx context.Context, dropID uuid.UUID, claimantID uuid.UUID, transactionID uuid.UUID, failureReason string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	drop, err := scanMoneyDrop(tx.QueryRow(ctx, `SELECT `+moneyDropColumns+` FROM money_drops WHERE id = $1 FOR UPDATE`, dropID))
	if err != nil {
		return err
	}

	txRecord, err := lockTransactionTx(ctx, tx, transactionID)
	if err != nil {
		return err
	}
	if txRecord.Status != domain.TransactionStatusPending {
		if txRecord.Status == domain.TransactionStatusFailed {
			return nil
		}
		return ErrTransactionFinalized
	}

	if _, err := tx.Exec(ctx, `
		UPDATE transactions
		SET status = 'failed', failure_reason = $2, updated_at = NOW()
		WHERE id = $1
	`, transactionID, failureReason); err != nil {
		return err
	}

	if err := debitAccountTx(ctx, tx, *txRecord.DestinationAccountID, txRecord.Amount); err != nil {
		return fmt.Errorf("failed to reclaim claimant funds: %w", err)
	}
	if err := creditAccountTx(ctx, tx, drop.HoldingAccountID, txRecord.Amount); err != nil {
		return fmt.Errorf("failed to restore holding account: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM money_drop_claims WHERE drop_id = $1 AND claimant_id = $2
	`, dropID, claimantID); err != nil {
		return err
	}

	// Returning a slot can reopen a drop that completed on its last claim,
	// provided it has not expired in the meantime.
	status := drop.Status
	if drop.Status == domain.MoneyDropStatusCompleted && time.Now().Before(drop.ExpiryTimestamp) {
		status = domain.MoneyDropStatusActive
	}
	if _, err := tx.Exec(ctx, `
		UPDATE money_drops
		SET claims_made = claims_made - 1,
		    status = $2,
		    ended_reason = CASE WHEN $2 = 'active' THEN NULL ELSE ended_reason END,
		    updated_at = NOW()
		WHERE id = $1
	`, dropID, status); err != nil {
		return err
	}

	txRecord.Status = domain.TransactionStatusFailed
	if err := enqueueEventTx(ctx, tx, ledgerEventsExchange, domain.EventTransferFailed, transferEventPayload(txRecord, domain.TransactionStatusFailed)); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// EndMoneyDropAtomic closes an active drop and refunds the unclaimed remainder
// to the creator's wallet. When requireCreator is set, a caller who is not the
// creator is rejected before any state changes.
func (r *PostgresRepository) EndMoneyDropAtomic(ctx context.Context, dropID uuid.UUID, endedReason string, requireCreator *uuid.UUID) (*MoneyDropRefundRow, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	drop, err := scanMoneyDrop(tx.QueryRow(ctx, `SELECT `+moneyDropColumns+` FROM money_drops WHERE id = $1 FOR UPDATE`, dropID))
	if err != nil {
		return nil, err
	}

	if requireCreator != nil && drop.CreatorID != *requireCreator {
		return nil, ErrNotMoneyDropCreator
	}
	if drop.Status != domain.MoneyDropStatusActive {
		return nil, ErrMoneyDropNotActive
	}

	refund := drop.TotalAmount - drop.AmountPerClaim*int64(drop.ClaimsMade) - drop.RefundedAmount
	if refund < 0 {
		refund = 0
	}

	var refundTxID uuid.UUID
	if refund > 0 {
		if err := debitAccountTx(ctx, tx, drop.HoldingAccountID, refund); err != nil {
			return nil, fmt.Errorf("failed to debit holding account for refund: %w", err)
		}
		if err := creditAccountTx(ctx, tx, drop.FundingAccountID, refund); err != nil {
			return nil, fmt.Errorf("failed to credit refund: %w", err)
		}

		refundTxID = uuid.New()
		if _, err := tx.Exec(ctx, `
			INSERT INTO transactions (
				id, idempotency_key, sender_id, recipient_id, source_account_id,
				destination_account_id, type, status, amount, fee, description
			)
			VALUES ($1, $2, $3, $3, $4, $5, 'money_drop_refund', 'completed', $6, 0, $7)
		`, refundTxID, "drop-refund:"+drop.ID.String(), drop.CreatorID,
			drop.HoldingAccountID, drop.FundingAccountID, refund,
			"Money drop refund: "+drop.Title,
		); err != nil {
			return nil, fmt.Errorf("failed to insert refund transaction: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE money_drops
		SET status = 'expired_and_refunded',
		    ended_reason = $2,
		    refunded_amount = refunded_amount + $3,
		    updated_at = NOW()
		WHERE id = $1
	`, dropID, endedReason, refund); err != nil {
		return nil, err
	}

	reason := endedReason
	if err := enqueueEventTx(ctx, tx, ledgerEventsExchange, domain.EventMoneyDropEnded, domain.MoneyDropEventPayload{
		DropID:         drop.ID,
		CreatorID:      drop.CreatorID,
		Amount:         drop.TotalAmount,
		ClaimsMade:     drop.ClaimsMade,
		ClaimsAllowed:  drop.ClaimsAllowed,
		Status:         domain.MoneyDropStatusExpiredRefunded,
		EndedReason:    &reason,
		RefundedAmount: refund,
		Timestamp:      time.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &MoneyDropRefundRow{
		RefundTransactionID: refundTxID,
		RefundedAmount:      refund,
		ClaimsMade:          drop.ClaimsMade,
		HoldingAccountID:    drop.HoldingAccountID,
		FundingAccountID:    drop.FundingAccountID,
		Status:              domain.MoneyDropStatusExpiredRefunded,
	}, nil
}

// ListExpiredActiveMoneyDrops returns active drops past their expiry, oldest first.
func (r *PostgresRepository) ListExpiredActiveMoneyDrops(ctx context.Context, limit int) ([]domain.MoneyDrop, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+moneyDropColumns+`
		FROM money_drops
		WHERE status = 'active' AND expiry_timestamp < NOW()
		ORDER BY expiry_timestamp
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drops []domain.MoneyDrop
	for rows.Next() {
		var drop domain.MoneyDrop
		if err := rows.Scan(
			&drop.ID, &drop.CreatorID, &drop.Title, &drop.Status, &drop.TotalAmount,
			&drop.AmountPerClaim, &drop.ClaimsAllowed, &drop.ClaimsMade,
			&drop.RefundedAmount, &drop.FeeAmount, &drop.Locked, &drop.PasswordHash,
			&drop.PasswordCiphertext, &drop.ExpiryTimestamp, &drop.FundingAccountID,
			&drop.HoldingAccountID, &drop.EndedReason, &drop.FundingTransactionID,
			&drop.CreatedAt,
		); err != nil {
			return nil, err
		}
		drops = append(drops, drop)
	}

	return drops, rows.Err()
}

// GetDropPasswordAttemptState returns the failed-attempt counter for a
// claimant on a locked drop. No row means no failures yet.
func (r *PostgresRepository) GetDropPasswordAttemptState(ctx context.Context, dropID uuid.UUID, claimantID uuid.UUID) (*domain.DropPasswordAttemptState, error) {
	var state domain.DropPasswordAttemptState
	err := r.db.QueryRow(ctx, `
		SELECT failed_attempts, locked_until
		FROM money_drop_password_attempts
		WHERE drop_id = $1 AND claimant_id = $2
	`, dropID, claimantID).Scan(&state.FailedAttempts, &state.LockedUntil)
	if err != nil {
		if err == pgx.ErrNoRows {
			return &domain.DropPasswordAttemptState{}, nil
		}
		return nil, err
	}
	return &state, nil
}

// RecordDropPasswordFailure bumps the per-(drop, claimant) counter and applies
// the lockout window once the threshold is crossed. The caller computes
// lockoutSeconds, which grows with repeated lockouts.
func (r *PostgresRepository) RecordDropPasswordFailure(ctx context.Context, dropID uuid.UUID, claimantID uuid.UUID, lockoutThreshold int, lockoutSeconds int) (*domain.DropPasswordAttemptState, error) {
	var state domain.DropPasswordAttemptState
	err := r.db.QueryRow(ctx, `
		INSERT INTO money_drop_password_attempts (drop_id, claimant_id, failed_attempts, last_failed_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (drop_id, claimant_id) DO UPDATE
		SET
			failed_attempts = CASE
				WHEN money_drop_password_attempts.locked_until IS NOT NULL
					AND money_drop_password_attempts.locked_until <= NOW() THEN 1
				ELSE money_drop_password_attempts.failed_attempts + 1
			END,
			last_failed_at = NOW(),
			locked_until = CASE
				WHEN (
					CASE
						WHEN money_drop_password_attempts.locked_until IS NOT NULL
							AND money_drop_password_attempts.locked_until <= NOW() THEN 1
						ELSE money_drop_password_attempts.failed_attempts + 1
					END
				) >= $3 THEN NOW() + ($4 * INTERVAL '1 second')
				ELSE money_drop_password_attempts.locked_until
			END
		RETURNING failed_attempts, locked_until
	`, dropID, claimantID, lockoutThreshold, lockoutSeconds).Scan(&state.FailedAttempts, &state.LockedUntil)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// ResetDropPasswordFailures clears the counter after a correct password.
func (r *PostgresRepository) ResetDropPasswordFailures(ctx context.Context, dropID uuid.UUID, claimantID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		DELETE FROM money_drop_password_attempts
		WHERE drop_id = $1 AND claimant_id = $2
	`, dropID, claimantID)
	return err
}
