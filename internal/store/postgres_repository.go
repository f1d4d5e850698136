/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface
 * for users, accounts, ledger transactions, batches, and PIN security. Money
 * drops, payment requests, idempotency, and the outbox live in sibling files.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/midana/ledger-service/internal/domain"
)

var (
	ErrUserNotFound            = errors.New("user not found")
	ErrAccountNotFound         = errors.New("account not found")
	ErrAccountFrozen           = errors.New("account is frozen")
	ErrBeneficiaryNotFound     = errors.New("beneficiary not found")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrTransactionFinalized    = errors.New("transaction already finalized")
	ErrPinNotSet               = errors.New("transaction pin not set")
	ErrPaymentRequestNotFound  = errors.New("payment request not found")
	ErrPaymentRequestNotReady  = errors.New("payment request is not payable")
	ErrMoneyDropNotFound       = errors.New("money drop not found")
	ErrMoneyDropNotActive      = errors.New("money drop is not active")
	ErrMoneyDropExpired        = errors.New("money drop has expired")
	ErrMoneyDropFull           = errors.New("money drop has been fully claimed")
	ErrMoneyDropAlreadyClaimed = errors.New("money drop already claimed by this user")
	ErrNotMoneyDropCreator     = errors.New("money drop belongs to another user")
	ErrIdempotencyInProgress   = errors.New("a request with this idempotency key is in progress")
	ErrIdempotencyConflict     = errors.New("idempotency key reused with a different request payload")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindUserIDByAuthSubject resolves the internal UUID from an identity-provider
// subject claim (the `sub` of a validated bearer token).
func (r *PostgresRepository) FindUserIDByAuthSubject(ctx context.Context, subject string) (string, error) {
	var id string
	err := r.db.QueryRow(ctx, "SELECT id FROM users WHERE auth_subject = $1", subject).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", ErrUserNotFound
		}
		return "", err
	}
	return id, nil
}

// FindUserByHandle retrieves a user by their unique handle.
func (r *PostgresRepository) FindUserByHandle(ctx context.Context, handle string) (*domain.User, error) {
	var user domain.User
	query := `SELECT id, btrim(handle), full_name, allow_sending FROM users WHERE lower(btrim(handle)) = lower(btrim($1))`
	err := r.db.QueryRow(ctx, query, handle).Scan(&user.ID, &user.Handle, &user.FullName, &user.AllowSending)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// FindUserByID retrieves a user by their ID.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	var user domain.User
	query := `SELECT id, btrim(handle), full_name, allow_sending FROM users WHERE id = $1`
	err := r.db.QueryRow(ctx, query, userID).Scan(&user.ID, &user.Handle, &user.FullName, &user.AllowSending)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// FindAccountByUserID retrieves a user's primary wallet account.
func (r *PostgresRepository) FindAccountByUserID(ctx context.Context, userID uuid.UUID) (*domain.Account, error) {
	var account domain.Account
	query := `SELECT id, user_id, rail_account_ref, balance, status, account_type FROM accounts WHERE user_id = $1 AND account_type = 'primary'`
	err := r.db.QueryRow(ctx, query, userID).Scan(&account.ID, &account.UserID, &account.RailAccountRef, &account.Balance, &account.Status, &account.Type)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// FindAccountByID retrieves an account by its ID.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	var account domain.Account
	query := `SELECT id, user_id, rail_account_ref, balance, status, account_type FROM accounts WHERE id = $1`
	err := r.db.QueryRow(ctx, query, accountID).Scan(&account.ID, &account.UserID, &account.RailAccountRef, &account.Balance, &account.Status, &account.Type)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// FindBeneficiaryByID retrieves a specific beneficiary owned by a user.
func (r *PostgresRepository) FindBeneficiaryByID(ctx context.Context, beneficiaryID uuid.UUID, userID uuid.UUID) (*domain.Beneficiary, error) {
	var beneficiary domain.Beneficiary
	query := `SELECT id, user_id, rail_counterparty_ref, account_name, account_number_masked, bank_name, created_at FROM beneficiaries WHERE id = $1 AND user_id = $2`
	err := r.db.QueryRow(ctx, query, beneficiaryID, userID).Scan(
		&beneficiary.ID, &beneficiary.UserID, &beneficiary.RailCounterpartyRef,
		&beneficiary.AccountName, &beneficiary.AccountNumberMasked, &beneficiary.BankName,
		&beneficiary.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBeneficiaryNotFound
		}
		return nil, err
	}
	return &beneficiary, nil
}

// GetPinCredentialByUserID returns transaction PIN security metadata for a user.
func (r *PostgresRepository) GetPinCredentialByUserID(ctx context.Context, userID uuid.UUID) (*domain.PinCredential, error) {
	var credential domain.PinCredential
	query := `
		SELECT user_id, pin_hash, failed_attempts, locked_until
		FROM pin_credentials
		WHERE user_id = $1
	`
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&credential.UserID,
		&credential.PINHash,
		&credential.FailedAttempts,
		&credential.LockedUntil,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPinNotSet
		}
		return nil, err
	}
	if credential.PINHash == "" {
		return nil, ErrPinNotSet
	}

	return &credential, nil
}

// RecordFailedPinAttempt atomically increments failed attempts and applies the
// lockout once the threshold is crossed. The whole counter update is one
// statement so concurrent failures cannot lose increments.
func (r *PostgresRepository) RecordFailedPinAttempt(ctx context.Context, userID uuid.UUID, maxAttempts int, lockoutSeconds int) (*domain.PinCredential, error) {
	var credential domain.PinCredential
	query := `
		UPDATE pin_credentials
		SET
			failed_attempts = CASE
				WHEN (locked_until IS NOT NULL AND locked_until <= NOW())
					OR (locked_until IS NULL AND failed_attempts >= $2) THEN 1
				ELSE failed_attempts + 1
			END,
			last_failed_at = NOW(),
			locked_until = CASE
				WHEN (
					CASE
						WHEN (locked_until IS NOT NULL AND locked_until <= NOW())
							OR (locked_until IS NULL AND failed_attempts >= $2) THEN 1
						ELSE failed_attempts + 1
					END
				) >= $2 THEN NOW() + ($3 * INTERVAL '1 second')
				ELSE NULL
			END
		WHERE user_id = $1
		RETURNING user_id, pin_hash, failed_attempts, locked_until
	`
	err := r.db.QueryRow(ctx, query, userID, maxAttempts, lockoutSeconds).Scan(
		&credential.UserID,
		&credential.PINHash,
		&credential.FailedAttempts,
		&credential.LockedUntil,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPinNotSet
		}
		return nil, err
	}

	return &credential, nil
}

// ResetPinFailureState clears failed-attempt counters after a successful PIN verification.
func (r *PostgresRepository) ResetPinFailureState(ctx context.Context, userID uuid.UUID) error {
	query := `
		UPDATE pin_credentials
		SET failed_attempts = 0, last_failed_at = NULL, locked_until = NULL
		WHERE user_id = $1
	`
	result, err := r.db.Exec(ctx, query, userID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrPinNotSet
	}
	return nil
}

// debitAccountTx debits an account inside an open transaction. The guard on
// status and balance makes the debit a row-atomic conditional update; a balance
// can never go negative.
func debitAccountTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64) error {
	result, err := tx.Exec(ctx, `
		UPDATE accounts
		SET balance = balance - $2, updated_at = NOW()
		WHERE id = $1 AND status = 'active' AND balance >= $2
	`, accountID, amount)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 1 {
		return nil
	}

	var status string
	var balance int64
	err = tx.QueryRow(ctx, `SELECT status, balance FROM accounts WHERE id = $1`, accountID).Scan(&status, &balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrAccountNotFound
		}
		return err
	}
	if status != domain.AccountStatusActive {
		return ErrAccountFrozen
	}
	return ErrInsufficientFunds
}

// creditAccountTx credits an account inside an open transaction.
func creditAccountTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64) error {
	result, err := tx.Exec(ctx, `
		UPDATE accounts
		SET balance = balance + $2, updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`, accountID, amount)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		var status string
		err = tx.QueryRow(ctx, `SELECT status FROM accounts WHERE id = $1`, accountID).Scan(&status)
		if err != nil {
			if err == pgx.ErrNoRows {
				return ErrAccountNotFound
			}
			return err
		}
		return ErrAccountFrozen
	}
	return nil
}

// CreatePendingTransaction debits the sender's account for amount+fee, inserts
// the provisional ledger record, and appends a transfer.pending outbox event,
// all in one database transaction.
func (r *PostgresRepository) CreatePendingTransaction(ctx context.Context, txRecord *domain.Transaction) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := debitAccountTx(ctx, tx, txRecord.SourceAccountID, txRecord.Amount+txRecord.Fee); err != nil {
		return err
	}

	if txRecord.ID == uuid.Nil {
		txRecord.ID = uuid.New()
	}
	txRecord.Status = domain.TransactionStatusPending
	query := `
		INSERT INTO transactions (
			id, idempotency_key, sender_id, recipient_id, source_account_id,
			destination_account_id, destination_bank_ref, type, status, amount, fee, description
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9, $10, $11)
	`
	if _, err := tx.Exec(ctx, query,
		txRecord.ID, txRecord.IdempotencyKey, txRecord.SenderID, txRecord.RecipientID,
		txRecord.SourceAccountID, txRecord.DestinationAccountID, txRecord.DestinationBankRef,
		txRecord.Type, txRecord.Amount, txRecord.Fee, txRecord.Description,
	); err != nil {
		return fmt.Errorf("failed to insert transaction record: %w", err)
	}

	if err := enqueueEventTx(ctx, tx, ledgerEventsExchange, domain.EventTransferPending, transferEventPayload(txRecord, domain.TransactionStatusPending)); err != nil {
		return fmt.Errorf("failed to enqueue pending event: %w", err)
	}

	return tx.Commit(ctx)
}

// MarkTransactionCompleted finalizes a pending transaction after the settlement
// rail confirmed it. For internal P2P transfers the recipient's wallet is
// credited here, in the same transaction that flips the status.
func (r *PostgresRepository) MarkTransactionCompleted(ctx context.Context, transactionID uuid.UUID, railTransferRef string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	txRecord, err := lockTransactionTx(ctx, tx, transactionID)
	if err != nil {
		return err
	}
	if txRecord.Status != domain.TransactionStatusPending {
		// Completed and failed rows are immutable: a late confirmation for an
		// already-finalized transaction is a replay and must not re-credit.
		if txRecord.Status == domain.TransactionStatusCompleted {
			return nil
		}
		return ErrTransactionFinalized
	}

	if _, err := tx.Exec(ctx, `
		UPDATE transactions
		SET status = 'completed', rail_transfer_ref = $2, updated_at = NOW()
		WHERE id = $1
	`, transactionID, nullableString(railTransferRef)); err != nil {
		return fmt.Errorf("failed to complete transaction: %w", err)
	}

	if txRecord.Type == domain.TransactionTypeP2P && txRecord.DestinationAccountID != nil {
		if err := creditAccountTx(ctx, tx, *txRecord.DestinationAccountID, txRecord.Amount); err != nil {
			return fmt.Errorf("failed to credit recipient: %w", err)
		}
	}

	txRecord.Status = domain.TransactionStatusCompleted
	if err := enqueueEventTx(ctx, tx, ledgerEventsExchange, domain.EventTransferCompleted, transferEventPayload(txRecord, domain.TransactionStatusCompleted)); err != nil {
		return fmt.Errorf("failed to enqueue completed event: %w", err)
	}

	return tx.Commit(ctx)
}

// MarkTransactionFailedAndRelease marks a pending transaction failed and
// releases the funds hold (principal plus fee) back to the sender, atomically.
func (r *PostgresRepository) MarkTransactionFailedAndRelease(ctx context.Context, transactionID uuid.UUID, failureReason string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

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
		return fmt.Errorf("failed to mark transaction failed: %w", err)
	}

	if err := creditAccountTx(ctx, tx, txRecord.SourceAccountID, txRecord.Amount+txRecord.Fee); err != nil {
		return fmt.Errorf("failed to release held funds: %w", err)
	}

	txRecord.Status = domain.TransactionStatusFailed
	if err := enqueueEventTx(ctx, tx, ledgerEventsExchange, domain.EventTransferFailed, transferEventPayload(txRecord, domain.TransactionStatusFailed)); err != nil {
		return fmt.Errorf("failed to enqueue failed event: %w", err)
	}

	return tx.Commit(ctx)
}

func lockTransactionTx(ctx context.Context, tx pgx.Tx, transactionID uuid.UUID) (*domain.Transaction, error) {
	var txRecord domain.Transaction
	err := tx.QueryRow(ctx, `
		SELECT id, idempotency_key, sender_id, recipient_id, source_account_id,
		       destination_account_id, destination_bank_ref, type, status, amount, fee,
		       COALESCE(description, ''), failure_reason, rail_transfer_ref, created_at, updated_at
		FROM transactions
		WHERE id = $1
		FOR UPDATE
	`, transactionID).Scan(
		&txRecord.ID, &txRecord.IdempotencyKey, &txRecord.SenderID, &txRecord.RecipientID,
		&txRecord.SourceAccountID, &txRecord.DestinationAccountID, &txRecord.DestinationBankRef,
		&txRecord.Type, &txRecord.Status, &txRecord.Amount, &txRecord.Fee,
		&txRecord.Description, &txRecord.FailureReason, &txRecord.RailTransferRef,
		&txRecord.CreatedAt, &txRecord.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &txRecord, nil
}

// FindTransactionByID retrieves a single transaction.
func (r *PostgresRepository) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	var txRecord domain.Transaction
	err := r.db.QueryRow(ctx, `
		SELECT id, idempotency_key, sender_id, recipient_id, source_account_id,
		       destination_account_id, destination_bank_ref, type, status, amount, fee,
		       COALESCE(description, ''), failure_reason, rail_transfer_ref, created_at, updated_at
		FROM transactions
		WHERE id = $1
	`, transactionID).Scan(
		&txRecord.ID, &txRecord.IdempotencyKey, &txRecord.SenderID, &txRecord.RecipientID,
		&txRecord.SourceAccountID, &txRecord.DestinationAccountID, &txRecord.DestinationBankRef,
		&txRecord.Type, &txRecord.Status, &txRecord.Amount, &txRecord.Fee,
		&txRecord.Description, &txRecord.FailureReason, &txRecord.RailTransferRef,
		&txRecord.CreatedAt, &txRecord.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &txRecord, nil
}

// FindTransactionByIdempotencyKey retrieves the transaction created under an
// idempotency key. The rail status consumer resolves events through this.
func (r *PostgresRepository) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	var txRecord domain.Transaction
	err := r.db.QueryRow(ctx, `
		SELECT id, idempotency_key, sender_id, recipient_id, source_account_id,
		       destination_account_id, destination_bank_ref, type, status, amount, fee,
		       COALESCE(description, ''), failure_reason, rail_transfer_ref, created_at, updated_at
		FROM transactions
		WHERE idempotency_key = $1
	`, key).Scan(
		&txRecord.ID, &txRecord.IdempotencyKey, &txRecord.SenderID, &txRecord.RecipientID,
		&txRecord.SourceAccountID, &txRecord.DestinationAccountID, &txRecord.DestinationBankRef,
		&txRecord.Type, &txRecord.Status, &txRecord.Amount, &txRecord.Fee,
		&txRecord.Description, &txRecord.FailureReason, &txRecord.RailTransferRef,
		&txRecord.CreatedAt, &txRecord.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &txRecord, nil
}

// FindTransactionsByUserID retrieves transactions where the user is sender or recipient.
func (r *PostgresRepository) FindTransactionsByUserID(ctx context.Context, userID uuid.UUID, limit int, offset int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, idempotency_key, sender_id, recipient_id, source_account_id,
		       destination_account_id, destination_bank_ref, type, status, amount, fee,
		       COALESCE(description, ''), failure_reason, rail_transfer_ref, created_at, updated_at
		FROM transactions
		WHERE sender_id = $1 OR recipient_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []domain.Transaction
	for rows.Next() {
		var txRecord domain.Transaction
		err := rows.Scan(
			&txRecord.ID, &txRecord.IdempotencyKey, &txRecord.SenderID, &txRecord.RecipientID,
			&txRecord.SourceAccountID, &txRecord.DestinationAccountID, &txRecord.DestinationBankRef,
			&txRecord.Type, &txRecord.Status, &txRecord.Amount, &txRecord.Fee,
			&txRecord.Description, &txRecord.FailureReason, &txRecord.RailTransferRef,
			&txRecord.CreatedAt, &txRecord.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, txRecord)
	}

	return transactions, rows.Err()
}

// ListPendingSettlementCandidates lists transactions left pending beyond the
// grace window with no confirmed rail reference. These are the reconciliation
// job's work queue.
func (r *PostgresRepository) ListPendingSettlementCandidates(ctx context.Context, pendingSince time.Time, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, idempotency_key, sender_id, recipient_id, source_account_id,
		       destination_account_id, destination_bank_ref, type, status, amount, fee,
		       COALESCE(description, ''), failure_reason, rail_transfer_ref, created_at, updated_at
		FROM transactions
		WHERE status = 'pending'
		  AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, pendingSince, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []domain.Transaction
	for rows.Next() {
		var txRecord domain.Transaction
		err := rows.Scan(
			&txRecord.ID, &txRecord.IdempotencyKey, &txRecord.SenderID, &txRecord.RecipientID,
			&txRecord.SourceAccountID, &txRecord.DestinationAccountID, &txRecord.DestinationBankRef,
			&txRecord.Type, &txRecord.Status, &txRecord.Amount, &txRecord.Fee,
			&txRecord.Description, &txRecord.FailureReason, &txRecord.RailTransferRef,
			&txRecord.CreatedAt, &txRecord.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, txRecord)
	}

	return transactions, rows.Err()
}

// CreateTransferBatchWithItems inserts the batch aggregate row and its item rows.
func (r *PostgresRepository) CreateTransferBatchWithItems(ctx context.Context, batch *domain.TransferBatch, items []domain.TransferBatchItem) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO transfer_batches (id, sender_id, status, requested_count, total_amount, total_fee)
		VALUES ($1, $2, 'processing', $3, $4, $5)
	`, batch.ID, batch.SenderID, batch.RequestedCount, batch.TotalAmount, batch.TotalFee); err != nil {
		return fmt.Errorf("failed to insert transfer batch: %w", err)
	}

	for i := range items {
		item := &items[i]
		if _, err := tx.Exec(ctx, `
			INSERT INTO transfer_batch_items (id, batch_id, recipient_handle, amount, description, status, fee)
			VALUES ($1, $2, $3, $4, $5, 'processing', $6)
		`, item.ID, item.BatchID, item.RecipientHandle, item.Amount, item.Description, item.Fee); err != nil {
			return fmt.Errorf("failed to insert transfer batch item: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// MarkTransferBatchItemCompleted records the transaction ref for a completed item.
func (r *PostgresRepository) MarkTransferBatchItemCompleted(ctx context.Context, itemID uuid.UUID, transactionID uuid.UUID, fee int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE transfer_batch_items
		SET status = 'completed', transaction_id = $2, fee = $3, updated_at = NOW()
		WHERE id = $1
	`, itemID, transactionID, fee)
	return err
}

// MarkTransferBatchItemFailed records the failure reason for a failed item.
func (r *PostgresRepository) MarkTransferBatchItemFailed(ctx context.Context, itemID uuid.UUID, failureReason string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE transfer_batch_items
		SET status = 'failed', failure_reason = $2, updated_at = NOW()
		WHERE id = $1
	`, itemID, failureReason)
	return err
}

// FinalizeTransferBatch derives the aggregate status from its items: completed
// when every item succeeded, failed when none did, partial_failed otherwise.
func (r *PostgresRepository) FinalizeTransferBatch(ctx context.Context, batchID uuid.UUID) (*domain.TransferBatch, error) {
	var batch domain.TransferBatch
	err := r.db.QueryRow(ctx, `
		UPDATE transfer_batches AS b
		SET
			success_count = agg.successes,
			failure_count = agg.failures,
			total_fee = agg.total_fee,
			status = CASE
				WHEN agg.failures = 0 THEN 'completed'
				WHEN agg.successes = 0 THEN 'failed'
				ELSE 'partial_failed'
			END,
			updated_at = NOW()
		FROM (
			SELECT
				COUNT(*) FILTER (WHERE status = 'completed') AS successes,
				COUNT(*) FILTER (WHERE status <> 'completed') AS failures,
				COALESCE(SUM(fee) FILTER (WHERE status = 'completed'), 0) AS total_fee
			FROM transfer_batch_items
			WHERE batch_id = $1
		) AS agg
		WHERE b.id = $1
		RETURNING b.id, b.sender_id, b.status, b.requested_count, b.success_count, b.failure_count, b.total_amount, b.total_fee, b.created_at
	`, batchID).Scan(
		&batch.ID, &batch.SenderID, &batch.Status, &batch.RequestedCount,
		&batch.SuccessCount, &batch.FailureCount, &batch.TotalAmount, &batch.TotalFee,
		&batch.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
