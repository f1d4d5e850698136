/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the ledger-service. By defining an interface,
 * we decouple the application's business logic from the specific database
 * implementation (PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation and handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/midana/ledger-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
//
// Methods whose names end in Atomic, and every method that both mutates the
// ledger and appends an outbox event, execute as a single database transaction:
// partial effects are never visible to other callers.
type Repository interface {
	// User and account methods
	FindUserIDByAuthSubject(ctx context.Context, subject string) (string, error)
	FindUserByHandle(ctx context.Context, handle string) (*domain.User, error)
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	FindAccountByUserID(ctx context.Context, userID uuid.UUID) (*domain.Account, error)
	FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	FindBeneficiaryByID(ctx context.Context, beneficiaryID uuid.UUID, userID uuid.UUID) (*domain.Beneficiary, error)

	// PIN security methods
	GetPinCredentialByUserID(ctx context.Context, userID uuid.UUID) (*domain.PinCredential, error)
	RecordFailedPinAttempt(ctx context.Context, userID uuid.UUID, maxAttempts int, lockoutSeconds int) (*domain.PinCredential, error)
	ResetPinFailureState(ctx context.Context, userID uuid.UUID) error

	// Idempotency methods. Acquire reserves (actor, key) or returns the cached
	// response from a completed prior attempt; a key reused with a different
	// request hash yields ErrIdempotencyConflict.
	AcquireIdempotencyKey(ctx context.Context, actorID uuid.UUID, key string, requestHash string, ttl time.Duration, staleWindow time.Duration) (cachedResponse []byte, acquired bool, err error)
	CompleteIdempotencyKey(ctx context.Context, actorID uuid.UUID, key string, response []byte) error
	ReleaseIdempotencyKey(ctx context.Context, actorID uuid.UUID, key string) error

	// Transaction methods. Creation and all status transitions append the
	// matching outbox event in the same database transaction.
	CreatePendingTransaction(ctx context.Context, tx *domain.Transaction) error
	MarkTransactionCompleted(ctx context.Context, transactionID uuid.UUID, railTransferRef string) error
	MarkTransactionFailedAndRelease(ctx context.Context, transactionID uuid.UUID, failureReason string) error
	FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
	FindTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error)
	FindTransactionsByUserID(ctx context.Context, userID uuid.UUID, limit int, offset int) ([]domain.Transaction, error)
	ListPendingSettlementCandidates(ctx context.Context, pendingSince time.Time, limit int) ([]domain.Transaction, error)

	// Batch transfer methods
	CreateTransferBatchWithItems(ctx context.Context, batch *domain.TransferBatch, items []domain.TransferBatchItem) error
	MarkTransferBatchItemCompleted(ctx context.Context, itemID uuid.UUID, transactionID uuid.UUID, fee int64) error
	MarkTransferBatchItemFailed(ctx context.Context, itemID uuid.UUID, failureReason string) error
	FinalizeTransferBatch(ctx context.Context, batchID uuid.UUID) (*domain.TransferBatch, error)

	// Money drop methods
	CreateMoneyDropFunded(ctx context.Context, drop *domain.MoneyDrop, fundingTx *domain.Transaction) (*domain.MoneyDrop, error)
	FindMoneyDropByID(ctx context.Context, dropID uuid.UUID) (*domain.MoneyDrop, error)
	FindMoneyDropCreator(ctx context.Context, dropID uuid.UUID) (*domain.User, error)
	FindMoneyDropClaimByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.MoneyDropClaim, error)
	ClaimMoneyDropAtomic(ctx context.Context, params ClaimMoneyDropParams) (*ClaimMoneyDropRow, error)
	RevertMoneyDropClaimAtomic(ctx context.Context, dropID uuid.UUID, claimantID uuid.UUID, transactionID uuid.UUID, failureReason string) error
	EndMoneyDropAtomic(ctx context.Context, dropID uuid.UUID, endedReason string, requireCreator *uuid.UUID) (*MoneyDropRefundRow, error)
	ListExpiredActiveMoneyDrops(ctx context.Context, limit int) ([]domain.MoneyDrop, error)

	// Drop password lockout methods (independent of the global PIN lockout)
	GetDropPasswordAttemptState(ctx context.Context, dropID uuid.UUID, claimantID uuid.UUID) (*domain.DropPasswordAttemptState, error)
	RecordDropPasswordFailure(ctx context.Context, dropID uuid.UUID, claimantID uuid.UUID, lockoutThreshold int, lockoutSeconds int) (*domain.DropPasswordAttemptState, error)
	ResetDropPasswordFailures(ctx context.Context, dropID uuid.UUID, claimantID uuid.UUID) error

	// Payment request methods
	CreatePaymentRequest(ctx context.Context, req *domain.PaymentRequest) (*domain.PaymentRequest, error)
	GetPaymentRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.PaymentRequest, error)
	ListPaymentRequestsByCreator(ctx context.Context, creatorID uuid.UUID, opts domain.PaymentRequestListOptions) ([]domain.PaymentRequest, error)
	ClaimPaymentRequestForPayment(ctx context.Context, requestID uuid.UUID, payerID uuid.UUID) (*domain.PaymentRequest, error)
	AttachPaymentRequestSettlementTransaction(ctx context.Context, requestID uuid.UUID, settledTransactionID uuid.UUID) error
	MarkPaymentRequestFulfilled(ctx context.Context, requestID uuid.UUID, payerID uuid.UUID, settledTransactionID uuid.UUID) (*domain.PaymentRequest, error)
	MarkPaymentRequestFulfilledBySettlementTransaction(ctx context.Context, settledTransactionID uuid.UUID) error
	ReleasePaymentRequestFromProcessing(ctx context.Context, requestID uuid.UUID) error
	ReleasePaymentRequestFromProcessingBySettlementTransaction(ctx context.Context, settledTransactionID uuid.UUID) error
	DeclinePaymentRequest(ctx context.Context, requestID uuid.UUID, recipientID uuid.UUID, reason *string) (*domain.PaymentRequest, error)
	SoftDeletePaymentRequest(ctx context.Context, requestID uuid.UUID, creatorID uuid.UUID) (bool, error)

	// Outbox methods
	ClaimOutboxEvents(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxEvent, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// ClaimMoneyDropParams carries the inputs for the atomic claim admission.
type ClaimMoneyDropParams struct {
	DropID             uuid.UUID
	ClaimantID         uuid.UUID
	ClaimantAccountID  uuid.UUID
	IdempotencyKey     string
}

// ClaimMoneyDropRow is the result of a successful admission, read under the
// same lock that admitted the claim.
type ClaimMoneyDropRow struct {
	TransactionID    uuid.UUID
	Amount           int64
	ClaimsMade       int
	ClaimsAllowed    int
	DropStatus       string
	HoldingAccountID uuid.UUID
	CreatorID        uuid.UUID
}

// MoneyDropRefundRow is the result of ending or expiring a drop.
type MoneyDropRefundRow struct {
	RefundTransactionID uuid.UUID
	RefundedAmount      int64
	ClaimsMade          int
	HoldingAccountID    uuid.UUID
	FundingAccountID    uuid.UUID
	Status              string
}

// OutboxEvent is a durable domain event awaiting publication to the broker.
type OutboxEvent struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}
