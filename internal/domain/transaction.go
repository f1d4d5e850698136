/**
 * @description
 * This file defines the core domain models for the ledger-service. These structs
 * represent the main entities and data transfer objects (DTOs) used throughout the
 * service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Using distinct types for API requests, database models, and external service
 *   payloads ensures clear separation of concerns and type safety.
 * - Amounts are stored as `int64` in the smallest currency unit (minor units),
 *   which avoids floating-point inaccuracies with financial data.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Transaction statuses. Transitions are one-directional: pending may move to
// completed or failed, and a completed or failed row is never rewritten.
const (
	TransactionStatusPending   = "pending"
	TransactionStatusCompleted = "completed"
	TransactionStatusFailed    = "failed"
)

// Transaction types.
const (
	TransactionTypeP2P             = "p2p"
	TransactionTypeSelf            = "self"
	TransactionTypeMoneyDropFund   = "money_drop_funding"
	TransactionTypeMoneyDropClaim  = "money_drop_claim"
	TransactionTypeMoneyDropRefund = "money_drop_refund"
	TransactionTypePlatformFee     = "platform_fee"
)

// Transaction represents the central ledger record for any money movement in
// the system. This struct maps directly to the `transactions` table.
type Transaction struct {
	ID                   uuid.UUID  `json:"id"`
	RailTransferRef      *string    `json:"rail_transfer_ref,omitempty"`
	IdempotencyKey       string     `json:"-"`
	SenderID             uuid.UUID  `json:"sender_id"`
	RecipientID          *uuid.UUID `json:"recipient_id,omitempty"`
	SourceAccountID      uuid.UUID  `json:"source_account_id"`
	DestinationAccountID *uuid.UUID `json:"destination_account_id,omitempty"`
	DestinationBankRef   *string    `json:"destination_bank_ref,omitempty"`
	Type                 string     `json:"type"`
	Status               string     `json:"status"`
	Amount               int64      `json:"amount"`
	Fee                  int64      `json:"fee"`
	Description          string     `json:"description"`
	FailureReason        *string    `json:"failure_reason,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Account represents a user's internal wallet. Balances are mutated only by the
// store's guarded debit/credit statements and never go negative.
type Account struct {
	ID             uuid.UUID `json:"id"`
	UserID         uuid.UUID `json:"user_id"`
	RailAccountRef string    `json:"rail_account_ref"`
	Balance        int64     `json:"balance"`
	Status         string    `json:"status"` // 'active' or 'frozen'
	Type           string    `json:"type"`   // 'primary' or 'drop_holding'
}

const (
	AccountStatusActive = "active"
	AccountStatusFrozen = "frozen"

	AccountTypePrimary     = "primary"
	AccountTypeDropHolding = "drop_holding"
)

// User represents a simplified view of a user, containing only the data the
// ledger-service needs.
type User struct {
	ID           uuid.UUID `json:"id"`
	Handle       string    `json:"handle"`
	FullName     *string   `json:"full_name,omitempty"`
	AllowSending bool      `json:"allow_sending"`
}

// AccountBalance pairs the local ledger balance with the rail-side available
// balance for a user's primary account.
type AccountBalance struct {
	AccountID        uuid.UUID `json:"account_id"`
	LedgerBalance    int64     `json:"ledger_balance"`
	AvailableBalance int64     `json:"available_balance"`
}

// P2PTransferRequest is the DTO for incoming peer-to-peer transfer API requests.
type P2PTransferRequest struct {
	RecipientHandle string `json:"recipient_handle"`
	Amount          int64  `json:"amount"`
	Description     string `json:"description"`
	TransactionPIN  string `json:"transaction_pin"`
}

// SelfTransferRequest is the DTO for incoming self-transfer (withdrawal) API requests.
type SelfTransferRequest struct {
	BeneficiaryID  uuid.UUID `json:"beneficiary_id"`
	Amount         int64     `json:"amount"`
	Description    string    `json:"description"`
	TransactionPIN string    `json:"transaction_pin"`
}

// Beneficiary represents a user's saved external bank account.
type Beneficiary struct {
	ID                  uuid.UUID `json:"id"`
	UserID              uuid.UUID `json:"user_id"`
	RailCounterpartyRef string    `json:"rail_counterparty_ref"`
	AccountName         string    `json:"account_name"`
	AccountNumberMasked string    `json:"account_number_masked"`
	BankName            string    `json:"bank_name"`
	CreatedAt           time.Time `json:"created_at"`
}

// BatchTransferRequest is the DTO for initiating multiple P2P transfers in one request.
type BatchTransferRequest struct {
	Transfers      []BatchTransferItemRequest `json:"transfers"`
	TransactionPIN string                     `json:"transaction_pin"`
}

// BatchTransferItemRequest represents one recipient instruction within a batch.
type BatchTransferItemRequest struct {
	RecipientHandle string `json:"recipient_handle"`
	Amount          int64  `json:"amount"`
	Description     string `json:"description"`
}

// BatchTransferFailure captures a failed batch item and the reason it failed.
type BatchTransferFailure struct {
	RecipientHandle string `json:"recipient_handle"`
	Amount          int64  `json:"amount"`
	Description     string `json:"description"`
	Error           string `json:"error"`
}

// BatchTransferResult summarizes successful and failed transfers for a batch.
// It is the payload cached under the batch idempotency key.
type BatchTransferResult struct {
	BatchID      uuid.UUID              `json:"batch_id"`
	Status       string                 `json:"status"`
	SuccessCount int                    `json:"success_count"`
	FailureCount int                    `json:"failure_count"`
	TotalFee     int64                  `json:"total_fee"`
	Successful   []*Transaction         `json:"successful"`
	Failed       []BatchTransferFailure `json:"failed"`
}

// Batch aggregate statuses. The aggregate is 'completed' only when every item
// succeeded, 'partial_failed' when some did, 'failed' when none did.
const (
	BatchStatusCompleted     = "completed"
	BatchStatusPartialFailed = "partial_failed"
	BatchStatusFailed        = "failed"
)

// TransferBatch captures aggregate processing state for a batch request so
// partial failure stays auditable.
type TransferBatch struct {
	ID             uuid.UUID `json:"id"`
	SenderID       uuid.UUID `json:"sender_id"`
	Status         string    `json:"status"`
	RequestedCount int       `json:"requested_count"`
	SuccessCount   int       `json:"success_count"`
	FailureCount   int       `json:"failure_count"`
	TotalAmount    int64     `json:"total_amount"`
	TotalFee       int64     `json:"total_fee"`
	CreatedAt      time.Time `json:"created_at"`
}

// TransferBatchItem captures processing state for one recipient within a batch.
type TransferBatchItem struct {
	ID              uuid.UUID  `json:"id"`
	BatchID         uuid.UUID  `json:"batch_id"`
	RecipientHandle string     `json:"recipient_handle"`
	Amount          int64      `json:"amount"`
	Description     string     `json:"description"`
	Status          string     `json:"status"`
	Fee             int64      `json:"fee"`
	TransactionID   *uuid.UUID `json:"transaction_id,omitempty"`
	FailureReason   *string    `json:"failure_reason,omitempty"`
}

// TransactionReconcileResult summarizes one run of the pending-transaction
// reconciliation job.
type TransactionReconcileResult struct {
	Examined       int `json:"examined"`
	Completed      int `json:"completed"`
	Failed         int `json:"failed"`
	ManualReview   int `json:"manual_review"`
	LookupFailures int `json:"lookup_failures"`
}
