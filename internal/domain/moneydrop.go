package domain

import (
	"time"

	"github.com/google/uuid"
)

// Money drop statuses. A drop moves from active to completed the instant the
// last allowed claim is admitted, or to expired_and_refunded once the expiry
// (or an early end) refund has been processed.
const (
	MoneyDropStatusActive            = "active"
	MoneyDropStatusCompleted         = "completed"
	MoneyDropStatusExpiredRefunded   = "expired_and_refunded"
	MoneyDropEndReasonExpired        = "expired"
	MoneyDropEndReasonEndedByCreator = "ended_by_creator"
	MoneyDropEndReasonFullyClaimed   = "fully_claimed"
)

// MoneyDrop represents the state of a money drop. Invariants enforced by the
// store: total_amount == amount_per_claim * claims_allowed, claims_made never
// exceeds claims_allowed, and refunded_amount never exceeds
// total_amount - amount_per_claim*claims_made.
type MoneyDrop struct {
	ID                    uuid.UUID  `json:"id"`
	CreatorID             uuid.UUID  `json:"creator_id"`
	Title                 string     `json:"title"`
	Status                string     `json:"status"`
	TotalAmount           int64      `json:"total_amount"`
	AmountPerClaim        int64      `json:"amount_per_claim"`
	ClaimsAllowed         int        `json:"claims_allowed"`
	ClaimsMade            int        `json:"claims_made"`
	RefundedAmount        int64      `json:"refunded_amount"`
	FeeAmount             int64      `json:"fee_amount"`
	Locked                bool       `json:"locked"`
	PasswordHash          *string    `json:"-"`
	PasswordCiphertext    *string    `json:"-"`
	ExpiryTimestamp       time.Time  `json:"expiry_timestamp"`
	FundingAccountID      uuid.UUID  `json:"funding_account_id"`
	HoldingAccountID      uuid.UUID  `json:"holding_account_id"`
	EndedReason           *string    `json:"ended_reason,omitempty"`
	FundingTransactionID  *uuid.UUID `json:"funding_transaction_id,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

// MoneyDropClaim represents a single claim made against a money drop. The
// (drop_id, claimant_id) pair is unique at the database level.
type MoneyDropClaim struct {
	ID            uuid.UUID `json:"id"`
	DropID        uuid.UUID `json:"drop_id"`
	ClaimantID    uuid.UUID `json:"claimant_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	ClaimedAt     time.Time `json:"claimed_at"`
}

// CreateMoneyDropRequest defines the payload for creating a new money drop.
type CreateMoneyDropRequest struct {
	Title           string `json:"title"`
	TotalAmount     int64  `json:"total_amount"`
	NumberOfPeople  int    `json:"number_of_people"`
	ExpiryInMinutes int    `json:"expiry_in_minutes"`
	Locked          bool   `json:"locked"`
	LockPassword    string `json:"lock_password,omitempty"`
	TransactionPIN  string `json:"transaction_pin"`
}

// CreateMoneyDropResponse is the successful response after creating a money drop.
type CreateMoneyDropResponse struct {
	MoneyDropID     string    `json:"money_drop_id"`
	TotalAmount     int64     `json:"total_amount"`
	AmountPerClaim  int64     `json:"amount_per_claim"`
	NumberOfPeople  int       `json:"number_of_people"`
	Fee             int64     `json:"fee"`
	Locked          bool      `json:"locked"`
	ExpiryTimestamp time.Time `json:"expiry_timestamp"`
}

// ClaimMoneyDropRequest defines the payload for claiming a drop.
type ClaimMoneyDropRequest struct {
	Password string `json:"password,omitempty"`
}

// ClaimMoneyDropResponse is the successful response after claiming a money drop.
// It is also the payload cached under the claimant's idempotency key.
type ClaimMoneyDropResponse struct {
	Message       string    `json:"message"`
	DropID        uuid.UUID `json:"drop_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	AmountClaimed int64     `json:"amount_claimed"`
	CreatorHandle string    `json:"creator_handle"`
	Status        string    `json:"status"`
}

// EndMoneyDropResponse reports the refund issued when a creator ends a drop early.
type EndMoneyDropResponse struct {
	DropID         uuid.UUID `json:"drop_id"`
	RefundedAmount int64     `json:"refunded_amount"`
	ClaimsMade     int       `json:"claims_made"`
	Status         string    `json:"status"`
}

// MoneyDropDetails represents the details of a money drop for display.
type MoneyDropDetails struct {
	ID             uuid.UUID `json:"id"`
	CreatorHandle  string    `json:"creator_handle"`
	Title          string    `json:"title"`
	AmountPerClaim int64     `json:"amount_per_claim"`
	ClaimsLeft     int       `json:"claims_left"`
	Locked         bool      `json:"locked"`
	Status         string    `json:"status"`
	IsClaimable    bool      `json:"is_claimable"`
	Message        string    `json:"message"`
}
