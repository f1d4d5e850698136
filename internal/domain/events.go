/**
 * @description
 * Payload types for domain events appended to the transactional outbox. Each
 * state transition that must notify other collaborators writes one of these as
 * an outbox row inside the same database transaction as the ledger mutation.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys published on the ledger events exchange.
const (
	EventTransferCompleted     = "transfer.completed"
	EventTransferFailed        = "transfer.failed"
	EventTransferPending       = "transfer.pending"
	EventMoneyDropCreated      = "money_drop.created"
	EventMoneyDropClaimed      = "money_drop.claimed"
	EventMoneyDropEnded        = "money_drop.ended"
	EventPaymentRequestCreated = "payment_request.created"
	EventPaymentRequestSettled = "payment_request.settled"
	EventPaymentRequestDecline = "payment_request.declined"
)

// TransferEventPayload is published when a ledger transaction changes state.
type TransferEventPayload struct {
	TransactionID uuid.UUID  `json:"transaction_id"`
	SenderID      uuid.UUID  `json:"sender_id"`
	RecipientID   *uuid.UUID `json:"recipient_id,omitempty"`
	Type          string     `json:"type"`
	Status        string     `json:"status"`
	Amount        int64      `json:"amount"`
	Fee           int64      `json:"fee"`
	Timestamp     time.Time  `json:"timestamp"`
}

// MoneyDropEventPayload is published on drop creation, claim, and end.
type MoneyDropEventPayload struct {
	DropID         uuid.UUID  `json:"drop_id"`
	CreatorID      uuid.UUID  `json:"creator_id"`
	ClaimantID     *uuid.UUID `json:"claimant_id,omitempty"`
	Amount         int64      `json:"amount"`
	ClaimsMade     int        `json:"claims_made"`
	ClaimsAllowed  int        `json:"claims_allowed"`
	Status         string     `json:"status"`
	EndedReason    *string    `json:"ended_reason,omitempty"`
	RefundedAmount int64      `json:"refunded_amount,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
}

// PaymentRequestEventPayload is published on request creation and settlement.
type PaymentRequestEventPayload struct {
	RequestID   uuid.UUID  `json:"request_id"`
	CreatorID   uuid.UUID  `json:"creator_id"`
	PayerID     *uuid.UUID `json:"payer_id,omitempty"`
	Amount      int64      `json:"amount"`
	Status      string     `json:"status"`
	Timestamp   time.Time  `json:"timestamp"`
}
