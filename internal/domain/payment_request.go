package domain

import (
	"time"

	"github.com/google/uuid"
)

// Payment request lifecycle. A request is claimed into 'processing' before any
// settlement work starts so two concurrent payers cannot both settle it; it is
// released back to 'pending' if the settlement is explicitly rejected.
const (
	PaymentRequestStatusPending    = "pending"
	PaymentRequestStatusProcessing = "processing"
	PaymentRequestStatusFulfilled  = "fulfilled"
	PaymentRequestStatusDeclined   = "declined"

	PaymentRequestTypeGeneral    = "general"
	PaymentRequestTypeIndividual = "individual"
)

// PaymentRequest represents a payment request record. It aligns with the
// `payment_requests` table schema.
type PaymentRequest struct {
	ID                uuid.UUID  `json:"id"`
	CreatorID         uuid.UUID  `json:"creator_id"`
	CreatorHandle     *string    `json:"creator_handle,omitempty"`
	Status            string     `json:"status"`
	RequestType       string     `json:"request_type"`
	Title             string     `json:"title"`
	RecipientUserID   *uuid.UUID `json:"recipient_user_id,omitempty"`
	Amount            int64      `json:"amount"`
	Description       *string    `json:"description,omitempty"`
	FulfilledByUserID *uuid.UUID `json:"fulfilled_by_user_id,omitempty"`
	SettledTxID       *uuid.UUID `json:"settled_transaction_id,omitempty"`
	ProcessingStarted *time.Time `json:"processing_started_at,omitempty"`
	RespondedAt       *time.Time `json:"responded_at,omitempty"`
	DeclinedReason    *string    `json:"declined_reason,omitempty"`
	DeletedAt         *time.Time `json:"-"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// CreatePaymentRequestPayload defines the structure for creating a new payment request.
type CreatePaymentRequestPayload struct {
	RequestType     string  `json:"request_type"`
	Title           string  `json:"title"`
	RecipientHandle *string `json:"recipient_handle,omitempty"`
	Amount          int64   `json:"amount"`
	Description     *string `json:"description,omitempty"`
}

// PayPaymentRequestPayload carries the payer's PIN for settlement authorization.
type PayPaymentRequestPayload struct {
	TransactionPIN string `json:"transaction_pin"`
}

// DeclinePaymentRequestPayload optionally carries the decline reason.
type DeclinePaymentRequestPayload struct {
	Reason *string `json:"reason,omitempty"`
}

// PayPaymentRequestResult pairs the settled request with its ledger transaction.
type PayPaymentRequestResult struct {
	Request     *PaymentRequest `json:"request"`
	Transaction *Transaction    `json:"transaction"`
}

// PaymentRequestListOptions controls pagination and filtering for creator-owned requests.
type PaymentRequestListOptions struct {
	Limit  int
	Offset int
	Status string
	Type   string
}
