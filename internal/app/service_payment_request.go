/**
 * @description
 * Payment request lifecycle: creation, listing, settlement by a payer, decline
 * by the addressed recipient, and soft deletion by the creator.
 *
 * Settlement follows a claim-then-settle protocol. The request is moved to
 * 'processing' before any money moves, which admits exactly one payer; the
 * settlement itself is an ordinary transfer to the creator and inherits the
 * confirmed / rejected / ambiguous outcome handling.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/midana/ledger-service/internal/domain"
	"github.com/midana/ledger-service/internal/store"
	"github.com/midana/ledger-service/pkg/railclient"
)

var ErrPaymentRequestValidation = errors.New("payment request payload is invalid")

// CreatePaymentRequest creates a general or individual payment request.
func (s *Service) CreatePaymentRequest(ctx context.Context, creatorID uuid.UUID, payload domain.CreatePaymentRequestPayload) (*domain.PaymentRequest, error) {
	if strings.TrimSpace(payload.Title) == "" || payload.Amount <= 0 {
		return nil, ErrPaymentRequestValidation
	}
	if payload.RequestType != domain.PaymentRequestTypeGeneral && payload.RequestType != domain.PaymentRequestTypeIndividual {
		return nil, ErrPaymentRequestValidation
	}

	req := &domain.PaymentRequest{
		ID:          uuid.New(),
		CreatorID:   creatorID,
		RequestType: payload.RequestType,
		Title:       strings.TrimSpace(payload.Title),
		Amount:      payload.Amount,
		Description: payload.Description,
	}

	// Individual requests are addressed to one user, resolved by handle.
	if payload.RequestType == domain.PaymentRequestTypeIndividual {
		if payload.RecipientHandle == nil || strings.TrimSpace(*payload.RecipientHandle) == "" {
			return nil, ErrPaymentRequestValidation
		}
		recipient, err := s.repo.FindUserByHandle(ctx, *payload.RecipientHandle)
		if err != nil {
			return nil, fmt.Errorf("failed to find request recipient: %w", err)
		}
		if recipient.ID == creatorID {
			return nil, ErrPaymentRequestValidation
		}
		req.RecipientUserID = &recipient.ID
	}

	return s.repo.CreatePaymentRequest(ctx, req)
}

// GetPaymentRequest returns one request. Individual requests are visible only
// to their creator and addressed recipient.
func (s *Service) GetPaymentRequest(ctx context.Context, userID uuid.UUID, requestID uuid.UUID) (*domain.PaymentRequest, error) {
	req, err := s.repo.GetPaymentRequestByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.RequestType == domain.PaymentRequestTypeIndividual &&
		req.CreatorID != userID &&
		(req.RecipientUserID == nil || *req.RecipientUserID != userID) {
		return nil, store.ErrPaymentRequestNotFound
	}
	return req, nil
}

// ListPaymentRequests lists the caller's own requests.
func (s *Service) ListPaymentRequests(ctx context.Context, creatorID uuid.UUID, opts domain.PaymentRequestListOptions) ([]domain.PaymentRequest, error) {
	return s.repo.ListPaymentRequestsByCreator(ctx, creatorID, opts)
}

// PayPaymentRequest settles a request on behalf of the payer under an
// idempotency key.
func (s *Service) PayPaymentRequest(ctx context.Context, payerID uuid.UUID, requestID uuid.UUID, idempotencyKey string, payload domain.PayPaymentRequestPayload) ([]byte, error) {
	type payRequestPayload struct {
		RequestID uuid.UUID                       `json:"request_id"`
		Req       domain.PayPaymentRequestPayload `json:"req"`
	}
	return s.runIdempotent(ctx, payerID, idempotencyKey, payRequestPayload{RequestID: requestID, Req: payload}, func(ctx context.Context) (any, error) {
		req, err := s.repo.GetPaymentRequestByID(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if req.CreatorID == payerID {
			return nil, ErrPayOwnPaymentRequest
		}
		if req.RequestType == domain.PaymentRequestTypeIndividual &&
			(req.RecipientUserID == nil || *req.RecipientUserID != payerID) {
			return nil, ErrNotRequestRecipient
		}

		if err := s.verifyTransactionPIN(ctx, payerID, payload.TransactionPIN); err != nil {
			return nil, err
		}

		// 1. Claim the request: exactly one payer wins this update.
		claimed, err := s.repo.ClaimPaymentRequestForPayment(ctx, requestID, payerID)
		if err != nil {
			return nil, err
		}

		releaseClaim := func() {
			if relErr := s.repo.ReleasePaymentRequestFromProcessing(ctx, requestID); relErr != nil {
				log.Printf("level=error component=service op=pay_request request_id=%s msg=\"failed to release processing claim\" err=%v", requestID, relErr)
			}
		}

		payerAccount, err := s.repo.FindAccountByUserID(ctx, payerID)
		if err != nil {
			releaseClaim()
			return nil, fmt.Errorf("failed to find payer account: %w", err)
		}
		creatorAccount, err := s.repo.FindAccountByUserID(ctx, claimed.CreatorID)
		if err != nil {
			releaseClaim()
			return nil, fmt.Errorf("failed to find creator account: %w", err)
		}

		// 2. Funds hold: pending settlement transaction, linked to the request
		txRecord := &domain.Transaction{
			ID:                   uuid.New(),
			IdempotencyKey:       idempotencyKey,
			SenderID:             payerID,
			RecipientID:          &claimed.CreatorID,
			SourceAccountID:      payerAccount.ID,
			DestinationAccountID: &creatorAccount.ID,
			Type:                 domain.TransactionTypeP2P,
			Amount:               claimed.Amount,
			Fee:                  s.cfg.PaymentRequestFeeKobo,
			Description:          "Payment request: " + claimed.Title,
		}
		if err := s.repo.CreatePendingTransaction(ctx, txRecord); err != nil {
			releaseClaim()
			return nil, err
		}
		if err := s.repo.AttachPaymentRequestSettlementTransaction(ctx, requestID, txRecord.ID); err != nil {
			log.Printf("level=warn component=service op=pay_request request_id=%s msg=\"failed to attach settlement transaction\" err=%v", requestID, err)
		}

		// 3. Settle
		railResp, railErr := s.railClient.InitiateBookTransfer(ctx,
			payerAccount.RailAccountRef, creatorAccount.RailAccountRef,
			txRecord.Description, idempotencyKey, claimed.Amount)
		if railErr != nil {
			var apiErr *railclient.APIError
			if errors.As(railErr, &apiErr) && apiErr.IsExplicitRejection() {
				if failErr := s.repo.MarkTransactionFailedAndRelease(ctx, txRecord.ID, apiErr.Error()); failErr != nil {
					log.Printf("level=error component=service op=pay_request tx_id=%s msg=\"failed to release funds after rejection\" err=%v", txRecord.ID, failErr)
					return nil, failErr
				}
				releaseClaim()
				return nil, fmt.Errorf("settlement rejected: %w", apiErr)
			}

			// Ambiguous: the request stays processing and the transaction stays
			// pending; reconciliation resolves both through the settlement link.
			log.Printf("level=warn component=service op=pay_request request_id=%s tx_id=%s msg=\"ambiguous settlement; pending reconciliation\" err=%v", requestID, txRecord.ID, railErr)
			return nil, fmt.Errorf("%w: %v", ErrSettlementProcessing, railErr)
		}

		if railResp.Failed() {
			if failErr := s.repo.MarkTransactionFailedAndRelease(ctx, txRecord.ID, "rail reported transfer failed"); failErr != nil {
				return nil, failErr
			}
			releaseClaim()
			return nil, errors.New("settlement rejected: rail reported transfer failed")
		}

		if err := s.repo.MarkTransactionCompleted(ctx, txRecord.ID, railResp.Data.ID); err != nil {
			return nil, err
		}
		fulfilled, err := s.repo.MarkPaymentRequestFulfilled(ctx, requestID, payerID, txRecord.ID)
		if err != nil {
			return nil, err
		}

		txRecord.Status = domain.TransactionStatusCompleted
		return &domain.PayPaymentRequestResult{Request: fulfilled, Transaction: txRecord}, nil
	})
}

// DeclinePaymentRequest lets the addressed recipient decline an individual request.
func (s *Service) DeclinePaymentRequest(ctx context.Context, recipientID uuid.UUID, requestID uuid.UUID, payload domain.DeclinePaymentRequestPayload) (*domain.PaymentRequest, error) {
	req, err := s.repo.GetPaymentRequestByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.RequestType != domain.PaymentRequestTypeIndividual ||
		req.RecipientUserID == nil || *req.RecipientUserID != recipientID {
		return nil, ErrNotRequestRecipient
	}
	return s.repo.DeclinePaymentRequest(ctx, requestID, recipientID, payload.Reason)
}

// DeletePaymentRequest soft-deletes the creator's own request.
func (s *Service) DeletePaymentRequest(ctx context.Context, creatorID uuid.UUID, requestID uuid.UUID) error {
	deleted, err := s.repo.SoftDeletePaymentRequest(ctx, requestID, creatorID)
	if err != nil {
		return err
	}
	if !deleted {
		return store.ErrPaymentRequestNotFound
	}
	return nil
}
