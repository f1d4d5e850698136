/**
 * @description
 * Transfer orchestration: peer-to-peer transfers, self-transfers (withdrawals
 * to an external beneficiary), and bounded batch transfers. Every transfer
 * follows the same shape: authorize with the transaction PIN, place a funds
 * hold by creating the pending ledger transaction, settle on the rail, then
 * finalize according to the settlement outcome.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/midana/ledger-service/internal/domain"
	"github.com/midana/ledger-service/internal/store"
	"github.com/midana/ledger-service/pkg/railclient"
)

// ProcessP2PTransfer handles a peer-to-peer transfer under an idempotency key.
// The returned bytes are the serialized transaction, identical across replays.
func (s *Service) ProcessP2PTransfer(ctx context.Context, senderID uuid.UUID, idempotencyKey string, req domain.P2PTransferRequest) ([]byte, error) {
	return s.runIdempotent(ctx, senderID, idempotencyKey, req, func(ctx context.Context) (any, error) {
		return s.executeP2PTransfer(ctx, senderID, idempotencyKey, req, true)
	})
}

// executeP2PTransfer is the core P2P flow, shared with batch items. Batch
// items skip the PIN check because the batch verified it once up front.
func (s *Service) executeP2PTransfer(ctx context.Context, senderID uuid.UUID, idempotencyKey string, req domain.P2PTransferRequest, checkPIN bool) (*domain.Transaction, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidTransferAmount
	}
	if checkPIN {
		if err := s.verifyTransactionPIN(ctx, senderID, req.TransactionPIN); err != nil {
			return nil, err
		}
	}

	// 1. Resolve sender and recipient
	sender, err := s.repo.FindUserByID(ctx, senderID)
	if err != nil {
		return nil, fmt.Errorf("failed to find sender: %w", err)
	}
	if !sender.AllowSending {
		return nil, ErrSenderNotAllowedToSend
	}

	recipient, err := s.repo.FindUserByHandle(ctx, strings.TrimSpace(req.RecipientHandle))
	if err != nil {
		return nil, fmt.Errorf("failed to find recipient: %w", err)
	}
	if recipient.ID == senderID {
		return nil, ErrSelfTransferToSelf
	}

	senderAccount, err := s.repo.FindAccountByUserID(ctx, senderID)
	if err != nil {
		return nil, fmt.Errorf("failed to find sender account: %w", err)
	}
	recipientAccount, err := s.repo.FindAccountByUserID(ctx, recipient.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to find recipient account: %w", err)
	}

	// 2. Place the funds hold: debit sender, record pending transaction
	txRecord := &domain.Transaction{
		ID:                   uuid.New(),
		IdempotencyKey:       idempotencyKey,
		SenderID:             senderID,
		RecipientID:          &recipient.ID,
		SourceAccountID:      senderAccount.ID,
		DestinationAccountID: &recipientAccount.ID,
		Type:                 domain.TransactionTypeP2P,
		Amount:               req.Amount,
		Fee:                  s.cfg.P2PTransferFeeKobo,
		Description:          req.Description,
	}
	if err := s.repo.CreatePendingTransaction(ctx, txRecord); err != nil {
		return nil, err
	}

	// 3. Settle on the rail and finalize
	railResp, railErr := s.railClient.InitiateBookTransfer(ctx,
		senderAccount.RailAccountRef, recipientAccount.RailAccountRef,
		req.Description, idempotencyKey, req.Amount)

	return s.finalizeSettlement(ctx, txRecord, railResp, railErr)
}

// ProcessSelfTransfer handles a withdrawal to one of the sender's saved
// external beneficiaries.
func (s *Service) ProcessSelfTransfer(ctx context.Context, senderID uuid.UUID, idempotencyKey string, req domain.SelfTransferRequest) ([]byte, error) {
	return s.runIdempotent(ctx, senderID, idempotencyKey, req, func(ctx context.Context) (any, error) {
		if req.Amount <= 0 {
			return nil, ErrInvalidTransferAmount
		}
		if err := s.verifyTransactionPIN(ctx, senderID, req.TransactionPIN); err != nil {
			return nil, err
		}

		sender, err := s.repo.FindUserByID(ctx, senderID)
		if err != nil {
			return nil, fmt.Errorf("failed to find sender: %w", err)
		}
		if !sender.AllowSending {
			return nil, ErrSenderNotAllowedToSend
		}

		beneficiary, err := s.repo.FindBeneficiaryByID(ctx, req.BeneficiaryID, senderID)
		if err != nil {
			return nil, fmt.Errorf("failed to find beneficiary: %w", err)
		}
		senderAccount, err := s.repo.FindAccountByUserID(ctx, senderID)
		if err != nil {
			return nil, fmt.Errorf("failed to find sender account: %w", err)
		}

		bankRef := beneficiary.RailCounterpartyRef
		txRecord := &domain.Transaction{
			ID:                 uuid.New(),
			IdempotencyKey:     idempotencyKey,
			SenderID:           senderID,
			SourceAccountID:    senderAccount.ID,
			DestinationBankRef: &bankRef,
			Type:               domain.TransactionTypeSelf,
			Amount:             req.Amount,
			Fee:                s.cfg.SelfTransferFeeKobo,
			Description:        req.Description,
		}
		if err := s.repo.CreatePendingTransaction(ctx, txRecord); err != nil {
			return nil, err
		}

		railResp, railErr := s.railClient.InitiateExternalTransfer(ctx,
			senderAccount.RailAccountRef, beneficiary.RailCounterpartyRef,
			req.Description, idempotencyKey, req.Amount)

		return s.finalizeSettlement(ctx, txRecord, railResp, railErr)
	})
}

// finalizeSettlement applies the rail outcome to a pending transaction.
//
// Confirmed settles the transaction. An explicit rejection fails it and
// releases the held funds. An ambiguous outcome leaves the transaction pending
// and surfaces ErrSettlementProcessing; reconciliation owns it from there.
func (s *Service) finalizeSettlement(ctx context.Context, txRecord *domain.Transaction, railResp *railclient.TransferResponse, railErr error) (*domain.Transaction, error) {
	if railErr != nil {
		var apiErr *railclient.APIError
		if errors.As(railErr, &apiErr) && apiErr.IsExplicitRejection() {
			if failErr := s.repo.MarkTransactionFailedAndRelease(ctx, txRecord.ID, apiErr.Error()); failErr != nil {
				log.Printf("level=error component=service op=settle tx_id=%s msg=\"failed to release funds after rail rejection\" err=%v", txRecord.ID, failErr)
				return nil, failErr
			}
			return nil, fmt.Errorf("settlement rejected: %w", apiErr)
		}

		log.Printf("level=warn component=service op=settle tx_id=%s msg=\"ambiguous settlement outcome; leaving pending for reconciliation\" err=%v", txRecord.ID, railErr)
		return nil, fmt.Errorf("%w: %v", ErrSettlementProcessing, railErr)
	}

	if railResp.Failed() {
		if failErr := s.repo.MarkTransactionFailedAndRelease(ctx, txRecord.ID, "rail reported transfer failed"); failErr != nil {
			return nil, failErr
		}
		return nil, fmt.Errorf("settlement rejected: rail status %q", railResp.Data.Attributes.Status)
	}

	if err := s.repo.MarkTransactionCompleted(ctx, txRecord.ID, railResp.Data.ID); err != nil {
		log.Printf("level=error component=service op=settle tx_id=%s msg=\"rail confirmed but completion write failed\" err=%v", txRecord.ID, err)
		return nil, err
	}

	ref := railResp.Data.ID
	txRecord.Status = domain.TransactionStatusCompleted
	txRecord.RailTransferRef = &ref
	return txRecord, nil
}

// ProcessBatchTransfer executes up to MaxBatchTransfers peer-to-peer transfers
// under one idempotency key. The PIN is verified once for the whole batch.
// Items settle independently; one failure does not abort the rest.
func (s *Service) ProcessBatchTransfer(ctx context.Context, senderID uuid.UUID, idempotencyKey string, req domain.BatchTransferRequest) ([]byte, error) {
	return s.runIdempotent(ctx, senderID, idempotencyKey, req, func(ctx context.Context) (any, error) {
		if len(req.Transfers) == 0 {
			return nil, ErrBatchEmpty
		}
		if len(req.Transfers) > s.cfg.MaxBatchTransfers {
			return nil, ErrBatchSizeExceeded
		}
		if err := s.verifyTransactionPIN(ctx, senderID, req.TransactionPIN); err != nil {
			return nil, err
		}

		var totalAmount int64
		for i, item := range req.Transfers {
			if item.Amount <= 0 {
				return nil, fmt.Errorf("%w: transfer %d", ErrInvalidTransferAmount, i)
			}
			totalAmount += item.Amount
		}

		batch := &domain.TransferBatch{
			ID:             uuid.New(),
			SenderID:       senderID,
			RequestedCount: len(req.Transfers),
			TotalAmount:    totalAmount,
		}
		items := make([]domain.TransferBatchItem, len(req.Transfers))
		for i, item := range req.Transfers {
			items[i] = domain.TransferBatchItem{
				ID:              uuid.New(),
				BatchID:         batch.ID,
				RecipientHandle: item.RecipientHandle,
				Amount:          item.Amount,
				Description:     item.Description,
				Fee:             s.cfg.P2PTransferFeeKobo,
			}
		}
		if err := s.repo.CreateTransferBatchWithItems(ctx, batch, items); err != nil {
			return nil, err
		}

		result := &domain.BatchTransferResult{BatchID: batch.ID}
		for i, item := range items {
			// Each item gets a derived idempotency key so a batch replay after a
			// partial crash cannot re-send already-settled items.
			itemKey := fmt.Sprintf("%s:item:%d", idempotencyKey, i)
			itemReq := domain.P2PTransferRequest{
				RecipientHandle: item.RecipientHandle,
				Amount:          item.Amount,
				Description:     item.Description,
			}

			txRecord, itemErr := s.executeP2PTransfer(ctx, senderID, itemKey, itemReq, false)
			switch {
			case itemErr == nil:
				if markErr := s.repo.MarkTransferBatchItemCompleted(ctx, item.ID, txRecord.ID, txRecord.Fee); markErr != nil {
					log.Printf("level=warn component=service op=batch_transfer batch_id=%s item_id=%s msg=\"failed to mark item completed\" err=%v", batch.ID, item.ID, markErr)
				}
				result.Successful = append(result.Successful, txRecord)
			case errors.Is(itemErr, ErrSettlementProcessing):
				// Outcome unknown: the item stays in processing and the pending
				// transaction belongs to reconciliation now.
				log.Printf("level=warn component=service op=batch_transfer batch_id=%s item_id=%s msg=\"item settlement ambiguous\"", batch.ID, item.ID)
				result.Failed = append(result.Failed, domain.BatchTransferFailure{
					RecipientHandle: item.RecipientHandle,
					Amount:          item.Amount,
					Description:     item.Description,
					Error:           "settlement outcome pending reconciliation",
				})
			default:
				if markErr := s.repo.MarkTransferBatchItemFailed(ctx, item.ID, itemErr.Error()); markErr != nil {
					log.Printf("level=warn component=service op=batch_transfer batch_id=%s item_id=%s msg=\"failed to mark item failed\" err=%v", batch.ID, item.ID, markErr)
				}
				result.Failed = append(result.Failed, domain.BatchTransferFailure{
					RecipientHandle: item.RecipientHandle,
					Amount:          item.Amount,
					Description:     item.Description,
					Error:           itemErr.Error(),
				})
			}
		}

		finalized, err := s.repo.FinalizeTransferBatch(ctx, batch.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to finalize batch: %w", err)
		}
		result.Status = finalized.Status
		result.SuccessCount = finalized.SuccessCount
		result.FailureCount = finalized.FailureCount
		result.TotalFee = finalized.TotalFee
		return result, nil
	})
}

// GetTransactionHistory lists the caller's transactions, newest first.
func (s *Service) GetTransactionHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	return s.repo.FindTransactionsByUserID(ctx, userID, limit, offset)
}

// GetTransaction returns a single transaction if the caller is a party to it.
func (s *Service) GetTransaction(ctx context.Context, userID uuid.UUID, transactionID uuid.UUID) (*domain.Transaction, error) {
	txRecord, err := s.repo.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if txRecord.SenderID != userID && (txRecord.RecipientID == nil || *txRecord.RecipientID != userID) {
		return nil, store.ErrTransactionNotFound
	}
	return txRecord, nil
}

// GetAccountBalance reports the caller's ledger balance alongside the
// rail-side available balance for the same account. The rail is the source of
// truth; the ledger copy can lag while settlements are pending.
func (s *Service) GetAccountBalance(ctx context.Context, userID uuid.UUID) (*domain.AccountBalance, error) {
	account, err := s.repo.FindAccountByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	available, err := s.railClient.GetAccountBalance(ctx, account.RailAccountRef)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rail balance: %w", err)
	}
	return &domain.AccountBalance{
		AccountID:        account.ID,
		LedgerBalance:    account.Balance,
		AvailableBalance: available,
	}, nil
}

// reconcileGraceCutoff is the newest creation time a pending transaction may
// have before reconciliation considers it overdue.
func (s *Service) reconcileGraceCutoff() time.Time {
	return time.Now().Add(-time.Duration(s.cfg.ReconcileGraceMinutes) * time.Minute)
}
