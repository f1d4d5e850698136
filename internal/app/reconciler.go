/**
 * @description
 * Pending-settlement reconciliation. Transactions can be left pending when the
 * rail's answer was ambiguous (timeout, 5xx, process crash mid-settlement).
 * This job re-queries the rail by each transaction's idempotency key, which is
 * the one identifier both sides share, and applies only definitive answers:
 * a found transfer settles or fails the transaction, a 404 proves the transfer
 * never existed, and anything else stays pending for the next run. The job
 * never guesses.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/midana/ledger-service/internal/domain"
	"github.com/midana/ledger-service/pkg/railclient"
)

// ReconcilePendingSettlements resolves transactions left pending beyond the
// configured grace window.
func (s *Service) ReconcilePendingSettlements(ctx context.Context) (*domain.TransactionReconcileResult, error) {
	candidates, err := s.repo.ListPendingSettlementCandidates(ctx, s.reconcileGraceCutoff(), 100)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending settlements: %w", err)
	}

	result := &domain.TransactionReconcileResult{}
	for i := range candidates {
		txRecord := &candidates[i]
		result.Examined++

		if txRecord.IdempotencyKey == "" {
			// Without a key there is nothing to ask the rail; flag for a human.
			result.ManualReview++
			continue
		}

		railResp, lookupErr := s.railClient.GetTransferByIdempotencyKey(ctx, txRecord.IdempotencyKey)
		switch {
		case lookupErr == nil && railResp.Completed():
			if err := s.applyConfirmedSettlement(ctx, txRecord, railResp.Data.ID); err != nil {
				log.Printf("level=error component=reconciler tx_id=%s msg=\"failed to apply confirmed settlement\" err=%v", txRecord.ID, err)
				result.ManualReview++
				continue
			}
			result.Completed++

		case lookupErr == nil && railResp.Failed():
			if err := s.applyRejectedSettlement(ctx, txRecord, "rail reported transfer failed"); err != nil {
				log.Printf("level=error component=reconciler tx_id=%s msg=\"failed to apply rejected settlement\" err=%v", txRecord.ID, err)
				result.ManualReview++
				continue
			}
			result.Failed++

		case errors.Is(lookupErr, railclient.ErrTransferNotFound):
			// Definitive: the rail never created the transfer.
			if err := s.applyRejectedSettlement(ctx, txRecord, "no transfer exists on rail for idempotency key"); err != nil {
				log.Printf("level=error component=reconciler tx_id=%s msg=\"failed to fail orphaned transaction\" err=%v", txRecord.ID, err)
				result.ManualReview++
				continue
			}
			result.Failed++

		case lookupErr != nil:
			// Lookup itself was ambiguous; try again next run.
			result.LookupFailures++

		default:
			// Transfer exists but is not terminal yet.
			result.ManualReview++
		}
	}

	if result.Examined > 0 {
		log.Printf("level=info component=reconciler examined=%d completed=%d failed=%d manual_review=%d lookup_failures=%d",
			result.Examined, result.Completed, result.Failed, result.ManualReview, result.LookupFailures)
	}
	return result, nil
}

// applyConfirmedSettlement settles a pending transaction and fulfills any
// payment request linked to it.
func (s *Service) applyConfirmedSettlement(ctx context.Context, txRecord *domain.Transaction, railRef string) error {
	if err := s.repo.MarkTransactionCompleted(ctx, txRecord.ID, railRef); err != nil {
		return err
	}
	if err := s.repo.MarkPaymentRequestFulfilledBySettlementTransaction(ctx, txRecord.ID); err != nil {
		log.Printf("level=warn component=reconciler tx_id=%s msg=\"failed to fulfill linked payment request\" err=%v", txRecord.ID, err)
	}
	return nil
}

// applyRejectedSettlement fails a pending transaction. Claim transactions are
// reverted through the drop so the slot returns; everything else releases the
// funds hold. A payment request linked to the transaction goes back to pending.
func (s *Service) applyRejectedSettlement(ctx context.Context, txRecord *domain.Transaction, reason string) error {
	if txRecord.Type == domain.TransactionTypeMoneyDropClaim {
		claim, err := s.repo.FindMoneyDropClaimByTransactionID(ctx, txRecord.ID)
		if err != nil {
			return fmt.Errorf("failed to resolve claim for transaction: %w", err)
		}
		return s.repo.RevertMoneyDropClaimAtomic(ctx, claim.DropID, claim.ClaimantID, txRecord.ID, reason)
	}

	if err := s.repo.MarkTransactionFailedAndRelease(ctx, txRecord.ID, reason); err != nil {
		return err
	}
	if err := s.repo.ReleasePaymentRequestFromProcessingBySettlementTransaction(ctx, txRecord.ID); err != nil {
		log.Printf("level=warn component=reconciler tx_id=%s msg=\"failed to release linked payment request\" err=%v", txRecord.ID, err)
	}
	return nil
}
