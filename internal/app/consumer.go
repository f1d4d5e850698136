/**
 * @description
 * Consumer for rail transfer status events. The webhook-facing edge publishes
 * a message per rail status change; this consumer finalizes the matching
 * pending transaction, complementing the pull-based reconciliation job with a
 * push path that usually lands first.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/midana/ledger-service/internal/domain"
	"github.com/midana/ledger-service/internal/store"
)

// RailTransferEvent is the payload published by the webhook edge for each rail
// status change.
type RailTransferEvent struct {
	IdempotencyKey  string `json:"idempotency_key"`
	RailTransferRef string `json:"rail_transfer_ref"`
	Status          string `json:"status"`
	Reason          string `json:"reason"`
}

// RailStatusConsumer applies rail status events to the ledger.
type RailStatusConsumer struct {
	svc *Service
}

func NewRailStatusConsumer(svc *Service) *RailStatusConsumer {
	return &RailStatusConsumer{svc: svc}
}

// HandleMessage processes one delivery. Returning false requeues it.
func (c *RailStatusConsumer) HandleMessage(body []byte) bool {
	var event RailTransferEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=rail_consumer msg=\"failed to unmarshal payload; dropping\" err=%v", err)
		return true
	}

	if strings.TrimSpace(event.IdempotencyKey) == "" {
		log.Printf("level=warn component=rail_consumer msg=\"missing idempotency key; dropping\"")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.processEvent(ctx, event); err != nil {
		log.Printf("level=error component=rail_consumer key=%s msg=\"processing error; requeueing\" err=%v", event.IdempotencyKey, err)
		return false
	}

	return true
}

func (c *RailStatusConsumer) processEvent(ctx context.Context, event RailTransferEvent) error {
	txRecord, err := c.svc.repo.FindTransactionByIdempotencyKey(ctx, event.IdempotencyKey)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			// The event may concern a transfer this service never initiated
			// (e.g. an inbound deposit handled elsewhere).
			log.Printf("level=info component=rail_consumer key=%s msg=\"no matching transaction; dropping\"", event.IdempotencyKey)
			return nil
		}
		return err
	}

	if txRecord.Status != domain.TransactionStatusPending {
		// Already finalized by the synchronous path or the reconciler.
		return nil
	}

	switch normalizeRailStatus(event.Status) {
	case domain.TransactionStatusCompleted:
		return c.svc.applyConfirmedSettlement(ctx, txRecord, event.RailTransferRef)
	case domain.TransactionStatusFailed:
		reason := strings.TrimSpace(event.Reason)
		if reason == "" {
			reason = "rail reported transfer failed"
		}
		return c.svc.applyRejectedSettlement(ctx, txRecord, reason)
	default:
		// Non-terminal status; nothing to apply yet.
		return nil
	}
}

func normalizeRailStatus(status string) string {
	switch strings.TrimSpace(strings.ToLower(status)) {
	case "successful", "success", "completed":
		return domain.TransactionStatusCompleted
	case "failed", "failure":
		return domain.TransactionStatusFailed
	default:
		return status
	}
}
