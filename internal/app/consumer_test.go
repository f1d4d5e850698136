package app

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/midana/ledger-service/internal/domain"
	"github.com/midana/ledger-service/internal/store"
)

type consumerRepoStub struct {
	store.Repository

	transactions map[string]*domain.Transaction

	completedCalled bool
	completedRef    string
	failedCalled    bool
	failedReason    string
	fulfilledCalled bool
	releasedCalled  bool
	lookupCount     int
}

func (s *consumerRepoStub) FindTransactionByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.Transaction, error) {
	s.lookupCount++
	if tx, ok := s.transactions[idempotencyKey]; ok {
		return tx, nil
	}
	return nil, store.ErrTransactionNotFound
}

func (s *consumerRepoStub) MarkTransactionCompleted(ctx context.Context, transactionID uuid.UUID, railTransferRef string) error {
	s.completedCalled = true
	s.completedRef = railTransferRef
	return nil
}

func (s *consumerRepoStub) MarkTransactionFailedAndRelease(ctx context.Context, transactionID uuid.UUID, failureReason string) error {
	s.failedCalled = true
	s.failedReason = failureReason
	return nil
}

func (s *consumerRepoStub) MarkPaymentRequestFulfilledBySettlementTransaction(ctx context.Context, settledTransactionID uuid.UUID) error {
	s.fulfilledCalled = true
	return nil
}

func (s *consumerRepoStub) ReleasePaymentRequestFromProcessingBySettlementTransaction(ctx context.Context, settledTransactionID uuid.UUID) error {
	s.releasedCalled = true
	return nil
}

func newRailConsumer(repo *consumerRepoStub) *RailStatusConsumer {
	return NewRailStatusConsumer(NewService(repo, nil, nil, testConfig()))
}

func railEventBody(t *testing.T, event RailTransferEvent) []byte {
	t.Helper()
	body, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	return body
}

func TestRailStatusConsumer_DropsMalformedPayload(t *testing.T) {
	repo := &consumerRepoStub{}
	consumer := newRailConsumer(repo)

	if !consumer.HandleMessage([]byte("{not json")) {
		t.Fatal("a malformed payload must be dropped, not requeued")
	}
	if repo.lookupCount != 0 {
		t.Fatal("no lookup may happen for a malformed payload")
	}
}

func TestRailStatusConsumer_DropsMissingKey(t *testing.T) {
	repo := &consumerRepoStub{}
	consumer := newRailConsumer(repo)

	body := railEventBody(t, RailTransferEvent{Status: "successful"})
	if !consumer.HandleMessage(body) {
		t.Fatal("an event without an idempotency key must be dropped")
	}
	if repo.lookupCount != 0 {
		t.Fatal("no lookup may happen without a key")
	}
}

func TestRailStatusConsumer_DropsUnknownTransaction(t *testing.T) {
	repo := &consumerRepoStub{transactions: map[string]*domain.Transaction{}}
	consumer := newRailConsumer(repo)

	body := railEventBody(t, RailTransferEvent{IdempotencyKey: "key-1", Status: "successful"})
	if !consumer.HandleMessage(body) {
		t.Fatal("an event for a transfer this service never initiated must be dropped")
	}
	if repo.completedCalled || repo.failedCalled {
		t.Fatal("nothing may be finalized for an unknown transaction")
	}
}

func TestRailStatusConsumer_IgnoresAlreadyFinalizedTransaction(t *testing.T) {
	repo := &consumerRepoStub{transactions: map[string]*domain.Transaction{
		"key-1": {ID: uuid.New(), IdempotencyKey: "key-1", Status: domain.TransactionStatusCompleted},
	}}
	consumer := newRailConsumer(repo)

	body := railEventBody(t, RailTransferEvent{IdempotencyKey: "key-1", Status: "failed"})
	if !consumer.HandleMessage(body) {
		t.Fatal("an event for a finalized transaction must be acked")
	}
	if repo.failedCalled {
		t.Fatal("a finalized transaction must not be touched")
	}
}

func TestRailStatusConsumer_CompletedEventSettlesTransaction(t *testing.T) {
	repo := &consumerRepoStub{transactions: map[string]*domain.Transaction{
		"key-1": {ID: uuid.New(), IdempotencyKey: "key-1", Type: domain.TransactionTypeP2P, Status: domain.TransactionStatusPending},
	}}
	consumer := newRailConsumer(repo)

	body := railEventBody(t, RailTransferEvent{IdempotencyKey: "key-1", RailTransferRef: "tr_99", Status: "successful"})
	if !consumer.HandleMessage(body) {
		t.Fatal("a processed event must be acked")
	}
	if !repo.completedCalled || repo.completedRef != "tr_99" {
		t.Fatalf("expected completion with ref tr_99, got called=%t ref=%q", repo.completedCalled, repo.completedRef)
	}
	if !repo.fulfilledCalled {
		t.Fatal("a confirmed settlement must fulfill any linked payment request")
	}
}

func TestRailStatusConsumer_FailedEventReleasesFunds(t *testing.T) {
	repo := &consumerRepoStub{transactions: map[string]*domain.Transaction{
		"key-1": {ID: uuid.New(), IdempotencyKey: "key-1", Type: domain.TransactionTypeP2P, Status: domain.TransactionStatusPending},
	}}
	consumer := newRailConsumer(repo)

	body := railEventBody(t, RailTransferEvent{IdempotencyKey: "key-1", Status: "failed", Reason: "insufficient balance"})
	if !consumer.HandleMessage(body) {
		t.Fatal("a processed event must be acked")
	}
	if !repo.failedCalled || repo.failedReason != "insufficient balance" {
		t.Fatalf("expected failure with the event reason, got called=%t reason=%q", repo.failedCalled, repo.failedReason)
	}
	if !repo.releasedCalled {
		t.Fatal("a rejected settlement must release any linked payment request")
	}
}

func TestRailStatusConsumer_NonTerminalStatusIsNoOp(t *testing.T) {
	repo := &consumerRepoStub{transactions: map[string]*domain.Transaction{
		"key-1": {ID: uuid.New(), IdempotencyKey: "key-1", Status: domain.TransactionStatusPending},
	}}
	consumer := newRailConsumer(repo)

	body := railEventBody(t, RailTransferEvent{IdempotencyKey: "key-1", Status: "processing"})
	if !consumer.HandleMessage(body) {
		t.Fatal("a non-terminal status must still be acked")
	}
	if repo.completedCalled || repo.failedCalled {
		t.Fatal("a non-terminal status must not finalize anything")
	}
}

func TestRailStatusConsumer_ProcessingErrorRequeues(t *testing.T) {
	consumer := NewRailStatusConsumer(NewService(&failingLookupRepo{}, nil, nil, testConfig()))

	body := railEventBody(t, RailTransferEvent{IdempotencyKey: "key-1", Status: "successful"})
	if consumer.HandleMessage(body) {
		t.Fatal("a transient processing error must requeue the message")
	}
}

type failingLookupRepo struct {
	store.Repository
}

func (s *failingLookupRepo) FindTransactionByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.Transaction, error) {
	return nil, context.DeadlineExceeded
}

func TestNormalizeRailStatus(t *testing.T) {
	cases := map[string]string{
		"successful": domain.TransactionStatusCompleted,
		"SUCCESS":    domain.TransactionStatusCompleted,
		"Completed":  domain.TransactionStatusCompleted,
		"failed":     domain.TransactionStatusFailed,
		"FAILURE":    domain.TransactionStatusFailed,
		"processing": "processing",
	}
	for input, want := range cases {
		if got := normalizeRailStatus(input); got != want {
			t.Fatalf("normalizeRailStatus(%q) = %q, want %q", input, got, want)
		}
	}
}
