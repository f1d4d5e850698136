package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/midana/ledger-service/internal/domain"
	"github.com/midana/ledger-service/internal/store"
	"github.com/midana/ledger-service/pkg/railclient"
)

// transferRepoStub backs the transfer flows with two users and in-memory
// bookkeeping of the calls the service makes.
type transferRepoStub struct {
	store.Repository

	sender           *domain.User
	recipient        *domain.User
	senderAccount    *domain.Account
	recipientAccount *domain.Account
	beneficiary      *domain.Beneficiary
	pinHash          string

	createdTx       *domain.Transaction
	completedCalled bool
	completedRef    string
	failedCalled    bool
	failedReason    string
	releaseCalled   bool

	batch          *domain.TransferBatch
	batchItems     []domain.TransferBatchItem
	itemCompleted  int
	itemFailed     int
	finalizeCalled bool
}

func (s *transferRepoStub) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	if s.sender != nil && s.sender.ID == userID {
		return s.sender, nil
	}
	if s.recipient != nil && s.recipient.ID == userID {
		return s.recipient, nil
	}
	return nil, store.ErrUserNotFound
}

func (s *transferRepoStub) FindUserByHandle(ctx context.Context, handle string) (*domain.User, error) {
	if s.recipient != nil && s.recipient.Handle == handle {
		return s.recipient, nil
	}
	if s.sender != nil && s.sender.Handle == handle {
		return s.sender, nil
	}
	return nil, store.ErrUserNotFound
}

func (s *transferRepoStub) FindAccountByUserID(ctx context.Context, userID uuid.UUID) (*domain.Account, error) {
	if s.senderAccount != nil && s.senderAccount.UserID == userID {
		return s.senderAccount, nil
	}
	if s.recipientAccount != nil && s.recipientAccount.UserID == userID {
		return s.recipientAccount, nil
	}
	return nil, store.ErrAccountNotFound
}

func (s *transferRepoStub) FindBeneficiaryByID(ctx context.Context, beneficiaryID uuid.UUID, userID uuid.UUID) (*domain.Beneficiary, error) {
	if s.beneficiary != nil && s.beneficiary.ID == beneficiaryID && s.beneficiary.UserID == userID {
		return s.beneficiary, nil
	}
	return nil, store.ErrBeneficiaryNotFound
}

func (s *transferRepoStub) GetPinCredentialByUserID(ctx context.Context, userID uuid.UUID) (*domain.PinCredential, error) {
	return &domain.PinCredential{UserID: userID, PINHash: s.pinHash}, nil
}

func (s *transferRepoStub) ResetPinFailureState(ctx context.Context, userID uuid.UUID) error {
	return nil
}

func (s *transferRepoStub) RecordFailedPinAttempt(ctx context.Context, userID uuid.UUID, maxAttempts int, lockoutSeconds int) (*domain.PinCredential, error) {
	return &domain.PinCredential{UserID: userID, FailedAttempts: 1}, nil
}

func (s *transferRepoStub) AcquireIdempotencyKey(ctx context.Context, actorID uuid.UUID, key, requestHash string, ttl, staleWindow time.Duration) ([]byte, bool, error) {
	return nil, true, nil
}

func (s *transferRepoStub) CompleteIdempotencyKey(ctx context.Context, actorID uuid.UUID, key string, response []byte) error {
	return nil
}

func (s *transferRepoStub) ReleaseIdempotencyKey(ctx context.Context, actorID uuid.UUID, key string) error {
	s.releaseCalled = true
	return nil
}

func (s *transferRepoStub) CreatePendingTransaction(ctx context.Context, tx *domain.Transaction) error {
	s.createdTx = tx
	return nil
}

func (s *transferRepoStub) MarkTransactionCompleted(ctx context.Context, transactionID uuid.UUID, railTransferRef string) error {
	s.completedCalled = true
	s.completedRef = railTransferRef
	return nil
}

func (s *transferRepoStub) MarkTransactionFailedAndRelease(ctx context.Context, transactionID uuid.UUID, failureReason string) error {
	s.failedCalled = true
	s.failedReason = failureReason
	return nil
}

func (s *transferRepoStub) CreateTransferBatchWithItems(ctx context.Context, batch *domain.TransferBatch, items []domain.TransferBatchItem) error {
	s.batch = batch
	s.batchItems = items
	return nil
}

func (s *transferRepoStub) MarkTransferBatchItemCompleted(ctx context.Context, itemID uuid.UUID, transactionID uuid.UUID, fee int64) error {
	s.itemCompleted++
	return nil
}

func (s *transferRepoStub) MarkTransferBatchItemFailed(ctx context.Context, itemID uuid.UUID, failureReason string) error {
	s.itemFailed++
	return nil
}

func (s *transferRepoStub) FinalizeTransferBatch(ctx context.Context, batchID uuid.UUID) (*domain.TransferBatch, error) {
	s.finalizeCalled = true
	status := domain.BatchStatusCompleted
	if s.itemFailed > 0 && s.itemCompleted > 0 {
		status = domain.BatchStatusPartialFailed
	} else if s.itemCompleted == 0 {
		status = domain.BatchStatusFailed
	}
	return &domain.TransferBatch{
		ID:           batchID,
		Status:       status,
		SuccessCount: s.itemCompleted,
		FailureCount: len(s.batchItems) - s.itemCompleted,
		TotalFee:     int64(s.itemCompleted) * 500,
	}, nil
}

func newTransferRepoStub(t *testing.T) *transferRepoStub {
	senderID := uuid.New()
	recipientID := uuid.New()
	return &transferRepoStub{
		sender:           &domain.User{ID: senderID, Handle: "ada", AllowSending: true},
		recipient:        &domain.User{ID: recipientID, Handle: "femi", AllowSending: true},
		senderAccount:    &domain.Account{ID: uuid.New(), UserID: senderID, RailAccountRef: "acct_sender", Balance: 100_000},
		recipientAccount: &domain.Account{ID: uuid.New(), UserID: recipientID, RailAccountRef: "acct_recipient", Balance: 0},
		pinHash:          mustHash(t, "1234"),
	}
}

// railServer returns a test rail endpoint answering every transfer request
// with the given handler.
func railServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *railclient.Client) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server, railclient.NewClient(server.URL, "test-key")
}

func railConfirmHandler(ref string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"data":{"id":%q,"type":"BookTransfer","attributes":{"status":"COMPLETED"}}}`, ref)
	}
}

func TestProcessP2PTransfer_CompletesOnRailConfirmation(t *testing.T) {
	repo := newTransferRepoStub(t)
	_, rail := railServer(t, railConfirmHandler("tr_123"))
	svc := NewService(repo, rail, nil, testConfig())

	body, err := svc.ProcessP2PTransfer(context.Background(), repo.sender.ID, "key-1", domain.P2PTransferRequest{
		RecipientHandle: "femi",
		Amount:          10_000,
		Description:     "lunch",
		TransactionPIN:  "1234",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if repo.createdTx == nil {
		t.Fatal("expected a pending transaction to be created")
	}
	if repo.createdTx.Fee != 500 {
		t.Fatalf("expected the configured p2p fee, got %d", repo.createdTx.Fee)
	}
	if !repo.completedCalled || repo.completedRef != "tr_123" {
		t.Fatalf("expected completion with rail ref tr_123, got called=%t ref=%q", repo.completedCalled, repo.completedRef)
	}

	var tx domain.Transaction
	if err := json.Unmarshal(body, &tx); err != nil {
		t.Fatalf("response must be a serialized transaction: %v", err)
	}
	if tx.Status != domain.TransactionStatusCompleted {
		t.Fatalf("expected completed status, got %q", tx.Status)
	}
}

func TestProcessP2PTransfer_RejectsNonPositiveAmount(t *testing.T) {
	repo := newTransferRepoStub(t)
	svc := NewService(repo, nil, nil, testConfig())

	_, err := svc.ProcessP2PTransfer(context.Background(), repo.sender.ID, "key-1", domain.P2PTransferRequest{
		RecipientHandle: "femi",
		Amount:          0,
		TransactionPIN:  "1234",
	})
	if !errors.Is(err, ErrInvalidTransferAmount) {
		t.Fatalf("expected ErrInvalidTransferAmount, got %v", err)
	}
	if repo.createdTx != nil {
		t.Fatal("no transaction may be created for an invalid amount")
	}
}

func TestProcessP2PTransfer_RejectsSendingToSelf(t *testing.T) {
	repo := newTransferRepoStub(t)
	svc := NewService(repo, nil, nil, testConfig())

	_, err := svc.ProcessP2PTransfer(context.Background(), repo.sender.ID, "key-1", domain.P2PTransferRequest{
		RecipientHandle: "ada",
		Amount:          1000,
		TransactionPIN:  "1234",
	})
	if !errors.Is(err, ErrSelfTransferToSelf) {
		t.Fatalf("expected ErrSelfTransferToSelf, got %v", err)
	}
}

func TestProcessP2PTransfer_ExplicitRejectionReleasesFunds(t *testing.T) {
	repo := newTransferRepoStub(t)
	_, rail := railServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"errors":[{"title":"Invalid account","detail":"destination account is closed"}]}`))
	})
	svc := NewService(repo, rail, nil, testConfig())

	_, err := svc.ProcessP2PTransfer(context.Background(), repo.sender.ID, "key-1", domain.P2PTransferRequest{
		RecipientHandle: "femi",
		Amount:          10_000,
		TransactionPIN:  "1234",
	})

	var apiErr *railclient.APIError
	if !errors.As(err, &apiErr) || !apiErr.IsExplicitRejection() {
		t.Fatalf("expected an explicit rail rejection, got %v", err)
	}
	if !repo.failedCalled {
		t.Fatal("expected the held funds to be released")
	}
	if !repo.releaseCalled {
		t.Fatal("expected the idempotency reservation to be released so the client may retry")
	}
	if repo.completedCalled {
		t.Fatal("transaction must not be completed on rejection")
	}
}

func TestProcessP2PTransfer_AmbiguousOutcomeLeavesPending(t *testing.T) {
	repo := newTransferRepoStub(t)
	_, rail := railServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	svc := NewService(repo, rail, nil, testConfig())

	_, err := svc.ProcessP2PTransfer(context.Background(), repo.sender.ID, "key-1", domain.P2PTransferRequest{
		RecipientHandle: "femi",
		Amount:          10_000,
		TransactionPIN:  "1234",
	})
	if !errors.Is(err, ErrSettlementProcessing) {
		t.Fatalf("expected ErrSettlementProcessing, got %v", err)
	}
	if repo.failedCalled {
		t.Fatal("an ambiguous outcome must not fail the transaction")
	}
	if repo.completedCalled {
		t.Fatal("an ambiguous outcome must not complete the transaction")
	}
	if repo.releaseCalled {
		t.Fatal("the idempotency reservation must be kept while the outcome is unknown")
	}
}

func TestProcessSelfTransfer_UsesBeneficiaryBankRef(t *testing.T) {
	repo := newTransferRepoStub(t)
	repo.beneficiary = &domain.Beneficiary{
		ID:                  uuid.New(),
		UserID:              repo.sender.ID,
		RailCounterpartyRef: "cp_987",
	}
	_, rail := railServer(t, railConfirmHandler("tr_self"))
	svc := NewService(repo, rail, nil, testConfig())

	_, err := svc.ProcessSelfTransfer(context.Background(), repo.sender.ID, "key-1", domain.SelfTransferRequest{
		BeneficiaryID:  repo.beneficiary.ID,
		Amount:         50_000,
		TransactionPIN: "1234",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.createdTx.Type != domain.TransactionTypeSelf {
		t.Fatalf("expected a self transfer transaction, got %q", repo.createdTx.Type)
	}
	if repo.createdTx.DestinationBankRef == nil || *repo.createdTx.DestinationBankRef != "cp_987" {
		t.Fatal("expected the beneficiary counterparty ref on the transaction")
	}
	if repo.createdTx.Fee != 2500 {
		t.Fatalf("expected the configured self transfer fee, got %d", repo.createdTx.Fee)
	}
}

func TestProcessBatchTransfer_RejectsOversizedBatch(t *testing.T) {
	repo := newTransferRepoStub(t)
	cfg := testConfig()
	cfg.MaxBatchTransfers = 2
	svc := NewService(repo, nil, nil, cfg)

	req := domain.BatchTransferRequest{TransactionPIN: "1234"}
	for i := 0; i < 3; i++ {
		req.Transfers = append(req.Transfers, domain.BatchTransferItemRequest{RecipientHandle: "femi", Amount: 1000})
	}

	_, err := svc.ProcessBatchTransfer(context.Background(), repo.sender.ID, "key-1", req)
	if !errors.Is(err, ErrBatchSizeExceeded) {
		t.Fatalf("expected ErrBatchSizeExceeded, got %v", err)
	}
}

func TestProcessBatchTransfer_RejectsEmptyBatch(t *testing.T) {
	repo := newTransferRepoStub(t)
	svc := NewService(repo, nil, nil, testConfig())

	_, err := svc.ProcessBatchTransfer(context.Background(), repo.sender.ID, "key-1", domain.BatchTransferRequest{TransactionPIN: "1234"})
	if !errors.Is(err, ErrBatchEmpty) {
		t.Fatalf("expected ErrBatchEmpty, got %v", err)
	}
}

func TestProcessBatchTransfer_PartialFailure(t *testing.T) {
	repo := newTransferRepoStub(t)
	_, rail := railServer(t, railConfirmHandler("tr_batch"))
	svc := NewService(repo, rail, nil, testConfig())

	body, err := svc.ProcessBatchTransfer(context.Background(), repo.sender.ID, "key-1", domain.BatchTransferRequest{
		TransactionPIN: "1234",
		Transfers: []domain.BatchTransferItemRequest{
			{RecipientHandle: "femi", Amount: 1000},
			{RecipientHandle: "nobody", Amount: 2000},
		},
	})
	if err != nil {
		t.Fatalf("expected nil error for a partially failed batch, got %v", err)
	}

	var result domain.BatchTransferResult
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("failed to decode batch result: %v", err)
	}
	if result.Status != domain.BatchStatusPartialFailed {
		t.Fatalf("expected partial_failed status, got %q", result.Status)
	}
	if len(result.Successful) != 1 || len(result.Failed) != 1 {
		t.Fatalf("expected 1 success and 1 failure, got %d and %d", len(result.Successful), len(result.Failed))
	}
	if result.Failed[0].RecipientHandle != "nobody" {
		t.Fatalf("expected the unknown recipient to fail, got %q", result.Failed[0].RecipientHandle)
	}
	if !repo.finalizeCalled {
		t.Fatal("expected the batch to be finalized")
	}
}

func TestGetTransaction_HidesOtherUsersTransactions(t *testing.T) {
	repo := newTransferRepoStub(t)
	txID := uuid.New()
	otherID := uuid.New()
	repo.Repository = &fixedTransactionRepo{tx: &domain.Transaction{ID: txID, SenderID: otherID, Status: domain.TransactionStatusCompleted}}
	svc := NewService(repo, nil, nil, testConfig())

	_, err := svc.GetTransaction(context.Background(), repo.sender.ID, txID)
	if !errors.Is(err, store.ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound for a stranger's transaction, got %v", err)
	}
}

type fixedTransactionRepo struct {
	store.Repository
	tx *domain.Transaction
}

func (s *fixedTransactionRepo) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	if s.tx != nil && s.tx.ID == transactionID {
		return s.tx, nil
	}
	return nil, store.ErrTransactionNotFound
}

func TestGetAccountBalance_CombinesLedgerAndRail(t *testing.T) {
	repo := newTransferRepoStub(t)
	_, rail := railServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":{"availableBalance":75000}}`)
	})
	svc := NewService(repo, rail, nil, testConfig())

	balance, err := svc.GetAccountBalance(context.Background(), repo.sender.ID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if balance.AccountID != repo.senderAccount.ID {
		t.Fatalf("expected the sender's account, got %s", balance.AccountID)
	}
	if balance.LedgerBalance != 100_000 {
		t.Fatalf("expected ledger balance of 100000, got %d", balance.LedgerBalance)
	}
	if balance.AvailableBalance != 75_000 {
		t.Fatalf("expected rail balance of 75000, got %d", balance.AvailableBalance)
	}
}

func TestGetAccountBalance_UnknownUser(t *testing.T) {
	repo := newTransferRepoStub(t)
	_, rail := railServer(t, railConfirmHandler("tr_unused"))
	svc := NewService(repo, rail, nil, testConfig())

	_, err := svc.GetAccountBalance(context.Background(), uuid.New())
	if !errors.Is(err, store.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}
