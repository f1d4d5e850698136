package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/midana/ledger-service/internal/domain"
	"github.com/midana/ledger-service/internal/store"
)

// boundedDropRepo reproduces the admission rules of the claim statement
// sequence under a mutex standing in for the drop row lock: one claim per
// claimant, a hard slot ceiling, and the final slot flipping the drop to
// completed. Every method is safe for concurrent use.
type boundedDropRepo struct {
	store.Repository

	mu           sync.Mutex
	drop         domain.MoneyDrop
	fundingAcct  domain.Account
	accounts     map[uuid.UUID]domain.Account
	claimTxs     map[uuid.UUID]uuid.UUID
	completedTxs int
	revertCalled bool
}

func newBoundedDropRepo(creatorID uuid.UUID, slots int) *boundedDropRepo {
	fundingAcct := domain.Account{ID: uuid.New(), UserID: creatorID, RailAccountRef: "acct_funding"}
	return &boundedDropRepo{
		drop: domain.MoneyDrop{
			ID:               uuid.New(),
			CreatorID:        creatorID,
			Title:            "office giveaway",
			TotalAmount:      int64(slots) * 1000,
			AmountPerClaim:   1000,
			ClaimsAllowed:    slots,
			Status:           domain.MoneyDropStatusActive,
			ExpiryTimestamp:  time.Now().Add(time.Hour),
			FundingAccountID: fundingAcct.ID,
			HoldingAccountID: uuid.New(),
		},
		fundingAcct: fundingAcct,
		accounts:    make(map[uuid.UUID]domain.Account),
		claimTxs:    make(map[uuid.UUID]uuid.UUID),
	}
}

func (s *boundedDropRepo) AcquireIdempotencyKey(ctx context.Context, actorID uuid.UUID, key, requestHash string, ttl, staleWindow time.Duration) ([]byte, bool, error) {
	return nil, true, nil
}

func (s *boundedDropRepo) CompleteIdempotencyKey(ctx context.Context, actorID uuid.UUID, key string, response []byte) error {
	return nil
}

func (s *boundedDropRepo) ReleaseIdempotencyKey(ctx context.Context, actorID uuid.UUID, key string) error {
	return nil
}

func (s *boundedDropRepo) FindMoneyDropByID(ctx context.Context, dropID uuid.UUID) (*domain.MoneyDrop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drop.ID != dropID {
		return nil, store.ErrMoneyDropNotFound
	}
	snapshot := s.drop
	return &snapshot, nil
}

func (s *boundedDropRepo) FindMoneyDropCreator(ctx context.Context, dropID uuid.UUID) (*domain.User, error) {
	return &domain.User{ID: s.drop.CreatorID, Handle: "ada"}, nil
}

func (s *boundedDropRepo) FindAccountByUserID(ctx context.Context, userID uuid.UUID) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[userID]
	if !ok {
		acct = domain.Account{ID: uuid.New(), UserID: userID, RailAccountRef: "acct_" + userID.String()[:8]}
		s.accounts[userID] = acct
	}
	return &acct, nil
}

func (s *boundedDropRepo) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fundingAcct.ID == accountID {
		acct := s.fundingAcct
		return &acct, nil
	}
	for _, acct := range s.accounts {
		if acct.ID == accountID {
			return &acct, nil
		}
	}
	return nil, store.ErrAccountNotFound
}

func (s *boundedDropRepo) ClaimMoneyDropAtomic(ctx context.Context, params store.ClaimMoneyDropParams) (*store.ClaimMoneyDropRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.drop.Status != domain.MoneyDropStatusActive {
		if s.drop.Status == domain.MoneyDropStatusCompleted {
			return nil, store.ErrMoneyDropFull
		}
		return nil, store.ErrMoneyDropNotActive
	}
	if s.drop.ClaimsMade >= s.drop.ClaimsAllowed {
		return nil, store.ErrMoneyDropFull
	}
	if _, dup := s.claimTxs[params.ClaimantID]; dup {
		return nil, store.ErrMoneyDropAlreadyClaimed
	}

	transactionID := uuid.New()
	s.claimTxs[params.ClaimantID] = transactionID
	s.drop.ClaimsMade++
	if s.drop.ClaimsMade >= s.drop.ClaimsAllowed {
		s.drop.Status = domain.MoneyDropStatusCompleted
	}

	return &store.ClaimMoneyDropRow{
		TransactionID:    transactionID,
		Amount:           s.drop.AmountPerClaim,
		ClaimsMade:       s.drop.ClaimsMade,
		ClaimsAllowed:    s.drop.ClaimsAllowed,
		DropStatus:       s.drop.Status,
		HoldingAccountID: s.drop.HoldingAccountID,
		CreatorID:        s.drop.CreatorID,
	}, nil
}

func (s *boundedDropRepo) RevertMoneyDropClaimAtomic(ctx context.Context, dropID uuid.UUID, claimantID uuid.UUID, transactionID uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revertCalled = true
	delete(s.claimTxs, claimantID)
	s.drop.ClaimsMade--
	s.drop.Status = domain.MoneyDropStatusActive
	return nil
}

func (s *boundedDropRepo) MarkTransactionCompleted(ctx context.Context, transactionID uuid.UUID, railTransferRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completedTxs++
	return nil
}

func TestClaimMoneyDrop_ConcurrentClaimantsBoundedBySlots(t *testing.T) {
	const slots = 5

	_, rail := railServer(t, railConfirmHandler("tr_race"))
	creatorID := uuid.New()
	repo := newBoundedDropRepo(creatorID, slots)
	svc := NewService(repo, rail, nil, testConfig())

	claimants := make([]uuid.UUID, slots+1)
	for i := range claimants {
		claimants[i] = uuid.New()
	}

	errs := make([]error, len(claimants))
	var wg sync.WaitGroup
	for i, claimantID := range claimants {
		wg.Add(1)
		go func(i int, claimantID uuid.UUID) {
			defer wg.Done()
			_, errs[i] = svc.ClaimMoneyDrop(context.Background(), claimantID, repo.drop.ID,
				fmt.Sprintf("claim-key-%d", i), domain.ClaimMoneyDropRequest{})
		}(i, claimantID)
	}
	wg.Wait()

	admitted, full := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, store.ErrMoneyDropFull):
			full++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if admitted != slots {
		t.Fatalf("expected exactly %d admitted claimants, got %d", slots, admitted)
	}
	if full != 1 {
		t.Fatalf("expected one claimant rejected with a full drop, got %d", full)
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if repo.drop.ClaimsMade != repo.drop.ClaimsAllowed {
		t.Fatalf("expected claims_made == claims_allowed, got %d/%d", repo.drop.ClaimsMade, repo.drop.ClaimsAllowed)
	}
	if repo.drop.Status != domain.MoneyDropStatusCompleted {
		t.Fatalf("expected the final slot to complete the drop, got status %q", repo.drop.Status)
	}
	if repo.completedTxs != slots {
		t.Fatalf("expected %d settled claim transactions, got %d", slots, repo.completedTxs)
	}
	if repo.revertCalled {
		t.Fatal("no claim should have been reverted")
	}
}

func TestClaimMoneyDrop_SameClaimantCannotClaimTwice(t *testing.T) {
	_, rail := railServer(t, railConfirmHandler("tr_dup"))
	repo := newBoundedDropRepo(uuid.New(), 3)
	svc := NewService(repo, rail, nil, testConfig())

	claimantID := uuid.New()
	if _, err := svc.ClaimMoneyDrop(context.Background(), claimantID, repo.drop.ID, "dup-key-1", domain.ClaimMoneyDropRequest{}); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}

	_, err := svc.ClaimMoneyDrop(context.Background(), claimantID, repo.drop.ID, "dup-key-2", domain.ClaimMoneyDropRequest{})
	if !errors.Is(err, store.ErrMoneyDropAlreadyClaimed) {
		t.Fatalf("expected ErrMoneyDropAlreadyClaimed on second claim, got %v", err)
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if repo.drop.ClaimsMade != 1 {
		t.Fatalf("expected a single recorded claim, got %d", repo.drop.ClaimsMade)
	}
}
