package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/midana/ledger-service/internal/config"
	"github.com/midana/ledger-service/internal/domain"
	"github.com/midana/ledger-service/internal/store"
)

func testConfig() config.Config {
	return config.Config{
		P2PTransferFeeKobo:              500,
		SelfTransferFeeKobo:             2500,
		PINMaxAttempts:                  5,
		PINLockoutSeconds:               900,
		MoneyDropPasswordKey:            "test-secret",
		MoneyDropPasswordMaxAttempts:    5,
		MoneyDropPasswordLockoutSeconds: 600,
		IdempotencyTTLMinutes:           1440,
		IdempotencyStaleAfterSeconds:    120,
		MaxBatchTransfers:               10,
		ReconcileGraceMinutes:           10,
	}
}

func mustHash(t *testing.T, plaintext string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash %q: %v", plaintext, err)
	}
	return string(hash)
}

type pinRepoStub struct {
	store.Repository

	credential *domain.PinCredential

	recordFailedCalled bool
	recordResult       *domain.PinCredential
	resetCalled        bool
}

func (s *pinRepoStub) GetPinCredentialByUserID(ctx context.Context, userID uuid.UUID) (*domain.PinCredential, error) {
	if s.credential == nil {
		return nil, store.ErrPinNotSet
	}
	return s.credential, nil
}

func (s *pinRepoStub) RecordFailedPinAttempt(ctx context.Context, userID uuid.UUID, maxAttempts int, lockoutSeconds int) (*domain.PinCredential, error) {
	s.recordFailedCalled = true
	return s.recordResult, nil
}

func (s *pinRepoStub) ResetPinFailureState(ctx context.Context, userID uuid.UUID) error {
	s.resetCalled = true
	return nil
}

func TestVerifyTransactionPIN_MissingPinRejected(t *testing.T) {
	svc := NewService(&pinRepoStub{}, nil, nil, testConfig())

	err := svc.verifyTransactionPIN(context.Background(), uuid.New(), "")
	if !errors.Is(err, ErrTransactionPINRequired) {
		t.Fatalf("expected ErrTransactionPINRequired, got %v", err)
	}
}

func TestVerifyTransactionPIN_LockedCredentialRejectsWithoutCompare(t *testing.T) {
	lockedUntil := time.Now().Add(5 * time.Minute)
	repo := &pinRepoStub{
		credential: &domain.PinCredential{
			PINHash:        mustHash(t, "1234"),
			FailedAttempts: 5,
			LockedUntil:    &lockedUntil,
		},
	}
	svc := NewService(repo, nil, nil, testConfig())

	// Even the correct PIN is rejected during the lockout window.
	err := svc.verifyTransactionPIN(context.Background(), uuid.New(), "1234")
	if !errors.Is(err, ErrTransactionPINLocked) {
		t.Fatalf("expected ErrTransactionPINLocked, got %v", err)
	}
	if repo.recordFailedCalled {
		t.Fatal("did not expect a failure to be recorded while locked")
	}
}

func TestVerifyTransactionPIN_WrongPinRecordsFailure(t *testing.T) {
	repo := &pinRepoStub{
		credential:   &domain.PinCredential{PINHash: mustHash(t, "1234")},
		recordResult: &domain.PinCredential{FailedAttempts: 1},
	}
	svc := NewService(repo, nil, nil, testConfig())

	err := svc.verifyTransactionPIN(context.Background(), uuid.New(), "9999")
	if !errors.Is(err, ErrTransactionPINMismatch) {
		t.Fatalf("expected ErrTransactionPINMismatch, got %v", err)
	}
	if !repo.recordFailedCalled {
		t.Fatal("expected the failed attempt to be recorded")
	}
}

func TestVerifyTransactionPIN_WrongPinCrossingThresholdLocks(t *testing.T) {
	lockedUntil := time.Now().Add(15 * time.Minute)
	repo := &pinRepoStub{
		credential:   &domain.PinCredential{PINHash: mustHash(t, "1234"), FailedAttempts: 4},
		recordResult: &domain.PinCredential{FailedAttempts: 5, LockedUntil: &lockedUntil},
	}
	svc := NewService(repo, nil, nil, testConfig())

	err := svc.verifyTransactionPIN(context.Background(), uuid.New(), "9999")
	if !errors.Is(err, ErrTransactionPINLocked) {
		t.Fatalf("expected ErrTransactionPINLocked when the threshold is crossed, got %v", err)
	}
}

func TestVerifyTransactionPIN_CorrectPinResetsCounter(t *testing.T) {
	repo := &pinRepoStub{
		credential: &domain.PinCredential{PINHash: mustHash(t, "1234"), FailedAttempts: 3},
	}
	svc := NewService(repo, nil, nil, testConfig())

	if err := svc.verifyTransactionPIN(context.Background(), uuid.New(), "1234"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !repo.resetCalled {
		t.Fatal("expected the failure counter to be reset")
	}
	if repo.recordFailedCalled {
		t.Fatal("did not expect a failure to be recorded")
	}
}

type idempotencyRepoStub struct {
	store.Repository

	cached      []byte
	acquired    bool
	acquireErr  error
	requestHash string

	completeCalled bool
	completedBytes []byte
	releaseCalled  bool
}

func (s *idempotencyRepoStub) AcquireIdempotencyKey(ctx context.Context, actorID uuid.UUID, key, requestHash string, ttl, staleWindow time.Duration) ([]byte, bool, error) {
	s.requestHash = requestHash
	return s.cached, s.acquired, s.acquireErr
}

func (s *idempotencyRepoStub) CompleteIdempotencyKey(ctx context.Context, actorID uuid.UUID, key string, response []byte) error {
	s.completeCalled = true
	s.completedBytes = response
	return nil
}

func (s *idempotencyRepoStub) ReleaseIdempotencyKey(ctx context.Context, actorID uuid.UUID, key string) error {
	s.releaseCalled = true
	return nil
}

func TestRunIdempotent_MissingKeyRejected(t *testing.T) {
	svc := NewService(&idempotencyRepoStub{}, nil, nil, testConfig())

	_, err := svc.runIdempotent(context.Background(), uuid.New(), "", nil, func(ctx context.Context) (any, error) {
		t.Fatal("operation must not run without a key")
		return nil, nil
	})
	if !errors.Is(err, ErrIdempotencyKeyRequired) {
		t.Fatalf("expected ErrIdempotencyKeyRequired, got %v", err)
	}
}

func TestRunIdempotent_ReplayReturnsCachedResponseWithoutExecuting(t *testing.T) {
	repo := &idempotencyRepoStub{cached: []byte(`{"id":"tx-1"}`), acquired: false}
	svc := NewService(repo, nil, nil, testConfig())

	executed := false
	body, err := svc.runIdempotent(context.Background(), uuid.New(), "key-1", map[string]int{"a": 1}, func(ctx context.Context) (any, error) {
		executed = true
		return nil, nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if executed {
		t.Fatal("operation must not execute on a replay")
	}
	if string(body) != `{"id":"tx-1"}` {
		t.Fatalf("expected cached bytes back, got %s", body)
	}
}

func TestRunIdempotent_ConflictSurfacesFromStore(t *testing.T) {
	repo := &idempotencyRepoStub{acquireErr: store.ErrIdempotencyConflict}
	svc := NewService(repo, nil, nil, testConfig())

	_, err := svc.runIdempotent(context.Background(), uuid.New(), "key-1", map[string]int{"a": 2}, func(ctx context.Context) (any, error) {
		t.Fatal("operation must not run on a hash conflict")
		return nil, nil
	})
	if !errors.Is(err, store.ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
}

func TestRunIdempotent_FailureReleasesReservation(t *testing.T) {
	repo := &idempotencyRepoStub{acquired: true}
	svc := NewService(repo, nil, nil, testConfig())

	opErr := errors.New("insufficient funds")
	_, err := svc.runIdempotent(context.Background(), uuid.New(), "key-1", nil, func(ctx context.Context) (any, error) {
		return nil, opErr
	})
	if !errors.Is(err, opErr) {
		t.Fatalf("expected the operation error, got %v", err)
	}
	if !repo.releaseCalled {
		t.Fatal("expected the reservation to be released after a plain failure")
	}
}

func TestRunIdempotent_AmbiguousOutcomeKeepsReservation(t *testing.T) {
	repo := &idempotencyRepoStub{acquired: true}
	svc := NewService(repo, nil, nil, testConfig())

	_, err := svc.runIdempotent(context.Background(), uuid.New(), "key-1", nil, func(ctx context.Context) (any, error) {
		return nil, ErrSettlementProcessing
	})
	if !errors.Is(err, ErrSettlementProcessing) {
		t.Fatalf("expected ErrSettlementProcessing, got %v", err)
	}
	if repo.releaseCalled {
		t.Fatal("reservation must be kept when the settlement outcome is unknown")
	}
}

func TestRunIdempotent_SuccessCachesResponse(t *testing.T) {
	repo := &idempotencyRepoStub{acquired: true}
	svc := NewService(repo, nil, nil, testConfig())

	body, err := svc.runIdempotent(context.Background(), uuid.New(), "key-1", nil, func(ctx context.Context) (any, error) {
		return map[string]string{"status": "completed"}, nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !repo.completeCalled {
		t.Fatal("expected the response to be cached")
	}
	if string(body) != string(repo.completedBytes) {
		t.Fatal("returned bytes must match the cached bytes")
	}
}

func TestHashRequestPayload_DistinguishesPayloads(t *testing.T) {
	a, err := hashRequestPayload(map[string]int64{"amount": 1000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := hashRequestPayload(map[string]int64{"amount": 2000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a == b {
		t.Fatal("different payloads must hash differently")
	}

	again, _ := hashRequestPayload(map[string]int64{"amount": 1000})
	if a != again {
		t.Fatal("the same payload must hash identically")
	}
}
