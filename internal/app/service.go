/**
 * @description
 * This file contains the core business logic for the ledger-service. The `Service`
 * struct orchestrates all money movement operations, coordinating between the database
 * repository, the settlement rail client, and the transactional outbox.
 *
 * Key features:
 * - Transaction PIN verification with attempt counting and lockout.
 * - Idempotency-key protocol shared by every mutating operation.
 * - Fee schedule resolution from configuration.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - golang.org/x/crypto/bcrypt: PIN and drop password hashing.
 * - internal/store: For the repository interface and its sentinel errors.
 * - pkg/railclient: For settlement rail communication.
 */

package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/midana/ledger-service/internal/config"
	"github.com/midana/ledger-service/internal/store"
	"github.com/midana/ledger-service/pkg/railclient"
)

var (
	ErrInvalidTransferAmount    = errors.New("transfer amount must be greater than zero")
	ErrSenderNotAllowedToSend   = errors.New("sender account is not permitted to send funds")
	ErrSelfTransferToSelf       = errors.New("recipient cannot be the sender")
	ErrTransactionPINRequired   = errors.New("transaction pin is required")
	ErrTransactionPINMismatch   = errors.New("transaction pin is incorrect")
	ErrTransactionPINLocked     = errors.New("transaction pin is temporarily locked")
	ErrIdempotencyKeyRequired   = errors.New("idempotency key is required")
	ErrBatchSizeExceeded        = errors.New("too many transfers in batch")
	ErrBatchEmpty               = errors.New("batch must contain at least one transfer")
	ErrSettlementProcessing     = errors.New("settlement is processing")
	ErrMoneyDropPasswordInvalid = errors.New("money drop password is incorrect")
	ErrMoneyDropPasswordLocked  = errors.New("money drop password attempts are temporarily locked")
	ErrMoneyDropPasswordNeeded  = errors.New("money drop password is required")
	ErrMoneyDropInvalidSplit    = errors.New("total amount must divide evenly among recipients")
	ErrMoneyDropInvalidExpiry   = errors.New("expiry must be between 1 minute and 24 hours")
	ErrMoneyDropTitleRequired   = errors.New("money drop title is required")
	ErrNotRequestRecipient      = errors.New("payment request is not addressed to this user")
	ErrPayOwnPaymentRequest     = errors.New("cannot pay your own payment request")
)

// Service provides the core business logic for the ledger.
type Service struct {
	repo        store.Repository
	railClient  *railclient.Client
	rateLimiter *RedisRateLimiter
	cfg         config.Config
}

// NewService creates a new ledger service instance.
func NewService(repo store.Repository, rail *railclient.Client, limiter *RedisRateLimiter, cfg config.Config) *Service {
	return &Service{
		repo:        repo,
		railClient:  rail,
		rateLimiter: limiter,
		cfg:         cfg,
	}
}

// ResolveInternalUserID converts an identity-provider subject (the `sub` claim of a
// validated JWT) into the internal UUID used by our database.
func (s *Service) ResolveInternalUserID(ctx context.Context, subject string) (string, error) {
	return s.repo.FindUserIDByAuthSubject(ctx, subject)
}

// FeeSchedule exposes the configured fee schedule per transfer category.
func (s *Service) FeeSchedule() map[string]int64 {
	return map[string]int64{
		"p2p":             s.cfg.P2PTransferFeeKobo,
		"self":            s.cfg.SelfTransferFeeKobo,
		"money_drop":      s.cfg.MoneyDropFeeKobo,
		"payment_request": s.cfg.PaymentRequestFeeKobo,
	}
}

// verifyTransactionPIN checks the caller's PIN before any money moves.
//
// The lockout gate runs first: a locked credential rejects the request without
// evaluating the PIN, so attempts during a lockout reveal nothing. A wrong PIN
// increments the failure counter atomically in the store; a correct PIN resets it.
func (s *Service) verifyTransactionPIN(ctx context.Context, userID uuid.UUID, pin string) error {
	if pin == "" {
		return ErrTransactionPINRequired
	}

	credential, err := s.repo.GetPinCredentialByUserID(ctx, userID)
	if err != nil {
		return err
	}

	if credential.LockedUntil != nil && credential.LockedUntil.After(time.Now()) {
		return ErrTransactionPINLocked
	}

	if bcrypt.CompareHashAndPassword([]byte(credential.PINHash), []byte(pin)) != nil {
		updated, recordErr := s.repo.RecordFailedPinAttempt(ctx, userID, s.cfg.PINMaxAttempts, s.cfg.PINLockoutSeconds)
		if recordErr != nil {
			log.Printf("level=error component=service op=verify_pin user_id=%s msg=\"failed to record pin failure\" err=%v", userID, recordErr)
			return ErrTransactionPINMismatch
		}
		if updated.LockedUntil != nil && updated.LockedUntil.After(time.Now()) {
			return ErrTransactionPINLocked
		}
		return ErrTransactionPINMismatch
	}

	if credential.FailedAttempts > 0 {
		if resetErr := s.repo.ResetPinFailureState(ctx, userID); resetErr != nil {
			log.Printf("level=warn component=service op=verify_pin user_id=%s msg=\"failed to reset pin failure state\" err=%v", userID, resetErr)
		}
	}

	return nil
}

// hashRequestPayload produces the fingerprint stored with an idempotency key.
// A retry must present a byte-identical payload to be treated as the same request.
func hashRequestPayload(payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload for hashing: %w", err)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// runIdempotent wraps a mutating operation in the idempotency protocol.
//
// The key is reserved before the operation runs. On success the serialized
// response is cached for replay; on failure the reservation is released so the
// client may retry. A replay of a completed request returns the cached bytes
// without executing the operation again. An ambiguous settlement outcome keeps
// the reservation: the operation is still in flight from the client's point of
// view and must not be re-executed blindly.
func (s *Service) runIdempotent(ctx context.Context, actorID uuid.UUID, key string, payload any, op func(ctx context.Context) (any, error)) ([]byte, error) {
	if key == "" {
		return nil, ErrIdempotencyKeyRequired
	}

	requestHash, err := hashRequestPayload(payload)
	if err != nil {
		return nil, err
	}

	ttl := time.Duration(s.cfg.IdempotencyTTLMinutes) * time.Minute
	staleWindow := time.Duration(s.cfg.IdempotencyStaleAfterSeconds) * time.Second
	cached, acquired, err := s.repo.AcquireIdempotencyKey(ctx, actorID, key, requestHash, ttl, staleWindow)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return cached, nil
	}

	result, opErr := op(ctx)
	if opErr != nil {
		if errors.Is(opErr, railclient.ErrAmbiguousOutcome) || errors.Is(opErr, ErrSettlementProcessing) {
			// Outcome unknown: keep the reservation so a blind retry cannot
			// double-execute. Reconciliation will resolve the transaction.
			return nil, opErr
		}
		if releaseErr := s.repo.ReleaseIdempotencyKey(ctx, actorID, key); releaseErr != nil {
			log.Printf("level=warn component=service op=idempotency actor_id=%s msg=\"failed to release idempotency key\" err=%v", actorID, releaseErr)
		}
		return nil, opErr
	}

	response, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response for idempotency cache: %w", err)
	}
	if err := s.repo.CompleteIdempotencyKey(ctx, actorID, key, response); err != nil {
		log.Printf("level=warn component=service op=idempotency actor_id=%s msg=\"failed to cache response\" err=%v", actorID, err)
	}

	return response, nil
}
