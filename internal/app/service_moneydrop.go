/**
 * @description
 * Money drop business logic: funded drop creation, concurrent claim admission,
 * early ending with refund, the expiry sweep, and the owner password reveal.
 *
 * Claim admission itself is a single database transaction inside the store;
 * this layer owns everything around it: rate limiting, password verification
 * with escalating lockout, settlement of the admitted claim on the rail, and
 * the atomic revert when the rail explicitly rejects.
 */

package app

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/midana/ledger-service/internal/domain"
	"github.com/midana/ledger-service/internal/store"
	"github.com/midana/ledger-service/pkg/railclient"
)

const (
	moneyDropMinExpiryMinutes = 1
	moneyDropMaxExpiryMinutes = 1440
	dropPasswordLockoutCap    = 24 * 60 * 60
)

var ErrNotDropCreator = errors.New("only the drop creator may perform this action")
var ErrCannotClaimOwnDrop = errors.New("creator cannot claim their own money drop")

// RateLimitError reports a rejected request and when the caller may retry.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %ds", e.RetryAfterSeconds)
}

// CreateMoneyDrop validates and funds a new money drop under an idempotency key.
func (s *Service) CreateMoneyDrop(ctx context.Context, creatorID uuid.UUID, idempotencyKey string, req domain.CreateMoneyDropRequest) ([]byte, error) {
	return s.runIdempotent(ctx, creatorID, idempotencyKey, req, func(ctx context.Context) (any, error) {
		// 1. Validate the drop parameters
		if strings.TrimSpace(req.Title) == "" {
			return nil, ErrMoneyDropTitleRequired
		}
		if req.TotalAmount <= 0 || req.NumberOfPeople <= 0 {
			return nil, ErrInvalidTransferAmount
		}
		if req.TotalAmount%int64(req.NumberOfPeople) != 0 {
			return nil, ErrMoneyDropInvalidSplit
		}
		if req.ExpiryInMinutes < moneyDropMinExpiryMinutes || req.ExpiryInMinutes > moneyDropMaxExpiryMinutes {
			return nil, ErrMoneyDropInvalidExpiry
		}
		if req.Locked && strings.TrimSpace(req.LockPassword) == "" {
			return nil, ErrMoneyDropPasswordNeeded
		}

		// 2. Authorize with the transaction PIN
		if err := s.verifyTransactionPIN(ctx, creatorID, req.TransactionPIN); err != nil {
			return nil, err
		}

		creatorAccount, err := s.repo.FindAccountByUserID(ctx, creatorID)
		if err != nil {
			return nil, fmt.Errorf("failed to find creator account: %w", err)
		}

		// 3. Compute the drop fee: flat plus a percentage of the total
		fee := s.cfg.MoneyDropFeeKobo + int64(float64(req.TotalAmount)*s.cfg.MoneyDropFeePercent/100.0)

		drop := &domain.MoneyDrop{
			ID:               uuid.New(),
			CreatorID:        creatorID,
			Title:            strings.TrimSpace(req.Title),
			TotalAmount:      req.TotalAmount,
			AmountPerClaim:   req.TotalAmount / int64(req.NumberOfPeople),
			ClaimsAllowed:    req.NumberOfPeople,
			FeeAmount:        fee,
			Locked:           req.Locked,
			ExpiryTimestamp:  time.Now().Add(time.Duration(req.ExpiryInMinutes) * time.Minute),
			FundingAccountID: creatorAccount.ID,
		}

		if req.Locked {
			hash, err := bcrypt.GenerateFromPassword([]byte(req.LockPassword), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("failed to hash drop password: %w", err)
			}
			hashStr := string(hash)
			drop.PasswordHash = &hashStr

			// The creator can reveal a forgotten password, so an encrypted copy
			// is kept alongside the verification hash.
			ciphertext, err := encryptDropPassword(s.cfg.MoneyDropPasswordKey, req.LockPassword)
			if err != nil {
				return nil, fmt.Errorf("failed to encrypt drop password: %w", err)
			}
			drop.PasswordCiphertext = &ciphertext
		}

		fundingTx := &domain.Transaction{
			ID:             uuid.New(),
			IdempotencyKey: idempotencyKey,
			Description:    "Money drop funding: " + drop.Title,
		}

		// 4. Debit the creator and create the drop atomically
		created, err := s.repo.CreateMoneyDropFunded(ctx, drop, fundingTx)
		if err != nil {
			return nil, err
		}

		return &domain.CreateMoneyDropResponse{
			MoneyDropID:     created.ID.String(),
			TotalAmount:     created.TotalAmount,
			AmountPerClaim:  created.AmountPerClaim,
			NumberOfPeople:  created.ClaimsAllowed,
			Fee:             created.FeeAmount,
			Locked:          created.Locked,
			ExpiryTimestamp: created.ExpiryTimestamp,
		}, nil
	})
}

// ClaimMoneyDrop admits a claimant to a drop and settles the claim.
//
// Order matters here: the rate limiter runs first so lock-password guessing is
// throttled, the password gate runs before admission, and the atomic admission
// in the store decides the race for the remaining slots.
func (s *Service) ClaimMoneyDrop(ctx context.Context, claimantID uuid.UUID, dropID uuid.UUID, idempotencyKey string, req domain.ClaimMoneyDropRequest) ([]byte, error) {
	type claimPayload struct {
		DropID uuid.UUID                   `json:"drop_id"`
		Req    domain.ClaimMoneyDropRequest `json:"req"`
	}
	return s.runIdempotent(ctx, claimantID, idempotencyKey, claimPayload{DropID: dropID, Req: req}, func(ctx context.Context) (any, error) {
		if err := s.consumeRateLimit(ctx, "money_drop_claim", claimantID.String(), s.cfg.MoneyDropClaimRateLimitPerMin); err != nil {
			return nil, err
		}

		drop, err := s.repo.FindMoneyDropByID(ctx, dropID)
		if err != nil {
			return nil, err
		}
		if drop.CreatorID == claimantID {
			return nil, ErrCannotClaimOwnDrop
		}

		if drop.Locked {
			if err := s.verifyDropPassword(ctx, drop, claimantID, req.Password); err != nil {
				return nil, err
			}
		}

		claimantAccount, err := s.repo.FindAccountByUserID(ctx, claimantID)
		if err != nil {
			return nil, fmt.Errorf("failed to find claimant account: %w", err)
		}

		// Admission: one database transaction decides the slot race.
		admitted, err := s.repo.ClaimMoneyDropAtomic(ctx, store.ClaimMoneyDropParams{
			DropID:            dropID,
			ClaimantID:        claimantID,
			ClaimantAccountID: claimantAccount.ID,
			IdempotencyKey:    idempotencyKey,
		})
		if err != nil {
			return nil, err
		}

		creator, err := s.repo.FindMoneyDropCreator(ctx, dropID)
		if err != nil {
			log.Printf("level=warn component=service op=claim_drop drop_id=%s msg=\"failed to load creator handle\" err=%v", dropID, err)
			creator = &domain.User{}
		}

		response := &domain.ClaimMoneyDropResponse{
			Message:       "Money drop claimed successfully",
			DropID:        dropID,
			TransactionID: admitted.TransactionID,
			AmountClaimed: admitted.Amount,
			CreatorHandle: creator.Handle,
			Status:        domain.TransactionStatusCompleted,
		}

		// Settle the claim on the rail: creator's rail account to claimant's.
		fundingAccount, err := s.repo.FindAccountByID(ctx, drop.FundingAccountID)
		if err != nil {
			return nil, fmt.Errorf("failed to find drop funding account: %w", err)
		}

		railResp, railErr := s.railClient.InitiateBookTransfer(ctx,
			fundingAccount.RailAccountRef, claimantAccount.RailAccountRef,
			"Money drop claim: "+drop.Title, idempotencyKey, admitted.Amount)
		if railErr != nil {
			var apiErr *railclient.APIError
			if errors.As(railErr, &apiErr) && apiErr.IsExplicitRejection() {
				// The rail refused: undo the admission entirely so the slot
				// returns to the drop.
				if revertErr := s.repo.RevertMoneyDropClaimAtomic(ctx, dropID, claimantID, admitted.TransactionID, apiErr.Error()); revertErr != nil {
					log.Printf("level=error component=service op=claim_drop drop_id=%s tx_id=%s msg=\"failed to revert rejected claim\" err=%v", dropID, admitted.TransactionID, revertErr)
					return nil, revertErr
				}
				return nil, fmt.Errorf("settlement rejected: %w", apiErr)
			}

			// Ambiguous: the claim stands, the transaction stays pending, and
			// reconciliation resolves the settlement later.
			log.Printf("level=warn component=service op=claim_drop drop_id=%s tx_id=%s msg=\"ambiguous claim settlement; pending reconciliation\" err=%v", dropID, admitted.TransactionID, railErr)
			response.Status = domain.TransactionStatusPending
			return response, nil
		}

		if railResp.Failed() {
			if revertErr := s.repo.RevertMoneyDropClaimAtomic(ctx, dropID, claimantID, admitted.TransactionID, "rail reported transfer failed"); revertErr != nil {
				return nil, revertErr
			}
			return nil, fmt.Errorf("settlement rejected: rail status %q", railResp.Data.Attributes.Status)
		}

		if err := s.repo.MarkTransactionCompleted(ctx, admitted.TransactionID, railResp.Data.ID); err != nil {
			log.Printf("level=error component=service op=claim_drop tx_id=%s msg=\"rail confirmed but completion write failed\" err=%v", admitted.TransactionID, err)
			return nil, err
		}

		return response, nil
	})
}

// verifyDropPassword gates a locked drop. Failures count per (drop, claimant)
// and the lockout window doubles for each failure past the threshold, so
// guessing gets exponentially slower per drop without affecting the
// claimant's other activity.
func (s *Service) verifyDropPassword(ctx context.Context, drop *domain.MoneyDrop, claimantID uuid.UUID, password string) error {
	if strings.TrimSpace(password) == "" {
		return ErrMoneyDropPasswordNeeded
	}
	if drop.PasswordHash == nil {
		return ErrMoneyDropPasswordInvalid
	}

	state, err := s.repo.GetDropPasswordAttemptState(ctx, drop.ID, claimantID)
	if err != nil {
		return err
	}
	if state.LockedUntil != nil && state.LockedUntil.After(time.Now()) {
		return ErrMoneyDropPasswordLocked
	}

	if bcrypt.CompareHashAndPassword([]byte(*drop.PasswordHash), []byte(password)) != nil {
		lockoutSeconds := escalatedLockoutSeconds(state.FailedAttempts+1, s.cfg.MoneyDropPasswordMaxAttempts, s.cfg.MoneyDropPasswordLockoutSeconds)
		updated, recordErr := s.repo.RecordDropPasswordFailure(ctx, drop.ID, claimantID, s.cfg.MoneyDropPasswordMaxAttempts, lockoutSeconds)
		if recordErr != nil {
			log.Printf("level=error component=service op=drop_password drop_id=%s msg=\"failed to record password failure\" err=%v", drop.ID, recordErr)
			return ErrMoneyDropPasswordInvalid
		}
		if updated.LockedUntil != nil && updated.LockedUntil.After(time.Now()) {
			return ErrMoneyDropPasswordLocked
		}
		return ErrMoneyDropPasswordInvalid
	}

	if state.FailedAttempts > 0 {
		if resetErr := s.repo.ResetDropPasswordFailures(ctx, drop.ID, claimantID); resetErr != nil {
			log.Printf("level=warn component=service op=drop_password drop_id=%s msg=\"failed to reset password failures\" err=%v", drop.ID, resetErr)
		}
	}
	return nil
}

// escalatedLockoutSeconds doubles the base window for each failure past the
// threshold, capped at a day.
func escalatedLockoutSeconds(attempts, threshold, baseSeconds int) int {
	if attempts < threshold {
		return baseSeconds
	}
	over := attempts - threshold
	if over > 12 {
		over = 12
	}
	seconds := baseSeconds << over
	if seconds > dropPasswordLockoutCap {
		seconds = dropPasswordLockoutCap
	}
	return seconds
}

// EndMoneyDrop lets the creator close an active drop early, refunding the
// unclaimed remainder.
func (s *Service) EndMoneyDrop(ctx context.Context, creatorID uuid.UUID, dropID uuid.UUID) (*domain.EndMoneyDropResponse, error) {
	refund, err := s.repo.EndMoneyDropAtomic(ctx, dropID, domain.MoneyDropEndReasonEndedByCreator, &creatorID)
	if err != nil {
		return nil, err
	}
	return &domain.EndMoneyDropResponse{
		DropID:         dropID,
		RefundedAmount: refund.RefundedAmount,
		ClaimsMade:     refund.ClaimsMade,
		Status:         refund.Status,
	}, nil
}

// GetMoneyDropDetails returns the public view of a drop with a claimability
// assessment for the requesting user.
func (s *Service) GetMoneyDropDetails(ctx context.Context, requesterID uuid.UUID, dropID uuid.UUID) (*domain.MoneyDropDetails, error) {
	if err := s.consumeRateLimit(ctx, "money_drop_details", requesterID.String(), s.cfg.MoneyDropDetailsRateLimitPerMin); err != nil {
		return nil, err
	}

	drop, err := s.repo.FindMoneyDropByID(ctx, dropID)
	if err != nil {
		return nil, err
	}
	creator, err := s.repo.FindMoneyDropCreator(ctx, dropID)
	if err != nil {
		return nil, err
	}

	details := &domain.MoneyDropDetails{
		ID:             drop.ID,
		CreatorHandle:  creator.Handle,
		Title:          drop.Title,
		AmountPerClaim: drop.AmountPerClaim,
		ClaimsLeft:     drop.ClaimsAllowed - drop.ClaimsMade,
		Locked:         drop.Locked,
		Status:         drop.Status,
	}

	switch {
	case drop.Status != domain.MoneyDropStatusActive:
		details.Message = "This money drop has ended."
	case time.Now().After(drop.ExpiryTimestamp):
		details.Message = "This money drop has expired."
	case drop.ClaimsMade >= drop.ClaimsAllowed:
		details.Message = "This money drop has been fully claimed."
	case drop.CreatorID == requesterID:
		details.Message = "You cannot claim your own money drop."
	default:
		details.IsClaimable = true
		details.Message = "This money drop is available to claim."
	}

	return details, nil
}

// RevealMoneyDropPassword decrypts the lock password for the drop's creator.
func (s *Service) RevealMoneyDropPassword(ctx context.Context, creatorID uuid.UUID, dropID uuid.UUID) (string, error) {
	drop, err := s.repo.FindMoneyDropByID(ctx, dropID)
	if err != nil {
		return "", err
	}
	if drop.CreatorID != creatorID {
		return "", ErrNotDropCreator
	}
	if !drop.Locked || drop.PasswordCiphertext == nil {
		return "", store.ErrMoneyDropNotFound
	}
	return decryptDropPassword(s.cfg.MoneyDropPasswordKey, *drop.PasswordCiphertext)
}

// ProcessExpiredMoneyDrops ends every active drop past its expiry and refunds
// the unclaimed remainder. Called by the scheduler and by the internal
// refund-trigger endpoint.
func (s *Service) ProcessExpiredMoneyDrops(ctx context.Context) (int, error) {
	drops, err := s.repo.ListExpiredActiveMoneyDrops(ctx, 100)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired drops: %w", err)
	}

	processed := 0
	for _, drop := range drops {
		if _, err := s.repo.EndMoneyDropAtomic(ctx, drop.ID, domain.MoneyDropEndReasonExpired, nil); err != nil {
			// A drop that raced to completed or was ended by its creator in
			// the meantime is not a failure of the sweep.
			if errors.Is(err, store.ErrMoneyDropNotActive) {
				continue
			}
			log.Printf("level=error component=service op=expire_drops drop_id=%s msg=\"failed to refund expired drop\" err=%v", drop.ID, err)
			continue
		}
		processed++
	}

	if processed > 0 {
		log.Printf("level=info component=service op=expire_drops refunded=%d", processed)
	}
	return processed, nil
}

// consumeRateLimit enforces a per-subject request budget via Redis. A nil or
// unset limiter disables limiting.
func (s *Service) consumeRateLimit(ctx context.Context, scope, subject string, limit int) error {
	if s.rateLimiter == nil {
		return nil
	}
	count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, scope, subject, limit, time.Minute)
	if err != nil {
		// Redis being down must not take money movement with it.
		log.Printf("level=warn component=service op=rate_limit scope=%s msg=\"limiter unavailable; allowing request\" err=%v", scope, err)
		return nil
	}
	if limit > 0 && count > limit {
		return &RateLimitError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

// encryptDropPassword seals the plaintext with AES-GCM under a key derived
// from the configured secret. Output is base64(nonce || ciphertext).
func encryptDropPassword(secret, plaintext string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("drop password encryption key is not configured")
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func decryptDropPassword(secret, encoded string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("drop password encryption key is not configured")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.New("drop password ciphertext is truncated")
	}
	plaintext, err := gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
