package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/midana/ledger-service/internal/app"
	"github.com/midana/ledger-service/internal/store"
	"github.com/midana/ledger-service/pkg/railclient"
)

func TestWriteServiceError_StatusMapping(t *testing.T) {
	h := NewLedgerHandlers(nil)

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid amount", app.ErrInvalidTransferAmount, http.StatusBadRequest},
		{"self transfer", app.ErrSelfTransferToSelf, http.StatusBadRequest},
		{"missing idempotency key", app.ErrIdempotencyKeyRequired, http.StatusBadRequest},
		{"pin mismatch", app.ErrTransactionPINMismatch, http.StatusUnauthorized},
		{"pin not set", store.ErrPinNotSet, http.StatusPreconditionFailed},
		{"pin locked", app.ErrTransactionPINLocked, http.StatusLocked},
		{"drop password locked", app.ErrMoneyDropPasswordLocked, http.StatusLocked},
		{"insufficient funds", store.ErrInsufficientFunds, http.StatusPaymentRequired},
		{"frozen account", store.ErrAccountFrozen, http.StatusForbidden},
		{"not drop creator", app.ErrNotDropCreator, http.StatusForbidden},
		{"user not found", store.ErrUserNotFound, http.StatusNotFound},
		{"drop not found", store.ErrMoneyDropNotFound, http.StatusNotFound},
		{"idempotency conflict", store.ErrIdempotencyConflict, http.StatusConflict},
		{"already claimed", store.ErrMoneyDropAlreadyClaimed, http.StatusConflict},
		{"request not payable", store.ErrPaymentRequestNotReady, http.StatusConflict},
		{"drop full", store.ErrMoneyDropFull, http.StatusGone},
		{"drop expired", store.ErrMoneyDropExpired, http.StatusGone},
		{"unknown error", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.writeServiceError(rec, "test", tc.err)
			if rec.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestWriteServiceError_AmbiguousSettlementIsAccepted(t *testing.T) {
	h := NewLedgerHandlers(nil)
	rec := httptest.NewRecorder()

	h.writeServiceError(rec, "test", app.ErrSettlementProcessing)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("an ambiguous settlement must return 202, got %d", rec.Code)
	}
}

func TestWriteServiceError_RateLimitSetsRetryAfter(t *testing.T) {
	h := NewLedgerHandlers(nil)
	rec := httptest.NewRecorder()

	h.writeServiceError(rec, "test", &app.RateLimitError{RetryAfterSeconds: 42})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "42" {
		t.Fatalf("expected Retry-After header of 42, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestWriteServiceError_ExplicitRailRejectionIsBadGateway(t *testing.T) {
	h := NewLedgerHandlers(nil)
	rec := httptest.NewRecorder()

	h.writeServiceError(rec, "test", &railclient.APIError{StatusCode: http.StatusUnprocessableEntity})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}
