/**
 * @description
 * This file contains the HTTP handlers for the ledger-service's transfer
 * endpoints, plus the shared helpers every handler uses: authentication
 * resolution, idempotency key extraction, and the mapping from service errors
 * to HTTP status codes. Handlers act as the bridge between the web layer and
 * the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 * - pkg/railclient: For classifying settlement rejections.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/midana/ledger-service/internal/app"
	"github.com/midana/ledger-service/internal/domain"
	"github.com/midana/ledger-service/internal/store"
	"github.com/midana/ledger-service/pkg/railclient"
)

// LedgerHandlers holds the application service that handlers will use.
type LedgerHandlers struct {
	service *app.Service
}

// NewLedgerHandlers creates a new instance of LedgerHandlers.
func NewLedgerHandlers(service *app.Service) *LedgerHandlers {
	return &LedgerHandlers{service: service}
}

// authenticate resolves the request's bearer subject to the internal user ID.
// It writes the error response itself and reports success via the bool.
func (h *LedgerHandlers) authenticate(w http.ResponseWriter, r *http.Request, endpoint string) (uuid.UUID, bool) {
	subject, ok := GetAuthSubject(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return uuid.Nil, false
	}

	internalIDStr, err := h.service.ResolveInternalUserID(r.Context(), subject)
	if err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=user_resolution_failed subject=%s err=%v", endpoint, subject, err)
		h.writeError(w, http.StatusUnauthorized, "User not found")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(internalIDStr)
	if err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=invalid_user_id internal_user_id=%s", endpoint, internalIDStr)
		h.writeError(w, http.StatusUnauthorized, "Invalid user ID format")
		return uuid.Nil, false
	}
	return userID, true
}

// idempotencyKey pulls the Idempotency-Key header from a mutating request.
func idempotencyKey(r *http.Request) string {
	return r.Header.Get("Idempotency-Key")
}

// decodeJSON decodes the request body into dst and writes a 400 on failure.
func (h *LedgerHandlers) decodeJSON(w http.ResponseWriter, r *http.Request, endpoint string, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=invalid_json err=%v", endpoint, err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return false
	}
	return true
}

// pathUUID parses a chi URL parameter as a UUID and writes a 400 on failure.
func (h *LedgerHandlers) pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s", param))
		return uuid.Nil, false
	}
	return id, true
}

// writeServiceError maps service and store errors onto HTTP responses. Every
// handler funnels its unhandled errors through here so the status mapping
// stays in one place.
func (h *LedgerHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	var rateErr *app.RateLimitError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
		h.writeError(w, http.StatusTooManyRequests, "Too many requests. Please slow down.")
		return
	}

	var apiErr *railclient.APIError
	if errors.As(err, &apiErr) && apiErr.IsExplicitRejection() {
		h.writeError(w, http.StatusBadGateway, fmt.Sprintf("Transfer was rejected by the settlement provider: %s", apiErr.Error()))
		return
	}

	switch {
	case errors.Is(err, app.ErrSettlementProcessing):
		h.writeJSON(w, http.StatusAccepted, map[string]string{
			"status":  "pending",
			"message": "Transfer is processing. Final status will be confirmed shortly.",
		})
	case errors.Is(err, app.ErrInvalidTransferAmount),
		errors.Is(err, app.ErrSelfTransferToSelf),
		errors.Is(err, app.ErrIdempotencyKeyRequired),
		errors.Is(err, app.ErrTransactionPINRequired),
		errors.Is(err, app.ErrBatchEmpty),
		errors.Is(err, app.ErrBatchSizeExceeded),
		errors.Is(err, app.ErrMoneyDropInvalidSplit),
		errors.Is(err, app.ErrMoneyDropInvalidExpiry),
		errors.Is(err, app.ErrMoneyDropTitleRequired),
		errors.Is(err, app.ErrMoneyDropPasswordNeeded),
		errors.Is(err, app.ErrPaymentRequestValidation),
		errors.Is(err, app.ErrPayOwnPaymentRequest),
		errors.Is(err, app.ErrCannotClaimOwnDrop):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrTransactionPINMismatch),
		errors.Is(err, app.ErrMoneyDropPasswordInvalid):
		h.writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, store.ErrPinNotSet):
		h.writeError(w, http.StatusPreconditionFailed, "Transaction PIN is not set. Please create your PIN first.")
	case errors.Is(err, app.ErrTransactionPINLocked),
		errors.Is(err, app.ErrMoneyDropPasswordLocked):
		h.writeError(w, http.StatusLocked, err.Error())
	case errors.Is(err, store.ErrInsufficientFunds):
		h.writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, store.ErrAccountFrozen),
		errors.Is(err, app.ErrSenderNotAllowedToSend),
		errors.Is(err, app.ErrNotRequestRecipient),
		errors.Is(err, app.ErrNotDropCreator),
		errors.Is(err, store.ErrNotMoneyDropCreator):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, store.ErrAccountNotFound),
		errors.Is(err, store.ErrBeneficiaryNotFound),
		errors.Is(err, store.ErrTransactionNotFound),
		errors.Is(err, store.ErrMoneyDropNotFound),
		errors.Is(err, store.ErrPaymentRequestNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrIdempotencyConflict),
		errors.Is(err, store.ErrIdempotencyInProgress),
		errors.Is(err, store.ErrMoneyDropAlreadyClaimed),
		errors.Is(err, store.ErrPaymentRequestNotReady):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrMoneyDropFull),
		errors.Is(err, store.ErrMoneyDropExpired),
		errors.Is(err, store.ErrMoneyDropNotActive):
		h.writeError(w, http.StatusGone, err.Error())
	default:
		log.Printf("level=error component=api endpoint=%s outcome=error err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// P2PTransferHandler handles requests for peer-to-peer transfers.
func (h *LedgerHandlers) P2PTransferHandler(w http.ResponseWriter, r *http.Request) {
	senderID, ok := h.authenticate(w, r, "p2p_transfer")
	if !ok {
		return
	}

	var req domain.P2PTransferRequest
	if !h.decodeJSON(w, r, "p2p_transfer", &req) {
		return
	}

	log.Printf("level=info component=api endpoint=p2p_transfer outcome=accepted sender_id=%s recipient=%s amount=%d", senderID, req.RecipientHandle, req.Amount)

	body, err := h.service.ProcessP2PTransfer(r.Context(), senderID, idempotencyKey(r), req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=p2p_transfer outcome=failed sender_id=%s err=%v", senderID, err)
		h.writeServiceError(w, "p2p_transfer", err)
		return
	}

	h.writeRawJSON(w, http.StatusCreated, body)
}

// SelfTransferHandler handles requests to move funds to an external beneficiary.
func (h *LedgerHandlers) SelfTransferHandler(w http.ResponseWriter, r *http.Request) {
	senderID, ok := h.authenticate(w, r, "self_transfer")
	if !ok {
		return
	}

	var req domain.SelfTransferRequest
	if !h.decodeJSON(w, r, "self_transfer", &req) {
		return
	}

	log.Printf("level=info component=api endpoint=self_transfer outcome=accepted sender_id=%s beneficiary_id=%s amount=%d", senderID, req.BeneficiaryID, req.Amount)

	body, err := h.service.ProcessSelfTransfer(r.Context(), senderID, idempotencyKey(r), req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=self_transfer outcome=failed sender_id=%s err=%v", senderID, err)
		h.writeServiceError(w, "self_transfer", err)
		return
	}

	h.writeRawJSON(w, http.StatusCreated, body)
}

// BatchTransferHandler handles requests for multi-recipient transfers.
func (h *LedgerHandlers) BatchTransferHandler(w http.ResponseWriter, r *http.Request) {
	senderID, ok := h.authenticate(w, r, "batch_transfer")
	if !ok {
		return
	}

	var req domain.BatchTransferRequest
	if !h.decodeJSON(w, r, "batch_transfer", &req) {
		return
	}

	log.Printf("level=info component=api endpoint=batch_transfer outcome=accepted sender_id=%s transfer_count=%d", senderID, len(req.Transfers))

	body, err := h.service.ProcessBatchTransfer(r.Context(), senderID, idempotencyKey(r), req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=batch_transfer outcome=failed sender_id=%s err=%v", senderID, err)
		h.writeServiceError(w, "batch_transfer", err)
		return
	}

	// A batch with failed items is still a processed batch; the per-item
	// outcomes are inside the body.
	h.writeRawJSON(w, http.StatusCreated, body)
}

// FeeScheduleHandler returns the current fee schedule in minor units so
// clients can show fees before the user confirms a transfer.
func (h *LedgerHandlers) FeeScheduleHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.service.FeeSchedule())
}

// GetAccountBalanceHandler returns the caller's ledger and rail balances.
func (h *LedgerHandlers) GetAccountBalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r, "get_balance")
	if !ok {
		return
	}

	balance, err := h.service.GetAccountBalance(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "get_balance", err)
		return
	}
	h.writeJSON(w, http.StatusOK, balance)
}

// writeJSON is a helper for writing JSON responses with the correct headers.
func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeRawJSON writes pre-marshaled JSON bytes, used for idempotent operations
// whose responses are cached and replayed verbatim.
func (h *LedgerHandlers) writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// writeError is a helper for writing JSON error responses.
func (h *LedgerHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
