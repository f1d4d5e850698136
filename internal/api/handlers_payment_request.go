/**
 * @description
 * This file contains HTTP handlers for payment request endpoints: creating,
 * listing, fetching, paying, declining, and deleting requests.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/domain: Request and response models.
 */

package api

import (
	"log"
	"net/http"
	"strconv"

	"github.com/midana/ledger-service/internal/domain"
)

// CreatePaymentRequestHandler handles creation of general and individual requests.
func (h *LedgerHandlers) CreatePaymentRequestHandler(w http.ResponseWriter, r *http.Request) {
	creatorID, ok := h.authenticate(w, r, "create_payment_request")
	if !ok {
		return
	}

	var payload domain.CreatePaymentRequestPayload
	if !h.decodeJSON(w, r, "create_payment_request", &payload) {
		return
	}

	request, err := h.service.CreatePaymentRequest(r.Context(), creatorID, payload)
	if err != nil {
		log.Printf("level=warn component=api endpoint=create_payment_request outcome=failed user_id=%s err=%v", creatorID, err)
		h.writeServiceError(w, "create_payment_request", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, request)
}

// ListPaymentRequestsHandler returns the caller's own payment requests.
func (h *LedgerHandlers) ListPaymentRequestsHandler(w http.ResponseWriter, r *http.Request) {
	creatorID, ok := h.authenticate(w, r, "list_payment_requests")
	if !ok {
		return
	}

	opts := domain.PaymentRequestListOptions{
		Limit:  queryInt(r, "limit", 20),
		Offset: queryInt(r, "offset", 0),
		Status: r.URL.Query().Get("status"),
		Type:   r.URL.Query().Get("type"),
	}

	requests, err := h.service.ListPaymentRequests(r.Context(), creatorID, opts)
	if err != nil {
		h.writeServiceError(w, "list_payment_requests", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
}

// GetPaymentRequestHandler returns one payment request if the caller may see it.
func (h *LedgerHandlers) GetPaymentRequestHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r, "get_payment_request")
	if !ok {
		return
	}
	requestID, ok := h.pathUUID(w, r, "requestID")
	if !ok {
		return
	}

	request, err := h.service.GetPaymentRequest(r.Context(), userID, requestID)
	if err != nil {
		h.writeServiceError(w, "get_payment_request", err)
		return
	}

	h.writeJSON(w, http.StatusOK, request)
}

// PayPaymentRequestHandler settles a payment request from the payer's balance.
func (h *LedgerHandlers) PayPaymentRequestHandler(w http.ResponseWriter, r *http.Request) {
	payerID, ok := h.authenticate(w, r, "pay_payment_request")
	if !ok {
		return
	}
	requestID, ok := h.pathUUID(w, r, "requestID")
	if !ok {
		return
	}

	var payload domain.PayPaymentRequestPayload
	if !h.decodeJSON(w, r, "pay_payment_request", &payload) {
		return
	}

	body, err := h.service.PayPaymentRequest(r.Context(), payerID, requestID, idempotencyKey(r), payload)
	if err != nil {
		log.Printf("level=warn component=api endpoint=pay_payment_request outcome=failed user_id=%s request_id=%s err=%v", payerID, requestID, err)
		h.writeServiceError(w, "pay_payment_request", err)
		return
	}

	h.writeRawJSON(w, http.StatusOK, body)
}

// DeclinePaymentRequestHandler lets the addressed recipient decline a request.
func (h *LedgerHandlers) DeclinePaymentRequestHandler(w http.ResponseWriter, r *http.Request) {
	recipientID, ok := h.authenticate(w, r, "decline_payment_request")
	if !ok {
		return
	}
	requestID, ok := h.pathUUID(w, r, "requestID")
	if !ok {
		return
	}

	var payload domain.DeclinePaymentRequestPayload
	if r.ContentLength > 0 {
		if !h.decodeJSON(w, r, "decline_payment_request", &payload) {
			return
		}
	}

	request, err := h.service.DeclinePaymentRequest(r.Context(), recipientID, requestID, payload)
	if err != nil {
		log.Printf("level=warn component=api endpoint=decline_payment_request outcome=failed user_id=%s request_id=%s err=%v", recipientID, requestID, err)
		h.writeServiceError(w, "decline_payment_request", err)
		return
	}

	h.writeJSON(w, http.StatusOK, request)
}

// DeletePaymentRequestHandler soft-deletes a request owned by the caller.
func (h *LedgerHandlers) DeletePaymentRequestHandler(w http.ResponseWriter, r *http.Request) {
	creatorID, ok := h.authenticate(w, r, "delete_payment_request")
	if !ok {
		return
	}
	requestID, ok := h.pathUUID(w, r, "requestID")
	if !ok {
		return
	}

	if err := h.service.DeletePaymentRequest(r.Context(), creatorID, requestID); err != nil {
		h.writeServiceError(w, "delete_payment_request", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// queryInt parses an integer query parameter, falling back to a default.
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
