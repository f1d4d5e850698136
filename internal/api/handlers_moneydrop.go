/**
 * @description
 * This file contains HTTP handlers for money drop endpoints: creating a drop,
 * claiming from it, ending it early, fetching shareable details, and revealing
 * a locked drop's password to its creator.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/domain: Request and response models.
 */

package api

import (
	"log"
	"net/http"

	"github.com/midana/ledger-service/internal/domain"
)

// CreateMoneyDropHandler handles requests to create a new money drop.
func (h *LedgerHandlers) CreateMoneyDropHandler(w http.ResponseWriter, r *http.Request) {
	creatorID, ok := h.authenticate(w, r, "create_money_drop")
	if !ok {
		return
	}

	var req domain.CreateMoneyDropRequest
	if !h.decodeJSON(w, r, "create_money_drop", &req) {
		return
	}

	body, err := h.service.CreateMoneyDrop(r.Context(), creatorID, idempotencyKey(r), req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=create_money_drop outcome=failed user_id=%s err=%v", creatorID, err)
		h.writeServiceError(w, "create_money_drop", err)
		return
	}

	h.writeRawJSON(w, http.StatusCreated, body)
}

// ClaimMoneyDropHandler handles a claimant's attempt to take one slot of a drop.
func (h *LedgerHandlers) ClaimMoneyDropHandler(w http.ResponseWriter, r *http.Request) {
	claimantID, ok := h.authenticate(w, r, "claim_money_drop")
	if !ok {
		return
	}
	dropID, ok := h.pathUUID(w, r, "dropID")
	if !ok {
		return
	}

	// The password is optional, so an empty body is acceptable.
	var req domain.ClaimMoneyDropRequest
	if r.ContentLength > 0 {
		if !h.decodeJSON(w, r, "claim_money_drop", &req) {
			return
		}
	}

	body, err := h.service.ClaimMoneyDrop(r.Context(), claimantID, dropID, idempotencyKey(r), req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=claim_money_drop outcome=failed user_id=%s drop_id=%s err=%v", claimantID, dropID, err)
		h.writeServiceError(w, "claim_money_drop", err)
		return
	}

	h.writeRawJSON(w, http.StatusOK, body)
}

// EndMoneyDropHandler lets the creator end an active drop and reclaim the
// unclaimed remainder.
func (h *LedgerHandlers) EndMoneyDropHandler(w http.ResponseWriter, r *http.Request) {
	creatorID, ok := h.authenticate(w, r, "end_money_drop")
	if !ok {
		return
	}
	dropID, ok := h.pathUUID(w, r, "dropID")
	if !ok {
		return
	}

	resp, err := h.service.EndMoneyDrop(r.Context(), creatorID, dropID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=end_money_drop outcome=failed user_id=%s drop_id=%s err=%v", creatorID, dropID, err)
		h.writeServiceError(w, "end_money_drop", err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetMoneyDropDetailsHandler returns the shareable view of a drop.
func (h *LedgerHandlers) GetMoneyDropDetailsHandler(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := h.authenticate(w, r, "money_drop_details")
	if !ok {
		return
	}
	dropID, ok := h.pathUUID(w, r, "dropID")
	if !ok {
		return
	}

	details, err := h.service.GetMoneyDropDetails(r.Context(), requesterID, dropID)
	if err != nil {
		h.writeServiceError(w, "money_drop_details", err)
		return
	}

	h.writeJSON(w, http.StatusOK, details)
}

// RevealMoneyDropPasswordHandler returns a locked drop's password to its creator.
func (h *LedgerHandlers) RevealMoneyDropPasswordHandler(w http.ResponseWriter, r *http.Request) {
	creatorID, ok := h.authenticate(w, r, "reveal_money_drop_password")
	if !ok {
		return
	}
	dropID, ok := h.pathUUID(w, r, "dropID")
	if !ok {
		return
	}

	password, err := h.service.RevealMoneyDropPassword(r.Context(), creatorID, dropID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=reveal_money_drop_password outcome=failed user_id=%s drop_id=%s err=%v", creatorID, dropID, err)
		h.writeServiceError(w, "reveal_money_drop_password", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"password": password})
}

// ProcessExpiredDropsHandler is the internal trigger for the expiry refund
// sweep. It exists alongside the cron schedule so operators can force a run.
func (h *LedgerHandlers) ProcessExpiredDropsHandler(w http.ResponseWriter, r *http.Request) {
	processed, err := h.service.ProcessExpiredMoneyDrops(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=process_expired_drops outcome=error err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to process expired drops")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int{"processed": processed})
}
