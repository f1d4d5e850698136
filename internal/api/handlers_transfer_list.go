/**
 * @description
 * This file contains HTTP handlers for reading the caller's transaction
 * history and individual transaction details.
 *
 * @dependencies
 * - net/http: Standard Go library.
 * - internal/domain: Transaction model.
 */

package api

import (
	"net/http"
)

// ListTransactionsHandler returns the caller's transaction history, newest first.
func (h *LedgerHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r, "list_transactions")
	if !ok {
		return
	}

	limit := queryInt(r, "limit", 20)
	if limit > 100 {
		limit = 100
	}
	offset := queryInt(r, "offset", 0)

	transactions, err := h.service.GetTransactionHistory(r.Context(), userID, limit, offset)
	if err != nil {
		h.writeServiceError(w, "list_transactions", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"transactions": transactions,
		"limit":        limit,
		"offset":       offset,
	})
}

// GetTransactionHandler returns one transaction the caller participated in.
func (h *LedgerHandlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r, "get_transaction")
	if !ok {
		return
	}
	transactionID, ok := h.pathUUID(w, r, "transactionID")
	if !ok {
		return
	}

	tx, err := h.service.GetTransaction(r.Context(), userID, transactionID)
	if err != nil {
		h.writeServiceError(w, "get_transaction", err)
		return
	}

	h.writeJSON(w, http.StatusOK, tx)
}
