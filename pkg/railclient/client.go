/**
 * @description
 * This package provides a client for the settlement rail's HTTP API. It
 * encapsulates authenticated request construction, response parsing, and the
 * outcome classification the ledger depends on: every call ends confirmed,
 * explicitly rejected, or ambiguous, and the three are never conflated.
 *
 * @notes
 * - An explicit rejection is a parsed 4xx response from the rail: the rail
 *   received the request and refused it, so no transfer exists.
 * - An ambiguous outcome (timeout, connection failure, 5xx) means the transfer
 *   may or may not exist. Callers must NOT treat it as a failure; they leave
 *   the ledger transaction pending and let reconciliation resolve it via
 *   GetTransferByIdempotencyKey.
 */
package railclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// ErrAmbiguousOutcome wraps any failure where the rail's state is unknown.
var ErrAmbiguousOutcome = errors.New("settlement outcome is ambiguous")

// ErrTransferNotFound is returned by GetTransferByIdempotencyKey when the rail
// definitively reports no transfer under the key.
var ErrTransferNotFound = errors.New("transfer not found on settlement rail")

// Client is a client for the settlement rail API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new settlement rail client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents a parsed error response from the rail API.
type APIError struct {
	StatusCode int
	Errors     []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Code   string `json:"code"`
	} `json:"errors"`
}

func (e *APIError) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("rail api error (status %d): %s - %s", e.StatusCode, e.Errors[0].Title, e.Errors[0].Detail)
	}
	return fmt.Sprintf("rail api error (status %d)", e.StatusCode)
}

// IsExplicitRejection reports whether the rail received and refused the
// request. Only a parsed 4xx qualifies; anything else is ambiguous.
func (e *APIError) IsExplicitRejection() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

type relationshipRef struct {
	Data struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"data"`
}

// TransferRequest is the payload for a rail transfer.
type TransferRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			Currency       string `json:"currency"`
			Amount         int64  `json:"amount"`
			Reason         string `json:"reason"`
			IdempotencyKey string `json:"idempotencyKey"`
		} `json:"attributes"`
		Relationships struct {
			Account            relationshipRef  `json:"account"`
			DestinationAccount *relationshipRef `json:"destinationAccount,omitempty"`
			CounterParty       *relationshipRef `json:"counterParty,omitempty"`
		} `json:"relationships"`
	} `json:"data"`
}

// TransferResponse is the rail's representation of a transfer.
type TransferResponse struct {
	Data struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Attributes struct {
			Status string `json:"status"`
			Fee    int64  `json:"fee"`
		} `json:"attributes"`
	} `json:"data"`
}

// Completed reports whether the rail settled the transfer.
func (t *TransferResponse) Completed() bool {
	return t.Data.Attributes.Status == "COMPLETED" || t.Data.Attributes.Status == "successful"
}

// Failed reports whether the rail definitively failed the transfer.
func (t *TransferResponse) Failed() bool {
	return t.Data.Attributes.Status == "FAILED" || t.Data.Attributes.Status == "failed"
}

// InitiateBookTransfer moves money between two accounts held on the rail. The
// idempotency key makes retries safe: the rail executes at most one transfer
// per key.
func (c *Client) InitiateBookTransfer(ctx context.Context, sourceAccountRef, destAccountRef, reason, idempotencyKey string, amount int64) (*TransferResponse, error) {
	payload := TransferRequest{}
	payload.Data.Type = "BookTransfer"
	payload.Data.Attributes.Currency = "NGN"
	payload.Data.Attributes.Amount = amount
	payload.Data.Attributes.Reason = reason
	payload.Data.Attributes.IdempotencyKey = idempotencyKey
	payload.Data.Relationships.Account.Data.Type = "DepositAccount"
	payload.Data.Relationships.Account.Data.ID = sourceAccountRef
	dest := &relationshipRef{}
	dest.Data.Type = "DepositAccount"
	dest.Data.ID = destAccountRef
	payload.Data.Relationships.DestinationAccount = dest

	return c.doTransfer(ctx, payload, idempotencyKey)
}

// InitiateExternalTransfer sends money to an external bank counterparty.
func (c *Client) InitiateExternalTransfer(ctx context.Context, sourceAccountRef, counterpartyRef, reason, idempotencyKey string, amount int64) (*TransferResponse, error) {
	payload := TransferRequest{}
	payload.Data.Type = "NIPTransfer"
	payload.Data.Attributes.Currency = "NGN"
	payload.Data.Attributes.Amount = amount
	payload.Data.Attributes.Reason = reason
	payload.Data.Attributes.IdempotencyKey = idempotencyKey
	payload.Data.Relationships.Account.Data.Type = "DepositAccount"
	payload.Data.Relationships.Account.Data.ID = sourceAccountRef
	counterparty := &relationshipRef{}
	counterparty.Data.Type = "CounterParty"
	counterparty.Data.ID = counterpartyRef
	payload.Data.Relationships.CounterParty = counterparty

	return c.doTransfer(ctx, payload, idempotencyKey)
}

// doTransfer executes a transfer request and classifies the outcome.
func (c *Client) doTransfer(ctx context.Context, payload interface{}, idempotencyKey string) (*TransferResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/api/v1/transfers", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-rail-key", c.APIKey)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		// The request may have reached the rail before the failure; the
		// transfer's existence is unknown.
		return nil, fmt.Errorf("%w: %v", ErrAmbiguousOutcome, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrAmbiguousOutcome, err)
	}

	if resp.StatusCode >= 500 {
		log.Printf("level=warn component=rail_client op=transfer status=%d msg=\"rail server error, outcome unknown\"", resp.StatusCode)
		return nil, fmt.Errorf("%w: rail returned status %d", ErrAmbiguousOutcome, resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, apiErr); err != nil {
			log.Printf("level=warn component=rail_client op=transfer status=%d msg=\"non-2xx response (unparsable error body)\"", resp.StatusCode)
			return nil, fmt.Errorf("%w: unparsable error body (status %d)", ErrAmbiguousOutcome, resp.StatusCode)
		}
		log.Printf("level=warn component=rail_client op=transfer status=%d title=%q detail=%q", resp.StatusCode, firstErrorTitle(apiErr), firstErrorDetail(apiErr))
		return nil, apiErr
	}

	var successResp TransferResponse
	if err := json.Unmarshal(bodyBytes, &successResp); err != nil {
		return nil, fmt.Errorf("%w: failed to decode success response: %v", ErrAmbiguousOutcome, err)
	}

	return &successResp, nil
}

// GetTransferByIdempotencyKey asks the rail whether a transfer exists under
// the key. Reconciliation uses this to resolve ambiguous outcomes: a found
// transfer reports its terminal status, a 404 proves the transfer was never
// created.
func (c *Client) GetTransferByIdempotencyKey(ctx context.Context, idempotencyKey string) (*TransferResponse, error) {
	url := c.BaseURL + "/api/v1/transfers/by-key/" + idempotencyKey

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create lookup request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-rail-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAmbiguousOutcome, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read lookup response: %v", ErrAmbiguousOutcome, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrTransferNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("level=warn component=rail_client op=lookup status=%d msg=\"lookup failed, outcome still unknown\"", resp.StatusCode)
		return nil, fmt.Errorf("%w: lookup returned status %d", ErrAmbiguousOutcome, resp.StatusCode)
	}

	var transferResp TransferResponse
	if err := json.Unmarshal(bodyBytes, &transferResp); err != nil {
		return nil, fmt.Errorf("%w: failed to decode lookup response: %v", ErrAmbiguousOutcome, err)
	}

	return &transferResp, nil
}

// GetAccountBalance fetches the rail-side balance for an account. Operations
// tooling uses this to spot drift between the internal ledger and the rail.
func (c *Client) GetAccountBalance(ctx context.Context, accountRef string) (int64, error) {
	url := c.BaseURL + "/api/v1/accounts/balance/" + accountRef

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create balance request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-rail-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to execute balance request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, apiErr); err != nil {
			return 0, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		return 0, apiErr
	}

	var balanceResp struct {
		Data struct {
			AvailableBalance int64 `json:"availableBalance"`
		} `json:"data"`
	}
	if err := json.Unmarshal(bodyBytes, &balanceResp); err != nil {
		return 0, fmt.Errorf("failed to decode balance response: %w", err)
	}

	return balanceResp.Data.AvailableBalance, nil
}

func firstErrorTitle(e *APIError) string {
	if len(e.Errors) == 0 {
		return ""
	}
	return e.Errors[0].Title
}

func firstErrorDetail(e *APIError) string {
	if len(e.Errors) == 0 {
		return ""
	}
	return e.Errors[0].Detail
}
