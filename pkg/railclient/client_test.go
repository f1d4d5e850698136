package railclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, "test-key")
}

func TestInitiateBookTransfer_Confirmed(t *testing.T) {
	var gotKey, gotAuth string
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("x-rail-key")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":{"id":"tr_1","type":"BookTransfer","attributes":{"status":"COMPLETED","fee":0}}}`)
	})

	resp, err := client.InitiateBookTransfer(context.Background(), "acct_a", "acct_b", "test", "key-1", 1000)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !resp.Completed() {
		t.Fatalf("expected a completed transfer, got status %q", resp.Data.Attributes.Status)
	}
	if gotKey != "key-1" {
		t.Fatalf("expected the idempotency key header, got %q", gotKey)
	}
	if gotAuth != "test-key" {
		t.Fatalf("expected the api key header, got %q", gotAuth)
	}
}

func TestInitiateBookTransfer_ParsedRejection(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"errors":[{"title":"Invalid","detail":"account closed","code":"invalid_account"}]}`)
	})

	_, err := client.InitiateBookTransfer(context.Background(), "acct_a", "acct_b", "test", "key-1", 1000)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected an APIError, got %v", err)
	}
	if !apiErr.IsExplicitRejection() {
		t.Fatal("a parsed 4xx is an explicit rejection")
	}
	if errors.Is(err, ErrAmbiguousOutcome) {
		t.Fatal("an explicit rejection must not be classified as ambiguous")
	}
	if apiErr.Errors[0].Detail != "account closed" {
		t.Fatalf("expected the parsed detail, got %q", apiErr.Errors[0].Detail)
	}
}

func TestInitiateBookTransfer_ServerErrorIsAmbiguous(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.InitiateBookTransfer(context.Background(), "acct_a", "acct_b", "test", "key-1", 1000)
	if !errors.Is(err, ErrAmbiguousOutcome) {
		t.Fatalf("a 5xx must be ambiguous, got %v", err)
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		t.Fatal("a 5xx must never surface as an explicit rejection")
	}
}

func TestInitiateBookTransfer_UnparsableRejectionIsAmbiguous(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "<html>gateway error</html>")
	})

	_, err := client.InitiateBookTransfer(context.Background(), "acct_a", "acct_b", "test", "key-1", 1000)
	if !errors.Is(err, ErrAmbiguousOutcome) {
		t.Fatalf("an unparsable 4xx body must be ambiguous, got %v", err)
	}
}

func TestInitiateBookTransfer_ConnectionFailureIsAmbiguous(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := NewClient(server.URL, "test-key")
	server.Close()

	_, err := client.InitiateBookTransfer(context.Background(), "acct_a", "acct_b", "test", "key-1", 1000)
	if !errors.Is(err, ErrAmbiguousOutcome) {
		t.Fatalf("a connection failure must be ambiguous, got %v", err)
	}
}

func TestGetTransferByIdempotencyKey_Found(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/transfers/by-key/key-1" {
			t.Errorf("unexpected lookup path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":{"id":"tr_1","attributes":{"status":"FAILED"}}}`)
	})

	resp, err := client.GetTransferByIdempotencyKey(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !resp.Failed() {
		t.Fatalf("expected a failed transfer, got status %q", resp.Data.Attributes.Status)
	}
}

func TestGetTransferByIdempotencyKey_NotFoundIsDefinitive(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.GetTransferByIdempotencyKey(context.Background(), "key-1")
	if !errors.Is(err, ErrTransferNotFound) {
		t.Fatalf("expected ErrTransferNotFound, got %v", err)
	}
	if errors.Is(err, ErrAmbiguousOutcome) {
		t.Fatal("a 404 lookup is definitive, not ambiguous")
	}
}

func TestGetTransferByIdempotencyKey_ServerErrorIsAmbiguous(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.GetTransferByIdempotencyKey(context.Background(), "key-1")
	if !errors.Is(err, ErrAmbiguousOutcome) {
		t.Fatalf("a lookup 5xx must be ambiguous, got %v", err)
	}
}

func TestGetAccountBalance(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/accounts/balance/acct_1" {
			t.Errorf("unexpected balance path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":{"availableBalance":250000}}`)
	})

	balance, err := client.GetAccountBalance(context.Background(), "acct_1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if balance != 250000 {
		t.Fatalf("expected 250000, got %d", balance)
	}
}

func TestTransferResponse_StatusClassification(t *testing.T) {
	cases := []struct {
		status    string
		completed bool
		failed    bool
	}{
		{"COMPLETED", true, false},
		{"successful", true, false},
		{"FAILED", false, true},
		{"failed", false, true},
		{"PENDING", false, false},
	}
	for _, tc := range cases {
		resp := &TransferResponse{}
		resp.Data.Attributes.Status = tc.status
		if resp.Completed() != tc.completed || resp.Failed() != tc.failed {
			t.Fatalf("status %q classified as completed=%t failed=%t", tc.status, resp.Completed(), resp.Failed())
		}
	}
}
