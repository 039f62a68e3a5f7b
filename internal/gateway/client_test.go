package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCreateRecurrence_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/payments/parent-1/recurrences" {
			t.Fatalf("path = %s, want /api/payments/parent-1/recurrences", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Fatalf("authorization = %q", got)
		}

		var req recurrenceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Amount != 30000 || req.Reference != "c1-2024-04" {
			t.Fatalf("unexpected request: %+v", req)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Payment{Ref: "rec-1", Status: StatusPaid})
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "key", time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := client.CreateRecurrence(ctx, "parent-1", 30000, "c1-2024-04", "storage rent")
	if err != nil {
		t.Fatalf("CreateRecurrence error: %v", err)
	}
	if res.Ref != "rec-1" {
		t.Fatalf("ref = %q, want rec-1", res.Ref)
	}
}

func TestCreateRecurrence_Declined(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Payment{Ref: "rec-2", Status: StatusCanceled})
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL, "", time.Second).CreateRecurrence(context.Background(), "parent-1", 100, "ref", "desc")
	if err == nil {
		t.Fatalf("expected error for declined recurrence")
	}
}

func TestGetStatus_TooManyRequests(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL, "", time.Second).GetStatus(context.Background(), "p1")

	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rl.RetryAfter < 5*time.Second {
		t.Fatalf("retryAfter = %v, want at least 5s", rl.RetryAfter)
	}
}

func TestGetStatus_UnknownStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"p1","status":"refunded"}`))
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL, "", time.Second).GetStatus(context.Background(), "p1")
	if err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestVoidRecurrence_NoContent(t *testing.T) {
	called := false
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if r.Method != http.MethodDelete {
			t.Fatalf("method = %s, want DELETE", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	if err := NewClient(ts.URL, "", time.Second).VoidRecurrence(context.Background(), "parent-1"); err != nil {
		t.Fatalf("VoidRecurrence error: %v", err)
	}
	if !called {
		t.Fatalf("gateway was not called")
	}
}

func TestClient_NotConfigured(t *testing.T) {
	var c *Client
	if _, err := c.GetStatus(context.Background(), "p1"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
