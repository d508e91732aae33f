package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestPollDecodesEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version": 41, "from": "0xaaa", "to": "0xbbb", "amount": "125.5"}`))
	}))
	defer server.Close()

	client := New(server.URL, 2*time.Second, zap.NewNop())
	ev, err := client.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if ev == nil {
		t.Fatal("expected event")
	}
	if ev.Version != "41" {
		t.Fatalf("version: got %s want 41", ev.Version)
	}
	if !ev.Amount.Equal(decimal.RequireFromString("125.5")) {
		t.Fatalf("amount: got %s", ev.Amount)
	}
}

func TestPollNoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := New(server.URL, 2*time.Second, zap.NewNop())
	ev, err := client.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected no event, got %+v", ev)
	}
}

func TestPollServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "scrape failed", http.StatusBadGateway)
	}))
	defer server.Close()

	client := New(server.URL, 2*time.Second, zap.NewNop())
	if _, err := client.Poll(context.Background()); err == nil {
		t.Fatal("expected error on http 502")
	}
}

func TestPollUnreachable(t *testing.T) {
	client := New("http://127.0.0.1:1", 200*time.Millisecond, zap.NewNop())
	if _, err := client.Poll(context.Background()); err == nil {
		t.Fatal("expected error for unreachable feed")
	}
}
