package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGmailSendEmail_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/email/send" {
			t.Errorf("path = %s, want /email/send", r.URL.Path)
		}
		var email Email
		if err := json.NewDecoder(r.Body).Decode(&email); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if email.To != "ada@example.com" || email.Subject != "Intro" {
			t.Errorf("unexpected email: %+v", email)
		}
		json.NewEncoder(w).Encode(bridgeResponse{Success: true, MessageID: "em-7"})
	}))
	defer srv.Close()

	c := NewGmailClient(srv.URL)
	receipt, err := c.SendEmail(context.Background(), Email{To: "ada@example.com", Subject: "Intro", Body: "hello"})
	if err != nil {
		t.Fatalf("SendEmail: %v", err)
	}
	if receipt.MessageID != "em-7" {
		t.Errorf("message id = %q, want em-7", receipt.MessageID)
	}
}

func TestGmailSendEmail_UnreachableIsConnectError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewGmailClient(srv.URL)
	_, err := c.SendEmail(context.Background(), Email{To: "ada@example.com"})
	if !IsConnectError(err) {
		t.Fatalf("expected ConnectError, got %v", err)
	}
}

func TestGmailSendEmail_RejectionIsSendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewGmailClient(srv.URL)
	_, err := c.SendEmail(context.Background(), Email{To: "ada@example.com"})
	var se *SendError
	if !errors.As(err, &se) {
		t.Fatalf("expected SendError, got %v", err)
	}
	if se.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", se.Status)
	}
}

func TestGmailCreateEvent_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calendar/events" {
			t.Errorf("path = %s, want /calendar/events", r.URL.Path)
		}
		json.NewEncoder(w).Encode(bridgeResponse{Success: true, EventID: "ev-3"})
	}))
	defer srv.Close()

	c := NewGmailClient(srv.URL)
	start := time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC)
	receipt, err := c.CreateEvent(context.Background(), Event{
		Summary:   "Coffee with Ada",
		Start:     start,
		End:       start.Add(30 * time.Minute),
		Attendees: []string{"ada@example.com"},
	})
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if receipt.MessageID != "ev-3" {
		t.Errorf("event id = %q, want ev-3", receipt.MessageID)
	}
}

func TestGmailBusyTimes(t *testing.T) {
	busy := []Interval{
		{Start: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC), End: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calendar/busy" {
			t.Errorf("path = %s, want /calendar/busy", r.URL.Path)
		}
		if r.URL.Query().Get("start") == "" || r.URL.Query().Get("end") == "" {
			t.Error("missing start/end query parameters")
		}
		json.NewEncoder(w).Encode(busyResponse{Busy: busy})
	}))
	defer srv.Close()

	c := NewGmailClient(srv.URL)
	got, err := c.BusyTimes(context.Background(),
		time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("BusyTimes: %v", err)
	}
	if len(got) != 1 || !got[0].Start.Equal(busy[0].Start) {
		t.Errorf("busy = %+v", got)
	}
}

func TestGmailBusyTimes_EmptyBodyYieldsEmptySlice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(busyResponse{})
	}))
	defer srv.Close()

	c := NewGmailClient(srv.URL)
	got, err := c.BusyTimes(context.Background(), time.Now(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("BusyTimes: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("want empty non-nil slice, got %v", got)
	}
}
