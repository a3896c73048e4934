package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dipu67/socialApp-sub000/wire"
)

func TestAPIRejectionCarriesStatusAndMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"error": "Not a participant"})
	}))
	defer srv.Close()

	api := NewAPI(srv.URL, "tok")
	_, err := api.History(context.Background(), "chat-1", 50)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusForbidden || apiErr.Message != "Not a participant" {
		t.Fatalf("APIError = %+v", apiErr)
	}
}

func TestAPITimeoutIsDistinctFromRejection(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	api := NewAPI(srv.URL, "tok")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := api.MarkRead(ctx, "chat-1")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		t.Fatalf("timeout classified as a server rejection")
	}
}

func TestAPISendsTokenAndBody(t *testing.T) {
	var gotAuth string
	var gotReq wire.SendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(wire.Message{ID: "srv-1", Content: gotReq.Content})
	}))
	defer srv.Close()

	api := NewAPI(srv.URL, "tok")
	msg, err := api.SendMessage(context.Background(), "chat-1", wire.SendMessageRequest{Content: "hello"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotReq.Content != "hello" || msg.ID != "srv-1" {
		t.Errorf("round trip: sent %+v, got %+v", gotReq, msg)
	}
}
