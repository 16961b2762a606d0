package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
)

func TestCreateAssignsAuthoritativeID(t *testing.T) {
	server := NewMockServer()
	defer server.Close()

	client := New(server.URL, "test-token")

	rec, err := client.Create(context.Background(), "transactions", json.RawMessage(`{"amount":"500","description":"rent"}`), "key-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if rec.ID <= 0 {
		t.Errorf("ID = %d, want a positive authoritative id", rec.ID)
	}

	var fields map[string]any
	if err := json.Unmarshal(rec.Payload, &fields); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if fields["description"] != "rent" {
		t.Errorf("payload lost fields: %v", fields)
	}
}

func TestCreateIdempotencyReplay(t *testing.T) {
	server := NewMockServer()
	defer server.Close()

	client := New(server.URL, "")

	first, err := client.Create(context.Background(), "invoices", json.RawMessage(`{"total":"10"}`), "same-key")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	second, err := client.Create(context.Background(), "invoices", json.RawMessage(`{"total":"10"}`), "same-key")
	if err != nil {
		t.Fatalf("replayed Create failed: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("replayed create got a new record: %d then %d", first.ID, second.ID)
	}
	if got := server.Records("invoices"); len(got) != 1 {
		t.Errorf("server has %d invoices, want 1", len(got))
	}
}

func TestListAndUpdateAndDelete(t *testing.T) {
	server := NewMockServer()
	defer server.Close()

	client := New(server.URL, "")
	id := server.Seed("transactions", map[string]any{"description": "coffee"})

	records, err := client.List(context.Background(), "transactions")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != id {
		t.Fatalf("List = %+v, want seeded record %d", records, id)
	}

	updated, err := client.Update(context.Background(), "transactions", id, json.RawMessage(`{"description":"espresso"}`), "")
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	var fields map[string]any
	json.Unmarshal(updated.Payload, &fields)
	if fields["description"] != "espresso" {
		t.Errorf("update not applied: %v", fields)
	}

	if err := client.Delete(context.Background(), "transactions", id, ""); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	records, err = client.List(context.Background(), "transactions")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("record still listed after delete: %+v", records)
	}
}

func TestDeleteAbsentIsSuccess(t *testing.T) {
	server := NewMockServer()
	defer server.Close()

	client := New(server.URL, "")
	if err := client.Delete(context.Background(), "transactions", 12345, ""); err != nil {
		t.Errorf("Delete of absent record = %v, want nil", err)
	}
}

func TestNon2xxIsRemoteError(t *testing.T) {
	server := NewMockServer()
	defer server.Close()

	server.Reject = func(method, collection string, body []byte) bool { return true }

	client := New(server.URL, "")
	_, err := client.Create(context.Background(), "invoices", json.RawMessage(`{}`), "k")
	if err == nil {
		t.Fatal("Create against rejecting server succeeded")
	}

	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("error is not a RemoteError: %v", err)
	}
	if remoteErr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("StatusCode = %d, want 422", remoteErr.StatusCode)
	}
}

func TestUnreachableServerIsError(t *testing.T) {
	server := NewMockServer()
	url := server.URL
	server.Close()

	client := New(url, "")
	if _, err := client.List(context.Background(), "transactions"); err == nil {
		t.Error("List against closed server succeeded")
	}
	if _, err := client.Create(context.Background(), "transactions", json.RawMessage(`{}`), "k"); err == nil {
		t.Error("Create against closed server succeeded")
	}
}

func TestRequestsCarryIdempotencyKey(t *testing.T) {
	server := NewMockServer()
	defer server.Close()

	client := New(server.URL, "")
	if _, err := client.Create(context.Background(), "messages", json.RawMessage(`{"body":"hi"}`), "key-42"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	requests := server.Requests()
	if len(requests) != 1 {
		t.Fatalf("got %d requests, want 1", len(requests))
	}
	if requests[0].IdempotencyKey != "key-42" {
		t.Errorf("IdempotencyKey = %q, want key-42", requests[0].IdempotencyKey)
	}
}
