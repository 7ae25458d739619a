package n8n

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestListPaginatesWithCursor(t *testing.T) {
	var apiKeys []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKeys = append(apiKeys, r.Header.Get("X-N8N-API-KEY"))
		if r.URL.Path != "/api/v1/workflows" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		cursor := r.URL.Query().Get("cursor")
		w.Header().Set("Content-Type", "application/json")
		switch cursor {
		case "":
			next := "page2"
			_ = json.NewEncoder(w).Encode(listResponse{
				Data:       []apiWorkflow{{ID: "wf_1", Name: "First", Active: true, UpdatedAt: "t1"}},
				NextCursor: &next,
			})
		case "page2":
			_ = json.NewEncoder(w).Encode(listResponse{
				Data: []apiWorkflow{{ID: "wf_2", Name: "Second", Tags: []apiTag{{ID: "t", Name: "prod"}}}},
			})
		default:
			t.Fatalf("unexpected cursor %q", cursor)
		}
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "test-key", server.Client())
	summaries, err := client.List(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}
	if summaries[0].ID != "wf_1" || !summaries[0].Active {
		t.Fatalf("unexpected first summary: %+v", summaries[0])
	}
	if len(summaries[1].Tags) != 1 || summaries[1].Tags[0] != "prod" {
		t.Fatalf("expected tag names flattened, got %v", summaries[1].Tags)
	}
	for _, key := range apiKeys {
		if key != "test-key" {
			t.Fatalf("expected api key header on every request, got %q", key)
		}
	}
}

func TestGetReturnsNilNilOnNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found","message":"workflow not found"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "k", server.Client())
	got, err := client.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("expected nil error for missing workflow, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil workflow, got %+v", got)
	}
}

func TestUpdateNotFoundMatchesSentinel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found","message":"gone"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "k", server.Client())
	_, err := client.Update(context.Background(), "wf_1", map[string]any{"name": "x"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound match, got %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected typed 404 error, got %v", err)
	}
}

func TestDoJSONRetriesServerErrors(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"wf_1","name":"Recovered","nodes":[],"connections":{}}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "k", server.Client())
	client.baseDelay = 0
	got, err := client.Get(context.Background(), "wf_1")
	if err != nil {
		t.Fatalf("expected retries to succeed, got %v", err)
	}
	if got == nil || got.Name != "Recovered" {
		t.Fatalf("unexpected workflow: %+v", got)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoJSONDoesNotRetryClientErrors(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"bad_request","message":"invalid payload"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "k", server.Client())
	_, err := client.Create(context.Background(), map[string]any{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected no retry on 400, got %d attempts", attempts)
	}
}

func TestRetryDelayHonorsRetryAfterCappedAtMax(t *testing.T) {
	client := NewHTTPClient("", "k", nil)
	if got := client.retryDelay(1, "1"); got.Seconds() != 1 {
		t.Fatalf("expected 1s from Retry-After, got %s", got)
	}
	if got := client.retryDelay(1, "3600"); got != client.maxDelay {
		t.Fatalf("expected cap at max delay, got %s", got)
	}
	if got := client.retryDelay(10, ""); got != client.maxDelay {
		t.Fatalf("expected backoff cap at max delay, got %s", got)
	}
}
