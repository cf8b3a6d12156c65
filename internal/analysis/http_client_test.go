package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/interview-gateway/internal/interview"
	"github.com/lexiqai/interview-gateway/internal/resilience"
)

func TestHTTPClient_Analyze(t *testing.T) {
	var got Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Expected JSON content type, got %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(Response{Analysis: &Payload{
			Situation: "Legacy billing system",
			Task:      "Migrate without downtime",
			Action:    "Dual writes and backfill",
			Result:    "Zero downtime cutover",
		}})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", nil, nil, zerolog.Nop())
	payload, err := client.Analyze(context.Background(), Request{
		Transcript:    "We migrated billing.",
		Question:      "Describe a migration.",
		QuestionType:  interview.TypeStandard,
		QuestionIndex: 2,
		Competency:    "execution",
	})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if payload.Result != "Zero downtime cutover" {
		t.Errorf("Unexpected payload %+v", payload)
	}
	if got.QuestionIndex != 2 || got.QuestionType != interview.TypeStandard || got.Competency != "execution" {
		t.Errorf("Unexpected request on the wire %+v", got)
	}
}

func TestHTTPClient_ErrorEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(Response{Error: &ErrorEnvelope{Code: "model_unavailable", Message: "try later"}})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", nil, nil, zerolog.Nop())
	_, err := client.Analyze(context.Background(), Request{Transcript: "x"})
	if !errors.Is(err, interview.ErrRemoteCallFailed) {
		t.Fatalf("Expected ErrRemoteCallFailed, got %v", err)
	}
}

func TestHTTPClient_HonorsContextDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", nil, nil, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Analyze(ctx, Request{Transcript: "x"})
	if !errors.Is(err, interview.ErrRemoteCallFailed) {
		t.Errorf("Expected ErrRemoteCallFailed, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Expected the call to stop at the context deadline")
	}
}

func TestHTTPClient_CircuitBreakerOpens(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	breaker := resilience.NewCircuitBreaker("analysis", 2, time.Minute)
	client := NewHTTPClient(server.URL, "", nil, breaker, zerolog.Nop())

	for i := 0; i < 3; i++ {
		client.Analyze(context.Background(), Request{Transcript: "x"})
	}

	if hits != 2 {
		t.Errorf("Expected breaker to stop calls after 2 failures, server saw %d", hits)
	}
	_, err := client.Analyze(context.Background(), Request{Transcript: "x"})
	if !errors.Is(err, interview.ErrRemoteCallFailed) {
		t.Errorf("Expected ErrRemoteCallFailed while open, got %v", err)
	}
}

func TestHTTPClient_HealthCheck(t *testing.T) {
	healthy := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL+"/analyze", server.URL+"/health", nil, nil, zerolog.Nop())

	if ok, err := client.HealthCheck(context.Background()); !ok || err != nil {
		t.Errorf("Expected healthy, got %v %v", ok, err)
	}

	healthy = false
	if ok, _ := client.HealthCheck(context.Background()); ok {
		t.Error("Expected unhealthy on 503")
	}

	noHealth := NewHTTPClient(server.URL, "", nil, nil, zerolog.Nop())
	if ok, _ := noHealth.HealthCheck(context.Background()); !ok {
		t.Error("Expected client without a health URL to report healthy")
	}
}
