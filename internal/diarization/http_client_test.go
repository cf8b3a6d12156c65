package diarization

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/interview-gateway/internal/audio"
	"github.com/lexiqai/interview-gateway/internal/interview"
	"github.com/lexiqai/interview-gateway/internal/resilience"
)

func testChunk() audio.Chunk {
	return audio.Chunk{Seq: 4, Data: []byte{0, 1, 2, 3}, CapturedAt: time.Now()}
}

func TestHTTPClient_Submit(t *testing.T) {
	var got ChunkRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(Response{Speakers: []Speaker{{
			SpeakerRole: "candidate",
			SpeakerID:   "speaker_1",
			Transcript:  "I led the migration",
			Confidence:  0.91,
			Emotions:    map[string]float64{"confidence": 0.7},
			IsFinal:     true,
		}}})
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPConfig{URL: server.URL}, nil, nil, zerolog.Nop())
	resp, err := client.Submit(context.Background(), "session-1", testChunk())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if len(resp.Speakers) != 1 || resp.Speakers[0].Emotions["confidence"] != 0.7 {
		t.Errorf("Unexpected response %+v", resp)
	}
	if got.SessionID != "session-1" || got.Sequence != 4 || got.Audio != "AAECAw==" {
		t.Errorf("Unexpected request on the wire %+v", got)
	}
}

func TestHTTPClient_RetriesOnce(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(Response{})
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPConfig{URL: server.URL, RetryBackoff: time.Millisecond}, nil, nil, zerolog.Nop())
	if _, err := client.Submit(context.Background(), "s", testChunk()); err != nil {
		t.Fatalf("Expected retry to succeed, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("Expected 2 attempts, got %d", hits)
	}
}

func TestHTTPClient_GivesUpAfterSecondAttempt(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPConfig{URL: server.URL, RetryBackoff: time.Millisecond}, nil, nil, zerolog.Nop())
	_, err := client.Submit(context.Background(), "s", testChunk())
	if !errors.Is(err, interview.ErrRemoteCallFailed) {
		t.Fatalf("Expected ErrRemoteCallFailed, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("Expected exactly 2 attempts, got %d", hits)
	}
}

func TestHTTPClient_NoRetryOnClientError(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPConfig{URL: server.URL, RetryBackoff: time.Millisecond}, nil, nil, zerolog.Nop())
	if _, err := client.Submit(context.Background(), "s", testChunk()); err == nil {
		t.Fatal("Expected error on 400")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("Expected a single attempt, got %d", hits)
	}
}

func TestHTTPClient_AttemptTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPConfig{URL: server.URL, Timeout: 30 * time.Millisecond, RetryBackoff: time.Millisecond}, nil, nil, zerolog.Nop())
	start := time.Now()
	if _, err := client.Submit(context.Background(), "s", testChunk()); err == nil {
		t.Fatal("Expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Error("Expected attempts to stop at the per-attempt timeout")
	}
}

func TestHTTPClient_CircuitOpenIsNotRetried(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	breaker := resilience.NewCircuitBreaker("diarization", 1, time.Minute)
	client := NewHTTPClient(HTTPConfig{URL: server.URL, RetryBackoff: time.Millisecond}, nil, breaker, zerolog.Nop())

	client.Submit(context.Background(), "s", testChunk())
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("Expected breaker to block the retry, server saw %d", hits)
	}
	_, err := client.Submit(context.Background(), "s", testChunk())
	if !errors.Is(err, interview.ErrRemoteCallFailed) {
		t.Errorf("Expected ErrRemoteCallFailed while open, got %v", err)
	}
}
