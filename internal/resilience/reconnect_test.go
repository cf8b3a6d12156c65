package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestReconnect_SucceedsAfterFailures(t *testing.T) {
	config := &ReconnectConfig{
		MaxAttempts: 3,
		Backoff:     5 * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  20 * time.Millisecond,
	}

	attempts := 0
	err := Reconnect(context.Background(), zerolog.Nop(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("dial failed")
		}
		return nil
	}, config)

	if err != nil {
		t.Fatalf("Expected reconnect to succeed, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestReconnect_GivesUp(t *testing.T) {
	config := &ReconnectConfig{
		MaxAttempts: 2,
		Backoff:     time.Millisecond,
		Multiplier:  1.0,
		MaxBackoff:  time.Millisecond,
	}

	err := Reconnect(context.Background(), zerolog.Nop(), func(ctx context.Context) error {
		return errors.New("dial failed")
	}, config)

	if err == nil {
		t.Error("Expected error after exhausting attempts")
	}
}

func TestReconnect_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := Reconnect(ctx, zerolog.Nop(), func(ctx context.Context) error {
		called = true
		return nil
	}, nil)

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if called {
		t.Error("Expected no attempt on a cancelled context")
	}
}
