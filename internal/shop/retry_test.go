package shop

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("called %d times, want 1", calls)
	}
}

func TestRetry_SucceedsSecondAttempt(t *testing.T) {
	sentinel := errors.New("transient")
	calls := 0
	err := Retry(context.Background(), 3, func() error {
		calls++
		if calls < 2 {
			return sentinel
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("called %d times, want 2", calls)
	}
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, func() error {
		calls++
		return permanent(ErrNotFound)
	})
	if calls != 1 {
		t.Errorf("called %d times, want 1", calls)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error chain does not contain ErrNotFound: %v", err)
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		t.Error("permanent wrapper leaked to caller")
	}
}

func TestRetry_ContextCancelledBeforeAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, 3, func() error {
		calls++
		return nil
	})
	if calls != 0 {
		t.Errorf("called %d times, want 0 (context already cancelled)", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got: %v", err)
	}
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	calls := 0
	err := Retry(ctx, 10, func() error {
		calls++
		return errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if calls < 1 || calls >= 10 {
		t.Errorf("calls = %d, expected between 1 and 9", calls)
	}
}

func TestBackoffDelay_Capped(t *testing.T) {
	d := backoffDelay(10)
	if d >= maxDelay || d < maxDelay/2 {
		t.Errorf("delay = %v, expected [%v, %v)", d, maxDelay/2, maxDelay)
	}
}
