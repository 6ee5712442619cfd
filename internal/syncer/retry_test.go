package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fieldmark/pindrop/internal/remote"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Retryable: remote.IsTransient}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Errorf("expected 1 call and no error, got %d calls, %v", calls, err)
	}
}

func TestDoRetriesTransient(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Retryable: remote.IsTransient}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &remote.TransientError{Op: "create", Status: 503}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Retryable: remote.IsTransient}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &remote.TransientError{Op: "create", Status: 502}
	})
	if !remote.IsTransient(err) {
		t.Errorf("last error should surface, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected exactly 3 calls, got %d", calls)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Retryable: remote.IsTransient}

	calls := 0
	rejection := &remote.RejectedError{Op: "create", Status: 422}
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return rejection
	})
	if !errors.Is(err, rejection) && !remote.IsRejected(err) {
		t.Errorf("rejection should surface unchanged, got %v", err)
	}
	if calls != 1 {
		t.Errorf("rejections must not retry, got %d calls", calls)
	}
}

func TestDoHonorsContext(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Hour, Retryable: remote.IsTransient}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := p.Do(ctx, func(ctx context.Context) error {
		return &remote.TransientError{Op: "create", Status: 503}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestDoZeroAttemptsStillRunsOnce(t *testing.T) {
	p := RetryPolicy{}
	calls := 0
	_ = p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("boom")
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}
