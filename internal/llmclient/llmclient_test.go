package llmclient

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"aishd/internal/provider"
)

type stubProvider struct {
	calls   atomic.Int64
	result  string
	err     error
	delay   time.Duration
}

func (s *stubProvider) Call(ctx context.Context, messages []provider.Message, model string) (string, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.err != nil {
		return "", s.err
	}
	return s.result, nil
}

func TestCompleteCachesResult(t *testing.T) {
	p := &stubProvider{result: "ls -la"}
	c := New(p, nil)

	first := c.Complete(context.Background(), nil, "gpt-4o", time.Second, []string{"autocomplete", "ls", "/tmp"})
	second := c.Complete(context.Background(), nil, "gpt-4o", time.Second, []string{"autocomplete", "ls", "/tmp"})

	if first != "ls -la" || second != "ls -la" {
		t.Fatalf("expected cached result both times, got %q and %q", first, second)
	}
	if p.calls.Load() != 1 {
		t.Fatalf("expected exactly 1 provider call due to cache hit, got %d", p.calls.Load())
	}
}

func TestCompleteShortCircuitsWhenBreakerOpen(t *testing.T) {
	p := &stubProvider{err: errors.New("boom")}
	c := New(p, nil)

	for i := 0; i < 3; i++ {
		c.Complete(context.Background(), nil, "gpt-4o", time.Second, nil)
	}
	if c.Health().CurrentState().String() != "open" {
		t.Fatalf("expected breaker open after 3 failures, got %v", c.Health().CurrentState())
	}

	before := p.calls.Load()
	result := c.Complete(context.Background(), nil, "gpt-4o", time.Second, nil)
	if result != "" {
		t.Fatalf("expected empty result while breaker open, got %q", result)
	}
	if p.calls.Load() != before {
		t.Fatal("expected no outbound call while breaker open")
	}
}

func TestCompleteWithRetrySucceedsOnSecondAttempt(t *testing.T) {
	calls := 0
	p := &countingProvider{
		fn: func() (string, error) {
			calls++
			if calls == 1 {
				return "", errors.New("transient")
			}
			return "corrected", nil
		},
	}
	c := New(p, nil)

	got := c.CompleteWithRetry(context.Background(), nil, "gpt-4o", time.Second, 1, time.Millisecond)
	if got != "corrected" {
		t.Fatalf("expected retry to succeed, got %q", got)
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", calls)
	}
}

type countingProvider struct {
	fn func() (string, error)
}

func (c *countingProvider) Call(ctx context.Context, messages []provider.Message, model string) (string, error) {
	return c.fn()
}
