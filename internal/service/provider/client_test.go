package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

type fakeModel struct {
	mu      sync.Mutex
	calls   int
	content string
	err     error
	block   bool
	lastIn  []*schema.Message
}

func (f *fakeModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.mu.Lock()
	f.calls++
	f.lastIn = input
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.content, nil), nil
}

func (f *fakeModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := f.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (f *fakeModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestClient(t *testing.T, providers ...Provider) *Client {
	t.Helper()
	client, err := NewClient(context.Background(), providers, nil)
	if err != nil {
		t.Fatalf("NewClient err: %v", err)
	}
	return client
}

func TestCompleteFallsBackToSecondProvider(t *testing.T) {
	failing := &fakeModel{err: errors.New("status 503")}
	working := &fakeModel{content: `{"themes": []}`}

	client := newTestClient(t,
		Provider{Name: "first", Model: failing, Timeout: time.Second},
		Provider{Name: "second", Model: working, Timeout: time.Second},
	)

	got, err := client.Complete(context.Background(), Prompt{System: "sys {not a var}", User: "user"})
	if err != nil {
		t.Fatalf("Complete err: %v", err)
	}
	if got.Provider != "second" || got.Text != `{"themes": []}` {
		t.Fatalf("unexpected completion %+v", got)
	}
	if failing.callCount() != 1 || working.callCount() != 1 {
		t.Fatalf("expected one call each, got %d and %d", failing.callCount(), working.callCount())
	}

	if len(working.lastIn) != 2 || working.lastIn[0].Content != "sys {not a var}" || working.lastIn[1].Content != "user" {
		t.Fatalf("unexpected messages sent: %+v", working.lastIn)
	}
}

func TestCompleteStopsAtFirstSuccess(t *testing.T) {
	first := &fakeModel{content: "ok"}
	second := &fakeModel{content: "unused"}

	client := newTestClient(t,
		Provider{Name: "first", Model: first, Timeout: time.Second},
		Provider{Name: "second", Model: second, Timeout: time.Second},
	)

	if _, err := client.Complete(context.Background(), Prompt{}); err != nil {
		t.Fatalf("Complete err: %v", err)
	}
	if second.callCount() != 0 {
		t.Fatal("second provider must not be called after success")
	}
}

func TestCompleteExhausted(t *testing.T) {
	client := newTestClient(t,
		Provider{Name: "a", Model: &fakeModel{err: errors.New("boom")}, Timeout: time.Second},
		Provider{Name: "b", Model: &fakeModel{content: "   "}, Timeout: time.Second},
	)

	_, err := client.Complete(context.Background(), Prompt{})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %T", err)
	}
	if exhausted.Attempts != 2 || !errors.Is(exhausted.Last, ErrEmptyCompletion) {
		t.Fatalf("unexpected exhausted detail %+v", exhausted)
	}
}

func TestCompleteWithoutProviders(t *testing.T) {
	client := newTestClient(t)
	_, err := client.Complete(context.Background(), Prompt{})
	if !errors.Is(err, ErrExhausted) || !errors.Is(err, ErrNoProviders) {
		t.Fatalf("expected exhausted with no providers, got %v", err)
	}
}

func TestCompleteTimeoutMovesOn(t *testing.T) {
	slow := &fakeModel{block: true}
	fast := &fakeModel{content: "done"}

	client := newTestClient(t,
		Provider{Name: "slow", Model: slow, Timeout: 20 * time.Millisecond},
		Provider{Name: "fast", Model: fast, Timeout: time.Second},
	)

	start := time.Now()
	got, err := client.Complete(context.Background(), Prompt{})
	if err != nil {
		t.Fatalf("Complete err: %v", err)
	}
	if got.Provider != "fast" {
		t.Fatalf("expected fast provider, got %s", got.Provider)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
}

func TestCompleteRateLimitedProviderIsSkipped(t *testing.T) {
	limited := &fakeModel{content: "limited"}
	backup := &fakeModel{content: "backup"}

	client := newTestClient(t,
		Provider{Name: "limited", Model: limited, Timeout: time.Second, RequestsPerMinute: 1},
		Provider{Name: "backup", Model: backup, Timeout: time.Second},
	)

	first, err := client.Complete(context.Background(), Prompt{})
	if err != nil || first.Provider != "limited" {
		t.Fatalf("expected limited provider first, got %+v %v", first, err)
	}

	second, err := client.Complete(context.Background(), Prompt{})
	if err != nil || second.Provider != "backup" {
		t.Fatalf("expected backup provider, got %+v %v", second, err)
	}
	if limited.callCount() != 1 {
		t.Fatalf("rate limited provider called %d times", limited.callCount())
	}
}

func TestCompleteCancelledContext(t *testing.T) {
	m := &fakeModel{content: "x"}
	client := newTestClient(t, Provider{Name: "a", Model: m, Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.Complete(ctx, Prompt{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if m.callCount() != 0 {
		t.Fatal("provider called after cancellation")
	}
}

func TestNewClientRejectsInvalidProvider(t *testing.T) {
	if _, err := NewClient(context.Background(), []Provider{{Name: "nil"}}, nil); err == nil {
		t.Fatal("expected error for nil model")
	}
	if _, err := NewClient(context.Background(), []Provider{{Name: "t", Model: &fakeModel{}}}, nil); err == nil {
		t.Fatal("expected error for zero timeout")
	}
}
