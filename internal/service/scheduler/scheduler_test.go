package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/theme-pulse/backend/internal/model/live"
	"github.com/zhouzirui/theme-pulse/backend/internal/model/session"
	"github.com/zhouzirui/theme-pulse/backend/internal/service/provider"
	sessionService "github.com/zhouzirui/theme-pulse/backend/internal/service/session"
)

const validOutput = `{"themes":[{"title":"Speed","description":"Fast builds","student_names":["Ada","Linus"]}]}`

type fakeCompleter struct {
	mu       sync.Mutex
	calls    int
	text     string
	provider string
	err      error
	block    bool
	started  chan struct{}
	canceled chan struct{}
}

func (f *fakeCompleter) Complete(ctx context.Context, _ provider.Prompt) (provider.Completion, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.block {
		if f.started != nil {
			f.started <- struct{}{}
		}
		<-ctx.Done()
		if f.canceled != nil {
			close(f.canceled)
		}
		return provider.Completion{}, ctx.Err()
	}
	if f.err != nil {
		return provider.Completion{}, f.err
	}
	name := f.provider
	if name == "" {
		name = "primary"
	}
	return provider.Completion{Provider: name, Text: f.text}, nil
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []live.Event
}

func (p *recordingPublisher) Publish(_ string, ev live.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) kinds(kind live.Kind) []live.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []live.Event
	for _, ev := range p.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	store     *sessionService.Service
	completer *fakeCompleter
	publisher *recordingPublisher
	sched     *Scheduler
	sessionID string
}

func newFixture(t *testing.T, interval time.Duration, completer *fakeCompleter, names ...string) *fixture {
	t.Helper()
	store := sessionService.NewService()
	s, err := store.CreateSession(context.Background(), "Why Go?")
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	for _, name := range names {
		if _, err := store.AppendResponse(context.Background(), s.ID, name, "because"); err != nil {
			t.Fatalf("AppendResponse err: %v", err)
		}
	}

	publisher := &recordingPublisher{}
	sched := New(store, completer, publisher, Config{Interval: interval, MinResponses: 3, MaxThemes: 6})
	store.SetListener(sched)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
	})

	return &fixture{store: store, completer: completer, publisher: publisher, sched: sched, sessionID: s.ID}
}

func (f *fixture) add(t *testing.T, name string) {
	t.Helper()
	if _, err := f.store.AppendResponse(context.Background(), f.sessionID, name, "because"); err != nil {
		t.Fatalf("AppendResponse err: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBelowThresholdStaysArmed(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond, &fakeCompleter{text: validOutput}, "Ada", "Linus")

	f.sched.Activate(f.sessionID)
	waitFor(t, "armed", func() bool { return f.sched.State(f.sessionID) == StateArmed })
	time.Sleep(100 * time.Millisecond)

	if calls := f.completer.callCount(); calls != 0 {
		t.Fatalf("expected no provider calls below threshold, got %d", calls)
	}
}

func TestCrossingThresholdSummarizesOnce(t *testing.T) {
	f := newFixture(t, time.Hour, &fakeCompleter{text: validOutput}, "Ada", "Linus")

	f.sched.Activate(f.sessionID)
	waitFor(t, "armed", func() bool { return f.sched.State(f.sessionID) == StateArmed })

	f.add(t, "Grace")
	waitFor(t, "summary event", func() bool { return len(f.publisher.kinds(live.KindSummary)) == 1 })
	time.Sleep(50 * time.Millisecond)

	if calls := f.completer.callCount(); calls != 1 {
		t.Fatalf("expected exactly one provider call, got %d", calls)
	}
	if f.sched.State(f.sessionID) != StateRunning {
		t.Fatalf("expected running, got %s", f.sched.State(f.sessionID))
	}

	statuses := f.publisher.kinds(live.KindStatus)
	if len(statuses) != 1 || statuses[0].Payload.(live.Status).ResponseCount != 3 {
		t.Fatalf("expected one status event for the third response, got %+v", statuses)
	}

	summary := f.publisher.kinds(live.KindSummary)[0].Payload.(*session.Summary)
	if summary.ResponseCount != 3 || len(summary.Themes) != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	stored, _ := f.store.LastSummary(context.Background(), f.sessionID)
	if stored == nil || stored.ResponseCount != 3 {
		t.Fatalf("summary not stored: %+v", stored)
	}
}

func TestTickSkipsWhenNothingChanged(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond, &fakeCompleter{text: validOutput}, "Ada", "Linus", "Grace")

	f.sched.Activate(f.sessionID)
	waitFor(t, "first summary", func() bool { return f.completer.callCount() == 1 })
	time.Sleep(100 * time.Millisecond)
	if calls := f.completer.callCount(); calls != 1 {
		t.Fatalf("expected ticks to skip unchanged input, got %d calls", calls)
	}

	f.add(t, "Ken")
	waitFor(t, "second summary", func() bool { return f.completer.callCount() == 2 })
	waitFor(t, "stored summary", func() bool {
		s, _ := f.store.LastSummary(context.Background(), f.sessionID)
		return s != nil && s.ResponseCount == 4
	})
}

func TestProviderFailureKeepsPreviousSummary(t *testing.T) {
	failure := &provider.ExhaustedError{Attempts: 2, Last: errors.New("status 503")}
	f := newFixture(t, time.Hour, &fakeCompleter{err: failure}, "Ada", "Linus", "Grace")

	previous := &session.Summary{ResponseCount: 2, Themes: []session.Theme{{Title: "Old", Description: "Kept"}}}
	if err := f.store.PublishSummary(context.Background(), f.sessionID, previous); err != nil {
		t.Fatalf("PublishSummary err: %v", err)
	}

	f.sched.Activate(f.sessionID)
	waitFor(t, "error event", func() bool { return len(f.publisher.kinds(live.KindError)) == 1 })

	payload := f.publisher.kinds(live.KindError)[0].Payload.(live.Failure)
	if !payload.Error || payload.ResponseCount != 3 || payload.Message != msgProvidersFailed {
		t.Fatalf("unexpected error payload %+v", payload)
	}
	if len(f.publisher.kinds(live.KindSummary)) != 0 {
		t.Fatal("no summary must be published on failure")
	}
	stored, _ := f.store.LastSummary(context.Background(), f.sessionID)
	if stored == nil || stored.Themes[0].Title != "Old" {
		t.Fatalf("previous summary replaced: %+v", stored)
	}
}

func TestMalformedOutputPublishesError(t *testing.T) {
	f := newFixture(t, time.Hour, &fakeCompleter{text: "I cannot help with that."}, "Ada", "Linus", "Grace")

	f.sched.Activate(f.sessionID)
	waitFor(t, "error event", func() bool { return len(f.publisher.kinds(live.KindError)) == 1 })

	payload := f.publisher.kinds(live.KindError)[0].Payload.(live.Failure)
	if payload.Message != msgMalformedOutput {
		t.Fatalf("unexpected message %q", payload.Message)
	}
	if s, _ := f.store.LastSummary(context.Background(), f.sessionID); s != nil {
		t.Fatalf("expected no summary, got %+v", s)
	}
}

func TestSummaryRecordsFallbackProvider(t *testing.T) {
	f := newFixture(t, time.Hour, &fakeCompleter{text: validOutput, provider: "second"}, "Ada", "Linus", "Grace")

	f.sched.Activate(f.sessionID)
	waitFor(t, "summary event", func() bool { return len(f.publisher.kinds(live.KindSummary)) == 1 })

	summary := f.publisher.kinds(live.KindSummary)[0].Payload.(*session.Summary)
	if summary.ModelUsed == nil || *summary.ModelUsed != "second" {
		t.Fatalf("expected model_used second, got %v", summary.ModelUsed)
	}
}

func TestDeactivateCancelsInFlightWork(t *testing.T) {
	completer := &fakeCompleter{block: true, started: make(chan struct{}, 1), canceled: make(chan struct{})}
	f := newFixture(t, 20*time.Millisecond, completer, "Ada", "Linus", "Grace")

	f.sched.Activate(f.sessionID)
	select {
	case <-completer.started:
	case <-time.After(time.Second):
		t.Fatal("summarization never started")
	}

	f.sched.Deactivate(f.sessionID)
	select {
	case <-completer.canceled:
	case <-time.After(time.Second):
		t.Fatal("in-flight call was not cancelled")
	}

	time.Sleep(100 * time.Millisecond)
	if calls := completer.callCount(); calls != 1 {
		t.Fatalf("expected no calls after deactivation, got %d", calls)
	}
	if len(f.publisher.kinds(live.KindError)) != 0 || len(f.publisher.kinds(live.KindSummary)) != 0 {
		t.Fatal("cancelled work must not publish")
	}
	if f.sched.State(f.sessionID) != StateIdle {
		t.Fatalf("expected idle, got %s", f.sched.State(f.sessionID))
	}

	f.add(t, "Ken")
	if len(f.publisher.kinds(live.KindStatus)) != 0 {
		t.Fatal("idle sessions must not publish status")
	}
	time.Sleep(100 * time.Millisecond)
	if calls := completer.callCount(); calls != 1 {
		t.Fatalf("expected no calls for responses arriving while idle, got %d", calls)
	}
}

func TestReactivateSummarizesImmediately(t *testing.T) {
	f := newFixture(t, time.Hour, &fakeCompleter{text: validOutput}, "Ada", "Linus", "Grace")

	f.sched.Activate(f.sessionID)
	f.sched.Activate(f.sessionID)
	waitFor(t, "first summary", func() bool { return f.completer.callCount() == 1 })

	f.sched.Deactivate(f.sessionID)
	f.sched.Activate(f.sessionID)
	waitFor(t, "second summary", func() bool { return f.completer.callCount() == 2 })

	time.Sleep(50 * time.Millisecond)
	if calls := f.completer.callCount(); calls != 2 {
		t.Fatalf("expected two calls, got %d", calls)
	}
}

func TestLoopForMissingSessionUnregisters(t *testing.T) {
	f := newFixture(t, time.Hour, &fakeCompleter{text: validOutput})

	f.sched.Activate("gone")
	waitFor(t, "loop exit", func() bool {
		f.sched.mu.Lock()
		defer f.sched.mu.Unlock()
		return len(f.sched.units) == 0
	})

	f.sched.Deactivate("gone")

	f.sched.mu.Lock()
	defer f.sched.mu.Unlock()
	if len(f.sched.draining) != 0 {
		t.Fatalf("expected no draining entries, got %d", len(f.sched.draining))
	}
	if f.completer.callCount() != 0 {
		t.Fatal("missing session must not reach the provider")
	}
}
