package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	session "github.com/zhouzirui/theme-pulse/backend/internal/service/session"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestJanitorExpiresAndNotifies(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	svc := session.NewService(session.WithClock(clock.Now))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stale, _ := svc.CreateSession(ctx, "stale")
	clock.Advance(25 * time.Hour)
	live, _ := svc.CreateSession(ctx, "live")

	expired := make(chan string, 4)
	go svc.RunJanitor(ctx, 24*time.Hour, 10*time.Millisecond, func(id string) { expired <- id })

	select {
	case id := <-expired:
		if id != stale.ID {
			t.Fatalf("expected %s to expire, got %s", stale.ID, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("janitor never expired the stale session")
	}

	if _, err := svc.GetSession(ctx, live.ID); err != nil {
		t.Fatalf("live session removed: %v", err)
	}
	if svc.Count() != 1 {
		t.Fatalf("expected one remaining session, got %d", svc.Count())
	}
}
