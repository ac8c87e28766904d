package session

import (
	"context"
	"time"
)

// RunJanitor removes sessions older than ttl every interval until ctx is done.
// onExpire is called for each removed session outside any store lock.
func (s *Service) RunJanitor(ctx context.Context, ttl, interval time.Duration, onExpire func(sessionID string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx, ttl, onExpire)
		}
	}
}

func (s *Service) sweep(ctx context.Context, ttl time.Duration, onExpire func(string)) {
	for _, id := range s.Expire(ctx, s.now().Add(-ttl)) {
		if onExpire != nil {
			onExpire(id)
		}
	}
}
