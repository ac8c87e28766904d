package hub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/zhouzirui/theme-pulse/backend/internal/model/live"
	"github.com/zhouzirui/theme-pulse/backend/internal/model/session"
)

// Sessions is the read side of the session store the hub needs.
type Sessions interface {
	Authorize(ctx context.Context, sessionID, adminToken string) error
	ResponseCount(ctx context.Context, sessionID string) (int, error)
	LastSummary(ctx context.Context, sessionID string) (*session.Summary, error)
}

// Lifecycle is told when a session gains its first or loses its last subscriber.
type Lifecycle interface {
	Activate(sessionID string)
	Deactivate(sessionID string)
}

// Config controls subscriber buffering and the status snapshot.
type Config struct {
	MinResponses int
	Buffer       int
}

// Subscription is one live dashboard connection.
type Subscription struct {
	sessionID string
	events    chan live.Event
	hub       *Hub
	once      sync.Once
	dropped   atomic.Int64
}

// SessionID returns the session this subscription listens to.
func (s *Subscription) SessionID() string { return s.sessionID }

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan live.Event { return s.events }

// Dropped counts events skipped because the subscriber fell behind.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() { s.hub.Unsubscribe(s) }

// Hub fans session events out to every subscriber of that session.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]map[*Subscription]struct{}
	sessions    Sessions
	lifecycle   Lifecycle
	cfg         Config
	logger      *log.Logger
}

// New creates a hub. The lifecycle is attached later with SetLifecycle.
func New(sessions Sessions, cfg Config, logger *log.Logger) *Hub {
	// room for the last summary and two status snapshots
	if cfg.Buffer < 3 {
		cfg.Buffer = 3
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		subscribers: make(map[string]map[*Subscription]struct{}),
		sessions:    sessions,
		cfg:         cfg,
		logger:      logger,
	}
}

// SetLifecycle registers the component driven by first/last subscriber transitions.
func (h *Hub) SetLifecycle(l Lifecycle) {
	h.mu.Lock()
	h.lifecycle = l
	h.mu.Unlock()
}

// Subscribe authorizes the admin token and registers a new subscriber. The returned
// subscription starts with the last summary, if any, followed by a status snapshot.
func (h *Hub) Subscribe(ctx context.Context, sessionID, adminToken string) (*Subscription, error) {
	if err := h.sessions.Authorize(ctx, sessionID, adminToken); err != nil {
		return nil, err
	}

	count, err := h.sessions.ResponseCount(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	last, err := h.sessions.LastSummary(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		sessionID: sessionID,
		events:    make(chan live.Event, h.cfg.Buffer),
		hub:       h,
	}
	if last != nil {
		sub.events <- live.SummaryEvent(last)
	}
	sub.events <- live.StatusEvent(count, h.cfg.MinResponses)

	h.register(sub)

	// a response appended between the snapshot and registration was published
	// to the other subscribers only
	if latest, err := h.sessions.ResponseCount(ctx, sessionID); err == nil && latest != count {
		h.sendTo(sub, live.StatusEvent(latest, h.cfg.MinResponses))
	}
	return sub, nil
}

func (h *Hub) register(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[sub.sessionID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.subscribers[sub.sessionID] = subs
	}
	subs[sub] = struct{}{}

	h.logger.Info("subscriber joined", "session", sub.sessionID, "subscribers", len(subs))
	if len(subs) == 1 && h.lifecycle != nil {
		h.lifecycle.Activate(sub.sessionID)
	}
}

// sendTo delivers an event to one subscriber if it is still registered.
func (h *Hub) sendTo(sub *Subscription, event live.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[sub.sessionID][sub]; !ok {
		return
	}
	h.deliverLocked(sub, event)
}

func (h *Hub) deliverLocked(sub *Subscription, event live.Event) {
	select {
	case sub.events <- event:
	default:
		sub.dropped.Add(1)
		h.logger.Warn("subscriber lagging, event dropped", "session", sub.sessionID, "event", event.Kind)
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.once.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.removeLocked(sub)
	})
}

func (h *Hub) removeLocked(sub *Subscription) {
	subs, ok := h.subscribers[sub.sessionID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}

	delete(subs, sub)
	close(sub.events)

	h.logger.Info("subscriber left", "session", sub.sessionID, "subscribers", len(subs))
	if len(subs) == 0 {
		delete(h.subscribers, sub.sessionID)
		if h.lifecycle != nil {
			h.lifecycle.Deactivate(sub.sessionID)
		}
	}
}

// Publish delivers an event to every current subscriber of a session without
// blocking. A subscriber whose buffer is full misses the event.
func (h *Hub) Publish(sessionID string, event live.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subscribers[sessionID] {
		h.deliverLocked(sub, event)
	}
}

// CloseSession ends every subscription of a session, e.g. when it expires.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subscribers[sessionID]))
	for sub := range h.subscribers[sessionID] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// SubscriberCount returns the number of live subscribers of a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[sessionID])
}
