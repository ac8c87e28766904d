package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/zhouzirui/theme-pulse/backend/internal/model/live"
	"github.com/zhouzirui/theme-pulse/backend/internal/model/session"
	"github.com/zhouzirui/theme-pulse/backend/internal/service/provider"
	sessionService "github.com/zhouzirui/theme-pulse/backend/internal/service/session"
	"github.com/zhouzirui/theme-pulse/backend/internal/service/theme"
)

const (
	msgProvidersFailed = "Summarization temporarily unavailable: every model failed. Retrying..."
	msgMalformedOutput = "Summarization temporarily unavailable: model output could not be parsed. Retrying..."
)

// State 是单个会话的摘要调度状态。
type State int

const (
	StateIdle State = iota
	StateArmed
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateRunning:
		return "running"
	default:
		return "idle"
	}
}

// Store is the part of the session store the scheduler reads and writes.
type Store interface {
	Snapshot(ctx context.Context, sessionID string) (sessionService.Snapshot, error)
	ResponseCount(ctx context.Context, sessionID string) (int, error)
	PublishSummary(ctx context.Context, sessionID string, summary *session.Summary) error
}

// Completer turns a prompt into raw model text.
type Completer interface {
	Complete(ctx context.Context, p provider.Prompt) (provider.Completion, error)
}

// Extractor parses raw model text into themes.
type Extractor interface {
	Extract(raw string, known []session.Response) ([]session.Theme, error)
}

// Publisher delivers events to a session's subscribers.
type Publisher interface {
	Publish(sessionID string, event live.Event)
}

// Config controls the summarization cadence.
type Config struct {
	Interval     time.Duration
	MinResponses int
	MaxThemes    int
}

type unit struct {
	sessionID string
	cancel    context.CancelFunc
	wake      chan struct{}
	done      chan struct{}

	mu    sync.Mutex
	state State
}

func (u *unit) setState(s State) {
	u.mu.Lock()
	u.state = s
	u.mu.Unlock()
}

func (u *unit) getState() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Scheduler runs one summarization loop per session that has live subscribers.
type Scheduler struct {
	mu       sync.Mutex
	units    map[string]*unit
	draining map[string]chan struct{}
	wg       sync.WaitGroup

	store     Store
	completer Completer
	extractor Extractor
	publisher Publisher
	cfg       Config
	logger    *log.Logger
	now       func() time.Time
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithExtractor replaces the default theme extractor.
func WithExtractor(e Extractor) Option {
	return func(s *Scheduler) { s.extractor = e }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler. Nothing runs until a session is activated.
func New(store Store, completer Completer, publisher Publisher, cfg Config, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.MinResponses < 1 {
		cfg.MinResponses = 1
	}
	s := &Scheduler{
		units:     make(map[string]*unit),
		draining:  make(map[string]chan struct{}),
		store:     store,
		completer: completer,
		extractor: theme.NewExtractor(cfg.MaxThemes),
		publisher: publisher,
		cfg:       cfg,
		logger:    log.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Activate starts the loop for a session. Calling it for an active session is a no-op.
// A loop that is still finishing for the same session is waited on first, so two
// summarizations of one session never overlap.
func (s *Scheduler) Activate(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.units[sessionID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	u := &unit{
		sessionID: sessionID,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	previous := s.draining[sessionID]
	s.units[sessionID] = u

	s.wg.Add(1)
	go s.run(ctx, u, previous)
	s.logger.Info("session activated", "session", sessionID)
}

// Deactivate stops the loop for a session. An in-flight summarization is cancelled
// and its result discarded.
func (s *Scheduler) Deactivate(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[sessionID]
	if !ok {
		return
	}
	delete(s.units, sessionID)
	s.draining[sessionID] = u.done
	u.cancel()
	s.logger.Info("session deactivated", "session", sessionID)
}

// ResponseAdded reports a new response. Active sessions get a status event and their
// loop is woken to re-check the threshold.
func (s *Scheduler) ResponseAdded(sessionID string, count int) {
	s.mu.Lock()
	u, ok := s.units[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}

	s.publisher.Publish(sessionID, live.StatusEvent(count, s.cfg.MinResponses))
	select {
	case u.wake <- struct{}{}:
	default:
	}
}

// State reports the scheduling state of a session.
func (s *Scheduler) State(sessionID string) State {
	s.mu.Lock()
	u, ok := s.units[sessionID]
	s.mu.Unlock()
	if !ok {
		return StateIdle
	}
	return u.getState()
}

// Shutdown stops every loop and waits for them to exit.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for id, u := range s.units {
		delete(s.units, id)
		u.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(ctx context.Context, u *unit, previous <-chan struct{}) {
	defer s.wg.Done()
	defer s.finish(u)

	// previous was cancelled when it was deactivated; waiting on it even after our
	// own cancellation keeps done closing in activation order
	if previous != nil {
		<-previous
	}
	if ctx.Err() != nil {
		return
	}

	count, err := s.store.ResponseCount(ctx, u.sessionID)
	if err != nil {
		s.logger.Warn("session unavailable, loop not started", "session", u.sessionID, "err", err)
		return
	}
	if count >= s.cfg.MinResponses {
		u.setState(StateRunning)
		s.summarize(ctx, u.sessionID, true)
	} else {
		u.setState(StateArmed)
	}

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-u.wake:
			if u.getState() != StateArmed {
				continue
			}
			count, err := s.store.ResponseCount(ctx, u.sessionID)
			if err != nil || count < s.cfg.MinResponses {
				continue
			}
			u.setState(StateRunning)
			s.logger.Info("threshold reached", "session", u.sessionID, "responses", count)
			s.summarize(ctx, u.sessionID, true)
			resetTimer(timer, s.cfg.Interval)
		case <-timer.C:
			if u.getState() == StateRunning {
				s.summarize(ctx, u.sessionID, false)
			}
			timer.Reset(s.cfg.Interval)
		}
	}
}

func (s *Scheduler) finish(u *unit) {
	u.setState(StateIdle)
	close(u.done)

	s.mu.Lock()
	// a loop that exits on its own is still registered
	if s.units[u.sessionID] == u {
		delete(s.units, u.sessionID)
	}
	if s.draining[u.sessionID] == u.done {
		delete(s.draining, u.sessionID)
	}
	s.mu.Unlock()
}

// summarize runs one pass. Unless forced, a pass is skipped when no response
// arrived since the last published summary.
func (s *Scheduler) summarize(ctx context.Context, sessionID string, force bool) {
	snap, err := s.store.Snapshot(ctx, sessionID)
	if err != nil {
		s.logger.Warn("snapshot failed", "session", sessionID, "err", err)
		return
	}
	count := len(snap.Responses)
	if count < s.cfg.MinResponses {
		return
	}
	if !force && snap.Summary != nil && snap.Summary.ResponseCount == count {
		s.logger.Debug("no new responses, skipping", "session", sessionID, "responses", count)
		return
	}

	started := s.now()
	prompt := theme.BuildPrompt(snap.Question, snap.Responses, s.cfg.MaxThemes)
	completion, err := s.completer.Complete(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.fail(sessionID, msgProvidersFailed, count, err)
		return
	}

	themes, err := s.extractor.Extract(completion.Text, snap.Responses)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.fail(sessionID, msgMalformedOutput, count, err)
		return
	}

	modelUsed := completion.Provider
	summary := &session.Summary{
		Themes:        themes,
		ResponseCount: count,
		ModelUsed:     &modelUsed,
		Timestamp:     s.now(),
	}
	if ctx.Err() != nil {
		return
	}
	if err := s.store.PublishSummary(ctx, sessionID, summary); err != nil {
		s.logger.Warn("store summary failed", "session", sessionID, "err", err)
		return
	}

	s.publisher.Publish(sessionID, live.SummaryEvent(summary))
	s.logger.Info("summary published",
		"session", sessionID,
		"themes", len(themes),
		"responses", count,
		"model", modelUsed,
		"elapsed", s.now().Sub(started),
	)
}

func (s *Scheduler) fail(sessionID, message string, count int, err error) {
	s.logger.Error("summarization failed", "session", sessionID, "responses", count, "err", err)
	var exhausted *provider.ExhaustedError
	if errors.As(err, &exhausted) {
		s.logger.Debug("provider chain exhausted", "session", sessionID, "attempts", exhausted.Attempts)
	}
	s.publisher.Publish(sessionID, live.ErrorEvent(message, count, s.now()))
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
