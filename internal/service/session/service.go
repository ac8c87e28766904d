package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/zhouzirui/theme-pulse/backend/internal/model/session"
)

const adminTokenBytes = 16

// Listener is notified after every successful append. Implementations must not block
// and must not call back into the Service.
type Listener interface {
	ResponseAdded(sessionID string, count int)
}

// Archive mirrors mutations to durable storage. Failures are logged, never surfaced:
// the in-memory state stays authoritative. Writes outlive the caller's context.
type Archive interface {
	SaveSession(ctx context.Context, s session.Session) error
	// position is the 1-based append index of r within its session.
	SaveResponse(ctx context.Context, r session.Response, position int) error
	SaveSummary(ctx context.Context, sessionID string, summary *session.Summary) error
	DeleteSession(ctx context.Context, sessionID string) error
}

// Record is a full session image used to restore state at boot.
type Record struct {
	Session   session.Session
	Responses []session.Response
	Summary   *session.Summary
}

// Snapshot is a consistent read of one session.
type Snapshot struct {
	Question  string
	Responses []session.Response
	Summary   *session.Summary
}

type entry struct {
	mu        sync.Mutex
	session   session.Session
	responses []session.Response
	summary   *session.Summary
}

// Service owns sessions and their responses. Each session has its own lock so that
// sessions never contend with each other.
type Service struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	listener Listener
	archive  Archive
	logger   *log.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithArchive mirrors every mutation to the given archive.
func WithArchive(a Archive) Option {
	return func(s *Service) { s.archive = a }
}

// WithLogger sets the service logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides time.Now, mainly for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService bootstraps an empty in-memory session store.
func NewService(opts ...Option) *Service {
	s := &Service{
		sessions: make(map[string]*entry),
		logger:   log.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetListener registers the append listener. It is set after construction because the
// scheduler itself reads from the Service.
func (s *Service) SetListener(l Listener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

// CreateSession provisions a session with a fresh identifier and admin token.
func (s *Service) CreateSession(ctx context.Context, question string) (session.Session, error) {
	question, err := session.NormalizeQuestion(question)
	if err != nil {
		return session.Session{}, err
	}

	token, err := newAdminToken()
	if err != nil {
		return session.Session{}, fmt.Errorf("generate admin token: %w", err)
	}

	created := session.Session{
		ID:         uuid.NewString(),
		Question:   question,
		AdminToken: token,
		CreatedAt:  s.now(),
	}

	s.mu.Lock()
	s.sessions[created.ID] = &entry{session: created, responses: make([]session.Response, 0, 16)}
	s.mu.Unlock()

	if s.archive != nil {
		if err := s.archive.SaveSession(context.WithoutCancel(ctx), created); err != nil {
			s.logger.Warn("archive session failed", "session", created.ID, "err", err)
		}
	}

	s.logger.Info("created session", "session", created.ID)
	return created, nil
}

// GetSession returns the public view of a session.
func (s *Service) GetSession(_ context.Context, sessionID string) (session.Info, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return session.Info{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return session.Info{
		SessionID:     e.session.ID,
		Question:      e.session.Question,
		ResponseCount: len(e.responses),
	}, nil
}

// Authorize checks the admin token presented for a session.
func (s *Service) Authorize(_ context.Context, sessionID, adminToken string) error {
	e, err := s.lookup(sessionID)
	if err != nil {
		return err
	}

	expected := []byte(e.session.AdminToken)
	if subtle.ConstantTimeCompare(expected, []byte(adminToken)) != 1 {
		return session.ErrUnauthorized
	}
	return nil
}

// AppendResponse validates and appends a response, then notifies the listener.
func (s *Service) AppendResponse(ctx context.Context, sessionID, name, answer string) (session.Response, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return session.Response{}, err
	}

	name, answer, err = session.NormalizeResponse(name, answer)
	if err != nil {
		return session.Response{}, err
	}

	response := session.Response{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		StudentName: name,
		Answer:      answer,
		SubmittedAt: s.now(),
	}

	s.mu.RLock()
	listener := s.listener
	s.mu.RUnlock()

	e.mu.Lock()
	e.responses = append(e.responses, response)
	count := len(e.responses)
	// notified under the session lock so status counts reach subscribers in order
	if listener != nil {
		listener.ResponseAdded(sessionID, count)
	}
	e.mu.Unlock()

	if s.archive != nil {
		if err := s.archive.SaveResponse(context.WithoutCancel(ctx), response, count); err != nil {
			s.logger.Warn("archive response failed", "session", sessionID, "err", err)
		}
	}

	s.logger.Info("response added", "session", sessionID, "student", name, "total", count)
	return response, nil
}

// SnapshotResponses returns a copy of the responses in append order.
func (s *Service) SnapshotResponses(_ context.Context, sessionID string) ([]session.Response, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]session.Response(nil), e.responses...), nil
}

// Snapshot returns the question, responses and last summary read under one lock.
func (s *Service) Snapshot(_ context.Context, sessionID string) (Snapshot, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return Snapshot{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Question:  e.session.Question,
		Responses: append([]session.Response(nil), e.responses...),
		Summary:   e.summary.Clone(),
	}, nil
}

// ResponseCount returns the number of responses stored for a session.
func (s *Service) ResponseCount(_ context.Context, sessionID string) (int, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.responses), nil
}

// PublishSummary replaces the session's last summary.
func (s *Service) PublishSummary(ctx context.Context, sessionID string, summary *session.Summary) error {
	e, err := s.lookup(sessionID)
	if err != nil {
		return err
	}

	stored := summary.Clone()

	e.mu.Lock()
	e.summary = stored
	e.mu.Unlock()

	if s.archive != nil {
		if err := s.archive.SaveSummary(context.WithoutCancel(ctx), sessionID, stored); err != nil {
			s.logger.Warn("archive summary failed", "session", sessionID, "err", err)
		}
	}
	return nil
}

// LastSummary returns the most recent summary, or nil when none was published yet.
func (s *Service) LastSummary(_ context.Context, sessionID string) (*session.Summary, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.summary.Clone(), nil
}

// Count returns the number of live sessions.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Expire removes sessions created before cutoff and returns their identifiers.
func (s *Service) Expire(ctx context.Context, cutoff time.Time) []string {
	s.mu.Lock()
	var expired []string
	for id, e := range s.sessions {
		if e.session.CreatedAt.Before(cutoff) {
			expired = append(expired, id)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		if s.archive != nil {
			if err := s.archive.DeleteSession(context.WithoutCancel(ctx), id); err != nil {
				s.logger.Warn("archive delete failed", "session", id, "err", err)
			}
		}
		s.logger.Info("expired session", "session", id)
	}
	return expired
}

// Restore loads previously archived sessions. Existing identifiers are overwritten.
func (s *Service) Restore(records []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		s.sessions[rec.Session.ID] = &entry{
			session:   rec.Session,
			responses: append([]session.Response(nil), rec.Responses...),
			summary:   rec.Summary.Clone(),
		}
	}
	if len(records) > 0 {
		s.logger.Info("restored sessions", "count", len(records))
	}
}

func (s *Service) lookup(sessionID string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return nil, session.ErrNotFound
	}
	return e, nil
}

func newAdminToken() (string, error) {
	buf := make([]byte, adminTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
