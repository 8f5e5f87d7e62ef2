package session

import (
	"context"
	"path/filepath"
	"sync"

	"conductor/pkg/logx"
	"conductor/pkg/stream"
)

// Manager owns the set of live sessions. Sessions are created lazily on
// first subscription and torn down explicitly; distinct sessions are fully
// independent and run concurrently.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	baseDir string
	deps    Deps
	logger  *logx.Logger
}

// NewManager creates a session manager. baseDir is the root under which each
// session gets its own directory for persisted preference records.
func NewManager(baseDir string, deps Deps) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		baseDir:  baseDir,
		deps:     deps,
		logger:   logx.NewLogger("session-manager"),
	}
}

// Subscribe attaches an observer to a conversation, creating its session on
// first subscription. Recovery for a newly created session runs before the
// subscription is returned so replay sees settled history.
func (m *Manager) Subscribe(ctx context.Context, sessionID string) (*Session, *stream.Subscription, error) {
	s, created := m.getOrCreate(sessionID)
	if created {
		if err := s.RecoverOnStartup(ctx); err != nil {
			m.logger.Warn("startup recovery for session %s failed: %v", sessionID, err)
		}
	}
	return s, s.SubscribeChat(), nil
}

// Get returns an existing session without creating one.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

func (m *Manager) getOrCreate(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[sessionID]; ok {
		return s, false
	}
	s := New(sessionID, filepath.Join(m.baseDir, sessionID), m.deps)
	m.sessions[sessionID] = s
	m.logger.Info("created session %s", sessionID)
	return s, true
}

// Teardown destroys one session.
func (m *Manager) Teardown(ctx context.Context, sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if ok {
		s.Teardown(ctx)
	}
}

// TeardownAll destroys every live session, for process shutdown.
func (m *Manager) TeardownAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Teardown(ctx)
	}
}
