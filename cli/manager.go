package cli

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrSessionLimit is returned when the pool is at capacity and a new session
// is requested. Callers surface it to the end user instead of creating a
// session.
var ErrSessionLimit = errors.New("session limit reached")

// ProvisionalIDPrefix marks session ids assigned before the backend reports
// the durable one.
const ProvisionalIDPrefix = "pending_"

// IsProvisionalID reports whether id is a provisional (not yet promoted)
// session id.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, ProvisionalIDPrefix)
}

// Stats is a point-in-time snapshot of the session pool.
type Stats struct {
	ActiveSessions  int
	MaxSessions     int
	PendingSessions int
}

// SessionFactory builds a fresh backend session.
type SessionFactory func() BackendSession

// Manager owns the pool of live backend CLI sessions. New sessions start
// under a provisional id; once the backend announces the durable id the
// session is promoted and both ids resolve to it until removal.
type Manager struct {
	factory SessionFactory
	max     int
	logger  *slog.Logger

	mu      sync.Mutex
	active  map[string]BackendSession // durable id -> session
	pending map[string]BackendSession // provisional id -> session
	realIDs map[string]string         // provisional id -> durable id
}

func NewManager(factory SessionFactory, maxSessions int, logger *slog.Logger) *Manager {
	if maxSessions <= 0 {
		maxSessions = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factory: factory,
		max:     maxSessions,
		logger:  logger,
		active:  make(map[string]BackendSession),
		pending: make(map[string]BackendSession),
		realIDs: make(map[string]string),
	}
}

// GetOrCreateSession resolves sessionID to a live session, following the
// provisional -> durable promotion map, or creates a new session when
// sessionID is empty or unknown. isNew reports whether a fresh session (and
// provisional id) was created.
func (m *Manager) GetOrCreateSession(sessionID string) (session BackendSession, resolvedID string, isNew bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessionID != "" {
		if s, ok := m.active[sessionID]; ok {
			return s, sessionID, false, nil
		}
		if realID, ok := m.realIDs[sessionID]; ok {
			if s, ok := m.active[realID]; ok {
				return s, realID, false, nil
			}
		}
		if s, ok := m.pending[sessionID]; ok {
			return s, sessionID, false, nil
		}
	}

	if len(m.active)+len(m.pending) >= m.max {
		return nil, "", false, ErrSessionLimit
	}

	provisionalID := ProvisionalIDPrefix + uuid.NewString()
	s := m.factory()
	m.pending[provisionalID] = s
	m.logger.Info("cli_session_created", "provisional_id", provisionalID,
		"active", len(m.active), "pending", len(m.pending), "max", m.max)
	return s, provisionalID, true, nil
}

// RegisterRealSessionID promotes a provisional session to its durable id.
// Returns false (no-op) when the provisional id is unknown.
func (m *Manager) RegisterRealSessionID(provisionalID, realID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.pending[provisionalID]
	if !ok {
		return false
	}
	delete(m.pending, provisionalID)
	m.active[realID] = s
	m.realIDs[provisionalID] = realID
	m.logger.Info("cli_session_promoted", "provisional_id", provisionalID, "session_id", realID)
	return true
}

// GetRealSessionID returns the durable id a provisional id was promoted to,
// or "" when no promotion is recorded.
func (m *Manager) GetRealSessionID(provisionalID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.realIDs[provisionalID]
}

// RemoveSession stops the session registered under id (pending or active)
// and clears its bookkeeping, including any provisional mapping pointing at
// it. Stop failures are logged, not propagated.
func (m *Manager) RemoveSession(id string) bool {
	m.mu.Lock()
	s, found := m.active[id]
	if found {
		delete(m.active, id)
		for provisional, real := range m.realIDs {
			if real == id {
				delete(m.realIDs, provisional)
			}
		}
	} else if s, found = m.pending[id]; found {
		delete(m.pending, id)
	}
	m.mu.Unlock()

	if !found {
		return false
	}
	m.stopSession(id, s)
	return true
}

// StopAll stops every pending and active session. One failing session never
// blocks cleanup of the rest.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make(map[string]BackendSession, len(m.active)+len(m.pending))
	for id, s := range m.active {
		sessions[id] = s
	}
	for id, s := range m.pending {
		sessions[id] = s
	}
	m.active = make(map[string]BackendSession)
	m.pending = make(map[string]BackendSession)
	m.realIDs = make(map[string]string)
	m.mu.Unlock()

	for id, s := range sessions {
		m.stopSession(id, s)
	}
	m.logger.Info("cli_sessions_stopped", "count", len(sessions))
}

func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		ActiveSessions:  len(m.active),
		MaxSessions:     m.max,
		PendingSessions: len(m.pending),
	}
}

func (m *Manager) stopSession(id string, s BackendSession) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("cli_session_stop_panic", "session_id", id, "panic", r)
		}
	}()
	if !s.Stop() {
		m.logger.Debug("cli_session_stop_noop", "session_id", id)
	}
}
