// Package session owns all client sessions: unique ids, status, last
// activity, a bound PTY manager per session, the idle-timeout sweeper, and
// graceful disposal ordering.
package session

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/entl/mcp-pty/command"
)

// Status is a session's lifecycle state. Monotone except that
// active <-> idle is bidirectional.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusIdle         Status = "idle"
	StatusTerminating  Status = "terminating"
	StatusTerminated   Status = "terminated"
)

const (
	idleThreshold = 5 * time.Minute
	sweepCadence  = 1 * time.Minute
	disposeRace   = 3 * time.Second
)

// Session is the unit of client isolation.
type Session struct {
	ID           string
	status       Status
	createdAt    time.Time
	lastActivity time.Time
	ptyRefs      map[string]struct{}
	mu           sync.Mutex
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) PtyRefs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.ptyRefs))
	for id := range s.ptyRefs {
		out = append(out, id)
	}
	return out
}

// EventType names a Session Manager event.
type EventType string

const (
	EventCreated       EventType = "created"
	EventStatusChanged EventType = "statusChanged"
	EventPtyBound      EventType = "ptyBound"
	EventPtyUnbound    EventType = "ptyUnbound"
	EventTerminated    EventType = "terminated"
)

// Event is fanned out to process-local listeners on every state change.
type Event struct {
	Type      EventType
	SessionID string
	PtyID     string
	From      Status
	To        Status
}

// Listener receives Manager events. Errors are not part of the signature;
// a listener that panics is recovered and logged, never aborting the
// triggering operation.
type Listener func(Event)

// Manager holds every session and its bound PTY manager.
type Manager struct {
	logger     *zap.Logger
	normalizer *command.Normalizer

	mu           sync.RWMutex
	sessions     map[string]*Session
	ptyManagers  map[string]*PtyManager

	listenersMu sync.Mutex
	listeners   []Listener

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewManager constructs an empty Session Manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:      logger,
		normalizer:  command.New(logger),
		sessions:    make(map[string]*Session),
		ptyManagers: make(map[string]*PtyManager),
	}
}

// Subscribe registers a process-local event listener.
func (m *Manager) Subscribe(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) emit(ev Event) {
	m.listenersMu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.listenersMu.Unlock()
	for _, l := range listeners {
		m.safeNotify(l, ev)
	}
}

func (m *Manager) safeNotify(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("session event listener panicked", zap.Any("recover", r), zap.String("event", string(ev.Type)))
		}
	}()
	l(ev)
}

// CreateSession generates a fresh ULID, inserts a session in status
// initializing, instantiates its PTY Manager, and emits `created`.
func (m *Manager) CreateSession() string {
	id := newSessionID()
	now := time.Now()
	s := &Session{
		ID:           id,
		status:       StatusInitializing,
		createdAt:    now,
		lastActivity: now,
		ptyRefs:      make(map[string]struct{}),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.ptyManagers[id] = newPtyManager(m.logger, m.normalizer)
	m.mu.Unlock()

	m.emit(Event{Type: EventCreated, SessionID: id})
	return id
}

// GetSession looks up a session by id.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// GetAllSessions returns every tracked session, in no particular order.
func (m *Manager) GetAllSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// GetSessionCount returns the number of tracked sessions.
func (m *Manager) GetSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetPtyManager returns the PTY Manager bound to a session.
func (m *Manager) GetPtyManager(id string) (*PtyManager, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pm, ok := m.ptyManagers[id]
	return pm, ok
}

// UpdateStatus updates status and last_activity, emitting statusChanged.
// Once terminated, no further transition is possible.
func (m *Manager) UpdateStatus(id string, status Status) bool {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	if s.status == StatusTerminated {
		s.mu.Unlock()
		return false
	}
	from := s.status
	s.status = status
	s.lastActivity = time.Now()
	s.mu.Unlock()

	m.emit(Event{Type: EventStatusChanged, SessionID: id, From: from, To: status})
	return true
}

// Touch bumps last_activity and flips idle back to active; called by any
// operation that reaches the session's PTY Manager or one of its PTYs.
func (m *Manager) Touch(id string) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.lastActivity = time.Now()
	if s.status == StatusIdle {
		s.status = StatusActive
	}
	s.mu.Unlock()
}

// AddPty records PTY membership and emits ptyBound.
func (m *Manager) AddPty(id, ptyID string) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.ptyRefs[ptyID] = struct{}{}
	s.lastActivity = time.Now()
	s.mu.Unlock()
	m.emit(Event{Type: EventPtyBound, SessionID: id, PtyID: ptyID})
}

// RemovePty removes PTY membership and emits ptyUnbound.
func (m *Manager) RemovePty(id, ptyID string) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.ptyRefs, ptyID)
	s.lastActivity = time.Now()
	s.mu.Unlock()
	m.emit(Event{Type: EventPtyUnbound, SessionID: id, PtyID: ptyID})
}

// DisposeSession sets status terminating, races every PTY's graceful
// dispose against a 3-second timeout, falls back to force-terminate on
// timeout, then removes the PTY Manager and session entry.
func (m *Manager) DisposeSession(id string) bool {
	m.mu.RLock()
	s, sok := m.sessions[id]
	pm, pok := m.ptyManagers[id]
	m.mu.RUnlock()
	if !sok || !pok {
		return false
	}

	s.mu.Lock()
	if s.status == StatusTerminated {
		s.mu.Unlock()
		return false
	}
	s.status = StatusTerminating
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		pm.Dispose()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(disposeRace):
		m.terminateLocked(id, pm)
		return true
	}

	m.finishDispose(id)
	return true
}

// TerminateSession is the synchronous force path: SIGKILL every PTY,
// remove manager and entry, emit terminated.
func (m *Manager) TerminateSession(id string) bool {
	m.mu.RLock()
	_, sok := m.sessions[id]
	pm, pok := m.ptyManagers[id]
	m.mu.RUnlock()
	if !sok || !pok {
		return false
	}
	m.terminateLocked(id, pm)
	return true
}

func (m *Manager) terminateLocked(id string, pm *PtyManager) {
	pm.TerminateForce()
	m.finishDispose(id)
}

func (m *Manager) finishDispose(id string) {
	m.mu.Lock()
	delete(m.ptyManagers, id)
	delete(m.sessions, id)
	m.mu.Unlock()
	m.emit(Event{Type: EventTerminated, SessionID: id})
}

// MonitorIdleSessions sweeps every session. A session whose last_activity
// exceeds the idle threshold is marked idle (active -> idle) and has its
// PTYs marked idle in turn; a session already idle past the threshold is
// scheduled for DisposeSession on this same pass.
func (m *Manager) MonitorIdleSessions() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	sessions := make(map[string]*Session, len(m.sessions))
	ptyManagers := make(map[string]*PtyManager, len(m.ptyManagers))
	for id, s := range m.sessions {
		ids = append(ids, id)
		sessions[id] = s
		ptyManagers[id] = m.ptyManagers[id]
	}
	m.mu.RUnlock()

	candidates := make([]string, 0)
	for _, id := range ids {
		s := sessions[id]
		s.mu.Lock()
		idleFor := time.Since(s.lastActivity)
		wasActive := s.status == StatusActive
		alreadyIdle := s.status == StatusIdle
		goesIdle := wasActive && idleFor > idleThreshold
		if goesIdle {
			s.status = StatusIdle
		}
		s.mu.Unlock()

		if goesIdle {
			m.logger.Info("marking session idle", zap.String("session_id", id), zap.String("idle_for", humanize.Time(time.Now().Add(-idleFor))))
			if pm := ptyManagers[id]; pm != nil {
				for _, p := range pm.GetAllPtys() {
					p.MarkIdleIfStale(idleThreshold)
				}
			}
			m.emit(Event{Type: EventStatusChanged, SessionID: id, From: StatusActive, To: StatusIdle})
			continue
		}

		if alreadyIdle && idleFor > idleThreshold {
			m.logger.Info("disposing idle session", zap.String("session_id", id), zap.String("idle_for", humanize.Time(time.Now().Add(-idleFor))))
			candidates = append(candidates, id)
		}
	}

	for _, id := range candidates {
		go m.DisposeSession(id)
	}
}

// StartMonitoring starts the periodic idle sweeper.
func (m *Manager) StartMonitoring() {
	m.sweepOnce.Do(func() {
		m.stopSweep = make(chan struct{})
		go func() {
			ticker := time.NewTicker(sweepCadence)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					m.MonitorIdleSessions()
				case <-m.stopSweep:
					return
				}
			}
		}()
	})
}

// StopMonitoring stops the periodic idle sweeper.
func (m *Manager) StopMonitoring() {
	if m.stopSweep != nil {
		close(m.stopSweep)
	}
}

// DisposeAll disposes every session in parallel, capped by deadline; used
// for graceful process shutdown.
func (m *Manager) DisposeAll(deadline time.Duration) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				m.DisposeSession(id)
			}(id)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		m.logger.Warn("graceful shutdown deadline exceeded, force-terminating remaining sessions")
		m.mu.RLock()
		remaining := make([]string, 0, len(m.sessions))
		for id := range m.sessions {
			remaining = append(remaining, id)
		}
		m.mu.RUnlock()
		for _, id := range remaining {
			m.TerminateSession(id)
		}
	}
}
