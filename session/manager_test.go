package session

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(zap.NewNop())
	t.Cleanup(func() { m.DisposeAll(2 * time.Second) })
	return m
}

func TestCreateSession_ProducesUniqueIDs(t *testing.T) {
	m := newTestManager(t)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := m.CreateSession()
		if seen[id] {
			t.Fatalf("duplicate session id %q", id)
		}
		seen[id] = true
	}
}

func TestCreateSession_StartsInitializingWithBoundPtyManager(t *testing.T) {
	m := newTestManager(t)
	id := m.CreateSession()

	s, ok := m.GetSession(id)
	if !ok {
		t.Fatalf("expected session to be retrievable")
	}
	if s.Status() != StatusInitializing {
		t.Fatalf("expected initializing status, got %v", s.Status())
	}
	if _, ok := m.GetPtyManager(id); !ok {
		t.Fatalf("expected a bound pty manager")
	}
}

func TestUpdateStatus_TerminatedIsMonotone(t *testing.T) {
	m := newTestManager(t)
	id := m.CreateSession()

	if !m.UpdateStatus(id, StatusActive) {
		t.Fatalf("expected transition to active to succeed")
	}

	m.mu.RLock()
	s := m.sessions[id]
	m.mu.RUnlock()
	s.mu.Lock()
	s.status = StatusTerminated
	s.mu.Unlock()

	if m.UpdateStatus(id, StatusActive) {
		t.Fatalf("expected no transition out of terminated")
	}
}

func TestTouch_FlipsIdleBackToActive(t *testing.T) {
	m := newTestManager(t)
	id := m.CreateSession()
	m.UpdateStatus(id, StatusIdle)

	m.Touch(id)

	s, _ := m.GetSession(id)
	if s.Status() != StatusActive {
		t.Fatalf("expected touch to flip idle to active, got %v", s.Status())
	}
}

func TestAddPtyRemovePty_TracksMembership(t *testing.T) {
	m := newTestManager(t)
	id := m.CreateSession()

	m.AddPty(id, "pty-1")
	s, _ := m.GetSession(id)
	refs := s.PtyRefs()
	if len(refs) != 1 || refs[0] != "pty-1" {
		t.Fatalf("expected pty-1 to be bound, got %+v", refs)
	}

	m.RemovePty(id, "pty-1")
	if len(s.PtyRefs()) != 0 {
		t.Fatalf("expected pty-1 to be unbound")
	}
}

func TestDisposeSession_RemovesSessionAndPtyManager(t *testing.T) {
	m := newTestManager(t)
	id := m.CreateSession()

	if !m.DisposeSession(id) {
		t.Fatalf("expected dispose to succeed")
	}
	if _, ok := m.GetSession(id); ok {
		t.Fatalf("expected session to be removed after dispose")
	}
	if _, ok := m.GetPtyManager(id); ok {
		t.Fatalf("expected pty manager to be removed after dispose")
	}
}

func TestDisposeSession_IsIdempotent(t *testing.T) {
	m := newTestManager(t)
	id := m.CreateSession()

	m.DisposeSession(id)
	if m.DisposeSession(id) {
		t.Fatalf("expected second dispose of an already-gone session to report false")
	}
}

func TestEventBus_EmitsCreatedAndTerminated(t *testing.T) {
	m := newTestManager(t)

	var events []EventType
	m.Subscribe(func(ev Event) { events = append(events, ev.Type) })

	id := m.CreateSession()
	m.DisposeSession(id)

	if len(events) < 2 || events[0] != EventCreated || events[len(events)-1] != EventTerminated {
		t.Fatalf("expected created...terminated event sequence, got %+v", events)
	}
}

func TestEventBus_ListenerPanicIsRecovered(t *testing.T) {
	m := newTestManager(t)
	m.Subscribe(func(Event) { panic("boom") })

	id := m.CreateSession()
	if _, ok := m.GetSession(id); !ok {
		t.Fatalf("expected session creation to survive a panicking listener")
	}
}

func TestMonitorIdleSessions_DisposesStaleIdleSessions(t *testing.T) {
	m := newTestManager(t)
	id := m.CreateSession()
	m.UpdateStatus(id, StatusIdle)

	s, _ := m.GetSession(id)
	s.mu.Lock()
	s.lastActivity = time.Now().Add(-idleThreshold - time.Second)
	s.mu.Unlock()

	m.MonitorIdleSessions()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.GetSession(id); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected stale idle session to be disposed")
}

func TestMonitorIdleSessions_TransitionsActiveToIdle(t *testing.T) {
	m := newTestManager(t)
	id := m.CreateSession()
	m.UpdateStatus(id, StatusActive)

	s, _ := m.GetSession(id)
	s.mu.Lock()
	s.lastActivity = time.Now().Add(-idleThreshold - time.Second)
	s.mu.Unlock()

	m.MonitorIdleSessions()

	if got := s.Status(); got != StatusIdle {
		t.Fatalf("expected stale active session to be marked idle, got %v", got)
	}
}
