package session

import (
	"testing"
	"time"
)

func newTestManager(limits Limits) *Manager {
	return NewManager(limits)
}

func createTestSession(m *Manager, device, ip string) *Session {
	return m.Create("mud.example.com", 4000, device, ip, 4096, "mudlink", "1.0", nil)
}

func TestAdmitDeniesOverIPCap(t *testing.T) {
	m := newTestManager(Limits{MaxPerIP: 2})
	createTestSession(m, "d1", "198.51.100.9")
	createTestSession(m, "d2", "198.51.100.9")

	res := m.Admit("d3", "198.51.100.9")
	if res.Allowed {
		t.Fatal("expected denial over IP cap")
	}
	if res.Reason != "Connection limit exceeded for this IP address" {
		t.Errorf("unexpected reason %q", res.Reason)
	}

	// A different IP is unaffected.
	if res := m.Admit("d3", "198.51.100.10"); !res.Allowed {
		t.Errorf("unrelated IP denied: %q", res.Reason)
	}
}

func TestAdmitEvictsOldestForDevice(t *testing.T) {
	m := newTestManager(Limits{MaxPerDevice: 2})
	s1 := createTestSession(m, "device-x", "198.51.100.1")
	s2 := createTestSession(m, "device-x", "198.51.100.2")
	s2.CreatedAt = s1.CreatedAt.Add(time.Minute)

	res := m.Admit("device-x", "198.51.100.3")
	if !res.Allowed {
		t.Fatalf("expected admission with eviction, denied: %q", res.Reason)
	}
	if len(res.Evicted) != 1 || res.Evicted[0] != s1 {
		t.Fatalf("expected oldest session evicted, got %+v", res.Evicted)
	}
	if s1.State() != StateClosed {
		t.Error("evicted session not closed")
	}
	if m.Get(s1.ID) != nil {
		t.Error("evicted session still registered")
	}
	if m.Get(s2.ID) == nil {
		t.Error("newer session was removed")
	}
}

func TestAdmitRateLimitsPerIP(t *testing.T) {
	m := newTestManager(Limits{ConnectBurst: 1, ConnectPerSecond: 0.001})

	if res := m.Admit("d", "203.0.113.1"); !res.Allowed {
		t.Fatalf("first connection denied: %q", res.Reason)
	}
	res := m.Admit("d", "203.0.113.1")
	if res.Allowed {
		t.Fatal("expected rate-limit denial")
	}
	if res.Reason != "Connection rate exceeded for this IP address" {
		t.Errorf("unexpected reason %q", res.Reason)
	}

	// Other IPs have their own bucket.
	if res := m.Admit("d", "203.0.113.2"); !res.Allowed {
		t.Errorf("unrelated IP rate limited: %q", res.Reason)
	}
}

func TestValidateToken(t *testing.T) {
	m := newTestManager(Limits{})
	s := createTestSession(m, "d", "203.0.113.1")

	if !m.ValidateToken(s.ID, s.AuthToken) {
		t.Error("valid token rejected")
	}
	if m.ValidateToken(s.ID, "deadbeef") {
		t.Error("wrong token accepted")
	}
	if m.ValidateToken("no-such-session", s.AuthToken) {
		t.Error("unknown session validated")
	}
}

func TestAttachDetachTransport(t *testing.T) {
	m := newTestManager(Limits{})
	s := createTestSession(m, "d", "203.0.113.1")
	tr := &fakeTransport{}

	if !m.AttachTransport(s.ID, tr) {
		t.Fatal("attach failed")
	}
	if m.SessionForTransport(tr) != s {
		t.Error("transport not bound")
	}
	if !s.HasClients() {
		t.Error("session has no client after attach")
	}

	if got := m.DetachTransport(tr); got != s {
		t.Errorf("detach returned %v", got)
	}
	if s.HasClients() {
		t.Error("client still attached after detach")
	}
	if m.DetachTransport(tr) != nil {
		t.Error("second detach returned a session")
	}
}

func TestAttachMovesTransportBetweenSessions(t *testing.T) {
	m := newTestManager(Limits{})
	s1 := createTestSession(m, "d", "203.0.113.1")
	s2 := createTestSession(m, "d", "203.0.113.1")
	tr := &fakeTransport{}

	m.AttachTransport(s1.ID, tr)
	if !m.AttachTransport(s2.ID, tr) {
		t.Fatal("re-attach failed")
	}

	if s1.HasClients() {
		t.Error("transport still attached to old session")
	}
	if m.SessionForTransport(tr) != s2 {
		t.Error("transport not bound to new session")
	}
}

func TestAttachUnknownSessionFails(t *testing.T) {
	m := newTestManager(Limits{})
	if m.AttachTransport("missing", &fakeTransport{}) {
		t.Error("attach to unknown session succeeded")
	}
}

func TestCleanupInactiveExpiresIdleSessions(t *testing.T) {
	m := newTestManager(Limits{SessionTTL: time.Hour})
	idle := createTestSession(m, "d1", "203.0.113.1")
	active := createTestSession(m, "d2", "203.0.113.1")
	m.AttachTransport(active.ID, &fakeTransport{})

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if removed := m.CleanupInactive(); removed != 1 {
		t.Fatalf("expected 1 expired, got %d", removed)
	}
	if m.Get(idle.ID) != nil {
		t.Error("idle session survived TTL")
	}
	if idle.State() != StateClosed {
		t.Error("expired session not closed")
	}
	if m.Get(active.ID) == nil {
		t.Error("attached session was reaped")
	}
}

func TestExpiredSparesAttachedSessions(t *testing.T) {
	m := newTestManager(Limits{SessionTTL: time.Hour})
	s := createTestSession(m, "d", "203.0.113.1")
	m.AttachTransport(s.ID, &fakeTransport{})

	m.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	if m.Expired(s) {
		t.Error("attached session reported expired")
	}
}

func TestRemoveIsIdempotentAndFreesIPSlot(t *testing.T) {
	m := newTestManager(Limits{MaxPerIP: 1})
	s := createTestSession(m, "d", "203.0.113.1")

	m.Remove(s.ID)
	m.Remove(s.ID)

	if m.Count() != 0 {
		t.Errorf("expected empty registry, got %d", m.Count())
	}
	if res := m.Admit("d", "203.0.113.1"); !res.Allowed {
		t.Errorf("IP slot not freed: %q", res.Reason)
	}
}
