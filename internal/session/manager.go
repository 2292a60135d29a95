package session

import (
	"crypto/subtle"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limits is the admission-control policy enforced at session creation.
type Limits struct {
	// SessionTTL is how long a session survives with no client attached.
	SessionTTL time.Duration
	// MaxPerDevice caps sessions per device token; the oldest is evicted
	// to make room rather than denying the new one.
	MaxPerDevice int
	// MaxPerIP caps concurrent sessions per client IP; exceeding it denies.
	MaxPerIP int
	// ConnectBurst and ConnectPerSecond smooth connection storms per IP.
	ConnectBurst     int
	ConnectPerSecond float64
}

// DefaultLimits returns the production admission policy.
func DefaultLimits() Limits {
	return Limits{
		SessionTTL:       24 * time.Hour,
		MaxPerDevice:     5,
		MaxPerIP:         10,
		ConnectBurst:     5,
		ConnectPerSecond: 1,
	}
}

// Manager owns every live session. All registry maps share one mutex;
// sessions guard their own state, and a session never calls back into the
// manager, so lock order is always manager then session.
type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	byTransport map[Transport]*Session
	byDevice    map[string][]*Session
	ipCounts    map[string]int
	ipLimiters  map[string]*rate.Limiter
	limits      Limits
	now         func() time.Time
}

// NewManager creates an empty registry with the given limits. Zero-valued
// limit fields fall back to defaults.
func NewManager(limits Limits) *Manager {
	def := DefaultLimits()
	if limits.SessionTTL <= 0 {
		limits.SessionTTL = def.SessionTTL
	}
	if limits.MaxPerDevice <= 0 {
		limits.MaxPerDevice = def.MaxPerDevice
	}
	if limits.MaxPerIP <= 0 {
		limits.MaxPerIP = def.MaxPerIP
	}
	if limits.ConnectBurst <= 0 {
		limits.ConnectBurst = def.ConnectBurst
	}
	if limits.ConnectPerSecond <= 0 {
		limits.ConnectPerSecond = def.ConnectPerSecond
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		byTransport: make(map[Transport]*Session),
		byDevice:    make(map[string][]*Session),
		ipCounts:    make(map[string]int),
		ipLimiters:  make(map[string]*rate.Limiter),
		limits:      limits,
		now:         time.Now,
	}
}

// AdmissionResult explains a denied connection.
type AdmissionResult struct {
	Allowed bool
	Reason  string
	// Evicted holds sessions closed to make room; already unregistered.
	Evicted []*Session
}

// Admit enforces the per-IP rate, per-device cap and per-IP cap before a new
// session is created. Device-cap overflow evicts the oldest session for that
// device; IP-cap overflow denies outright.
func (m *Manager) Admit(deviceToken, ip string) AdmissionResult {
	m.mu.Lock()

	limiter, ok := m.ipLimiters[ip]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(m.limits.ConnectPerSecond), m.limits.ConnectBurst)
		m.ipLimiters[ip] = limiter
	}
	if !limiter.Allow() {
		m.mu.Unlock()
		return AdmissionResult{Reason: "Connection rate exceeded for this IP address"}
	}

	var evicted []*Session
	if deviceToken != "" {
		for len(m.byDevice[deviceToken]) >= m.limits.MaxPerDevice {
			oldest := m.byDevice[deviceToken][0]
			for _, s := range m.byDevice[deviceToken] {
				if s.CreatedAt.Before(oldest.CreatedAt) {
					oldest = s
				}
			}
			m.removeLocked(oldest.ID)
			evicted = append(evicted, oldest)
		}
	}

	if m.ipCounts[ip] >= m.limits.MaxPerIP {
		m.mu.Unlock()
		for _, s := range evicted {
			s.Close()
		}
		return AdmissionResult{Reason: "Connection limit exceeded for this IP address", Evicted: evicted}
	}
	m.mu.Unlock()

	for _, s := range evicted {
		log.Printf("INFO: Session %s evicted: device limit reached", s.ID)
		s.Close()
	}
	return AdmissionResult{Allowed: true, Evicted: evicted}
}

// Create builds and registers a new session. Callers run Admit first.
func (m *Manager) Create(host string, port int, deviceToken, ip string, bufferBytes int, clientName, clientVersion string, events Events) *Session {
	s := New(host, port, deviceToken, ip, bufferBytes, clientName, clientVersion, events)

	m.mu.Lock()
	m.sessions[s.ID] = s
	if deviceToken != "" {
		m.byDevice[deviceToken] = append(m.byDevice[deviceToken], s)
	}
	m.ipCounts[ip]++
	total := len(m.sessions)
	m.mu.Unlock()

	log.Printf("INFO: Session %s created for %s (total=%d)", s.ID, s.WorldName(), total)
	return s
}

// Get returns the session for an id, nil when unknown.
func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// ValidateToken compares a resume token in constant time.
func (m *Manager) ValidateToken(id, token string) bool {
	m.mu.Lock()
	s := m.sessions[id]
	m.mu.Unlock()
	if s == nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s.AuthToken), []byte(token)) == 1
}

// Expired reports whether a session has outlived its TTL with no client.
func (m *Manager) Expired(s *Session) bool {
	if s.HasClients() {
		return false
	}
	return m.now().Sub(s.LastClientAttachAt()) > m.limits.SessionTTL
}

// AttachTransport binds a client transport to a session. A transport already
// bound elsewhere is detached from its old session first.
func (m *Manager) AttachTransport(id string, t Transport) bool {
	m.mu.Lock()
	s := m.sessions[id]
	if s == nil {
		m.mu.Unlock()
		return false
	}
	if prev, ok := m.byTransport[t]; ok && prev != s {
		prev.Detach(t)
	}
	if !s.Attach(t) {
		delete(m.byTransport, t)
		m.mu.Unlock()
		return false
	}
	m.byTransport[t] = s
	m.mu.Unlock()
	return true
}

// DetachTransport unbinds a transport, returning the session it was attached
// to (nil when none). The session keeps running.
func (m *Manager) DetachTransport(t Transport) *Session {
	m.mu.Lock()
	s, ok := m.byTransport[t]
	delete(m.byTransport, t)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	s.Detach(t)
	return s
}

// SessionForTransport returns the session a transport is bound to.
func (m *Manager) SessionForTransport(t Transport) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byTransport[t]
}

// Remove unregisters and closes a session. Idempotent.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	s := m.removeLocked(id)
	m.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// removeLocked drops a session from every registry map. Caller holds m.mu;
// the returned session still needs closing outside the lock.
func (m *Manager) removeLocked(id string) *Session {
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	delete(m.sessions, id)

	if s.DeviceToken != "" {
		list := m.byDevice[s.DeviceToken]
		for i, other := range list {
			if other == s {
				m.byDevice[s.DeviceToken] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(m.byDevice[s.DeviceToken]) == 0 {
			delete(m.byDevice, s.DeviceToken)
		}
	}

	if m.ipCounts[s.ClientIP] > 0 {
		m.ipCounts[s.ClientIP]--
	}
	if m.ipCounts[s.ClientIP] == 0 {
		delete(m.ipCounts, s.ClientIP)
	}

	for t, bound := range m.byTransport {
		if bound == s {
			delete(m.byTransport, t)
		}
	}
	return s
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CleanupInactive closes sessions whose TTL expired with no client attached
// and prunes idle per-IP limiters. Returns the number of sessions removed.
func (m *Manager) CleanupInactive() int {
	m.mu.Lock()
	now := m.now()
	var expired []*Session
	for _, s := range m.sessions {
		if s.HasClients() {
			continue
		}
		if now.Sub(s.LastClientAttachAt()) > m.limits.SessionTTL {
			expired = append(expired, s)
		}
	}
	for _, s := range expired {
		m.removeLocked(s.ID)
	}
	for ip, limiter := range m.ipLimiters {
		if m.ipCounts[ip] == 0 && limiter.Tokens() >= float64(m.limits.ConnectBurst) {
			delete(m.ipLimiters, ip)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		log.Printf("INFO: Session %s expired after %s idle", s.ID, m.limits.SessionTTL)
		s.Close()
	}
	return len(expired)
}

// All returns a snapshot of every live session.
func (m *Manager) All() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
