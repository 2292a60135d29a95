package push

import (
	"log"
	"sync"
	"time"

	"github.com/mudlink/mudlink/internal/logging"
)

// maxFallbackBackoff caps the exponential fallback backoff.
const maxFallbackBackoff = 10 * time.Minute

// Config holds the scheduler's throttling knobs.
type Config struct {
	SilentPushInterval   time.Duration
	ActivityPushInterval time.Duration
	ActivityAckTimeout   time.Duration
	FallbackCooldown     time.Duration
	MaxFallbacksPerHour  int
	MaxSnippetLength     int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SilentPushInterval:   20 * time.Minute,
		ActivityPushInterval: 2 * time.Minute,
		ActivityAckTimeout:   15 * time.Second,
		FallbackCooldown:     time.Minute,
		MaxFallbacksPerHour:  6,
		MaxSnippetLength:     100,
	}
}

// TrackRequest captures the session state the scheduler needs. The scheduler
// never touches sessions directly.
type TrackRequest struct {
	SessionID      string
	WorldName      string
	ConnectedSince time.Time
	DeviceToken    string
	ActivityToken  string
	LastSeq        uint64
}

// trackedSession is the per-session bookkeeping record. Its mutex serializes
// OnBufferedOutput, RecordSyncAck and the ack timeout for one session.
type trackedSession struct {
	mu sync.Mutex

	sessionID      string
	worldName      string
	connectedSince time.Time
	deviceToken    string
	activityToken  string

	lastPushedSeq      uint64
	lastSilentPushAt   time.Time
	lastActivityPushAt time.Time
	trackedAt          time.Time

	lastSyncAckAt time.Time
	lastAckSeq    uint64

	nextFallbackAllowedAt time.Time
	fallbackBackoff       time.Duration
	fallbackCountHour     int
	fallbackWindowStart   time.Time

	ackTimer *time.Timer
}

// Scheduler decides when an absent client gets woken. One record per session
// with no attached transports; the dispatcher tracks on detach and untracks
// on attach, so an attached session never receives pushes.
type Scheduler struct {
	mu       sync.Mutex
	cfg      Config
	notifier Notifier
	tracked  map[string]*trackedSession

	now func() time.Time
}

// NewScheduler creates a scheduler delivering through the given notifier.
func NewScheduler(cfg Config, notifier Notifier) *Scheduler {
	if cfg.SilentPushInterval <= 0 {
		cfg.SilentPushInterval = 20 * time.Minute
	}
	if cfg.ActivityPushInterval <= 0 {
		cfg.ActivityPushInterval = 2 * time.Minute
	}
	if cfg.ActivityAckTimeout <= 0 {
		cfg.ActivityAckTimeout = 15 * time.Second
	}
	if cfg.FallbackCooldown <= 0 {
		cfg.FallbackCooldown = time.Minute
	}
	if cfg.MaxFallbacksPerHour <= 0 {
		cfg.MaxFallbacksPerHour = 6
	}
	if cfg.MaxSnippetLength <= 0 {
		cfg.MaxSnippetLength = 100
	}
	return &Scheduler{
		cfg:      cfg,
		notifier: notifier,
		tracked:  make(map[string]*trackedSession),
		now:      time.Now,
	}
}

// Track creates or refreshes the bookkeeping record for a session.
// Idempotent: an existing record keeps its push timers and ack state but
// picks up fresh tokens.
func (s *Scheduler) Track(req TrackRequest) {
	s.mu.Lock()
	ts, ok := s.tracked[req.SessionID]
	if !ok {
		ts = &trackedSession{sessionID: req.SessionID}
		s.tracked[req.SessionID] = ts
	}
	s.mu.Unlock()

	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.worldName = req.WorldName
	ts.connectedSince = req.ConnectedSince
	ts.deviceToken = req.DeviceToken
	ts.activityToken = req.ActivityToken
	ts.trackedAt = s.now()
	if req.LastSeq > ts.lastPushedSeq {
		ts.lastPushedSeq = req.LastSeq
	}
	logging.Debug("push: tracking session %s (device=%t activity=%t)",
		req.SessionID, req.DeviceToken != "", req.ActivityToken != "")
}

// Untrack drops the record and cancels any pending ack timer.
func (s *Scheduler) Untrack(sessionID string) {
	s.mu.Lock()
	ts, ok := s.tracked[sessionID]
	delete(s.tracked, sessionID)
	s.mu.Unlock()
	if !ok {
		return
	}

	ts.mu.Lock()
	if ts.ackTimer != nil {
		ts.ackTimer.Stop()
		ts.ackTimer = nil
	}
	ts.mu.Unlock()
}

func (s *Scheduler) lookup(sessionID string) *trackedSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracked[sessionID]
}

// OnBufferedOutput is invoked after new output was buffered for a session
// with no attached clients. It coalesces pushes per the configured
// intervals: the activity update goes first, then the silent push.
func (s *Scheduler) OnBufferedOutput(sessionID string, latestSeq uint64, snippetSource string) {
	ts := s.lookup(sessionID)
	if ts == nil {
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if latestSeq <= ts.lastPushedSeq {
		return
	}

	now := s.now()
	snippet := NormalizeSnippet(snippetSource, s.cfg.MaxSnippetLength)

	shouldActivity := ts.activityToken != "" &&
		now.Sub(ts.lastActivityPushAt) >= s.cfg.ActivityPushInterval
	shouldSilent := ts.deviceToken != "" &&
		now.Sub(ts.lastSilentPushAt) >= s.cfg.SilentPushInterval

	if shouldActivity {
		content := ActivityContent{
			Status:            "connected",
			WorldName:         ts.worldName,
			LastOutputSnippet: snippet,
			ConnectedSince:    ts.connectedSince,
			LastSyncTime:      ts.lastSyncAckAt,
		}
		if s.notifier.SendActivityPush(ts.activityToken, content) {
			ts.lastActivityPushAt = now
			ts.lastPushedSeq = latestSeq
			s.scheduleAckTimeoutLocked(ts, latestSeq)
		} else {
			log.Printf("WARN: Push: activity update failed for session %s", sessionID)
		}
	}

	if shouldSilent {
		if s.notifier.SendSilentPush(ts.deviceToken, sessionID) {
			ts.lastSilentPushAt = now
			ts.lastPushedSeq = latestSeq
		} else {
			log.Printf("WARN: Push: silent push failed for session %s", sessionID)
		}
	}
}

// scheduleAckTimeoutLocked arms the ack timer for an activity push. The
// caller holds ts.mu.
func (s *Scheduler) scheduleAckTimeoutLocked(ts *trackedSession, pushedSeq uint64) {
	if ts.ackTimer != nil {
		ts.ackTimer.Stop()
	}
	id := ts.sessionID
	ts.ackTimer = time.AfterFunc(s.cfg.ActivityAckTimeout, func() {
		s.handleAckTimeout(id, pushedSeq)
	})
}

// RecordSyncAck notes that the client reconnected and consumed output up to
// lastSeq. Idempotent: repeating the same seq leaves the state unchanged.
func (s *Scheduler) RecordSyncAck(sessionID string, lastSeq uint64) {
	ts := s.lookup(sessionID)
	if ts == nil {
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if lastSeq > ts.lastAckSeq {
		ts.lastAckSeq = lastSeq
	}
	ts.lastSyncAckAt = s.now()
	ts.fallbackBackoff = s.cfg.FallbackCooldown
	if ts.ackTimer != nil {
		ts.ackTimer.Stop()
		ts.ackTimer = nil
	}
}

// handleAckTimeout fires when an activity push was not acknowledged in time.
// If the device never resynced, a fallback silent push is sent, subject to
// the hourly cap and exponential backoff.
func (s *Scheduler) handleAckTimeout(sessionID string, pushedSeq uint64) {
	ts := s.lookup(sessionID)
	if ts == nil {
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.lastAckSeq >= pushedSeq {
		return
	}
	if ts.deviceToken == "" {
		return
	}

	now := s.now()

	// A recent silent push already woke the device; no point stacking
	// another.
	if now.Sub(ts.lastSilentPushAt) < s.cfg.SilentPushInterval {
		return
	}

	if now.Sub(ts.fallbackWindowStart) >= time.Hour {
		ts.fallbackWindowStart = now
		ts.fallbackCountHour = 0
	}
	if ts.fallbackCountHour >= s.cfg.MaxFallbacksPerHour {
		logging.Debug("push: fallback cap reached for session %s", sessionID)
		return
	}
	if now.Before(ts.nextFallbackAllowedAt) {
		return
	}

	if !s.notifier.SendSilentPush(ts.deviceToken, sessionID) {
		log.Printf("WARN: Push: fallback silent push failed for session %s", sessionID)
		return
	}

	ts.lastSilentPushAt = now
	ts.fallbackCountHour++
	if ts.fallbackBackoff <= 0 {
		ts.fallbackBackoff = s.cfg.FallbackCooldown
	}
	ts.nextFallbackAllowedAt = now.Add(ts.fallbackBackoff)
	ts.fallbackBackoff *= 2
	if ts.fallbackBackoff > maxFallbackBackoff {
		ts.fallbackBackoff = maxFallbackBackoff
	}
	logging.Debug("push: fallback silent push sent for session %s (count=%d)", sessionID, ts.fallbackCountHour)
}

// TrackedCount returns how many sessions are currently tracked.
func (s *Scheduler) TrackedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracked)
}

// Sweep removes records untouched for longer than maxAge. Untrack normally
// runs on resume or close; this bounds memory when a close was missed.
func (s *Scheduler) Sweep(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, ts := range s.tracked {
		ts.mu.Lock()
		idle := now.Sub(ts.trackedAt)
		if ts.lastSyncAckAt.After(ts.trackedAt) {
			idle = now.Sub(ts.lastSyncAckAt)
		}
		stale := idle > maxAge
		if stale && ts.ackTimer != nil {
			ts.ackTimer.Stop()
			ts.ackTimer = nil
		}
		ts.mu.Unlock()
		if stale {
			delete(s.tracked, id)
			removed++
		}
	}
	return removed
}
