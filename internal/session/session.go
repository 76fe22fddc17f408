// Package session tracks the user session events are attributed to.
package session

import (
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gaugex/gaugex/internal/types"
)

// Session is one period of user activity.
// A zero EndTime means the session is still active.
type Session struct {
	ID         types.SessionID
	StartTime  time.Time
	EndTime    time.Time
	DeviceInfo map[string]any
}

// Active reports whether the session has not ended.
func (s Session) Active() bool { return s.EndTime.IsZero() }

// DeviceInfoFunc snapshots device attributes when a session starts.
type DeviceInfoFunc func() map[string]any

// Tracker rotates sessions on cold start and after idle timeouts.
// Safe for concurrent use.
type Tracker struct {
	timeout time.Duration
	device  DeviceInfoFunc
	now     func() time.Time
	logger  *zap.Logger

	mu           sync.Mutex
	current      *Session
	lastActivity time.Time
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithDeviceInfo sets the snapshot taken at every session start.
func WithDeviceInfo(fn DeviceInfoFunc) Option {
	return func(t *Tracker) { t.device = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker returns a tracker with no active session.
func NewTracker(timeout time.Duration, logger *zap.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		timeout: timeout,
		now:     time.Now,
		logger:  logger.Named("session"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start ends the current session, if any, and begins a new one.
// Called at cold start.
func (t *Tracker) Start() Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rotate(t.now())
}

// Touch records activity and returns the session the activity belongs to.
// A new session begins when none is active or the previous activity is older
// than the idle timeout.
func (t *Tracker) Touch() types.SessionID {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.current == nil || now.Sub(t.lastActivity) > t.timeout {
		t.rotate(now)
	}
	t.lastActivity = now
	return t.current.ID
}

// Current returns the active session.
func (t *Tracker) Current() (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return Session{}, false
	}
	return t.current.clone(), true
}

// End closes the active session, if any, and returns it.
func (t *Tracker) End() (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return Session{}, false
	}
	ended := t.endLocked(t.now())
	return ended, true
}

func (t *Tracker) rotate(now time.Time) Session {
	if t.current != nil {
		// An idle session ends at its last activity, not at the rotation time.
		end := now
		if !t.lastActivity.IsZero() && t.lastActivity.Before(now) {
			end = t.lastActivity
		}
		t.endLocked(end)
	}

	s := &Session{ID: types.NewSessionID(), StartTime: now}
	if t.device != nil {
		s.DeviceInfo = maps.Clone(t.device())
	}
	t.current = s
	t.lastActivity = now
	t.logger.Debug("session started", zap.String("session_id", string(s.ID)))
	return s.clone()
}

func (t *Tracker) endLocked(at time.Time) Session {
	s := t.current
	s.EndTime = at
	t.current = nil
	t.logger.Debug("session ended",
		zap.String("session_id", string(s.ID)),
		zap.Duration("duration", s.EndTime.Sub(s.StartTime)))
	return s.clone()
}

func (s *Session) clone() Session {
	out := *s
	out.DeviceInfo = maps.Clone(s.DeviceInfo)
	return out
}
