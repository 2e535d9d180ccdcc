package main

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/atomic"

	"github.com/meowid/breed-service/logger"
	"github.com/meowid/breed-service/metrics"
	"github.com/meowid/breed-service/pipeline"
)

var (
	errSessionNotFound = errors.New("session not found")
	errTooManySessions = errors.New("too many open sessions")
)

// Session is one client's pipeline. Each session owns its orchestrator, so
// uploads from different clients never cancel each other.
type Session struct {
	ID           string
	Orchestrator *pipeline.Orchestrator

	lastSeen *atomic.Int64
}

func (s *Session) touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

func (s *Session) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastSeen.Load()))
}

// SessionRegistry holds open sessions and evicts the ones idle for longer than ttl.
type SessionRegistry struct {
	sessions        cmap.ConcurrentMap[*Session]
	newOrchestrator func(id string) *pipeline.Orchestrator
	ttl             time.Duration
	maxSessions     int

	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	now       func() time.Time
}

func NewSessionRegistry(ttl time.Duration, maxSessions int, newOrchestrator func(id string) *pipeline.Orchestrator) *SessionRegistry {
	return &SessionRegistry{
		sessions:        cmap.New[*Session](),
		newOrchestrator: newOrchestrator,
		ttl:             ttl,
		maxSessions:     maxSessions,
		done:            make(chan struct{}),
		now:             time.Now,
	}
}

// Create opens a session with a fresh id.
func (r *SessionRegistry) Create() (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions.Count() >= r.maxSessions {
		return nil, errTooManySessions
	}

	id := uuid.NewString()
	s := &Session{
		ID:           id,
		Orchestrator: r.newOrchestrator(id),
		lastSeen:     atomic.NewInt64(r.now().UnixNano()),
	}
	r.sessions.Set(id, s)
	metrics.ActiveSessions.Inc()
	logger.With("session", id).Debugf("session opened")
	return s, nil
}

// Get returns the session and marks it as used.
func (r *SessionRegistry) Get(id string) (*Session, error) {
	s, ok := r.sessions.Get(id)
	if !ok {
		return nil, errSessionNotFound
	}
	s.touch(r.now())
	return s, nil
}

// Delete closes the session and cancels its run in flight.
func (r *SessionRegistry) Delete(id string) error {
	s, ok := r.sessions.Pop(id)
	if !ok {
		return errSessionNotFound
	}
	r.closeSession(s, "deleted")
	return nil
}

func (r *SessionRegistry) Len() int {
	return r.sessions.Count()
}

// Serve evicts idle sessions every interval until Close is called.
func (r *SessionRegistry) Serve(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.evictIdle()
		case <-r.done:
			return
		}
	}
}

func (r *SessionRegistry) evictIdle() {
	now := r.now()
	for item := range r.sessions.IterBuffered() {
		if item.Val.idleSince(now) < r.ttl {
			continue
		}
		if s, ok := r.sessions.Pop(item.Key); ok {
			r.closeSession(s, "expired")
		}
	}
}

// Close stops the janitor and closes every session.
func (r *SessionRegistry) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		for _, key := range r.sessions.Keys() {
			if s, ok := r.sessions.Pop(key); ok {
				r.closeSession(s, "shutdown")
			}
		}
	})
}

func (r *SessionRegistry) closeSession(s *Session, reason string) {
	s.Orchestrator.Close()
	metrics.ActiveSessions.Dec()
	logger.With("session", s.ID).Debugf("session closed: %s", reason)
}
