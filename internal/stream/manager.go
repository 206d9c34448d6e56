// Package stream tracks the encode sessions of one lockstep invocation:
// the scenarios still playing and the outcome of those that finished.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/lockstep/internal/pipeline"
)

// ErrDuplicateSession is returned when a scenario is already playing.
var ErrDuplicateSession = errors.New("session already running")

// Status is where a session is in its lifecycle.
type Status int

const (
	StatusRunning Status = iota
	StatusFinished
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Session is one scenario played through its own coordinator.
type Session struct {
	Key       string
	ID        string
	Streams   []string
	StartedAt time.Time

	seq  int
	done chan struct{}

	// Written once by Finish, before done is closed.
	status  Status
	endedAt time.Time
	report  pipeline.Report
	err     error
}

// Done is closed when the session finishes.
func (s *Session) Done() <-chan struct{} { return s.done }

// Uptime returns how long the session ran, or has been running so far.
func (s *Session) Uptime() time.Duration {
	select {
	case <-s.done:
		return s.endedAt.Sub(s.StartedAt)
	default:
		return time.Since(s.StartedAt)
	}
}

// Status returns the session's lifecycle state.
func (s *Session) Status() Status {
	select {
	case <-s.done:
		return s.status
	default:
		return StatusRunning
	}
}

// Result returns the report and error recorded by Finish. It is only
// meaningful once Done is closed.
func (s *Session) Result() (pipeline.Report, error) {
	select {
	case <-s.done:
		return s.report, s.err
	default:
		return pipeline.Report{}, nil
	}
}

// Manager manages the lifecycle of sessions.
type Manager struct {
	log      *slog.Logger
	mu       sync.RWMutex
	seq      int
	running  map[string]*Session
	finished []*Session
}

// NewManager creates a new session manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "session-manager"),
		running: make(map[string]*Session),
	}
}

// Create registers a session for a scenario and its stream names. A
// scenario can be played again once its previous session finished.
func (m *Manager) Create(key string, streams []string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.running[key]; ok {
		m.log.Warn("session already running, rejecting duplicate", "key", key)
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, key)
	}

	m.seq++
	s := &Session{
		Key:       key,
		ID:        uuid.NewString(),
		Streams:   append([]string(nil), streams...),
		StartedAt: time.Now(),
		seq:       m.seq,
		done:      make(chan struct{}),
	}
	m.running[key] = s
	m.log.Info("session created", "key", key, "id", s.ID, "streams", len(streams))
	return s, nil
}

// Get returns the running session for key.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.running[key]
	return s, ok
}

// Finish records a session's outcome and closes its Done channel. A
// context cancellation counts as cancelled rather than failed.
func (m *Manager) Finish(key string, rep pipeline.Report, err error) {
	m.mu.Lock()
	s, ok := m.running[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.running, key)
	s.report = rep
	s.err = err
	s.endedAt = time.Now()
	switch {
	case err == nil:
		s.status = StatusFinished
	case errors.Is(err, context.Canceled):
		s.status = StatusCancelled
	default:
		s.status = StatusFailed
	}
	m.finished = append(m.finished, s)
	close(s.done)
	m.mu.Unlock()

	attrs := []any{"key", key, "id", s.ID, "status", s.status, "uptime", s.endedAt.Sub(s.StartedAt)}
	if err != nil {
		m.log.Warn("session ended", append(attrs, "error", err)...)
		return
	}
	m.log.Info("session ended", append(attrs, "frames", rep.Frames(), "degraded", rep.Degraded)...)
}

// Running returns the sessions still playing, in creation order.
func (m *Manager) Running() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.running))
	for _, s := range m.running {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()
	sortBySeq(sessions)
	return sessions
}

// Finished returns every finished session in creation order.
func (m *Manager) Finished() []*Session {
	m.mu.RLock()
	sessions := append([]*Session(nil), m.finished...)
	m.mu.RUnlock()
	sortBySeq(sessions)
	return sessions
}

// Reports returns the reports of finished sessions that got far enough
// to produce one, in creation order.
func (m *Manager) Reports() []pipeline.Report {
	finished := m.Finished()
	out := make([]pipeline.Report, 0, len(finished))
	for _, s := range finished {
		if s.report.ID != "" {
			out = append(out, s.report)
		}
	}
	return out
}

func sortBySeq(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].seq < sessions[j].seq })
}
