// Package session tracks live MCP sessions: id issuance, the 1:1 binding
// between a session and an EventStore stream, idle expiry, and explicit
// teardown, adapted from the teacher's SessionTracker/ActiveSession shape.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ClientInfo describes the connecting MCP client (parsed from the
// `initialize` request's `clientInfo` field).
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Session is a live MCP session bound 1:1 to an EventStore stream id.
type Session struct {
	ID            string      `json:"id"`
	StreamID      string      `json:"streamId"`
	ClientInfo    *ClientInfo `json:"clientInfo,omitempty"`
	ConnectedAt   time.Time   `json:"connectedAt"`
	CurrentTool   string      `json:"currentTool"`
	ToolStartedAt *time.Time  `json:"toolStartedAt,omitempty"`

	lastActivity atomic.Int64 // unix nanos
	requestCount atomic.Int64
	errorCount   atomic.Int64
	mu           sync.Mutex // protects CurrentTool/ToolStartedAt
}

// Snapshot is the JSON-serializable, race-free view of a Session.
type Snapshot struct {
	ID            string      `json:"id"`
	StreamID      string      `json:"streamId"`
	ClientInfo    *ClientInfo `json:"clientInfo,omitempty"`
	ConnectedAt   time.Time   `json:"connectedAt"`
	CurrentTool   string      `json:"currentTool"`
	ToolStartedAt *time.Time  `json:"toolStartedAt,omitempty"`
	LastActivity  time.Time   `json:"lastActivity"`
	RequestCount  int64       `json:"requestCount"`
	ErrorCount    int64       `json:"errorCount"`
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	currentTool := s.CurrentTool
	toolStartedAt := s.ToolStartedAt
	s.mu.Unlock()

	return Snapshot{
		ID:            s.ID,
		StreamID:      s.StreamID,
		ClientInfo:    s.ClientInfo,
		ConnectedAt:   s.ConnectedAt,
		CurrentTool:   currentTool,
		ToolStartedAt: toolStartedAt,
		LastActivity:  time.Unix(0, s.lastActivity.Load()),
		RequestCount:  s.requestCount.Load(),
		ErrorCount:    s.errorCount.Load(),
	}
}

// Manager is a process-wide registry of active sessions.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	idleTimeout time.Duration
	stopCh      chan struct{}
	wg          sync.WaitGroup
	onEvict     func(sessionID string)
}

// Config configures a Manager.
type Config struct {
	// IdleTimeout is the duration of inactivity after which a session is
	// reaped by the sweep loop. Zero disables idle expiry.
	IdleTimeout time.Duration
	// SweepInterval controls how often the idle sweep runs. Defaults to
	// IdleTimeout/4, floored at one minute.
	SweepInterval time.Duration
	// OnEvict, if set, is called with a session's id whenever it is removed
	// from the registry, whether by explicit Delete or idle sweep. Used to
	// reap per-session state held by other components (e.g. the sequential
	// search tracker) so it doesn't outlive its session.
	OnEvict func(sessionID string)
}

// NewManager creates a Manager and, when cfg.IdleTimeout > 0, starts the
// background idle-sweep loop.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		sessions:    make(map[string]*Session),
		idleTimeout: cfg.IdleTimeout,
		stopCh:      make(chan struct{}),
		onEvict:     cfg.OnEvict,
	}
	if cfg.IdleTimeout > 0 {
		interval := cfg.SweepInterval
		if interval <= 0 {
			interval = cfg.IdleTimeout / 4
		}
		if interval < time.Minute {
			interval = time.Minute
		}
		m.wg.Add(1)
		go m.sweepLoop(interval)
	}
	return m
}

// Close stops the idle-sweep loop.
func (m *Manager) Close() {
	close(m.stopCh)
	m.wg.Wait()
}

// NewSessionID mints an opaque, URL-safe session id. google/uuid's
// canonical hex-with-hyphens form never contains an underscore, which
// structurally satisfies the "no underscore" requirement (underscore is
// reserved as the eventId/streamId separator in the event store).
func NewSessionID() string {
	return uuid.NewString()
}

// Create registers a new session bound to streamID and returns it.
func (m *Manager) Create(streamID string, clientInfo *ClientInfo) *Session {
	sess := &Session{
		ID:          NewSessionID(),
		StreamID:    streamID,
		ClientInfo:  clientInfo,
		ConnectedAt: time.Now(),
	}
	sess.touch()

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	return sess
}

// Get returns the live session for id, or nil if unknown/expired.
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	sess := m.sessions[id]
	m.mu.RUnlock()
	return sess
}

// Touch records activity on id, keeping it alive against idle expiry.
func (m *Manager) Touch(id string) {
	if sess := m.Get(id); sess != nil {
		sess.touch()
	}
}

// Delete tears a session down immediately (explicit DELETE /mcp teardown,
// or idle-sweep eviction). Returns the removed session's stream id and
// whether a session was actually found.
func (m *Manager) Delete(id string) (streamID string, ok bool) {
	m.mu.Lock()
	sess, found := m.sessions[id]
	if found {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !found {
		return "", false
	}
	if m.onEvict != nil {
		m.onEvict(id)
	}
	return sess.StreamID, true
}

// RecordToolStart marks sessionID as currently executing toolName.
func (m *Manager) RecordToolStart(sessionID, toolName string) {
	sess := m.Get(sessionID)
	if sess == nil {
		return
	}
	now := time.Now()
	sess.mu.Lock()
	sess.CurrentTool = toolName
	sess.ToolStartedAt = &now
	sess.mu.Unlock()
	sess.touch()
}

// RecordToolEnd marks sessionID idle again and updates its counters.
func (m *Manager) RecordToolEnd(sessionID string, success bool) {
	sess := m.Get(sessionID)
	if sess == nil {
		return
	}
	sess.requestCount.Add(1)
	if !success {
		sess.errorCount.Add(1)
	}
	sess.mu.Lock()
	sess.CurrentTool = ""
	sess.ToolStartedAt = nil
	sess.mu.Unlock()
	sess.touch()
}

// Snapshot returns a point-in-time view of every active session.
func (m *Manager) Snapshot() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.snapshot())
	}
	return out
}

// Count returns the number of currently tracked sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) sweepLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

func (m *Manager) sweepIdle() {
	cutoff := time.Now().Add(-m.idleTimeout).UnixNano()
	m.mu.Lock()
	var evicted []string
	for id, sess := range m.sessions {
		if sess.lastActivity.Load() < cutoff {
			delete(m.sessions, id)
			evicted = append(evicted, id)
		}
	}
	m.mu.Unlock()

	if m.onEvict != nil {
		for _, id := range evicted {
			m.onEvict(id)
		}
	}
}
