// Package session tracks live client connections and their authenticated
// identities, and reaps sessions that stop heartbeating or whose credentials
// stop validating.
package session

import (
	"errors"
	"sync"
	"time"
)

// ErrSessionNotFound reports a lookup for an unregistered session id.
var ErrSessionNotFound = errors.New("session not found")

// Conn is the transport handle owned by a session. Send must be safe for
// concurrent use; Close tears the connection down with a reason the client
// can surface.
type Conn interface {
	Send(data []byte) error
	Close(reason string) error
}

// Session is one authenticated connection.
type Session struct {
	ID       string
	AgentID  string
	Token    string
	Provider string
	Roles    []string
	Conn     Conn
}

type record struct {
	session       *Session
	lastHeartbeat time.Time
}

// Registry is the connection-id indexed session table. Entries are removed
// exactly once on close; the registry is the single owner of the
// session-to-connection relation.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*record
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*record)}
}

// Register adds a session. Registering an id twice closes the previous
// connection; the newest handshake wins.
func (r *Registry) Register(sess *Session) {
	if sess == nil || sess.ID == "" {
		return
	}
	r.mu.Lock()
	prev, existed := r.sessions[sess.ID]
	r.sessions[sess.ID] = &record{session: sess, lastHeartbeat: time.Now()}
	r.mu.Unlock()
	if existed && prev.session.Conn != nil {
		prev.session.Conn.Close("superseded by new connection")
	}
}

// TouchHeartbeat records liveness for the session.
func (r *Registry) TouchHeartbeat(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	rec.lastHeartbeat = time.Now()
	return nil
}

// Unregister removes the session and reports whether it was present. The
// connection itself is not closed here; callers own that.
func (r *Registry) Unregister(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; !ok {
		return false
	}
	delete(r.sessions, sessionID)
	return true
}

// Get returns the session for the id.
func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return rec.session, nil
}

// ListActive returns every registered session.
func (r *Registry) ListActive() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, rec := range r.sessions {
		out = append(out, rec.session)
	}
	return out
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// LastHeartbeat returns the session's most recent heartbeat time.
func (r *Registry) LastHeartbeat(sessionID string) (time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sessions[sessionID]
	if !ok {
		return time.Time{}, ErrSessionNotFound
	}
	return rec.lastHeartbeat, nil
}

// staleSessions returns sessions whose heartbeat is older than cutoff.
func (r *Registry) staleSessions(cutoff time.Time) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stale []*Session
	for _, rec := range r.sessions {
		if rec.lastHeartbeat.Before(cutoff) {
			stale = append(stale, rec.session)
		}
	}
	return stale
}
