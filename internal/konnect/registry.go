package konnect

import "sync"

// Registry tracks live peer sessions. Sessions join on accept, before they
// are identified, and leave on close. Reads come mostly from the admin API.
type Registry struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[*Session]struct{}),
	}
}

// Add registers a live session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s] = struct{}{}
	r.mu.Unlock()
}

// Remove drops a session. Safe to call twice.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s)
	r.mu.Unlock()
}

// ByDevice returns the identified session for a device id, or nil.
func (r *Registry) ByDevice(deviceID string) *Session {
	if deviceID == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for s := range r.sessions {
		if s.DeviceID() == deviceID {
			return s
		}
	}
	return nil
}

// Supersede closes any other session already identified as deviceID. The
// newest identified session wins.
func (r *Registry) Supersede(deviceID string, keep *Session) {
	if deviceID == "" {
		return
	}

	r.mu.RLock()
	var stale []*Session
	for s := range r.sessions {
		if s != keep && s.DeviceID() == deviceID {
			stale = append(stale, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range stale {
		s.Close()
	}
}

// Sessions returns a snapshot of all live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
