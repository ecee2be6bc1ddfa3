package realtime

import (
	"slices"
	"sync"
)

// UserChannel is the personal channel of a user. Every identified session
// of the user is joined to it.
func UserChannel(userID string) string { return "user:" + userID }

// ChatChannel is the room channel of a chat.
func ChatChannel(chatID string) string { return "chat:" + chatID }

// Registry maps live sessions to the channels they joined. Membership is
// owned by the connection: removing a session drops all of it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	members  map[string]map[string]*Session // channel -> session id -> session
	joined   map[string]map[string]struct{} // session id -> channels
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		members:  make(map[string]map[string]*Session),
		joined:   make(map[string]map[string]struct{}),
	}
}

// Add registers a session without any membership.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
	if _, ok := r.joined[s.ID()]; !ok {
		r.joined[s.ID()] = make(map[string]struct{})
	}
}

// Remove unregisters a session and drops all its memberships.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.joined[sessionID] {
		delete(r.members[ch], sessionID)
		if len(r.members[ch]) == 0 {
			delete(r.members, ch)
		}
	}
	delete(r.joined, sessionID)
	delete(r.sessions, sessionID)
}

// Join adds a registered session to channel. It reports false for unknown
// sessions.
func (r *Registry) Join(sessionID, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	if r.members[channel] == nil {
		r.members[channel] = make(map[string]*Session)
	}
	r.members[channel][sessionID] = s
	r.joined[sessionID][channel] = struct{}{}
	return true
}

// Joined reports whether the session is a member of channel.
func (r *Registry) Joined(sessionID, channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.joined[sessionID][channel]
	return ok
}

// Sessions returns the sessions joined to channel.
func (r *Registry) Sessions(channel string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.members[channel]))
	for _, s := range r.members[channel] {
		out = append(out, s)
	}
	return out
}

// Channels returns the channels of a session in lexical order.
func (r *Registry) Channels(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.joined[sessionID]))
	for ch := range r.joined[sessionID] {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
