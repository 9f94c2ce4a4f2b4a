package relay

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrUsernameTaken = errors.New("username already taken")
	ErrNotRegistered = errors.New("connection not registered")
)

// UserInfo is one entry of a presence snapshot.
type UserInfo struct {
	Username  string `json:"username"`
	PublicKey string `json:"publicKey,omitempty"`
}

// Registry is the single source of truth for who is online. Every
// subsystem addresses connections through it by opaque id; nothing holds
// direct session references across registry boundaries, so a disconnect
// during iteration cannot invalidate another subsystem's view.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	nowFn    func() time.Time
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*session),
		nowFn:    time.Now,
	}
}

// Insert registers a freshly accepted connection.
func (r *Registry) Insert(s *session) {
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
}

// Remove evicts a connection by id. The boolean reports whether this call
// was the one that removed it, which makes the disconnect path idempotent:
// only the winning caller broadcasts the leave.
func (r *Registry) Remove(id string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	return s, true
}

// Get fetches a session by id.
func (r *Registry) Get(id string) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Join records a successful username claim for the given connection. The
// uniqueness check and the mutation happen under one lock acquisition, so
// two racing joins for the same name cannot both succeed.
func (r *Registry) Join(id, username, publicKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrNotRegistered
	}
	for otherID, other := range r.sessions {
		if otherID == id {
			continue
		}
		if other.username == username && other.State() == stateOpen {
			return ErrUsernameTaken
		}
	}
	s.username = username
	s.publicKey = publicKey
	s.joinedAt = r.nowFn()
	return nil
}

// Snapshot returns the point-in-time list of joined, open connections,
// ordered by join time. It backs both the private "users" push and every
// presence broadcast.
func (r *Registry) Snapshot() []UserInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type entry struct {
		info     UserInfo
		joinedAt time.Time
	}
	entries := make([]entry, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.username == "" || s.State() != stateOpen {
			continue
		}
		entries = append(entries, entry{
			info:     UserInfo{Username: s.username, PublicKey: s.publicKey},
			joinedAt: s.joinedAt,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].joinedAt.Equal(entries[j].joinedAt) {
			return entries[i].info.Username < entries[j].info.Username
		}
		return entries[i].joinedAt.Before(entries[j].joinedAt)
	})

	out := make([]UserInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.info)
	}
	return out
}

// ActiveUser is one row of the public stats endpoint.
type ActiveUser struct {
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joinedAt"`
}

// ActiveUsers lists joined, open connections with their join times,
// oldest first.
func (r *Registry) ActiveUsers() []ActiveUser {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ActiveUser, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.username == "" || s.State() != stateOpen {
			continue
		}
		out = append(out, ActiveUser{Username: s.username, JoinedAt: s.joinedAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].Username < out[j].Username
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Broadcastable resolves the audience for a fan-out: every open, joined
// session except excludeID. Anonymous connections never receive broadcasts.
func (r *Registry) Broadcastable(excludeID string) []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*session, 0, len(r.sessions))
	for id, s := range r.sessions {
		if id == excludeID || s.State() != stateOpen || s.username == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Resolve maps a username list to the open sessions currently holding
// those names, still excluding excludeID. Unknown names resolve to nothing.
func (r *Registry) Resolve(usernames []string, excludeID string) []*session {
	want := make(map[string]struct{}, len(usernames))
	for _, u := range usernames {
		want[u] = struct{}{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*session, 0, len(want))
	for id, s := range r.sessions {
		if id == excludeID || s.State() != stateOpen || s.username == "" {
			continue
		}
		if _, ok := want[s.username]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Username returns the username currently held by a connection.
func (r *Registry) Username(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		return s.username
	}
	return ""
}

// Len reports the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// JoinedLen reports the number of joined, open connections.
func (r *Registry) JoinedLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.username != "" && s.State() == stateOpen {
			n++
		}
	}
	return n
}

// SweepStale removes entries whose socket is no longer open but that were
// not cleanly evicted by the disconnect handler. It returns the evicted
// sessions so the caller can finish their teardown.
func (r *Registry) SweepStale() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []*session
	for id, s := range r.sessions {
		if s.State() == stateOpen {
			continue
		}
		delete(r.sessions, id)
		evicted = append(evicted, s)
	}
	return evicted
}
