package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownSession   = errors.New("unknown session")
	ErrIdentityConflict = errors.New("session already registered under another identity")
)

// Registry owns every open session and maps identities to the sessions
// registered under them. One identity may hold several sessions.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	byIdentity map[string]map[string]struct{}
	identityOf map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:   make(map[string]*Session),
		byIdentity: make(map[string]map[string]struct{}),
		identityOf: make(map[string]string),
	}
}

// Add takes ownership of a newly accepted session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

// TryAdd is Add bounded by limit open sessions. A limit of zero means
// unlimited.
func (r *Registry) TryAdd(s *Session, limit int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit > 0 && len(r.sessions) >= limit {
		return false
	}
	r.sessions[s.ID()] = s
	return true
}

// Get returns the open session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove unregisters the session and drops ownership of it. It returns the
// removed session, or false when it was already gone.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	r.unregisterLocked(id)
	delete(r.sessions, id)
	return s, true
}

// Register adds sessionID under identity. Registering the same pair twice
// is a no-op.
func (r *Registry) Register(identity, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; !ok {
		return fmt.Errorf("register %s: %w", sessionID, ErrUnknownSession)
	}
	if current, ok := r.identityOf[sessionID]; ok {
		if current == identity {
			return nil
		}
		return fmt.Errorf("register %s as %q (held by %q): %w", sessionID, identity, current, ErrIdentityConflict)
	}
	set, ok := r.byIdentity[identity]
	if !ok {
		set = make(map[string]struct{})
		r.byIdentity[identity] = set
	}
	set[sessionID] = struct{}{}
	r.identityOf[sessionID] = identity
	return nil
}

// Unregister removes sessionID from whichever identity holds it.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(sessionID)
}

func (r *Registry) unregisterLocked(sessionID string) {
	identity, ok := r.identityOf[sessionID]
	if !ok {
		return
	}
	delete(r.identityOf, sessionID)
	set := r.byIdentity[identity]
	delete(set, sessionID)
	if len(set) == 0 {
		delete(r.byIdentity, identity)
	}
}

// SessionsOf returns a sorted snapshot of the session ids under identity.
func (r *Registry) SessionsOf(identity string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byIdentity[identity]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IdentityOf returns the identity sessionID is registered under.
func (r *Registry) IdentityOf(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.identityOf[sessionID]
	return identity, ok
}

func (r *Registry) IsOnline(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[identity]) > 0
}

// ListOnlineIdentities returns the sorted real identities with at least
// one session. Anonymous identities are excluded.
func (r *Registry) ListOnlineIdentities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byIdentity))
	for identity := range r.byIdentity {
		if IsAnonymousIdentity(identity) {
			continue
		}
		out = append(out, identity)
	}
	sort.Strings(out)
	return out
}

// All returns a snapshot of every open session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Counts breaks the open sessions down by state.
func (r *Registry) Counts() map[State]int {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	counts := make(map[State]int, 3)
	for _, s := range sessions {
		counts[s.State()]++
	}
	return counts
}
