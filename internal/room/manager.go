package room

import (
	"sort"
	"sync"
)

// Manager tracks which sessions belong to which rooms. Rooms exist only
// while they have members.
type Manager struct {
	mu        sync.RWMutex
	rooms     map[string]map[string]struct{}
	bySession map[string]map[string]struct{}
}

func NewManager() *Manager {
	return &Manager{
		rooms:     make(map[string]map[string]struct{}),
		bySession: make(map[string]map[string]struct{}),
	}
}

// Join adds sessionID to the named room, creating it on first join. It
// reports whether membership changed. Malformed names are rejected and
// leave membership untouched.
func (m *Manager) Join(sessionID, name string) (bool, error) {
	if err := Validate(name); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.rooms[name]
	if !ok {
		members = make(map[string]struct{})
		m.rooms[name] = members
	}
	if _, ok := members[sessionID]; ok {
		return false, nil
	}
	members[sessionID] = struct{}{}

	joined, ok := m.bySession[sessionID]
	if !ok {
		joined = make(map[string]struct{})
		m.bySession[sessionID] = joined
	}
	joined[name] = struct{}{}
	return true, nil
}

// Leave removes sessionID from the named room, pruning it when empty.
func (m *Manager) Leave(sessionID, name string) (bool, error) {
	if err := Validate(name); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaveLocked(sessionID, name), nil
}

func (m *Manager) leaveLocked(sessionID, name string) bool {
	members, ok := m.rooms[name]
	if !ok {
		return false
	}
	if _, ok := members[sessionID]; !ok {
		return false
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(m.rooms, name)
	}
	if joined, ok := m.bySession[sessionID]; ok {
		delete(joined, name)
		if len(joined) == 0 {
			delete(m.bySession, sessionID)
		}
	}
	return true
}

// PurgeSession removes sessionID from every room and returns the rooms it
// left.
func (m *Manager) PurgeSession(sessionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	joined := m.bySession[sessionID]
	left := make([]string, 0, len(joined))
	for name := range joined {
		left = append(left, name)
	}
	for _, name := range left {
		m.leaveLocked(sessionID, name)
	}
	sort.Strings(left)
	return left
}

// MembersOf returns a sorted snapshot of the room's members.
func (m *Manager) MembersOf(name string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.rooms[name])
}

// RoomsOf returns a sorted snapshot of the rooms sessionID belongs to.
func (m *Manager) RoomsOf(sessionID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.bySession[sessionID])
}

// Count returns the number of non-empty rooms.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// MemberCounts returns the member count of every room.
func (m *Manager) MemberCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(m.rooms))
	for name, members := range m.rooms {
		out[name] = len(members)
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
