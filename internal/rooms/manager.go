// Package rooms tracks signaling room membership. Rooms exist only while they have members.
package rooms

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Member is one connection inside a room, together with the peer id it announced.
type Member struct {
	ConnID string
	UserID string
}

// Departure describes a membership removed by LeaveAll.
type Departure struct {
	RoomID    string
	Member    Member
	Remaining []Member
}

type set map[string]struct{}

// Manager holds room membership for the whole process.
type Manager struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]string // roomID -> connID -> userID
	joined map[string]set               // connID -> roomIDs
}

func NewManager() *Manager {
	return &Manager{
		rooms:  make(map[string]map[string]string),
		joined: make(map[string]set),
	}
}

// Join adds connID to roomID, creating the room on first use.
// It returns false when the connection was already a member.
func (m *Manager) Join(connID, roomID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.rooms[roomID]
	if !ok {
		members = make(map[string]string)
		m.rooms[roomID] = members
	}
	if _, ok := members[connID]; ok {
		return false
	}
	members[connID] = userID

	if _, ok := m.joined[connID]; !ok {
		m.joined[connID] = make(set)
	}
	m.joined[connID][roomID] = struct{}{}
	return true
}

// Leave removes connID from roomID and returns the removed member.
func (m *Manager) Leave(connID, roomID string) (Member, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaveLocked(connID, roomID)
}

// LeaveAll removes connID from every room it belongs to.
func (m *Manager) LeaveAll(connID string) []Departure {
	m.mu.Lock()
	defer m.mu.Unlock()

	roomIDs := lo.Keys(m.joined[connID])
	sort.Strings(roomIDs)

	departures := make([]Departure, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		member, ok := m.leaveLocked(connID, roomID)
		if !ok {
			continue
		}
		departures = append(departures, Departure{
			RoomID:    roomID,
			Member:    member,
			Remaining: m.membersLocked(roomID),
		})
	}
	return departures
}

// Members returns a snapshot of the room, sorted by connection id.
func (m *Manager) Members(roomID string) []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.membersLocked(roomID)
}

// Len returns the number of non-empty rooms.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

func (m *Manager) leaveLocked(connID, roomID string) (Member, bool) {
	members, ok := m.rooms[roomID]
	if !ok {
		return Member{}, false
	}
	userID, ok := members[connID]
	if !ok {
		return Member{}, false
	}

	delete(members, connID)
	if len(members) == 0 {
		delete(m.rooms, roomID)
	}
	if rooms, ok := m.joined[connID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(m.joined, connID)
		}
	}
	return Member{ConnID: connID, UserID: userID}, true
}

func (m *Manager) membersLocked(roomID string) []Member {
	members := make([]Member, 0, len(m.rooms[roomID]))
	for connID, userID := range m.rooms[roomID] {
		members = append(members, Member{ConnID: connID, UserID: userID})
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].ConnID < members[j].ConnID
	})
	return members
}
