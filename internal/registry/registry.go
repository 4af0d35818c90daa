package registry

import (
	"log"
	"sort"
	"strings"
	"sync"

	"chatrelay/pkg/types"
)

// DefaultRoom is the room assigned when a connection supplies no room id.
const DefaultRoom = "default"

// Sink is the delivery endpoint of one connection. Send must not block on
// network I/O; implementations enqueue into a per-connection buffer drained
// by a dedicated writer.
type Sink interface {
	Send(data []byte) error
}

// Identity is the client-supplied display identity of a connection.
type Identity struct {
	Username string
	Avatar   string
}

// member is one live connection. Owned exclusively by the Registry; all
// fields are guarded by the Registry mutex.
type member struct {
	id            string
	sink          Sink
	remoteAddr    string
	requestedRoom string // room id supplied at connect time, normalized at assignment
	identity      Identity
	room          string // empty until assigned
	seq           uint64 // join order within the room
}

// Registry tracks live connections and groups the joined ones by room. It is
// the single lock domain for connection state, room membership, and presence,
// so broadcasts and snapshots always observe a consistent member set. The
// mutex guards in-memory map access only; delivery happens outside it.
type Registry struct {
	mu      sync.RWMutex
	members map[string]*member            // connection id -> member (including pre-join)
	rooms   map[string]map[string]*member // room id -> connection id -> member
	seq     uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		members: make(map[string]*member),
		rooms:   make(map[string]map[string]*member),
	}
}

// Register creates an unassigned entry for a freshly opened connection.
// requestedRoom is the room id supplied at connect time; it takes effect at
// AssignRoom, not here, so an unjoined connection is invisible to rooms.
func (r *Registry) Register(id string, sink Sink, remoteAddr, requestedRoom string) error {
	if id == "" {
		return ErrEmptyConnectionID
	}
	if sink == nil {
		return ErrNilSink
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.members[id]; exists {
		return ErrDuplicateConnection
	}
	r.members[id] = &member{
		id:            id,
		sink:          sink,
		remoteAddr:    remoteAddr,
		requestedRoom: requestedRoom,
	}
	return nil
}

// SetIdentity stores the display identity of a connection. The name must be
// non-blank after trimming. Identity is overwritable only before room
// assignment; once the session has joined, the first identity wins.
func (r *Registry) SetIdentity(id, username, avatar string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return ErrInvalidIdentity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.members[id]
	if !exists {
		return ErrUnknownConnection
	}
	if m.room != "" {
		return ErrAlreadyAssigned
	}
	m.identity = Identity{Username: username, Avatar: avatar}
	return nil
}

// AssignRoom places a connection into a room, normalizing an empty room id to
// DefaultRoom. A session joins exactly once; a second assignment fails with
// ErrAlreadyAssigned. Returns the normalized room id.
func (r *Registry) AssignRoom(id, roomID string) (string, error) {
	roomID = NormalizeRoom(roomID)

	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.members[id]
	if !exists {
		return "", ErrUnknownConnection
	}
	if m.room != "" {
		return "", ErrAlreadyAssigned
	}
	if m.identity.Username == "" {
		return "", ErrIdentityRequired
	}

	m.room = roomID
	r.seq++
	m.seq = r.seq

	if r.rooms[roomID] == nil {
		r.rooms[roomID] = make(map[string]*member)
	}
	r.rooms[roomID][id] = m
	return roomID, nil
}

// Remove deletes a connection. It reports the identity and room the
// connection held so the caller can announce the departure. Unknown ids are a
// no-op, which makes duplicate disconnect signals harmless. A room left empty
// is pruned from the index; rejoining recreates it identically.
func (r *Registry) Remove(id string) (identity Identity, room string, wasJoined bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.members[id]
	if !exists {
		return Identity{}, "", false
	}
	delete(r.members, id)

	if m.room == "" {
		return m.identity, "", false
	}
	if members, ok := r.rooms[m.room]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(r.rooms, m.room)
		}
	}
	return m.identity, m.room, true
}

// IdentityOf returns the identity of a connection, if it exists.
func (r *Registry) IdentityOf(id string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.members[id]
	if !exists {
		return Identity{}, false
	}
	return m.identity, true
}

// RoomOf returns the room of a connection. ok is false when the connection is
// unknown or has not joined yet.
func (r *Registry) RoomOf(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.members[id]
	if !exists || m.room == "" {
		return "", false
	}
	return m.room, true
}

// RequestedRoom returns the room id the connection supplied at connect time.
func (r *Registry) RequestedRoom(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.members[id]
	if !exists {
		return "", false
	}
	return m.requestedRoom, true
}

// MembersOf returns the connection ids currently in a room, in join order.
// Unknown rooms yield an empty result, never an error.
func (r *Registry) MembersOf(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.sortedMembers(NormalizeRoom(roomID))
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.id
	}
	return ids
}

// Broadcast delivers an encoded event to every member of a room except
// excludeID. The membership snapshot is taken under the lock; delivery runs
// outside it so a slow receiver never stalls map access. Delivery is
// fire-and-forget per member: one failed send is logged and the rest proceed.
func (r *Registry) Broadcast(roomID string, data []byte, excludeID string) {
	r.mu.RLock()
	members := r.rooms[NormalizeRoom(roomID)]
	targets := make([]*member, 0, len(members))
	for id, m := range members {
		if id == excludeID {
			continue
		}
		targets = append(targets, m)
	}
	r.mu.RUnlock()

	for _, m := range targets {
		if err := m.sink.Send(data); err != nil {
			log.Printf("broadcast delivery failed: conn=%s room=%s: %v", m.id, roomID, err)
		}
	}
}

// Send delivers an encoded event to a single connection, typically an error
// acknowledgment to the sender of a rejected event.
func (r *Registry) Send(id string, data []byte) error {
	r.mu.RLock()
	m, exists := r.members[id]
	r.mu.RUnlock()

	if !exists {
		return ErrUnknownConnection
	}
	return m.sink.Send(data)
}

// Snapshot computes the live presence of a room: the online count and the
// member identities in join order. It is always recomputed from the room
// index under the lock, never served from a cache, so the count equals the
// member-set size at every point in a join/leave sequence.
func (r *Registry) Snapshot(roomID string) types.PresencePayload {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.sortedMembers(NormalizeRoom(roomID))
	snapshot := types.PresencePayload{
		OnlineCount: len(members),
		OnlineUsers: make([]types.PresenceMember, len(members)),
	}
	for i, m := range members {
		snapshot.OnlineUsers[i] = types.PresenceMember{
			Username: m.identity.Username,
			Avatar:   m.identity.Avatar,
		}
	}
	return snapshot
}

// Stats returns registry counters for the health endpoint.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"connections":  len(r.members),
		"active_rooms": len(r.rooms),
	}
}

// sortedMembers returns a room's members ordered by join sequence. Callers
// must hold at least the read lock.
func (r *Registry) sortedMembers(roomID string) []*member {
	room := r.rooms[roomID]
	members := make([]*member, 0, len(room))
	for _, m := range room {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].seq < members[j].seq })
	return members
}

// NormalizeRoom maps an absent room id to DefaultRoom.
func NormalizeRoom(roomID string) string {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return DefaultRoom
	}
	return roomID
}
