package gateway

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Socket is one client connection as the gateway sees it.
type Socket interface {
	ID() string
	RemoteAddr() string
	// Send queues an encoded frame for the client. It must not block.
	Send(frame []byte) error
	Close() error
}

// Rooms tracks which local sockets belong to which rooms and delivers
// frames to them. A socket may be in any number of rooms.
type Rooms struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]Socket
	members map[string]map[string]struct{} // socket id -> rooms
}

func NewRooms() *Rooms {
	return &Rooms{
		rooms:   make(map[string]map[string]Socket),
		members: make(map[string]map[string]struct{}),
	}
}

// Join adds s to room and returns the room size afterwards.
func (r *Rooms) Join(room string, s Socket) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	sockets, ok := r.rooms[room]
	if !ok {
		sockets = make(map[string]Socket)
		r.rooms[room] = sockets
	}
	sockets[s.ID()] = s

	joined, ok := r.members[s.ID()]
	if !ok {
		joined = make(map[string]struct{})
		r.members[s.ID()] = joined
	}
	joined[room] = struct{}{}
	return len(sockets)
}

// Leave removes the socket from room and returns the room size afterwards.
// Empty rooms are removed.
func (r *Rooms) Leave(room, socketID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(room, socketID)
}

func (r *Rooms) leaveLocked(room, socketID string) int {
	if joined, ok := r.members[socketID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.members, socketID)
		}
	}
	sockets, ok := r.rooms[room]
	if !ok {
		return 0
	}
	delete(sockets, socketID)
	if len(sockets) == 0 {
		delete(r.rooms, room)
		return 0
	}
	return len(sockets)
}

// LeaveAll removes the socket from every room it joined and returns the
// resulting size of each of those rooms.
func (r *Rooms) LeaveAll(socketID string) map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined := r.members[socketID]
	sizes := make(map[string]int, len(joined))
	for room := range joined {
		sizes[room] = r.leaveLocked(room, socketID)
	}
	return sizes
}

// Size returns the number of local sockets in room.
func (r *Rooms) Size(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// RoomsOf returns the rooms a socket has joined, sorted.
func (r *Rooms) RoomsOf(socketID string) []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.members[socketID]))
	for room := range r.members[socketID] {
		out = append(out, room)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Stats returns the number of rooms and room memberships.
func (r *Rooms) Stats() (rooms, memberships int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rooms = len(r.rooms)
	for _, sockets := range r.rooms {
		memberships += len(sockets)
	}
	return rooms, memberships
}

// DeliverLocal sends frame to every socket in room except the one whose id
// equals except.
func (r *Rooms) DeliverLocal(room string, frame []byte, except string) {
	r.mu.RLock()
	targets := make([]Socket, 0, len(r.rooms[room]))
	for id, s := range r.rooms[room] {
		if except != "" && id == except {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		if err := s.Send(frame); err != nil {
			log.Warn().
				Err(err).
				Str("socket_id", s.ID()).
				Str("room", room).
				Msg("dropping frame for slow socket")
		}
	}
}
