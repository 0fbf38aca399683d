// Package hub tracks which connected clients sit in which room.
package hub

import (
	"sync"

	"table-session/internal/domain"
)

// Member is a connected client. Deliver must not block; it reports false
// when the frame was dropped.
type Member interface {
	Deliver(f domain.Frame) bool
}

type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[Member]struct{}
}

func New() *Hub { return &Hub{rooms: map[string]map[Member]struct{}{}} }

func (h *Hub) Join(room string, m Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.rooms[room]
	if !ok {
		set = map[Member]struct{}{}
		h.rooms[room] = set
	}
	set[m] = struct{}{}
}

func (h *Hub) Leave(room string, m Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(room, m)
}

// LeaveAll removes m from every room; called when its socket goes away.
func (h *Hub) LeaveAll(m Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.rooms {
		h.leaveLocked(room, m)
	}
}

func (h *Hub) leaveLocked(room string, m Member) {
	set, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(set, m)
	if len(set) == 0 {
		delete(h.rooms, room)
	}
}

// Broadcast sends ev to the members of ev.Room and returns how many took it.
func (h *Hub) Broadcast(ev domain.Event) int {
	h.mu.RLock()
	members := make([]Member, 0, len(h.rooms[ev.Room]))
	for m := range h.rooms[ev.Room] {
		members = append(members, m)
	}
	h.mu.RUnlock()

	f := domain.Frame{Type: domain.FrameEvent, Room: ev.Room, Event: ev.Name, Payload: ev.Payload}
	n := 0
	for _, m := range members {
		if m.Deliver(f) {
			n++
		}
	}
	return n
}

func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
