package hub

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"table-session/internal/domain"
)

type member struct {
	mu     sync.Mutex
	frames []domain.Frame
	full   bool
}

func (m *member) Deliver(f domain.Frame) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full {
		return false
	}
	m.frames = append(m.frames, f)
	return true
}

func TestRoomsOnlyReceiveTheirOwnEvents(t *testing.T) {
	h := New()
	a, b, staff := &member{}, &member{}, &member{}
	h.Join("restaurant:r1:table:t1", a)
	h.Join("restaurant:r1:table:t2", b)
	h.Join("restaurant:r1", staff)
	h.Join("restaurant:r1", a)

	assert.Equal(t, 1, h.Broadcast(domain.Event{Name: "order.updated", Room: "restaurant:r1:table:t1"}))
	assert.Equal(t, 2, h.Broadcast(domain.Event{Name: "menu_changed", Room: "restaurant:r1"}))
	assert.Equal(t, 0, h.Broadcast(domain.Event{Name: "x", Room: "restaurant:r9"}))

	assert.Len(t, a.frames, 2)
	assert.Empty(t, b.frames)
	assert.Len(t, staff.frames, 1)
	assert.Equal(t, domain.FrameEvent, a.frames[0].Type)
	assert.Equal(t, "order.updated", a.frames[0].Event)
}

func TestLeaveAndLeaveAll(t *testing.T) {
	h := New()
	a, b := &member{}, &member{}
	h.Join("r", a)
	h.Join("r", b)
	h.Join("s", a)

	h.Leave("r", b)
	assert.Equal(t, 1, h.Members("r"))

	h.LeaveAll(a)
	assert.Zero(t, h.Members("r"))
	assert.Zero(t, h.Rooms())
	h.Leave("missing", a)
}

func TestBroadcastCountsDrops(t *testing.T) {
	h := New()
	ok, slow := &member{}, &member{full: true}
	h.Join("r", ok)
	h.Join("r", slow)
	assert.Equal(t, 1, h.Broadcast(domain.Event{Name: "e", Room: "r"}))
}
