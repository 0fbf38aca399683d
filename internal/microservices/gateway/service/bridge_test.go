package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"table-session/internal/common/logger"
	"table-session/internal/domain"
	"table-session/internal/microservices/gateway/hub"
)

type fakeBroker struct {
	deliveries chan amqp.Delivery
	bindings   []string
	declareErr error
}

func (b *fakeBroker) DeclareTopic(string) error { return b.declareErr }
func (b *fakeBroker) DeclareQueue(string) (string, error) {
	return "amq.gen-1", nil
}
func (b *fakeBroker) Bind(queue, key, exchange string) error {
	b.bindings = append(b.bindings, queue+"|"+key+"|"+exchange)
	return nil
}
func (b *fakeBroker) Consume(string, string, int) (<-chan amqp.Delivery, error) {
	return b.deliveries, nil
}

type member struct {
	mu     sync.Mutex
	frames []domain.Frame
}

func (m *member) Deliver(f domain.Frame) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, f)
	return true
}

func (m *member) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

func TestBridgeFansOutRoomEvents(t *testing.T) {
	h := hub.New()
	guest := &member{}
	h.Join("restaurant:r1:table:t1", guest)

	b := &fakeBroker{deliveries: make(chan amqp.Delivery, 4)}
	br := NewBridge(b, h, "table_events", logger.NewNop())

	b.deliveries <- amqp.Delivery{RoutingKey: "room.restaurant:r1:table:t1.order.updated",
		Body: []byte(`{"event":"order.updated","room":"restaurant:r1:table:t1"}`)}
	b.deliveries <- amqp.Delivery{RoutingKey: "room.restaurant:r1:table:t2.order.updated",
		Body: []byte(`{"event":"order.updated","room":"restaurant:r1:table:t2"}`)}
	b.deliveries <- amqp.Delivery{RoutingKey: "garbage", Body: []byte(`nope`)}
	close(b.deliveries)

	err := br.Run(context.Background())
	require.Error(t, err, "closed delivery channel ends the bridge")
	assert.Equal(t, 1, guest.count())
	assert.Equal(t, []string{"amq.gen-1|room.#|table_events"}, b.bindings)
}

func TestBridgeStopsWithContext(t *testing.T) {
	b := &fakeBroker{deliveries: make(chan amqp.Delivery)}
	br := NewBridge(b, hub.New(), "table_events", logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- br.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop")
	}
}

func TestBridgeSetupError(t *testing.T) {
	b := &fakeBroker{declareErr: errors.New("access refused")}
	err := NewBridge(b, hub.New(), "table_events", logger.NewNop()).Run(context.Background())
	assert.EqualError(t, err, "access refused")
}
