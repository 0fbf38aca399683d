package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"table-session/internal/common/mq"
	"table-session/internal/domain"
)

type fakeBroker struct {
	mu        sync.Mutex
	bindings  []string
	published []mq.Message
	closes    int

	deliveries chan amqp.Delivery
	closed     chan *amqp.Error
	once       sync.Once
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{deliveries: make(chan amqp.Delivery, 8), closed: make(chan *amqp.Error, 1)}
}

func (b *fakeBroker) Bind(queue, key, exchange string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings = append(b.bindings, "+"+queue+"|"+key+"|"+exchange)
	return nil
}

func (b *fakeBroker) Unbind(queue, key, exchange string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings = append(b.bindings, "-"+queue+"|"+key+"|"+exchange)
	return nil
}

func (b *fakeBroker) Publish(_ context.Context, m mq.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, m)
	return nil
}

// Close ends the delivery stream like a real channel close does.
func (b *fakeBroker) Close() {
	b.mu.Lock()
	b.closes++
	b.mu.Unlock()
	b.shutdown()
}

func (b *fakeBroker) shutdown() { b.once.Do(func() { close(b.deliveries) }) }

func (b *fakeBroker) closeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}

type ackRecorder struct {
	mu    sync.Mutex
	acked []uint64
}

func (a *ackRecorder) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *ackRecorder) Nack(uint64, bool, bool) error { return nil }
func (a *ackRecorder) Reject(uint64, bool) error     { return nil }

func (a *ackRecorder) tags() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.acked...)
}

// startAMQP runs the consume loop over b until the test ends.
func startAMQP(t *testing.T, b *fakeBroker, h Handlers) *amqpTransport {
	t.Helper()
	tr := &amqpTransport{c: b, creds: creds, exchange: "table_events", queue: "amq.gen-1", h: h}
	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.consume(b.deliveries, b.closed)
	}()
	t.Cleanup(func() {
		_ = tr.Close()
		<-done
	})
	return tr
}

func TestAMQPTransportHasNoLiveReauth(t *testing.T) {
	_, ok := Transport(&amqpTransport{}).(Reauther)
	assert.False(t, ok)
}

func TestAMQPConsumeDispatchesAndAcks(t *testing.T) {
	b := newFakeBroker()
	events := make(chan string, 4)
	dropped := make(chan error, 2)
	tr := startAMQP(t, b, Handlers{
		OnEvent:      func(e domain.Event) { events <- e.Room + "|" + e.Name },
		OnDisconnect: func(err error) { dropped <- err },
	})

	acks := &ackRecorder{}
	b.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 1,
		RoutingKey: "room.restaurant:r1:table:t1.order.updated",
		Body:       []byte(`{"event":"order.updated","room":"restaurant:r1:table:t1"}`)}
	b.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 2, RoutingKey: "garbage", Body: []byte(`nope`)}
	b.shutdown()

	select {
	case err := <-dropped:
		assert.ErrorContains(t, err, "delivery channel closed")
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}
	require.Len(t, events, 1)
	assert.Equal(t, scope+"|order.updated", <-events)
	assert.Equal(t, []uint64{1, 2}, acks.tags(), "undecodable deliveries are acked too")
	assert.Equal(t, 1, b.closeCount())

	require.NoError(t, tr.Close())
	assert.Equal(t, 1, b.closeCount(), "close after a drop is a no-op")
	assert.ErrorIs(t, tr.Emit("call_waiter", nil), ErrNotConnected)
	assert.Empty(t, dropped)
}

func TestAMQPBrokerCloseReportsOnce(t *testing.T) {
	b := newFakeBroker()
	dropped := make(chan error, 2)
	startAMQP(t, b, Handlers{OnDisconnect: func(err error) { dropped <- err }})

	b.closed <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"}

	select {
	case err := <-dropped:
		var aerr *amqp.Error
		require.True(t, errors.As(err, &aerr))
		assert.Equal(t, amqp.ConnectionForced, aerr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, dropped)
	assert.Equal(t, 1, b.closeCount())
}

func TestAMQPCleanBrokerShutdownIsReported(t *testing.T) {
	b := newFakeBroker()
	dropped := make(chan error, 1)
	startAMQP(t, b, Handlers{OnDisconnect: func(err error) { dropped <- err }})

	close(b.closed)
	select {
	case err := <-dropped:
		assert.ErrorContains(t, err, "broker connection closed")
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}
}

func TestAMQPCloseDoesNotReportDisconnect(t *testing.T) {
	b := newFakeBroker()
	dropped := make(chan error, 1)
	tr := startAMQP(t, b, Handlers{OnDisconnect: func(err error) { dropped <- err }})

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	select {
	case err := <-dropped:
		t.Fatalf("unexpected disconnect callback: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, b.closeCount())
}

func TestAMQPRoomsAndEmit(t *testing.T) {
	b := newFakeBroker()
	tr := startAMQP(t, b, Handlers{})

	require.NoError(t, tr.Join(scope))
	require.NoError(t, tr.Leave(scope))
	require.NoError(t, tr.Emit("call_waiter", map[string]string{"reason": "bill"}))

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, []string{
		"+amq.gen-1|room.restaurant:r1:table:t1.#|table_events",
		"-amq.gen-1|room.restaurant:r1:table:t1.#|table_events",
	}, b.bindings)
	require.Len(t, b.published, 1)
	msg := b.published[0]
	assert.Equal(t, "table_events", msg.Exchange)
	assert.Equal(t, "client.table.call_waiter", msg.Key)
	assert.JSONEq(t, `{"reason":"bill"}`, string(msg.Body))
	assert.NotEmpty(t, msg.MessageID)
	assert.Equal(t, amqp.Table{"x-auth-token": "tok-1", "x-scope": scope}, msg.Headers)
}

func TestAMQPTokenChangeReconnects(t *testing.T) {
	var (
		wg      sync.WaitGroup
		brokers []*fakeBroker
	)
	t.Cleanup(wg.Wait)
	d := DialFunc(func(_ context.Context, c Credentials, h Handlers) (Transport, error) {
		b := newFakeBroker()
		brokers = append(brokers, b)
		tr := &amqpTransport{c: b, creds: c, exchange: "table_events", queue: "amq.gen-1", h: h}
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.consume(b.deliveries, b.closed)
		}()
		return tr, nil
	})
	m, fc := newTestManager(t, d, testConfig())
	require.NoError(t, m.Connect(context.Background(), creds))
	require.NoError(t, m.JoinScope(scope))

	next := creds
	next.Token = "tok-2"
	require.NoError(t, m.Connect(context.Background(), next))

	assert.Equal(t, int64(2), m.Handshakes())
	require.Len(t, brokers, 2)
	assert.Equal(t, 1, brokers[0].closeCount())
	assert.Equal(t, Connected, m.State().Status)
	assert.Zero(t, fc.Pending(), "closing the old transport must not schedule a reconnect")

	require.NoError(t, m.Emit("call_waiter", nil))
	brokers[1].mu.Lock()
	defer brokers[1].mu.Unlock()
	require.Len(t, brokers[1].published, 1)
	assert.Equal(t, "tok-2", brokers[1].published[0].Headers["x-auth-token"])
	assert.Equal(t, []string{"+amq.gen-1|room.restaurant:r1:table:t1.#|table_events"}, brokers[1].bindings)
}
